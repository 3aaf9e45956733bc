package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() Record {
	return Record{
		Payload:     []byte("rendered page payload"),
		UIState:     []byte("scroll=120;panel=open"),
		CreatedAt:   time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC),
		StaleAfter:  time.Date(2026, 1, 2, 15, 5, 0, 0, time.UTC),
		AccessCount: 42,
	}
}

func TestRecordCodec_RoundTrip(t *testing.T) {
	original := testRecord()
	decoded, err := DecodeRecord(EncodeRecord(original))
	require.NoError(t, err)

	assert.Equal(t, original.Payload, decoded.Payload)
	assert.Equal(t, original.UIState, decoded.UIState)
	assert.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
	assert.True(t, original.StaleAfter.Equal(decoded.StaleAfter))
	assert.Equal(t, original.AccessCount, decoded.AccessCount)
}

func TestRecordCodec_RoundTripEmptyBlobs(t *testing.T) {
	decoded, err := DecodeRecord(EncodeRecord(Record{CreatedAt: time.Unix(0, 1), StaleAfter: time.Unix(0, 2)}))
	require.NoError(t, err)
	assert.Empty(t, decoded.Payload)
	assert.Empty(t, decoded.UIState)
}

func TestRecordCodec_DecodedCopiesAreIndependent(t *testing.T) {
	blob := EncodeRecord(testRecord())
	decoded, err := DecodeRecord(blob)
	require.NoError(t, err)

	for i := range blob {
		blob[i] = 0xff
	}
	assert.Equal(t, testRecord().Payload, decoded.Payload, "The record must not alias the adapter's buffer.")
}

func TestRecordCodec_CorruptBlobs(t *testing.T) {
	t.Run("TooShort", func(t *testing.T) {
		_, err := DecodeRecord([]byte{0x01})
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
	t.Run("TruncatedHeader", func(t *testing.T) {
		blob := EncodeRecord(testRecord())
		_, err := DecodeRecord(blob[:10])
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
	t.Run("FlippedPayloadByte", func(t *testing.T) {
		blob := EncodeRecord(testRecord())
		blob[len(blob)-1] ^= 0xff
		_, err := DecodeRecord(blob)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
	t.Run("MalformedSchemaTag", func(t *testing.T) {
		blob := EncodeRecord(testRecord())
		blob[1] = 'x' // The tag no longer parses as a semantic version.
		_, err := DecodeRecord(blob)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
}

func TestRecordCodec_IncompatibleSchema(t *testing.T) {
	blob := EncodeRecord(testRecord())
	// The checksum does not cover the tag, so bumping the major digit yields a well-formed blob
	// from a future schema.
	blob[2] = '9'
	_, err := DecodeRecord(blob)
	assert.ErrorIs(t, err, ErrIncompatibleSchema)
}
