// Records are packed into a self-describing envelope before hitting the adapter:
//
//	[1B tag length][schema tag][8B xxhash checksum][8B createdAt][8B staleAfter]
//	[8B accessCount][4B payload length][payload][uiState]
//
// The checksum covers every byte after the checksum field itself. A blob whose tag belongs to a
// different major schema version, or whose checksum doesn't match, is reported as incompatible /
// corrupt so callers treat it as absent instead of hydrating garbage into the live cache.

package persist

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/mod/semver"
)

// SchemaVersion tags every persisted record. Bump the major version on any layout change that
// older readers cannot decode.
const SchemaVersion = "v1.0.0"

// Record is the durable form of a cache entry: the opaque payload and UI state blobs plus the
// freshness metadata a warm start needs.
type Record struct {
	Payload     []byte
	UIState     []byte
	CreatedAt   time.Time
	StaleAfter  time.Time
	AccessCount int64
}

const recordHeaderSize = 8 /*checksum*/ + 8 /*createdAt*/ + 8 /*staleAfter*/ + 8 /*accessCount*/ + 4 /*payload length*/

// EncodeRecord packs a record into its envelope form.
func EncodeRecord(rec Record) []byte {
	tag := []byte(SchemaVersion)
	size := 1 + len(tag) + recordHeaderSize + len(rec.Payload) + len(rec.UIState)
	blob := make([]byte, size)

	blob[0] = byte(len(tag))
	copy(blob[1:], tag)
	body := blob[1+len(tag):]
	// body[0:8] is the checksum slot, filled last.
	binary.BigEndian.PutUint64(body[8:], uint64(rec.CreatedAt.UTC().UnixNano()))
	binary.BigEndian.PutUint64(body[16:], uint64(rec.StaleAfter.UTC().UnixNano()))
	binary.BigEndian.PutUint64(body[24:], uint64(rec.AccessCount))
	binary.BigEndian.PutUint32(body[32:], uint32(len(rec.Payload)))
	copy(body[36:], rec.Payload)
	copy(body[36+len(rec.Payload):], rec.UIState)

	binary.BigEndian.PutUint64(body[:8], xxhash.Sum64(body[8:]))
	return blob
}

// DecodeRecord unpacks an envelope produced by EncodeRecord.
func DecodeRecord(blob []byte) (Record, error) {
	if len(blob) < 2 {
		return Record{}, fmt.Errorf("%w: blob too short", ErrCorruptRecord)
	}
	tagLen := int(blob[0])
	if len(blob) < 1+tagLen+recordHeaderSize {
		return Record{}, fmt.Errorf("%w: blob shorter than header", ErrCorruptRecord)
	}
	tag := string(blob[1 : 1+tagLen])
	if !semver.IsValid(tag) {
		return Record{}, fmt.Errorf("%w: malformed schema tag %q", ErrCorruptRecord, tag)
	}
	if semver.Major(tag) != semver.Major(SchemaVersion) {
		return Record{}, fmt.Errorf("%w: got %s, want major %s", ErrIncompatibleSchema, tag, semver.Major(SchemaVersion))
	}

	body := blob[1+tagLen:]
	wantChecksum := binary.BigEndian.Uint64(body[:8])
	if gotChecksum := xxhash.Sum64(body[8:]); gotChecksum != wantChecksum {
		return Record{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	createdNs := int64(binary.BigEndian.Uint64(body[8:]))
	staleNs := int64(binary.BigEndian.Uint64(body[16:]))
	accessCount := binary.BigEndian.Uint64(body[24:])
	payloadLen := int(binary.BigEndian.Uint32(body[32:]))
	if payloadLen > len(body)-recordHeaderSize {
		return Record{}, fmt.Errorf("%w: payload length %d exceeds blob", ErrCorruptRecord, payloadLen)
	}
	if accessCount > math.MaxInt64 {
		return Record{}, fmt.Errorf("%w: access count overflow", ErrCorruptRecord)
	}

	payload := body[recordHeaderSize : recordHeaderSize+payloadLen]
	uiState := body[recordHeaderSize+payloadLen:]
	return Record{
		// Copies keep the record independent of the adapter's backing buffer.
		Payload:     append([]byte(nil), payload...),
		UIState:     append([]byte(nil), uiState...),
		CreatedAt:   time.Unix(0, createdNs),
		StaleAfter:  time.Unix(0, staleNs),
		AccessCount: int64(accessCount),
	}, nil
}
