// Persistence gives cache entries optional durability across restarts. Adapters store opaque,
// versioned byte blobs under string keys; the in-memory cache stays authoritative, so every
// adapter failure degrades to memory-only behavior instead of surfacing to the user.

package persist

import "errors"

var (
	// ErrQuotaExceeded is returned by Write when the backing store rejects the blob due to a
	// platform-imposed size limit. The store reacts by evicting one additional entry and
	// retrying once before giving up on durability for that entry.
	ErrQuotaExceeded = errors.New("persistence quota exceeded")
	// ErrCorruptRecord is returned when a stored blob fails checksum or structural validation.
	// Callers treat the key as absent and purge it.
	ErrCorruptRecord = errors.New("corrupt persisted record")
	// ErrIncompatibleSchema is returned when a stored blob carries a schema tag from a different
	// major version. Treated the same as absent rather than corrupting the live cache.
	ErrIncompatibleSchema = errors.New("incompatible persisted schema")
)

// Adapter abstracts a durable, quota-limited local key-value store.
type Adapter interface {
	// Read returns the blob stored under key and whether it was found. A missing key is not an
	// error.
	Read(key string) ([]byte, bool, error)
	// Write stores the blob under key, returning ErrQuotaExceeded when the store is out of space.
	Write(key string, blob []byte) error
	// Delete removes the blob stored under key. Deleting a missing key is a no-op.
	Delete(key string) error
}
