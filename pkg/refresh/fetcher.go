// The fetcher is the external collaborator that knows how to load a page's data. The scheduler
// only cares about the payload bytes, the collaborator-supplied diff signal, and whether a
// failure is worth retrying.

package refresh

import (
	"context"
	"errors"
	"fmt"

	"github.com/nobletooth/pomelo/pkg/cache"
)

// Result is a successful fetch outcome.
type Result struct {
	Payload []byte
	// Updated is the collaborator-supplied diff signal: true when the fetched payload differs
	// materially from the previously served one, letting the view layer show a subtle indicator.
	Updated bool
}

// Fetcher loads fresh page data for a key. Implementations tag unrecoverable failures with
// Fatal; untagged and Transient errors are retried with backoff.
type Fetcher interface {
	Fetch(ctx context.Context, key cache.Key) (Result, error)
}

var (
	// ErrTransient marks a failure worth retrying (network errors, 5xx responses).
	ErrTransient = errors.New("transient fetch error")
	// ErrFatal marks a failure that retrying cannot fix (4xx responses, validation errors).
	ErrFatal = errors.New("fatal fetch error")
)

// Transient tags err as retryable.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Fatal tags err as not retryable.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}
