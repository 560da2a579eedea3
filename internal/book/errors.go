package book

import "errors"

// Error kinds from spec §7. Each is a sentinel so callers can use
// errors.Is against a wrapped error returned from Store operations.
var (
	// ErrSequenceGap is returned by ApplyDelta when a Policy A delta's
	// prev_update_id does not match the book's current last_update_id.
	ErrSequenceGap = errors.New("sequence gap")

	// ErrNotReady is returned by DisplaySnapshot when no snapshot has been
	// applied to the book yet.
	ErrNotReady = errors.New("book not ready")
)
