package media

import "errors"

var (
	// ErrNotInitialized means no session was established before a download.
	ErrNotInitialized = errors.New("media: session not initialized")

	// Transient reference failures; the reference is re-resolved and retried.
	ErrFileReferenceExpired = errors.New("media: file reference expired")
	ErrFileReferenceInvalid = errors.New("media: file reference invalid")
	ErrFileIDInvalid        = errors.New("media: file id invalid")

	// ErrCancelled is returned when the progress callback asked to stop.
	ErrCancelled = errors.New("media: transfer cancelled")

	ErrSessionNotFound = errors.New("media: session not found")
)

// IsTransientReference reports whether err is a reference failure worth retrying.
func IsTransientReference(err error) bool {
	return errors.Is(err, ErrFileReferenceExpired) ||
		errors.Is(err, ErrFileReferenceInvalid) ||
		errors.Is(err, ErrFileIDInvalid)
}
