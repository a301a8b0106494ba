package domain

import "errors"

var (
	// ErrTransientIO marks storage or database failures worth retrying.
	ErrTransientIO = errors.New("transient io failure")
	// ErrMalformedRecord marks a line that cannot be decoded into a record.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrUnrecognizedFileType marks content that is not a known file format.
	ErrUnrecognizedFileType = errors.New("unrecognized file type")
	// ErrDuplicateIngestion marks an already ingested file or record.
	ErrDuplicateIngestion = errors.New("duplicate ingestion")
	// ErrPurgeFailure marks a blob that could not be deleted.
	ErrPurgeFailure = errors.New("purge failure")

	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrRetryExhausted    = errors.New("retry not allowed")
	ErrOperatorRequired  = errors.New("operator identity required")
	ErrSizeMismatch      = errors.New("received size does not match declared size")
	ErrNotFound          = errors.New("not found")
	ErrDeleted           = errors.New("upload is soft-deleted")
	ErrInvalidInput      = errors.New("invalid input")
)

// IsTransient reports whether a file-level failure should leave the upload
// retryable.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnrecognizedFileType),
		errors.Is(err, ErrMalformedRecord),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrDuplicateIngestion):
		return false
	}
	return true
}
