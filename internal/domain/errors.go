package domain

import "errors"

var (
	// ErrInvalidInput means a request violated a precondition. No store
	// call is made.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransientStore means the document store was unavailable or failed.
	// The operation may be retried by re-invoking it.
	ErrTransientStore = errors.New("document store unavailable")

	// ErrNotFound means the target document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMalformed means a stored document could not be decoded into a Post.
	ErrMalformed = errors.New("malformed document")
)
