package errors

import (
	"fmt"
)

// Kind classifies an upload failure. The HTTP mapping lives in
// HttpCodeForUploadError; everything below the handler layer only
// deals in kinds.
type Kind int

const (
	// BadRequest covers malformed or out-of-declared-range chunk
	// metadata, and metadata mismatches on re-registration.
	BadRequest Kind = iota
	// PayloadTooLarge means a per-file or per-session size ceiling
	// was exceeded. Rejected before any write.
	PayloadTooLarge
	// ServerError means a filesystem retry budget was exhausted or
	// the final assembly step failed.
	ServerError
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad request"
	case PayloadTooLarge:
		return "payload too large"
	default:
		return "server error"
	}
}

type UploadError struct {
	Err     error
	Message string
	Kind    Kind
}

func (e *UploadError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%v: %v", e.Message, e.Err.Error())
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func (e *UploadError) Wrap(err error) {
	e.Err = err
}

func NewBadRequest(format string, args ...interface{}) *UploadError {
	return &UploadError{Kind: BadRequest, Message: fmt.Sprintf(format, args...)}
}

func NewPayloadTooLarge(format string, args ...interface{}) *UploadError {
	return &UploadError{Kind: PayloadTooLarge, Message: fmt.Sprintf(format, args...)}
}

func NewServerError(err error, format string, args ...interface{}) *UploadError {
	return &UploadError{Kind: ServerError, Err: err, Message: fmt.Sprintf(format, args...)}
}
