package services

import "errors"

// Errors returned by the post authoring and account services. They are
// wrapped with detail; match them with errors.Is.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("not the author")
	ErrNotFound        = errors.New("not found")
	ErrUpload          = errors.New("upload failed")
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("already exists")
)

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrUpload):
		return "upload_failed"
	default:
		return "error"
	}
}
