package models

import "errors"

var (
	ErrValidation    = errors.New("validation failed")
	ErrPermission    = errors.New("permission denied")
	ErrWindowExpired = errors.New("edit window expired")
	ErrNotFound      = errors.New("not found")
	ErrStore         = errors.New("store failure")
	ErrRateLimited   = errors.New("rate limited")
)

// ReplyMessage turns err into the text sent back to the originating
// connection. Store failures are not described to clients.
func ReplyMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStore):
		return "Internal error, please retry"
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrPermission),
		errors.Is(err, ErrWindowExpired),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrRateLimited):
		return err.Error()
	default:
		return "Request failed"
	}
}
