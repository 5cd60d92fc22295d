package chat

import "errors"

// Sentinel errors for the chat domain. HTTP status mapping lives in
// transport.errorStatus, which switches on errors.Is against this table --
// the same pattern the rest of this codebase uses for its own error
// taxonomy.
var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrRateLimited     = errors.New("rate limited")
	ErrSafetyBlocked   = errors.New("message blocked by safety gate")
	ErrProviderError   = errors.New("provider error")
	ErrInternal        = errors.New("internal error")
)
