package handlers

// Error codes returned in ErrorResponse.Code. Generic codes mirror the HTTP
// status; the rest name the operation that failed.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"

	ErrCodeInvalidEvent = "invalid_event"
	ErrCodeEventFailed  = "event_failed"
	ErrCodeListFailed   = "list_failed"
	ErrCodeSweepFailed  = "sweep_failed"
)
