package admission

import "net/http"

// Kind classifies every failure a client can see.
type Kind int

// Failure kinds.
const (
	MissingCredentials Kind = iota + 1
	InvalidCredentials
	TenantSuspended
	OriginNotAllowed
	ValidationFailed
	EmailSuppressed
	RateLimited
	InternalError
)

var kindInfo = map[Kind]struct {
	status int
	code   string
	msg    string
}{
	MissingCredentials: {http.StatusUnauthorized, "missing_credentials", "Both X-Project-ID and X-Api-Key headers are required"},
	InvalidCredentials: {http.StatusUnauthorized, "invalid_credentials", "Project ID or API key is invalid"},
	TenantSuspended:    {http.StatusForbidden, "project_suspended", "This project has been suspended"},
	OriginNotAllowed:   {http.StatusForbidden, "origin_not_allowed", "CORS policy violation: Origin not allowed"},
	ValidationFailed:   {http.StatusUnprocessableEntity, "validation_failed", "Validation failed"},
	EmailSuppressed:    {http.StatusUnprocessableEntity, "email_suppressed", "This email address has been marked as undeliverable."},
	RateLimited:        {http.StatusTooManyRequests, "rate_limited", "Too many requests. Please try again later."},
	InternalError:      {http.StatusInternalServerError, "internal_error", "An unexpected error occurred. Please try again."},
}

// Status is the HTTP status code for k.
func (k Kind) Status() int {
	if info, ok := kindInfo[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Code is the snake_case identifier placed in the "error" field.
func (k Kind) Code() string {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return "internal_error"
}

// Message is the fixed client facing message for k.
func (k Kind) Message() string {
	if info, ok := kindInfo[k]; ok {
		return info.msg
	}
	return kindInfo[InternalError].msg
}

func (k Kind) String() string {
	return k.Code()
}
