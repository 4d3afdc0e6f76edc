package service

type ErrorCode string

const (
	ErrorCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrorCodeUnspecified   ErrorCode = "UNSPECIFIED"
	ErrorCodeInvalidBody   ErrorCode = "INVALID_BODY"
	ErrorCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrorCodeStateConflict ErrorCode = "STATE_CONFLICT"
)

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewServiceError is used inside transaction callbacks, where the *Error is
// returned as a plain error and recovered with errors.As afterwards.
func NewServiceError(code ErrorCode, message string) error {
	return NewError(code, message)
}

func (e *Error) Error() string {
	return e.Message
}
