package auth

import "fmt"

var (
	ErrInvalidToken         = fmt.Errorf("invalid token")
	ErrInvalidSigningMethod = fmt.Errorf("invalid signing method")
	ErrEmptySecret          = fmt.Errorf("token secret is not configured")
)
