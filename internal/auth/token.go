package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

type TokenType string

const (
	TokenTypeUndefined TokenType = ""
	TokenTypeAdmin     TokenType = "admin"
	// TokenTypeWatcher may read wallet state but not trigger settlements.
	TokenTypeWatcher TokenType = "watcher"
)

type TokenClaims struct {
	Type TokenType `json:"type"`
	jwt.RegisteredClaims
}

func GenerateToken(secret string, tokenType TokenType, dur time.Duration) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	claims := TokenClaims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(dur)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func VerifyToken(secret, tokenString string) (*TokenClaims, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			alg, _ := token.Header["alg"].(string)
			return nil, errors.Wrap(ErrInvalidSigningMethod, alg)
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func IsValidToken(secret, tokenString string) (TokenType, bool) {
	claims, err := VerifyToken(secret, tokenString)
	if err != nil {
		return "", false
	}
	return claims.Type, true
}
