package api

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/yakoovad/review-payouts/internal/auth"
	"github.com/yakoovad/review-payouts/internal/service"
	"github.com/yakoovad/review-payouts/pkg/logger"
	"go.uber.org/zap"
)

const (
	loggerKey    = "logger"
	tokenTypeKey = "token_type"
)

func ZapLoggerMiddleware(l *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			req := c.Request()
			res := c.Response()

			requestID := res.Header().Get(echo.HeaderXRequestID)

			reqLogger := l.With(
				zap.String("request_id", requestID),
			)

			c.Set(loggerKey, reqLogger)

			ctx := logger.WithLogger(req.Context(), reqLogger)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.String("remote_ip", c.RealIP()),
				zap.Int("status", res.Status),
				zap.Duration("latency", time.Since(start)),
				zap.Int64("bytes_in", req.ContentLength),
				zap.Int64("bytes_out", res.Size),
			}

			if err != nil {
				fields = append(fields, zap.Error(err))
				reqLogger.Error("request failed", fields...)
			} else {
				reqLogger.Info("request completed", fields...)
			}

			return err
		}
	}
}

func GetLoggerFromContext(c echo.Context) *zap.Logger {
	if l, ok := c.Get(loggerKey).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// AuthMiddleware admits requests carrying a bearer token of one of the
// allowed types. An empty secret rejects everything.
func AuthMiddleware(secret string, allowed ...auth.TokenType) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			l := GetLoggerFromContext(c)

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return unauthorized(c, "missing bearer token")
			}

			tokenType, valid := auth.IsValidToken(secret, token)
			if !valid {
				l.Warn("rejected invalid token")
				return unauthorized(c, "invalid token")
			}

			if !slices.Contains(allowed, tokenType) {
				l.Warn("rejected token type", zap.String("token_type", string(tokenType)))
				return unauthorized(c, "insufficient permissions")
			}

			c.Set(tokenTypeKey, tokenType)
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, msg string) error {
	response := struct {
		Error *service.Error `json:"error"`
	}{Error: service.NewError(service.ErrorCodeUnauthorized, msg)}

	return c.JSON(http.StatusUnauthorized, response)
}
