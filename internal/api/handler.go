package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/yakoovad/review-payouts/internal/auth"
	"github.com/yakoovad/review-payouts/internal/model"
	"github.com/yakoovad/review-payouts/internal/service"
	"github.com/yakoovad/review-payouts/pkg/logger"
	"go.uber.org/zap"
)

const (
	serviceName    = "review-payouts"
	serviceVersion = "v0.1.0"
)

// Wallet is the read side of the payout signer.
type Wallet interface {
	Address() string
	Balance(ctx context.Context) (decimal.Decimal, bool)
}

type Handler struct {
	events  *service.EventService
	reviews *service.ReviewService
	claims  *service.ClaimService

	wallet        Wallet
	healthChecker HealthChecker

	authSecret  string
	corsOrigins []string

	logger *zap.Logger
}

func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

func (h *Handler) WithHealthChecker(c HealthChecker) *Handler {
	h.healthChecker = c
	return h
}

func (h *Handler) WithEventService(events *service.EventService) *Handler {
	h.events = events
	return h
}

func (h *Handler) WithReviewService(reviews *service.ReviewService) *Handler {
	h.reviews = reviews
	return h
}

func (h *Handler) WithClaimService(claims *service.ClaimService) *Handler {
	h.claims = claims
	return h
}

func (h *Handler) WithWallet(w Wallet) *Handler {
	h.wallet = w
	return h
}

func (h *Handler) WithAuthSecret(secret string) *Handler {
	h.authSecret = secret
	return h
}

func (h *Handler) WithCORSOrigins(origins []string) *Handler {
	h.corsOrigins = origins
	return h
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.Validator = NewValidator()
	e.Use(middleware.RequestID())
	e.Use(ZapLoggerMiddleware(h.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     h.corsOrigins,
		AllowCredentials: true,
	}))

	e.GET("/", h.Root)
	if h.healthChecker != nil {
		e.GET("/health", h.healthChecker.HealthCheck())
	}

	e.POST("/webhooks/github/pull-request", h.PullRequestWebhook)
	e.POST("/webhooks/github/pull-request-review", h.PullRequestReviewWebhook)

	e.GET("/getPRs", h.GetPRs)
	e.POST("/claimPR", h.ClaimPR)

	admin := e.Group("/admin")
	admin.GET("/wallet/balance", h.WalletBalance, AuthMiddleware(h.authSecret, auth.TokenTypeAdmin, auth.TokenTypeWatcher))
	admin.POST("/payments/reconcile", h.ReconcilePayments, AuthMiddleware(h.authSecret, auth.TokenTypeAdmin))
}

func (h *Handler) Root(e echo.Context) error {
	return e.JSON(http.StatusOK, map[string]string{
		"service": serviceName,
		"version": serviceVersion,
		"status":  "ok",
	})
}

type getPRsRequest struct {
	UserID string `query:"user_id" validate:"required"`
	Status string `query:"status"`

	status *model.ReviewStatus
}

func (h *Handler) GetPRs(e echo.Context) error {
	l := logger.FromContext(e.Request().Context())

	req := &getPRsRequest{}

	if err := ProcessRequest(e, req, bindAndValidate[getPRsRequest], parseReviewStatus); err != nil {
		l.Error("invalid request", zap.Any("error", err))
		return h.transportError(e, asServiceError(err))
	}

	l.Info("listing user reviews", zap.String("user_id", req.UserID))

	reviews, err := h.reviews.ListUserReviews(e.Request().Context(), req.UserID, req.status)
	if err != nil {
		l.Error("failed to list user reviews", zap.String("user_id", req.UserID), zap.Any("error", err))
		return h.transportError(e, err)
	}

	return e.JSON(http.StatusOK, reviews)
}

func parseReviewStatus(_ echo.Context, req *getPRsRequest) error {
	if req.Status == "" {
		return nil
	}

	st, ok := model.ParseReviewStatus(req.Status)
	if !ok {
		return service.NewServiceError(service.ErrorCodeInvalidBody, "unknown review status: "+req.Status)
	}
	req.status = &st
	return nil
}

func (h *Handler) ClaimPR(e echo.Context) error {
	l := logger.FromContext(e.Request().Context())

	req := &model.ClaimRequest{}

	if err := h.decodeRequest(e, req); err != nil {
		l.Error("invalid request", zap.Any("error", err))
		return h.transportError(e, err)
	}

	l.Info("claiming review",
		zap.String("user_id", req.UserID),
		zap.Int64("pr_id", req.PullRequestID))

	res, err := h.claims.Claim(e.Request().Context(), req)
	if err != nil {
		l.Error("failed to claim review",
			zap.String("user_id", req.UserID),
			zap.Int64("pr_id", req.PullRequestID),
			zap.Any("error", err))
		return h.transportError(e, err)
	}

	return e.JSON(http.StatusOK, res)
}

func (h *Handler) WalletBalance(e echo.Context) error {
	resp := struct {
		Address string           `json:"address"`
		Balance *decimal.Decimal `json:"balance"`
	}{Address: h.wallet.Address()}

	if bal, ok := h.wallet.Balance(e.Request().Context()); ok {
		resp.Balance = &bal
	} else {
		logger.FromContext(e.Request().Context()).Warn("wallet balance unavailable")
	}

	return e.JSON(http.StatusOK, resp)
}

func (h *Handler) ReconcilePayments(e echo.Context) error {
	l := logger.FromContext(e.Request().Context())

	settled, err := h.claims.ReconcilePendingPayments(e.Request().Context())
	if err != nil {
		l.Error("failed to reconcile pending payments", zap.Error(err))
		return h.transportError(e, service.NewError(service.ErrorCodeUnspecified, "failed to reconcile pending payments"))
	}

	l.Info("pending payments reconciled", zap.Int("settled", settled))

	return e.JSON(http.StatusOK, map[string]int{"settled": settled})
}

func (h *Handler) decodeRequest(e echo.Context, req any) *service.Error {
	if err := e.Bind(req); err != nil {
		return service.NewError(service.ErrorCodeInvalidBody, "invalid request body")
	}

	if err := e.Validate(req); err != nil {
		return service.NewError(service.ErrorCodeInvalidBody, errors.Wrap(err, "request validation failed").Error())
	}
	return nil
}

// bindAndValidate is decodeRequest shaped as a ProcessRequest step.
func bindAndValidate[T any](e echo.Context, req *T) error {
	if err := e.Bind(req); err != nil {
		return service.NewServiceError(service.ErrorCodeInvalidBody, "invalid request body")
	}

	if err := e.Validate(req); err != nil {
		return service.NewServiceError(service.ErrorCodeInvalidBody, errors.Wrap(err, "request validation failed").Error())
	}
	return nil
}

func asServiceError(err error) *service.Error {
	var se *service.Error
	if errors.As(err, &se) {
		return se
	}
	return service.NewError(service.ErrorCodeUnspecified, err.Error())
}

func (h *Handler) transportError(e echo.Context, err *service.Error) error {
	response := struct {
		Error *service.Error `json:"error"`
	}{Error: err}

	switch err.Code {
	case service.ErrorCodeNotFound:
		return e.JSON(http.StatusNotFound, response)
	case service.ErrorCodeInvalidBody:
		return e.JSON(http.StatusBadRequest, response)
	case service.ErrorCodeUnauthorized:
		return e.JSON(http.StatusUnauthorized, response)
	case service.ErrorCodeStateConflict:
		return e.JSON(http.StatusConflict, response)
	default:
		return e.JSON(http.StatusInternalServerError, response)
	}
}
