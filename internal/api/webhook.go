package api

import (
	"io"
	"net/http"

	"github.com/google/go-github/v82/github"
	"github.com/labstack/echo/v4"
	"github.com/yakoovad/review-payouts/internal/model"
	"github.com/yakoovad/review-payouts/internal/service"
	"github.com/yakoovad/review-payouts/pkg/logger"
	"go.uber.org/zap"
)

const (
	eventPullRequest       = "pull_request"
	eventPullRequestReview = "pull_request_review"
)

const maxWebhookBody = 5 << 20

func (h *Handler) PullRequestWebhook(e echo.Context) error {
	return h.webhook(e, eventPullRequest)
}

func (h *Handler) PullRequestReviewWebhook(e echo.Context) error {
	return h.webhook(e, eventPullRequestReview)
}

// webhook decodes a GitHub delivery addressed to route and hands it to the
// event service. The X-GitHub-Event header wins over the route when present.
func (h *Handler) webhook(e echo.Context, route string) error {
	r := e.Request()
	deliveryID := github.DeliveryID(r)

	l := logger.FromContext(r.Context()).With(zap.String("delivery_id", deliveryID))

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		l.Error("failed to read webhook body", zap.Error(err))
		return h.transportError(e, service.NewError(service.ErrorCodeInvalidBody, "invalid request body"))
	}

	eventType := github.WebHookType(r)
	if eventType == "" {
		eventType = route
	}
	if eventType != route {
		l.Info("webhook event does not match route", zap.String("event", eventType), zap.String("route", route))
		return e.JSON(http.StatusOK, &model.WebhookResult{Status: model.WebhookStatusIgnored})
	}

	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		l.Error("failed to parse webhook payload", zap.String("event", eventType), zap.Error(err))
		return h.transportError(e, service.NewError(service.ErrorCodeInvalidBody, "invalid webhook payload"))
	}

	var (
		res  *model.WebhookResult
		serr *service.Error
	)

	switch ev := parsed.(type) {
	case *github.PullRequestEvent:
		res, serr = h.events.HandlePullRequestEvent(r.Context(), toPullRequestEvent(deliveryID, ev))
	case *github.PullRequestReviewEvent:
		res, serr = h.events.HandleReviewEvent(r.Context(), toReviewEvent(deliveryID, ev))
	default:
		return e.JSON(http.StatusOK, &model.WebhookResult{Status: model.WebhookStatusIgnored})
	}

	if serr != nil {
		l.Error("failed to process webhook", zap.String("event", eventType), zap.Any("error", serr))
		return h.transportError(e, service.NewError(service.ErrorCodeUnspecified, "webhook processing failed"))
	}

	return e.JSON(http.StatusOK, res)
}

func toPullRequestEvent(deliveryID string, ev *github.PullRequestEvent) *model.PullRequestEvent {
	pr := ev.GetPullRequest()

	number := ev.GetNumber()
	if number == 0 {
		number = pr.GetNumber()
	}

	out := &model.PullRequestEvent{
		DeliveryID: deliveryID,
		Action:     ev.GetAction(),
		Number:     number,
		Title:      pr.GetTitle(),
		Body:       pr.Body,
		URL:        pr.GetHTMLURL(),
		Merged:     pr.GetMerged(),
		Author:     toGitHubUser(pr.GetUser()),
	}

	if reviewer := ev.GetRequestedReviewer(); reviewer != nil {
		u := toGitHubUser(reviewer)
		out.RequestedReviewer = &u
	}

	return out
}

func toReviewEvent(deliveryID string, ev *github.PullRequestReviewEvent) *model.PullRequestReviewEvent {
	pr := ev.GetPullRequest()
	review := ev.GetReview()

	return &model.PullRequestReviewEvent{
		DeliveryID: deliveryID,
		Action:     ev.GetAction(),
		Number:     pr.GetNumber(),
		URL:        pr.GetHTMLURL(),
		Reviewer:   toGitHubUser(review.GetUser()),
		State:      review.GetState(),
	}
}

func toGitHubUser(u *github.User) model.GitHubUser {
	return model.GitHubUser{
		ID:    u.GetID(),
		Login: u.GetLogin(),
	}
}
