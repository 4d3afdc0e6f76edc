package model

type PRAction string

const (
	PRActionOpened          PRAction = "opened"
	PRActionClosed          PRAction = "closed"
	PRActionReviewRequested PRAction = "review_requested"
)

type ReviewAction string

const (
	ReviewActionSubmitted ReviewAction = "submitted"
)

type WebhookStatus string

const (
	WebhookStatusProcessed WebhookStatus = "processed"
	WebhookStatusIgnored   WebhookStatus = "ignored"
	WebhookStatusDuplicate WebhookStatus = "duplicate"
)

type GitHubUser struct {
	ID    int64
	Login string
}

// PullRequestEvent is the part of a pull_request webhook the reconciler
// acts on.
type PullRequestEvent struct {
	DeliveryID        string
	Action            string
	Number            int
	Title             string
	Body              *string
	URL               string
	Merged            bool
	Author            GitHubUser
	RequestedReviewer *GitHubUser
}

type PullRequestReviewEvent struct {
	DeliveryID string
	Action     string
	Number     int
	URL        string
	Reviewer   GitHubUser
	State      string
}

type WebhookResult struct {
	Status   WebhookStatus `json:"status"`
	Action   string        `json:"action"`
	PRNumber int           `json:"pr_number,omitempty"`
}
