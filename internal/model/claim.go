package model

type ClaimRequest struct {
	UserID        string `json:"user_id" validate:"required"`
	PullRequestID int64  `json:"pr_id" validate:"required"`
	Address       string `json:"address" validate:"required"`
}

// ClaimErrorKind classifies a claim that did not pay out. Payment failure
// kinds are passed through verbatim from the payment executor.
type ClaimErrorKind string

const (
	ClaimErrorWrongStatus    ClaimErrorKind = "WRONG_STATUS"
	ClaimErrorPaymentPending ClaimErrorKind = "PAYMENT_PENDING"
)

type ClaimResult struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message"`
	ReviewID        int64          `json:"review_id,omitempty"`
	Status          ReviewStatus   `json:"status,omitempty"`
	TransactionHash string         `json:"transaction_hash,omitempty"`
	ErrorKind       ClaimErrorKind `json:"error_kind,omitempty"`
	Error           string         `json:"error,omitempty"`
}
