package payment

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

type FailureKind string

const (
	KindInvalidAddress FailureKind = "INVALID_ADDRESS"
	KindInvalidAmount  FailureKind = "INVALID_AMOUNT"
	KindConnectivity   FailureKind = "CONNECTIVITY_ERROR"
	KindReverted       FailureKind = "REVERTED"
	KindTimeout        FailureKind = "TIMEOUT"
	KindUnexpected     FailureKind = "UNEXPECTED"
)

// Error is a classified payment failure. TxHash is set once the transaction
// has been signed and handed to the network. InFlight marks failures after
// which the transaction may still be included.
type Error struct {
	Kind     FailureKind
	Detail   string
	TxHash   string
	InFlight bool
}

func newError(kind FailureKind, detail, txHash string) *Error {
	return &Error{Kind: kind, Detail: detail, TxHash: txHash}
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s: %s (tx %s)", e.Kind, e.Detail, e.TxHash)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// KindOf returns the failure kind carried by err, KindUnexpected for any
// other non-nil error and an empty kind for nil.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnexpected
}

// rejected reports whether the node answered the send with a JSON-RPC error,
// meaning it did not take the transaction. "already known" is the one answer
// that means the opposite.
func rejected(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	return !strings.Contains(strings.ToLower(rpcErr.Error()), "already known")
}

func alreadyKnown(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Error()), "already known")
}

func classify(err error, txHash string) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, err.Error(), txHash)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return newError(KindConnectivity, err.Error(), txHash)
	}

	return newError(KindUnexpected, err.Error(), txHash)
}
