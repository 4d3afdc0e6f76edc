package payment

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/yakoovad/review-payouts/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultGasLimit       uint64 = 21000
	DefaultConfirmTimeout        = 120 * time.Second
)

// ChainClient is the part of *ethclient.Client the executor talks to.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type Config struct {
	PrivateKey     string
	ChainID        int64
	GasLimit       uint64
	ConfirmTimeout time.Duration
}

type Request struct {
	To     string
	Amount decimal.Decimal
	// OnSigned is called with the transaction hash after signing and before
	// the transaction is sent. A non-nil error aborts the payment and nothing
	// is sent.
	OnSigned func(ctx context.Context, txHash string) error
}

type Receipt struct {
	TxHash      string
	Nonce       uint64
	BlockNumber uint64
	GasUsed     uint64
}

type Confirmation string

const (
	ConfirmationPending   Confirmation = "pending"
	ConfirmationSucceeded Confirmation = "succeeded"
	ConfirmationReverted  Confirmation = "reverted"
	// ConfirmationDropped means the network knows nothing of the
	// transaction: it was never accepted or has been evicted.
	ConfirmationDropped Confirmation = "dropped"
)

// Executor sends native transfers from a single signing key. The
// nonce-sign-broadcast sequence runs one payment at a time; waiting for
// inclusion does not block other payments. Once a transaction is signed the
// caller's context no longer cancels it.
type Executor struct {
	client ChainClient

	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	gasLimit       uint64
	confirmTimeout time.Duration

	signer *semaphore.Weighted
}

func NewExecutor(client ChainClient, cfg Config) (*Executor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.New("invalid signing key")
	}

	if cfg.ChainID <= 0 {
		return nil, errors.Errorf("invalid chain id %d", cfg.ChainID)
	}

	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}

	return &Executor{
		client:         client,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		gasLimit:       cfg.GasLimit,
		confirmTimeout: cfg.ConfirmTimeout,
		signer:         semaphore.NewWeighted(1),
	}, nil
}

// Address returns the checksummed address of the signing key.
func (e *Executor) Address() string {
	return e.from.Hex()
}

func (e *Executor) Pay(ctx context.Context, req Request) (*Receipt, error) {
	l := logger.FromContext(ctx)

	if !ValidateAddress(req.To) {
		return nil, newError(KindInvalidAddress, fmt.Sprintf("invalid recipient address: %s", req.To), "")
	}
	to := common.HexToAddress(req.To)

	value, err := ToWei(req.Amount)
	if err != nil {
		return nil, err
	}

	signed, err := e.broadcast(ctx, to, value, req.OnSigned)
	if err != nil {
		return nil, err
	}
	nonce := signed.Nonce()

	txHash := signed.Hash().Hex()
	l.Info("payment broadcast", zap.String("tx_hash", txHash), zap.Uint64("nonce", nonce))

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.confirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, e.client, signed)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			l.Warn("payment not confirmed in time", zap.String("tx_hash", txHash), zap.Duration("timeout", e.confirmTimeout))
			return nil, inFlight(newError(KindTimeout, fmt.Sprintf("transaction not included within %s", e.confirmTimeout), txHash))
		}
		return nil, inFlight(classify(err, txHash))
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		l.Error("payment reverted", zap.String("tx_hash", txHash))
		return nil, newError(KindReverted, "transaction reverted", txHash)
	}

	res := &Receipt{
		TxHash:  txHash,
		Nonce:   nonce,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}

	l.Info("payment confirmed", zap.String("tx_hash", txHash), zap.Uint64("block", res.BlockNumber))

	return res, nil
}

// broadcast builds, signs and sends one transfer while holding the signer.
// The pending nonce already counts the sent transaction once it returns.
//
// A send error is only final when the node answered with a JSON-RPC error.
// Anything else (a dropped connection, a timeout) may have happened after the
// node took the transaction, so the returned error carries the hash and is
// marked in flight.
func (e *Executor) broadcast(ctx context.Context, to common.Address, value *big.Int, onSigned func(context.Context, string) error) (*types.Transaction, error) {
	if err := e.signer.Acquire(ctx, 1); err != nil {
		return nil, classify(err, "")
	}
	defer e.signer.Release(1)

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, classify(errors.Wrap(err, "fetch nonce"), "")
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(errors.Wrap(err, "fetch gas price"), "")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      e.gasLimit,
		GasPrice: gasPrice,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return nil, newError(KindUnexpected, "sign transaction: "+err.Error(), "")
	}

	txHash := signed.Hash().Hex()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.confirmTimeout)
	defer cancel()

	if onSigned != nil {
		if err = onSigned(sendCtx, txHash); err != nil {
			return nil, newError(KindUnexpected, "record payment before send: "+err.Error(), "")
		}
	}

	logger.FromContext(ctx).Info("sending payment",
		zap.String("to", to.Hex()),
		zap.String("wei", value.String()),
		zap.Uint64("nonce", nonce),
		zap.String("tx_hash", txHash))

	err = e.client.SendTransaction(sendCtx, signed)
	switch {
	case err == nil:
	case alreadyKnown(err):
		logger.FromContext(ctx).Info("payment already known to the node", zap.String("tx_hash", txHash))
	case rejected(err):
		return nil, classify(errors.Wrap(err, "broadcast rejected"), txHash)
	default:
		logger.FromContext(ctx).Warn("payment send outcome unknown", zap.String("tx_hash", txHash), zap.Error(err))
		return nil, inFlight(classify(errors.Wrap(err, "broadcast transaction"), txHash))
	}

	return signed, nil
}

func inFlight(pe *Error) *Error {
	pe.InFlight = true
	return pe
}

// Confirmation looks up the outcome of a previously broadcast transaction.
func (e *Executor) Confirmation(ctx context.Context, txHash string) (Confirmation, error) {
	hash := common.HexToHash(txHash)

	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		_, _, err = e.client.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return ConfirmationDropped, nil
		}
		if err != nil {
			return "", classify(err, txHash)
		}
		return ConfirmationPending, nil
	}
	if err != nil {
		return "", classify(err, txHash)
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		return ConfirmationSucceeded, nil
	}
	return ConfirmationReverted, nil
}

// Balance returns the signer's holdings in whole coins. ok is false when the
// balance could not be read.
func (e *Executor) Balance(ctx context.Context) (decimal.Decimal, bool) {
	wei, err := e.client.BalanceAt(ctx, e.from, nil)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to read wallet balance", zap.Error(err))
		return decimal.Zero, false
	}
	return FromWei(wei), true
}

// CheckNetwork verifies the RPC endpoint serves the configured chain.
func (e *Executor) CheckNetwork(ctx context.Context) error {
	id, err := e.client.ChainID(ctx)
	if err != nil {
		return classify(errors.Wrap(err, "fetch chain id"), "")
	}

	if id.Cmp(e.chainID) != 0 {
		return errors.Errorf("rpc serves chain %s, expected %s", id, e.chainID)
	}
	return nil
}
