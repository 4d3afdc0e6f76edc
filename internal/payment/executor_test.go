package payment

import (
	"context"
	"encoding/hex"
	"math/big"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recipient = "0x52908400098527886E0F7030069857D2E4169EE7"

type fakeChain struct {
	mu sync.Mutex

	chainID  *big.Int
	gasPrice *big.Int
	balance  *big.Int

	nonceErr   error
	sendErr    error
	balanceErr error

	// acceptErr is returned by SendTransaction after the transaction was
	// taken, as when the connection drops before the node answers.
	acceptErr error
	onSend    func(ctx context.Context) error

	// receiptStatus is reported for every sent transaction; noReceipt keeps
	// them unmined.
	receiptStatus uint64
	noReceipt     bool

	sent       []*types.Transaction
	nonceCalls int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:       big.NewInt(84532),
		gasPrice:      big.NewInt(1_000_000),
		balance:       big.NewInt(0),
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.onSend != nil {
		if err := f.onSend(ctx); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return f.acceptErr
}

func (f *fakeChain) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return tx, f.noReceipt, nil
		}
	}
	return nil, false, ethereum.NotFound
}

// rpcError is how a node answers a call it refused.
type rpcError struct {
	code int
	msg  string
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noReceipt {
		return nil, ethereum.NotFound
	}
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{
				Status:      f.receiptStatus,
				TxHash:      hash,
				BlockNumber: big.NewInt(100),
				GasUsed:     tx.Gas(),
			}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balance, nil
}

func newTestExecutor(t *testing.T, chain *fakeChain, timeout time.Duration) *Executor {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	e, err := NewExecutor(chain, Config{
		PrivateKey:     hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:        84532,
		ConfirmTimeout: timeout,
	})
	require.NoError(t, err)
	return e
}

func TestNewExecutor(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hex.EncodeToString(crypto.FromECDSA(key))

	tests := []struct {
		name        string
		cfg         Config
		expectError bool
	}{
		{
			name: "success: plain hex key",
			cfg:  Config{PrivateKey: hexKey, ChainID: 84532},
		},
		{
			name: "success: 0x prefixed key",
			cfg:  Config{PrivateKey: "0x" + hexKey, ChainID: 84532},
		},
		{
			name:        "failure: malformed key",
			cfg:         Config{PrivateKey: "zz", ChainID: 84532},
			expectError: true,
		},
		{
			name:        "failure: zero chain id",
			cfg:         Config{PrivateKey: hexKey},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewExecutor(newFakeChain(), tt.cfg)
			if tt.expectError {
				require.Error(t, err)
				assert.Nil(t, e)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), e.Address())
			assert.Equal(t, DefaultGasLimit, e.gasLimit)
			assert.Equal(t, DefaultConfirmTimeout, e.confirmTimeout)
		})
	}
}

func TestExecutor_Pay(t *testing.T) {
	connRefused := &url.Error{Op: "Post", URL: "http://rpc.local", Err: errors.New("connection refused")}

	tests := []struct {
		name         string
		to           string
		amount       string
		setup          func(*fakeChain)
		expectedKind   FailureKind
		expectSent     int
		expectNonce    bool
		expectHash     bool
		expectInFlight bool
	}{
		{
			name:        "success: confirmed transfer",
			to:          recipient,
			amount:      "0.0000001",
			expectSent:  1,
			expectNonce: true,
		},
		{
			name:         "failure: malformed address",
			to:           "0x1234",
			amount:       "1",
			expectedKind: KindInvalidAddress,
		},
		{
			name:         "failure: bad checksum",
			to:           "0x52908400098527886E0F7030069857D2E4169Ee7",
			amount:       "1",
			expectedKind: KindInvalidAddress,
		},
		{
			name:         "failure: zero amount",
			to:           recipient,
			amount:       "0",
			expectedKind: KindInvalidAmount,
		},
		{
			name:   "failure: nonce fetch unreachable",
			to:     recipient,
			amount: "1",
			setup: func(f *fakeChain) {
				f.nonceErr = connRefused
			},
			expectedKind: KindConnectivity,
			expectNonce:  true,
		},
		{
			name:   "failure: broadcast unreachable",
			to:     recipient,
			amount: "1",
			setup: func(f *fakeChain) {
				f.sendErr = connRefused
			},
			expectedKind:   KindConnectivity,
			expectNonce:    true,
			expectHash:     true,
			expectInFlight: true,
		},
		{
			name:   "failure: broadcast rejected",
			to:     recipient,
			amount: "1",
			setup: func(f *fakeChain) {
				f.sendErr = rpcError{code: -32000, msg: "insufficient funds for gas * price + value"}
			},
			expectedKind: KindUnexpected,
			expectNonce:  true,
			expectHash:   true,
		},
		{
			name:   "failure: connection lost after the node took the transaction",
			to:     recipient,
			amount: "1",
			setup: func(f *fakeChain) {
				f.acceptErr = context.Canceled
			},
			expectedKind:   KindUnexpected,
			expectSent:     1,
			expectNonce:    true,
			expectHash:     true,
			expectInFlight: true,
		},
		{
			name:   "success: node already knows the transaction",
			to:     recipient,
			amount: "0.0000001",
			setup: func(f *fakeChain) {
				f.acceptErr = rpcError{code: -32000, msg: "already known"}
			},
			expectSent:  1,
			expectNonce: true,
		},
		{
			name:   "failure: reverted",
			to:     recipient,
			amount: "1",
			setup: func(f *fakeChain) {
				f.receiptStatus = types.ReceiptStatusFailed
			},
			expectedKind: KindReverted,
			expectSent:   1,
			expectNonce:  true,
			expectHash:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain()
			if tt.setup != nil {
				tt.setup(chain)
			}
			e := newTestExecutor(t, chain, time.Second)

			var signedHash string
			receipt, err := e.Pay(context.Background(), Request{
				To:     tt.to,
				Amount: decimal.RequireFromString(tt.amount),
				OnSigned: func(_ context.Context, txHash string) error {
					signedHash = txHash
					return nil
				},
			})

			assert.Len(t, chain.sent, tt.expectSent)
			assert.Equal(t, tt.expectNonce, chain.nonceCalls > 0)

			if tt.expectedKind != "" {
				require.Error(t, err)
				assert.Nil(t, receipt)
				assert.Equal(t, tt.expectedKind, KindOf(err))

				var pe *Error
				require.ErrorAs(t, err, &pe)
				if tt.expectHash {
					assert.NotEmpty(t, pe.TxHash)
					assert.Equal(t, signedHash, pe.TxHash)
				} else {
					assert.Empty(t, pe.TxHash)
				}
				assert.Equal(t, tt.expectInFlight, pe.InFlight)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, receipt)
			assert.Equal(t, signedHash, receipt.TxHash)
			assert.Equal(t, uint64(100), receipt.BlockNumber)

			tx := chain.sent[0]
			assert.Equal(t, common.HexToAddress(tt.to), *tx.To())
			assert.Equal(t, "100000000000", tx.Value().String())
			assert.Equal(t, DefaultGasLimit, tx.Gas())
			assert.Equal(t, chain.gasPrice.String(), tx.GasPrice().String())
			assert.Equal(t, "84532", tx.ChainId().String())

			sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(84532)), tx)
			require.NoError(t, err)
			assert.Equal(t, e.Address(), sender.Hex())
		})
	}
}

func TestExecutor_PayTimeoutKeepsHash(t *testing.T) {
	chain := newFakeChain()
	chain.noReceipt = true
	e := newTestExecutor(t, chain, 50*time.Millisecond)

	var signedHash string
	receipt, err := e.Pay(context.Background(), Request{
		To:     recipient,
		Amount: decimal.RequireFromString("0.5"),
		OnSigned: func(_ context.Context, txHash string) error {
			signedHash = txHash
			return nil
		},
	})

	require.Error(t, err)
	assert.Nil(t, receipt)
	assert.Equal(t, KindTimeout, KindOf(err))

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.NotEmpty(t, pe.TxHash)
	assert.Equal(t, signedHash, pe.TxHash)
	assert.True(t, pe.InFlight)
}

func TestExecutor_PayIgnoresCallerCancelAfterSigning(t *testing.T) {
	chain := newFakeChain()
	e := newTestExecutor(t, chain, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	receipt, err := e.Pay(ctx, Request{
		To:     recipient,
		Amount: decimal.RequireFromString("1"),
		OnSigned: func(context.Context, string) error {
			cancel()
			return nil
		},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TxHash)
	assert.Len(t, chain.sent, 1)
}

func TestExecutor_PayIgnoresCallerCancelDuringSend(t *testing.T) {
	chain := newFakeChain()
	e := newTestExecutor(t, chain, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	chain.onSend = func(sendCtx context.Context) error {
		cancel()
		return sendCtx.Err()
	}

	receipt, err := e.Pay(ctx, Request{To: recipient, Amount: decimal.RequireFromString("1")})

	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Len(t, chain.sent, 1)
	assert.Equal(t, chain.sent[0].Hash().Hex(), receipt.TxHash)
}

func TestExecutor_PayNotSentWhenSignedHookFails(t *testing.T) {
	chain := newFakeChain()
	e := newTestExecutor(t, chain, time.Second)

	var signedHash string
	receipt, err := e.Pay(context.Background(), Request{
		To:     recipient,
		Amount: decimal.RequireFromString("1"),
		OnSigned: func(_ context.Context, txHash string) error {
			signedHash = txHash
			return errors.New("db down")
		},
	})

	require.Error(t, err)
	assert.Nil(t, receipt)
	assert.NotEmpty(t, signedHash)
	assert.Empty(t, chain.sent)
	assert.Equal(t, KindUnexpected, KindOf(err))

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, pe.TxHash)
	assert.False(t, pe.InFlight)

	// the nonce was not consumed
	_, err = e.Pay(context.Background(), Request{To: recipient, Amount: decimal.RequireFromString("1")})
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)
	assert.Equal(t, uint64(0), chain.sent[0].Nonce())
}

func TestExecutor_PaySerializesNonces(t *testing.T) {
	chain := newFakeChain()
	e := newTestExecutor(t, chain, time.Second)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Pay(context.Background(), Request{To: recipient, Amount: decimal.NewFromInt(1)})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, chain.sent, n)
	nonces := make(map[uint64]struct{}, n)
	for _, tx := range chain.sent {
		nonces[tx.Nonce()] = struct{}{}
	}
	assert.Len(t, nonces, n)
}

func TestExecutor_Confirmation(t *testing.T) {
	tests := []struct {
		name     string
		status   uint64
		known    bool
		mined    bool
		expected Confirmation
	}{
		{name: "pending: known but not mined", known: true, expected: ConfirmationPending},
		{name: "dropped: unknown to the node", expected: ConfirmationDropped},
		{name: "succeeded", status: types.ReceiptStatusSuccessful, known: true, mined: true, expected: ConfirmationSucceeded},
		{name: "reverted", status: types.ReceiptStatusFailed, known: true, mined: true, expected: ConfirmationReverted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain()
			chain.receiptStatus = tt.status
			chain.noReceipt = !tt.mined
			e := newTestExecutor(t, chain, time.Second)

			to := common.HexToAddress(recipient)
			tx := types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1)})
			if tt.known {
				chain.sent = append(chain.sent, tx)
			}

			got, err := e.Confirmation(context.Background(), tx.Hash().Hex())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestExecutor_Balance(t *testing.T) {
	chain := newFakeChain()
	chain.balance, _ = new(big.Int).SetString("1500000000000000000", 10)
	e := newTestExecutor(t, chain, time.Second)

	balance, ok := e.Balance(context.Background())
	assert.True(t, ok)
	assert.True(t, decimal.RequireFromString("1.5").Equal(balance))

	chain.balanceErr = errors.New("rpc down")
	_, ok = e.Balance(context.Background())
	assert.False(t, ok)
}

func TestExecutor_CheckNetwork(t *testing.T) {
	chain := newFakeChain()
	e := newTestExecutor(t, chain, time.Second)

	assert.NoError(t, e.CheckNetwork(context.Background()))

	chain.chainID = big.NewInt(1)
	assert.Error(t, e.CheckNetwork(context.Background()))
}
