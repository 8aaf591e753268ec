package application

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	trxchain "github.com/arkade-os/custodyd/internal/infrastructure/chain/trx"
	arkerrors "github.com/arkade-os/custodyd/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const btcDestination = "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080"

func newBTCEnv(t *testing.T) (*testEnv, *mockAdapter) {
	adapter := newMockAdapter(domain.ChainFamilyBTC, "regtest")
	env := newTestEnv(t, Config{
		Assets: domain.AssetTable{"BTC": btcTestAsset},
	}, nil, adapter)
	return env, adapter
}

func btcWithdrawal(amount, key string) domain.WithdrawalRequest {
	return domain.WithdrawalRequest{
		UserID:             "alice",
		AssetSymbol:        "BTC",
		Amount:             decimal.RequireFromString(amount),
		DestinationAddress: btcDestination,
		IdempotencyKey:     key,
	}
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")

		expectedKey, err := env.keys.DeriveForAsset("alice", "BTC")
		require.NoError(t, err)

		var usedKey []byte
		adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				usedKey = append([]byte{}, args.Get(1).([]byte)...)
			}).
			Return(&ports.SignedTransfer{Family: domain.ChainFamilyBTC, TxID: "txid-1"}, nil)
		adapter.On("Submit", mock.Anything, mock.Anything).Return("txid-1", nil)

		result, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.NoError(t, err)
		require.NotNil(t, result)
		require.Equal(t, domain.WithdrawalStateCommitted, result.Status)
		require.Equal(t, "txid-1", result.TxHash)
		require.Equal(t, "0.5001", result.AmountDebited.String())
		require.Equal(t, "0.0001", result.FeeCharged.String())
		require.Equal(t, expectedKey.Bytes(), usedKey)

		// amount plus fee stays locked until the tx is buried
		env.requireBalance(t, "alice", "BTC", "0.4999", "0.5001")

		record, err := env.repo.TxRecords().Get(ctx, result.WithdrawalID)
		require.NoError(t, err)
		require.Equal(t, domain.TxStatusPending, record.Status)
		require.Equal(t, "txid-1", record.ChainTxID)
		require.EqualValues(t, 2, record.RequiredConfirmations)

		req := adapter.Calls[0].Arguments.Get(2).(ports.TransferRequest)
		require.Equal(t, btcDestination, req.Destination)
		require.Equal(t, "0.5", req.Amount.String())
		require.Equal(t, result.WithdrawalID, req.Reference)

		withdrawal, err := env.svc.GetWithdrawal(ctx, result.WithdrawalID)
		require.NoError(t, err)
		require.Equal(t, domain.WithdrawalStateCommitted, withdrawal.State)
		require.Zero(t, env.alertsSent(ports.AmbiguousBroadcast))
	})

	t.Run("normalizes request", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")
		adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
			Return(&ports.SignedTransfer{Family: domain.ChainFamilyBTC, TxID: "txid-1"}, nil)
		adapter.On("Submit", mock.Anything, mock.Anything).Return("txid-1", nil)

		req := btcWithdrawal("0.1", "")
		req.AssetSymbol = " btc "
		req.DestinationAddress = " " + btcDestination + "\n"

		result, err := env.svc.Withdraw(ctx, req)
		require.NoError(t, err)
		require.Equal(t, domain.WithdrawalStateCommitted, result.Status)

		withdrawal, err := env.svc.GetWithdrawal(ctx, result.WithdrawalID)
		require.NoError(t, err)
		require.Equal(t, "BTC", withdrawal.AssetSymbol)
		require.Equal(t, btcDestination, withdrawal.DestinationAddress)
		require.NotEmpty(t, withdrawal.IdempotencyKey)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "0.0004")

		result, err := env.svc.Withdraw(ctx, btcWithdrawal("0.0005", "key-1"))
		require.Error(t, err)
		require.Nil(t, result)
		require.True(t, arkerrors.INSUFFICIENT_BALANCE.Is(err))

		env.requireBalance(t, "alice", "BTC", "0.0004", "0")
		adapter.AssertNotCalled(t, "Prepare", mock.Anything, mock.Anything, mock.Anything)
		adapter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

		failed, err := env.svc.ListWithdrawals(ctx, domain.WithdrawalStateFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		require.Equal(t, "0.0006", failed[0].Total.String())
	})

	t.Run("invalid", func(t *testing.T) {
		testCases := []struct {
			name  string
			req   func(req *domain.WithdrawalRequest)
			check func(err error) bool
		}{
			{
				name:  "invalid destination",
				req:   func(req *domain.WithdrawalRequest) { req.DestinationAddress = "invalid" },
				check: arkerrors.VALIDATION_FAILED.Is,
			},
			{
				name:  "zero amount",
				req:   func(req *domain.WithdrawalRequest) { req.Amount = decimal.Zero },
				check: arkerrors.VALIDATION_FAILED.Is,
			},
			{
				name: "negative amount",
				req: func(req *domain.WithdrawalRequest) {
					req.Amount = decimal.RequireFromString("-0.1")
				},
				check: arkerrors.VALIDATION_FAILED.Is,
			},
			{
				name: "below minimum",
				req: func(req *domain.WithdrawalRequest) {
					req.Amount = decimal.RequireFromString("0.00009")
				},
				check: arkerrors.VALIDATION_FAILED.Is,
			},
			{
				name: "excess precision",
				req: func(req *domain.WithdrawalRequest) {
					req.Amount = decimal.RequireFromString("0.123456789")
				},
				check: arkerrors.VALIDATION_FAILED.Is,
			},
			{
				name:  "missing user",
				req:   func(req *domain.WithdrawalRequest) { req.UserID = "" },
				check: arkerrors.VALIDATION_FAILED.Is,
			},
			{
				name:  "unknown asset",
				req:   func(req *domain.WithdrawalRequest) { req.AssetSymbol = "DOGE" },
				check: arkerrors.CONFIGURATION_ERROR.Is,
			},
			{
				name:  "asset not configured",
				req:   func(req *domain.WithdrawalRequest) { req.AssetSymbol = "ETH" },
				check: arkerrors.CONFIGURATION_ERROR.Is,
			},
		}

		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				req := btcWithdrawal("0.1", tc.name)
				tc.req(&req)

				result, err := env.svc.Withdraw(ctx, req)
				require.Error(t, err)
				require.Nil(t, result)
				require.True(t, tc.check(err), err.Error())
			})
		}

		env.requireBalance(t, "alice", "BTC", "1", "0")
		require.Zero(t, env.repo.wallets.callCount("Lock"))
		require.Empty(t, env.repo.withdrawals.withdrawals)
		adapter.AssertNotCalled(t, "Prepare", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejected broadcast rolls back", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")

		adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
			Return(&ports.SignedTransfer{Family: domain.ChainFamilyBTC, TxID: "txid-1"}, nil)
		adapter.On("Submit", mock.Anything, mock.Anything).
			Return("", fmt.Errorf("%w: bad-txns-inputs-missingorspent", ports.ErrTxRejected))

		result, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.Error(t, err)
		require.Nil(t, result)
		require.True(t, arkerrors.BROADCAST_FAILURE.Is(err))

		env.requireBalance(t, "alice", "BTC", "1", "0")
		require.Equal(t, 1, env.repo.wallets.callCount("Rollback"))

		rolledBack, err := env.svc.ListWithdrawals(ctx, domain.WithdrawalStateRolledBack)
		require.NoError(t, err)
		require.Len(t, rolledBack, 1)
		require.Contains(t, rolledBack[0].FailReason, "bad-txns-inputs-missingorspent")

		_, err = env.repo.TxRecords().Get(ctx, rolledBack[0].ID)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("prepare failure rolls back", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")

		adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("not enough confirmed funds"))

		_, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.True(t, arkerrors.BROADCAST_FAILURE.Is(err))
		env.requireBalance(t, "alice", "BTC", "1", "0")
		adapter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("failed rollback requires reconciliation", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")
		env.repo.wallets.failRollback = true

		adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
			Return(&ports.SignedTransfer{Family: domain.ChainFamilyBTC, TxID: "txid-1"}, nil)
		adapter.On("Submit", mock.Anything, mock.Anything).
			Return("", fmt.Errorf("%w: min relay fee not met", ports.ErrTxRejected))

		_, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.True(t, arkerrors.BROADCAST_FAILURE.Is(err))

		// funds stay locked for an operator to resolve
		env.requireBalance(t, "alice", "BTC", "0.4999", "0.5001")
		flagged, err := env.svc.ListWithdrawals(ctx, domain.WithdrawalStateReconciliationRequired)
		require.NoError(t, err)
		require.Len(t, flagged, 1)
		require.Equal(t, 1, env.alertsSent(ports.ReconciliationRequired))
	})

	t.Run("ambiguous broadcast found on chain", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")

		adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
			Return(&ports.SignedTransfer{Family: domain.ChainFamilyBTC, TxID: "txid-1"}, nil)
		adapter.On("Submit", mock.Anything, mock.Anything).
			Return("", fmt.Errorf("%w: connection reset by peer", ports.ErrTxAmbiguous))
		adapter.On("Lookup", mock.Anything, "txid-1").
			Return(&ports.ChainTxState{TxID: "txid-1", Found: true}, nil)

		result, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.NoError(t, err)
		require.Equal(t, domain.WithdrawalStateCommitted, result.Status)
		require.Equal(t, "txid-1", result.TxHash)

		env.requireBalance(t, "alice", "BTC", "0.4999", "0.5001")
		_, err = env.repo.TxRecords().Get(ctx, result.WithdrawalID)
		require.NoError(t, err)
		require.Zero(t, env.alertsSent(ports.AmbiguousBroadcast))
	})

	t.Run("ambiguous broadcast not found", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")
		withdrawalID := ambiguousWithdrawal(t, env, adapter, "0.5")

		withdrawal, err := env.svc.GetWithdrawal(ctx, withdrawalID)
		require.NoError(t, err)
		require.Equal(t, domain.WithdrawalStateAmbiguous, withdrawal.State)
		require.Equal(t, "txid-1", withdrawal.ChainTxID)

		env.requireBalance(t, "alice", "BTC", "0.4999", "0.5001")
		require.Equal(t, 1, env.alertsSent(ports.AmbiguousBroadcast))
		require.Equal(t, []int64{1060}, env.scheduler.onceAt)
	})

	t.Run("idempotent replay", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")

		adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
			Return(&ports.SignedTransfer{Family: domain.ChainFamilyBTC, TxID: "txid-1"}, nil)
		adapter.On("Submit", mock.Anything, mock.Anything).Return("txid-1", nil)

		first, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.NoError(t, err)
		second, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.NoError(t, err)

		require.Equal(t, first, second)
		adapter.AssertNumberOfCalls(t, "Prepare", 1)
		adapter.AssertNumberOfCalls(t, "Submit", 1)
		require.Equal(t, 1, env.repo.wallets.callCount("Lock"))
		env.requireBalance(t, "alice", "BTC", "0.4999", "0.5001")

		_, err = env.svc.Withdraw(ctx, btcWithdrawal("0.2", "key-1"))
		require.True(t, arkerrors.ALREADY_EXISTS.Is(err))
		adapter.AssertNumberOfCalls(t, "Prepare", 1)
	})

	t.Run("replay of a failed request", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "0.0004")

		_, err := env.svc.Withdraw(ctx, btcWithdrawal("0.0005", "key-1"))
		require.True(t, arkerrors.INSUFFICIENT_BALANCE.Is(err))

		// a retry after a top up does not move funds twice under the same key
		env.credit(t, "alice", "BTC", "1")
		result, err := env.svc.Withdraw(ctx, btcWithdrawal("0.0005", "key-1"))
		require.NoError(t, err)
		require.Equal(t, domain.WithdrawalStateFailed, result.Status)
		adapter.AssertNotCalled(t, "Prepare", mock.Anything, mock.Anything, mock.Anything)
	})
}

// ambiguousWithdrawal runs a withdrawal whose broadcast times out and whose tx is not
// yet known to the chain.
var signedTransfer = ports.SignedTransfer{
	Family: domain.ChainFamilyBTC, TxID: "txid-1", Raw: []byte("signed-1"),
}

func ambiguousWithdrawal(t *testing.T, env *testEnv, adapter *mockAdapter, amount string) string {
	t.Helper()

	adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
		Return(&signedTransfer, nil).Once()
	adapter.On("Submit", mock.Anything, mock.Anything).
		Return("", context.DeadlineExceeded).Once()
	adapter.On("Lookup", mock.Anything, "txid-1").Return(nil, ports.ErrTxNotFound).Once()

	_, err := env.svc.Withdraw(context.Background(), btcWithdrawal(amount, "ambiguous"))
	require.Error(t, err)
	require.True(t, arkerrors.AMBIGUOUS_BROADCAST.Is(err))

	ambiguous, err := env.svc.ListWithdrawals(
		context.Background(), domain.WithdrawalStateAmbiguous,
	)
	require.NoError(t, err)
	require.Len(t, ambiguous, 1)
	return ambiguous[0].ID
}

func TestWithdrawTRC20BroadcastTimeout(t *testing.T) {
	ctx := context.Background()

	var (
		hang      = make(chan struct{})
		mined     atomic.Bool
		broadcast atomic.Int32
	)

	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wallet/triggersmartcontract":
			fmt.Fprint(w, `{
				"result": {"result": true},
				"transaction": {
					"txID": "c4e16bd5dbd25f4324203a768c43bae84c11a2c9afe96bca6d0fd7e623bf581b",
					"raw_data": {},
					"raw_data_hex": "0a02beef",
					"visible": true
				}
			}`)
		case "/wallet/broadcasttransaction":
			broadcast.Add(1)
			// the node never answers
			select {
			case <-r.Context().Done():
			case <-hang:
			}
		case "/wallet/gettransactioninfobyid":
			if mined.Load() {
				fmt.Fprint(w, `{"id": "c4e16bd5dbd25f4324203a768c43bae84c11a2c9afe96bca6d0fd7e623bf581b",
					"blockNumber": 1000, "receipt": {"result": "SUCCESS"}}`)
				return
			}
			fmt.Fprint(w, `{}`)
		case "/wallet/getnowblock":
			fmt.Fprint(w, `{"block_header": {"raw_data": {"number": 1002}}}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
	t.Cleanup(node.Close)
	t.Cleanup(func() { close(hang) })

	adapter, err := trxchain.NewAdapter("tron", node.URL)
	require.NoError(t, err)

	env := newTestEnv(t, Config{
		Assets:           domain.AssetTable{"USDT-TRC20": usdtTestAsset},
		BroadcastTimeout: 200 * time.Millisecond,
		ReconcileAfter:   120,
	}, nil, adapter)
	env.credit(t, "alice", "USDT-TRC20", "20")

	bob, err := env.svc.ParticipantKey(ctx, "bob", domain.ChainFamilyTRX)
	require.NoError(t, err)

	result, err := env.svc.Withdraw(ctx, domain.WithdrawalRequest{
		UserID:             "alice",
		AssetSymbol:        "USDT-TRC20",
		Amount:             decimal.NewFromInt(10),
		DestinationAddress: bob.Address,
		IdempotencyKey:     "trc20-1",
	})
	require.Error(t, err)
	require.Nil(t, result)
	require.True(t, arkerrors.AMBIGUOUS_BROADCAST.Is(err))
	require.EqualValues(t, 1, broadcast.Load())

	// neither credited back nor consumed
	env.requireBalance(t, "alice", "USDT-TRC20", "9", "11")
	require.Equal(t, 1, env.alertsSent(ports.AmbiguousBroadcast))

	ambiguous, err := env.svc.ListWithdrawals(ctx, domain.WithdrawalStateAmbiguous)
	require.NoError(t, err)
	require.Len(t, ambiguous, 1)
	withdrawal := ambiguous[0]
	require.Equal(
		t, "c4e16bd5dbd25f4324203a768c43bae84c11a2c9afe96bca6d0fd7e623bf581b",
		withdrawal.ChainTxID,
	)
	require.Equal(t, []int64{1120}, env.scheduler.onceAt)

	// still unknown within the grace period
	require.Equal(t, 1, env.scheduler.runScheduled())
	withdrawal2, err := env.svc.GetWithdrawal(ctx, withdrawal.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStateAmbiguous, withdrawal2.State)
	require.Len(t, env.scheduler.onceFns, 1)

	mined.Store(true)
	require.Equal(t, 1, env.scheduler.runScheduled())
	withdrawal2, err = env.svc.GetWithdrawal(ctx, withdrawal.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStateCommitted, withdrawal2.State)

	record, err := env.repo.TxRecords().Get(ctx, withdrawal.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, record.Confirmations)
	require.EqualValues(t, 1, broadcast.Load())
	env.requireBalance(t, "alice", "USDT-TRC20", "9", "11")
}

func TestWithdrawConfirmationWait(t *testing.T) {
	ctx := context.Background()
	wait := 5 * time.Second

	newEnv := func(t *testing.T) (*testEnv, *mockAdapter) {
		adapter := newMockAdapter(domain.ChainFamilyBTC, "regtest")
		env := newTestEnv(t, Config{
			Assets:           domain.AssetTable{"BTC": btcTestAsset},
			ConfirmationWait: wait,
		}, nil, adapter)
		env.credit(t, "alice", "BTC", "1")
		adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
			Return(&signedTransfer, nil)
		adapter.On("Submit", mock.Anything, signedTransfer).Return("txid-1", nil)
		return env, adapter
	}

	t.Run("confirmed within the wait", func(t *testing.T) {
		env, adapter := newEnv(t)
		adapter.On("AwaitConfirmation", mock.Anything, "txid-1", wait).
			Return(&ports.ChainTxState{TxID: "txid-1", Found: true, Confirmations: 1}, nil)

		result, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.NoError(t, err)
		require.Equal(t, domain.WithdrawalStateCommitted, result.Status)

		record, err := env.repo.TxRecords().Get(ctx, result.WithdrawalID)
		require.NoError(t, err)
		require.EqualValues(t, 1, record.Confirmations)
		env.requireBalance(t, "alice", "BTC", "0.4999", "0.5001")
	})

	t.Run("wait runs out", func(t *testing.T) {
		env, adapter := newEnv(t)
		adapter.On("AwaitConfirmation", mock.Anything, "txid-1", wait).
			Return(nil, context.DeadlineExceeded)

		result, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.NoError(t, err)
		require.Equal(t, domain.WithdrawalStateCommitted, result.Status)

		record, err := env.repo.TxRecords().Get(ctx, result.WithdrawalID)
		require.NoError(t, err)
		require.Equal(t, domain.TxStatusPending, record.Status)
		require.Zero(t, record.Confirmations)
	})

	t.Run("failed on chain", func(t *testing.T) {
		env, adapter := newEnv(t)
		adapter.On("AwaitConfirmation", mock.Anything, "txid-1", wait).
			Return(&ports.ChainTxState{TxID: "txid-1", Found: true, Failed: true}, nil)

		result, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.Nil(t, result)
		require.True(t, arkerrors.RECONCILIATION_REQUIRED.Is(err))
		require.Equal(t, 1, env.alertsSent(ports.TxFailedOnChain))

		withdrawals, err := env.svc.ListWithdrawals(
			ctx, domain.WithdrawalStateReconciliationRequired,
		)
		require.NoError(t, err)
		require.Len(t, withdrawals, 1)
		_, err = env.repo.TxRecords().Get(ctx, withdrawals[0].ID)
		require.ErrorIs(t, err, domain.ErrNotFound)
		// the fee is spent, funds stay locked for an operator to settle
		env.requireBalance(t, "alice", "BTC", "0.4999", "0.5001")
	})

	t.Run("disabled", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")
		adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
			Return(&signedTransfer, nil)
		adapter.On("Submit", mock.Anything, signedTransfer).Return("txid-1", nil)

		_, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.NoError(t, err)
		adapter.AssertNotCalled(t, "AwaitConfirmation", mock.Anything, mock.Anything, mock.Anything)
	})
}

