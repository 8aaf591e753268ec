package application

import (
	"context"
	"fmt"
	"testing"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestConfirmationTracker(t *testing.T) {
	ctx := context.Background()

	committedWithdrawal := func(t *testing.T) (*testEnv, *mockAdapter, string) {
		env, adapter := newBTCEnv(t)
		require.NoError(t, env.svc.Start())
		env.credit(t, "alice", "BTC", "1")

		adapter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).
			Return(&ports.SignedTransfer{Family: domain.ChainFamilyBTC, TxID: "txid-1"}, nil)
		adapter.On("Submit", mock.Anything, mock.Anything).Return("txid-1", nil)

		result, err := env.svc.Withdraw(ctx, btcWithdrawal("0.5", "key-1"))
		require.NoError(t, err)
		return env, adapter, result.WithdrawalID
	}

	t.Run("consumes locked funds once buried", func(t *testing.T) {
		env, adapter, withdrawalID := committedWithdrawal(t)

		adapter.On("Lookup", mock.Anything, "txid-1").Return(nil, ports.ErrTxNotFound).Once()
		adapter.On("Lookup", mock.Anything, "txid-1").
			Return(&ports.ChainTxState{TxID: "txid-1", Found: true, Confirmations: 1}, nil).Once()
		adapter.On("Lookup", mock.Anything, "txid-1").
			Return(&ports.ChainTxState{TxID: "txid-1", Found: true, Confirmations: 2}, nil)

		env.scheduler.tick()
		env.requireBalance(t, "alice", "BTC", "0.4999", "0.5001")

		env.scheduler.tick()
		record, err := env.repo.TxRecords().Get(ctx, withdrawalID)
		require.NoError(t, err)
		require.Equal(t, domain.TxStatusPending, record.Status)
		require.EqualValues(t, 1, record.Confirmations)
		env.requireBalance(t, "alice", "BTC", "0.4999", "0.5001")

		env.scheduler.tick()
		record, err = env.repo.TxRecords().Get(ctx, withdrawalID)
		require.NoError(t, err)
		require.Equal(t, domain.TxStatusConfirmed, record.Status)
		env.requireBalance(t, "alice", "BTC", "0.4999", "0")

		// confirmed records are no longer polled nor consumed twice
		env.scheduler.tick()
		adapter.AssertNumberOfCalls(t, "Lookup", 3)
		require.Equal(t, 1, env.repo.wallets.callCount("Commit"))
	})

	t.Run("tx failed on chain", func(t *testing.T) {
		env, adapter, withdrawalID := committedWithdrawal(t)

		adapter.On("Lookup", mock.Anything, "txid-1").
			Return(&ports.ChainTxState{TxID: "txid-1", Found: true, Failed: true}, nil)

		env.scheduler.tick()
		record, err := env.repo.TxRecords().Get(ctx, withdrawalID)
		require.NoError(t, err)
		require.Equal(t, domain.TxStatusFailed, record.Status)
		require.Equal(t, 1, env.alertsSent(ports.TxFailedOnChain))
		env.requireBalance(t, "alice", "BTC", "0.4999", "0.5001")
		require.Zero(t, env.repo.wallets.callCount("Commit"))
	})

	t.Run("lookup errors are retried", func(t *testing.T) {
		env, adapter, withdrawalID := committedWithdrawal(t)

		adapter.On("Lookup", mock.Anything, "txid-1").
			Return(nil, fmt.Errorf("esplora unavailable")).Once()
		adapter.On("Lookup", mock.Anything, "txid-1").
			Return(&ports.ChainTxState{TxID: "txid-1", Found: true, Confirmations: 6}, nil)

		env.scheduler.tick()
		record, err := env.repo.TxRecords().Get(ctx, withdrawalID)
		require.NoError(t, err)
		require.Equal(t, domain.TxStatusPending, record.Status)

		env.scheduler.tick()
		record, err = env.repo.TxRecords().Get(ctx, withdrawalID)
		require.NoError(t, err)
		require.Equal(t, domain.TxStatusConfirmed, record.Status)
		require.EqualValues(t, 6, record.Confirmations)
		env.requireBalance(t, "alice", "BTC", "0.4999", "0")
	})

	t.Run("restores ambiguous withdrawals on start", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")
		withdrawalID := ambiguousWithdrawal(t, env, adapter, "0.5")
		require.Len(t, env.scheduler.onceFns, 1)

		// a restarted service forgets the scheduled reconciliations
		restarted := newTestEnv(t, Config{
			Assets: domain.AssetTable{"BTC": btcTestAsset},
		}, nil, adapter)
		restarted.repo = env.repo
		restarted.svc.repoManager = env.repo
		require.NoError(t, restarted.svc.Start())
		require.Len(t, restarted.scheduler.onceFns, 1)

		adapter.On("Lookup", mock.Anything, "txid-1").
			Return(&ports.ChainTxState{TxID: "txid-1", Found: true}, nil)
		require.Equal(t, 1, restarted.scheduler.runScheduled())

		withdrawal, err := restarted.svc.GetWithdrawal(ctx, withdrawalID)
		require.NoError(t, err)
		require.Equal(t, domain.WithdrawalStateCommitted, withdrawal.State)
		require.Empty(t, restarted.scheduler.onceFns)
	})

	t.Run("reconciliation is scheduled once", func(t *testing.T) {
		env, adapter := newBTCEnv(t)
		env.credit(t, "alice", "BTC", "1")
		withdrawalID := ambiguousWithdrawal(t, env, adapter, "0.5")

		env.svc.tracker.scheduleReconcile(withdrawalID)
		env.svc.tracker.scheduleReconcile(withdrawalID)
		require.Len(t, env.scheduler.onceFns, 1)
	})
}

func TestRecoverInterruptedWithdrawals(t *testing.T) {
	ctx := context.Background()
	env, _ := newBTCEnv(t)
	env.credit(t, "alice", "BTC", "3")

	interrupted := func(key string, state domain.WithdrawalState, txid string) string {
		withdrawal := domain.NewWithdrawal(key, btcWithdrawal("0.5", key))
		withdrawal.Family = domain.ChainFamilyBTC
		withdrawal.Fee = btcTestAsset.NetworkFee
		withdrawal.Total = withdrawal.Amount.Add(withdrawal.Fee)
		withdrawal.State = state
		withdrawal.ChainTxID = txid
		require.NoError(t, env.repo.Withdrawals().Create(ctx, *withdrawal))
		_, err := env.repo.Wallets().Lock(ctx, "alice", "BTC", withdrawal.Total)
		require.NoError(t, err)
		return withdrawal.ID
	}
	locked := interrupted("locked", domain.WithdrawalStateLocked, "")
	derived := interrupted("derived", domain.WithdrawalStateKeyDerived, "txid-2")
	broadcast := interrupted("broadcast", domain.WithdrawalStateBroadcast, "txid-3")
	env.requireBalance(t, "alice", "BTC", "1.4997", "1.5003")

	require.NoError(t, env.svc.Start())

	withdrawal, err := env.svc.GetWithdrawal(ctx, locked)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStateRolledBack, withdrawal.State)

	for _, id := range []string{derived, broadcast} {
		withdrawal, err := env.svc.GetWithdrawal(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.WithdrawalStateAmbiguous, withdrawal.State)
	}
	env.requireBalance(t, "alice", "BTC", "1.9998", "1.0002")
	require.Equal(t, 2, env.alertsSent(ports.AmbiguousBroadcast))
	require.Len(t, env.scheduler.onceFns, 2)
}

func TestReleaseReconcileScheduling(t *testing.T) {
	env, _ := newBTCEnv(t)

	env.svc.tracker.scheduleReleaseReconcile("trade-1")
	env.svc.tracker.scheduleReleaseReconcile("trade-1")
	// withdrawal and release tasks never collide
	env.svc.tracker.scheduleReconcile("trade-1")
	require.Len(t, env.scheduler.onceFns, 2)
}

