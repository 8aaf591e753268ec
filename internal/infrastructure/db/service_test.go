package db_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/arkade-os/custodyd/internal/infrastructure/db"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestService(t *testing.T) {
	tests := []struct {
		name   string
		config db.ServiceConfig
	}{
		{
			name: "repo_manager_with_badger_stores",
			config: db.ServiceConfig{
				DataStoreType:   "badger",
				DataStoreConfig: []interface{}{"", nil},
			},
		},
		{
			name: "repo_manager_with_sqlite_stores",
			config: db.ServiceConfig{
				DataStoreType:   "sqlite",
				DataStoreConfig: []interface{}{t.TempDir()},
			},
		},
	}
	if dsn := os.Getenv("CUSTODYD_TEST_PG_DSN"); dsn != "" {
		tests = append(tests, struct {
			name   string
			config db.ServiceConfig
		}{
			name: "repo_manager_with_postgres_stores",
			config: db.ServiceConfig{
				DataStoreType:   "postgres",
				DataStoreConfig: []interface{}{dsn, true},
			},
		})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := db.NewService(tt.config)
			require.NoError(t, err)
			require.NotNil(t, svc)

			testWalletRepository(t, svc)
			testWithdrawalRepository(t, svc)
			testTxRecordRepository(t, svc)
			testEscrowRepository(t, svc)

			svc.Close()
		})
	}
}

func TestServiceInvalidConfig(t *testing.T) {
	_, err := db.NewService(db.ServiceConfig{DataStoreType: "mongo"})
	require.Error(t, err)

	_, err = db.NewService(db.ServiceConfig{
		DataStoreType: "sqlite", DataStoreConfig: []interface{}{1},
	})
	require.Error(t, err)

	_, err = db.NewService(db.ServiceConfig{
		DataStoreType: "badger", DataStoreConfig: []interface{}{""},
	})
	require.Error(t, err)
}

func testWalletRepository(t *testing.T, svc ports.RepoManager) {
	t.Run("test_wallet_repository", func(t *testing.T) {
		ctx := context.Background()
		repo := svc.Wallets()
		user := uuid.NewString()

		balance, err := repo.Get(ctx, user, "BTC")
		require.ErrorIs(t, err, domain.ErrNotFound)
		require.Nil(t, balance)

		balance, err = repo.Credit(ctx, user, "BTC", dec("1.5"))
		require.NoError(t, err)
		requireBalance(t, balance, "1.5", "0")

		balance, err = repo.Lock(ctx, user, "BTC", dec("0.5001"))
		require.NoError(t, err)
		requireBalance(t, balance, "0.9999", "0.5001")

		balance, err = repo.Lock(ctx, user, "BTC", dec("1"))
		require.ErrorIs(t, err, domain.ErrInsufficientBalance)
		require.Nil(t, balance)

		balance, err = repo.Get(ctx, user, "BTC")
		require.NoError(t, err)
		requireBalance(t, balance, "0.9999", "0.5001")

		balance, err = repo.Rollback(ctx, user, "BTC", dec("0.0001"))
		require.NoError(t, err)
		requireBalance(t, balance, "1", "0.5")

		balance, err = repo.Commit(ctx, user, "BTC", dec("0.5"))
		require.NoError(t, err)
		requireBalance(t, balance, "1", "0")

		_, err = repo.Commit(ctx, user, "BTC", dec("0.1"))
		require.ErrorIs(t, err, domain.ErrInsufficientLocked)
		_, err = repo.Rollback(ctx, user, "BTC", dec("0.1"))
		require.ErrorIs(t, err, domain.ErrInsufficientLocked)

		_, err = repo.Lock(ctx, user, "ETH", dec("0.1"))
		require.ErrorIs(t, err, domain.ErrInsufficientBalance)
		_, err = repo.Get(ctx, user, "ETH")
		require.ErrorIs(t, err, domain.ErrNotFound)

		_, err = repo.Credit(ctx, user, "BTC", dec("-1"))
		require.ErrorIs(t, err, domain.ErrInvalidAmount)
	})

	t.Run("test_wallet_repository_concurrent_locks", func(t *testing.T) {
		ctx := context.Background()
		repo := svc.Wallets()
		user := uuid.NewString()

		_, err := repo.Credit(ctx, user, "SOL", dec("10"))
		require.NoError(t, err)

		wg := &sync.WaitGroup{}
		results := make(chan error, 15)
		for range 15 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Lock(ctx, user, "SOL", dec("1"))
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		locked := 0
		for err := range results {
			if err == nil {
				locked++
			}
		}
		require.LessOrEqual(t, locked, 10)

		balance, err := repo.Get(ctx, user, "SOL")
		require.NoError(t, err)
		require.True(t, balance.Total().Equal(dec("10")))
		require.True(t, balance.Locked.Equal(decimal.NewFromInt(int64(locked))))
	})
}

func testWithdrawalRepository(t *testing.T, svc ports.RepoManager) {
	t.Run("test_withdrawal_repository", func(t *testing.T) {
		ctx := context.Background()
		repo := svc.Withdrawals()

		w := newWithdrawal(uuid.NewString())
		require.NoError(t, repo.Create(ctx, *w))

		dup := newWithdrawal(w.IdempotencyKey)
		require.ErrorIs(t, repo.Create(ctx, *dup), domain.ErrWithdrawalExists)

		got, err := repo.Get(ctx, w.ID)
		require.NoError(t, err)
		requireWithdrawalEqual(t, *w, *got)

		got, err = repo.GetByIdempotencyKey(ctx, w.IdempotencyKey)
		require.NoError(t, err)
		require.Equal(t, w.ID, got.ID)

		_, err = repo.Get(ctx, uuid.NewString())
		require.ErrorIs(t, err, domain.ErrNotFound)
		_, err = repo.GetByIdempotencyKey(ctx, uuid.NewString())
		require.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, w.Transition(domain.WithdrawalStateValidated))
		w.Fee = dec("0.0001")
		w.Total = w.Amount.Add(w.Fee)
		require.NoError(t, w.Transition(domain.WithdrawalStateLocked))
		require.NoError(t, w.Transition(domain.WithdrawalStateKeyDerived))
		require.NoError(t, w.Transition(domain.WithdrawalStateAmbiguous))
		w.ChainTxID = "txid"
		w.SignedTx = []byte{0x02, 0x00, 0x00, 0x00, 0x01}
		require.NoError(t, repo.Update(ctx, *w))

		got, err = repo.Get(ctx, w.ID)
		require.NoError(t, err)
		requireWithdrawalEqual(t, *w, *got)

		other := newWithdrawal(uuid.NewString())
		other.CreatedAt = w.CreatedAt.Add(time.Second)
		other.State = domain.WithdrawalStateAmbiguous
		require.NoError(t, repo.Create(ctx, *other))

		ambiguous, err := repo.ListByState(ctx, domain.WithdrawalStateAmbiguous)
		require.NoError(t, err)
		ids := make([]string, 0, len(ambiguous))
		for _, a := range ambiguous {
			ids = append(ids, a.ID)
		}
		require.Subset(t, ids, []string{w.ID, other.ID})
		require.Less(t, indexOf(ids, w.ID), indexOf(ids, other.ID))

		missing := newWithdrawal(uuid.NewString())
		require.ErrorIs(t, repo.Update(ctx, *missing), domain.ErrNotFound)
	})
}

func testTxRecordRepository(t *testing.T, svc ports.RepoManager) {
	t.Run("test_tx_record_repository", func(t *testing.T) {
		ctx := context.Background()
		repo := svc.TxRecords()

		w := newWithdrawal(uuid.NewString())
		require.NoError(t, svc.Withdrawals().Create(ctx, *w))

		now := time.UnixMilli(time.Now().UnixMilli())
		record := domain.TransactionRecord{
			WithdrawalID:          w.ID,
			Family:                domain.ChainFamilyBTC,
			AssetSymbol:           "BTC",
			ChainTxID:             "txid",
			Status:                domain.TxStatusPending,
			RequiredConfirmations: 2,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		require.NoError(t, repo.Add(ctx, record))
		require.Error(t, repo.Add(ctx, record))

		got, err := repo.Get(ctx, w.ID)
		require.NoError(t, err)
		require.Equal(t, record.ChainTxID, got.ChainTxID)
		require.Equal(t, record.Family, got.Family)
		require.Equal(t, domain.TxStatusPending, got.Status)
		require.False(t, got.IsSettled())

		pending, err := repo.ListPending(ctx)
		require.NoError(t, err)
		require.Contains(t, withdrawalIDs(pending), w.ID)

		require.NoError(t, repo.UpdateConfirmations(ctx, w.ID, 1, domain.TxStatusPending))
		got, err = repo.Get(ctx, w.ID)
		require.NoError(t, err)
		require.Equal(t, uint32(1), got.Confirmations)

		require.NoError(t, repo.UpdateConfirmations(ctx, w.ID, 2, domain.TxStatusConfirmed))
		got, err = repo.Get(ctx, w.ID)
		require.NoError(t, err)
		require.Equal(t, domain.TxStatusConfirmed, got.Status)
		require.True(t, got.IsSettled())

		pending, err = repo.ListPending(ctx)
		require.NoError(t, err)
		require.NotContains(t, withdrawalIDs(pending), w.ID)

		_, err = repo.Get(ctx, uuid.NewString())
		require.ErrorIs(t, err, domain.ErrNotFound)
		err = repo.UpdateConfirmations(ctx, uuid.NewString(), 1, domain.TxStatusPending)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func testEscrowRepository(t *testing.T, svc ports.RepoManager) {
	t.Run("test_escrow_repository", func(t *testing.T) {
		ctx := context.Background()
		repo := svc.Escrows()

		trade := domain.EscrowTrade{
			ID:            uuid.NewString(),
			Family:        domain.ChainFamilyBTC,
			Asset:         "BTC",
			Amount:        dec("0.01"),
			EscrowAddress: "bcrt1qescrow",
			LockingScript: []byte{0x52, 0x21, 0x53, 0xae},
			Participants: []domain.Participant{
				{Role: domain.RoleSeller, UserID: "seller", PubKey: []byte{0x02, 0x01}},
				{Role: domain.RoleBuyer, UserID: "buyer", PubKey: []byte{0x02, 0x02}},
				{Role: domain.RoleModerator, UserID: "moderator", PubKey: []byte{0x03, 0x03}},
			},
			RequiredSignatures: domain.EscrowRequiredSignatures,
			TrustLevel:         domain.TrustLevelCryptographic,
			CreatedAt:          time.UnixMilli(time.Now().UnixMilli()),
		}
		require.NoError(t, repo.Add(ctx, trade))
		require.Error(t, repo.Add(ctx, trade))

		got, err := repo.Get(ctx, trade.ID)
		require.NoError(t, err)
		require.Equal(t, trade.EscrowAddress, got.EscrowAddress)
		require.Equal(t, trade.LockingScript, got.LockingScript)
		require.Equal(t, trade.Participants, got.Participants)
		require.Equal(t, trade.TrustLevel, got.TrustLevel)
		require.Equal(t, trade.Family, got.Family)
		require.True(t, trade.Amount.Equal(got.Amount))
		require.True(t, trade.CreatedAt.Equal(got.CreatedAt))
		require.NoError(t, got.Validate())

		_, err = repo.Get(ctx, uuid.NewString())
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func newWithdrawal(key string) *domain.Withdrawal {
	w := domain.NewWithdrawal(uuid.NewString(), domain.WithdrawalRequest{
		UserID:             "alice",
		AssetSymbol:        "BTC",
		Amount:             dec("0.5"),
		DestinationAddress: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
		IdempotencyKey:     key,
	})
	w.Family = domain.ChainFamilyBTC
	// Stores keep millisecond precision.
	w.CreatedAt = time.UnixMilli(w.CreatedAt.UnixMilli())
	w.UpdatedAt = w.CreatedAt
	return w
}

func requireWithdrawalEqual(t *testing.T, expected, got domain.Withdrawal) {
	t.Helper()
	require.Equal(t, expected.ID, got.ID)
	require.Equal(t, expected.IdempotencyKey, got.IdempotencyKey)
	require.Equal(t, expected.UserID, got.UserID)
	require.Equal(t, expected.AssetSymbol, got.AssetSymbol)
	require.Equal(t, expected.Family, got.Family)
	require.Equal(t, expected.State, got.State)
	require.Equal(t, expected.ChainTxID, got.ChainTxID)
	require.Equal(t, expected.SignedTx, got.SignedTx)
	require.Equal(t, expected.DestinationAddress, got.DestinationAddress)
	require.True(t, expected.Amount.Equal(got.Amount))
	require.True(t, expected.Fee.Equal(got.Fee))
	require.True(t, expected.Total.Equal(got.Total))
	require.Equal(t, expected.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}

func requireBalance(t *testing.T, b *domain.WalletBalance, available, locked string) {
	t.Helper()
	require.NotNil(t, b)
	require.True(
		t, b.Available.Equal(dec(available)), "available %s != %s", b.Available, available,
	)
	require.True(t, b.Locked.Equal(dec(locked)), "locked %s != %s", b.Locked, locked)
}

func withdrawalIDs(records []domain.TransactionRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.WithdrawalID)
	}
	return ids
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
