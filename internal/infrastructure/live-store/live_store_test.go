package livestore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	inmemory "github.com/arkade-os/custodyd/internal/infrastructure/live-store/inmemory"
	redislivestore "github.com/arkade-os/custodyd/internal/infrastructure/live-store/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestReleaseStoreImplementations(t *testing.T) {
	stores := []struct {
		name  string
		store ports.ReleaseStore
	}{
		{"inmemory", inmemory.NewReleaseStore()},
	}

	redisOpts, err := redis.ParseURL("redis://localhost:6379/0")
	require.NoError(t, err)
	rdb := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err == nil {
		stores = append(stores, struct {
			name  string
			store ports.ReleaseStore
		}{"redis", redislivestore.NewReleaseStore(rdb, 5)})
	} else {
		t.Logf("redis not reachable, skipping redis release store: %s", err)
	}

	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			runReleaseStoreTests(t, tt.store)
		})
	}
}

func runReleaseStoreTests(t *testing.T, store ports.ReleaseStore) {
	t.Run("add and get", func(t *testing.T) {
		ctx := t.Context()
		release := newRelease()

		require.NoError(t, store.Add(ctx, release))
		require.Error(t, store.Add(ctx, release))

		got, err := store.Get(ctx, release.TradeID)
		require.NoError(t, err)
		requireReleaseEqual(t, release, *got)

		_, err = store.Get(ctx, uuid.NewString())
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("update", func(t *testing.T) {
		ctx := t.Context()
		release := newRelease()
		require.NoError(t, store.Add(ctx, release))

		buyerSig := domain.RoleSignature{
			Role:      domain.RoleBuyer,
			PubKey:    []byte{0x02, 0x02},
			Signature: []byte("buyer-sig"),
			SignedAt:  time.UnixMilli(time.Now().UnixMilli()).UTC(),
		}
		updated, err := store.Update(ctx, release.TradeID, func(r *domain.ReleaseArtifact) error {
			return r.AddSignature(buyerSig)
		})
		require.NoError(t, err)
		require.Len(t, updated.Signatures, 2)
		require.True(t, updated.CanFinalize())

		got, err := store.Get(ctx, release.TradeID)
		require.NoError(t, err)
		require.Len(t, got.Signatures, 2)
		require.Equal(t, updated.State, got.State)

		// A failing update leaves the stored artifact untouched.
		_, err = store.Update(ctx, release.TradeID, func(r *domain.ReleaseArtifact) error {
			return r.AddSignature(buyerSig)
		})
		require.Error(t, err)
		got, err = store.Get(ctx, release.TradeID)
		require.NoError(t, err)
		require.Len(t, got.Signatures, 2)

		_, err = store.Update(ctx, uuid.NewString(), func(r *domain.ReleaseArtifact) error {
			return nil
		})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("returned artifacts are copies", func(t *testing.T) {
		ctx := t.Context()
		release := newRelease()
		require.NoError(t, store.Add(ctx, release))

		got, err := store.Get(ctx, release.TradeID)
		require.NoError(t, err)
		got.Signatures[0].Role = domain.RoleModerator
		got.Txid = "mutated"

		got, err = store.Get(ctx, release.TradeID)
		require.NoError(t, err)
		require.Equal(t, domain.RoleSeller, got.Signatures[0].Role)
		require.Empty(t, got.Txid)
	})

	t.Run("concurrent updates", func(t *testing.T) {
		ctx := t.Context()
		release := newRelease()
		require.NoError(t, store.Add(ctx, release))

		wg := &sync.WaitGroup{}
		roles := []domain.Role{domain.RoleBuyer, domain.RoleModerator}
		errs := make(chan error, len(roles))
		for _, role := range roles {
			wg.Add(1)
			go func(role domain.Role) {
				defer wg.Done()
				_, err := store.Update(ctx, release.TradeID, func(r *domain.ReleaseArtifact) error {
					return r.AddSignature(domain.RoleSignature{
						Role: role, PubKey: []byte{byte(role)}, Signature: []byte{byte(role)},
					})
				})
				errs <- err
			}(role)
		}
		wg.Wait()
		close(errs)

		failed := 0
		for err := range errs {
			if err != nil {
				failed++
			}
		}
		// Only one co-signer fits in a 2-of-3 release.
		require.Equal(t, 1, failed)

		got, err := store.Get(ctx, release.TradeID)
		require.NoError(t, err)
		require.Len(t, got.Signatures, 2)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := t.Context()
		release := newRelease()
		require.NoError(t, store.Add(ctx, release))

		require.NoError(t, store.Delete(ctx, release.TradeID))
		_, err := store.Get(ctx, release.TradeID)
		require.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, store.Delete(ctx, release.TradeID))
		require.NoError(t, store.Add(ctx, release))
	})
}

func newRelease() domain.ReleaseArtifact {
	now := time.UnixMilli(time.Now().UnixMilli()).UTC()
	return domain.ReleaseArtifact{
		TradeID:   uuid.NewString(),
		Family:    domain.ChainFamilyBTC,
		Asset:     "BTC",
		Recipient: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
		Inputs:    []domain.EscrowInput{{Txid: "aa", Vout: 1, Amount: 1000000}},
		Output: domain.ReleaseOutput{
			Address: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
			Amount:  decimal.RequireFromString("0.0099855"),
		},
		Fee:     decimal.RequireFromString("0.0000145"),
		Payload: "cHNidP8=",
		Signatures: []domain.RoleSignature{{
			Role:      domain.RoleSeller,
			PubKey:    []byte{0x02, 0x01},
			Signature: []byte("seller-sig"),
			SignedAt:  now,
		}},
		State:     domain.ReleaseStatePartiallySigned,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func requireReleaseEqual(t *testing.T, expected, got domain.ReleaseArtifact) {
	t.Helper()
	require.Equal(t, expected.TradeID, got.TradeID)
	require.Equal(t, expected.Family, got.Family)
	require.Equal(t, expected.Recipient, got.Recipient)
	require.Equal(t, expected.Inputs, got.Inputs)
	require.Equal(t, expected.Output.Address, got.Output.Address)
	require.True(t, expected.Output.Amount.Equal(got.Output.Amount))
	require.True(t, expected.Fee.Equal(got.Fee))
	require.Equal(t, expected.Payload, got.Payload)
	require.Equal(t, expected.State, got.State)
	require.Len(t, got.Signatures, len(expected.Signatures))
	for i, sig := range expected.Signatures {
		require.Equal(t, sig.Role, got.Signatures[i].Role)
		require.Equal(t, sig.Signature, got.Signatures[i].Signature)
		require.True(t, sig.SignedAt.Equal(got.Signatures[i].SignedAt))
	}
}
