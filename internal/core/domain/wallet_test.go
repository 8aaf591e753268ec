package domain_test

import (
	"testing"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestWalletBalance(t *testing.T) {
	d := decimal.RequireFromString

	balance := domain.NewWalletBalance("alice", "BTC")
	require.ErrorIs(t, balance.Lock(d("0.1")), domain.ErrInsufficientBalance)

	require.NoError(t, balance.Credit(d("1")))
	require.NoError(t, balance.Lock(d("0.6")))
	require.Equal(t, "0.4", balance.Available.String())
	require.Equal(t, "0.6", balance.Locked.String())

	// failed mutations leave the balance untouched
	require.ErrorIs(t, balance.Lock(d("0.5")), domain.ErrInsufficientBalance)
	require.ErrorIs(t, balance.Rollback(d("0.7")), domain.ErrInsufficientLocked)
	require.ErrorIs(t, balance.Commit(d("0.7")), domain.ErrInsufficientLocked)
	require.Equal(t, "1", balance.Total().String())

	require.NoError(t, balance.Rollback(d("0.1")))
	require.Equal(t, "0.5", balance.Available.String())
	require.Equal(t, "0.5", balance.Locked.String())

	require.NoError(t, balance.Commit(d("0.5")))
	require.Equal(t, "0.5", balance.Total().String())
	require.True(t, balance.Locked.IsZero())

	for _, amount := range []string{"0", "-1"} {
		require.ErrorIs(t, balance.Credit(d(amount)), domain.ErrInvalidAmount)
		require.ErrorIs(t, balance.Lock(d(amount)), domain.ErrInvalidAmount)
		require.ErrorIs(t, balance.Rollback(d(amount)), domain.ErrInvalidAmount)
		require.ErrorIs(t, balance.Commit(d(amount)), domain.ErrInvalidAmount)
	}
	require.Equal(t, "0.5", balance.Available.String())
}
