package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInsufficientLocked  = errors.New("insufficient locked balance")
	ErrWithdrawalExists    = errors.New("withdrawal with same idempotency key exists")
	ErrNotFound            = errors.New("not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

type WalletBalance struct {
	UserID    string
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

func (b WalletBalance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Credit, Lock, Rollback and Commit are the only ledger mutations. Each one either
// applies fully or returns an error leaving the balance untouched, neither side can
// go negative.

func (b *WalletBalance) Credit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	b.Available = b.Available.Add(amount)
	return nil
}

func (b *WalletBalance) Lock(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if b.Available.LessThan(amount) {
		return ErrInsufficientBalance
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

func (b *WalletBalance) Rollback(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if b.Locked.LessThan(amount) {
		return ErrInsufficientLocked
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	return nil
}

func (b *WalletBalance) Commit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if b.Locked.LessThan(amount) {
		return ErrInsufficientLocked
	}
	b.Locked = b.Locked.Sub(amount)
	return nil
}

func NewWalletBalance(userID, asset string) *WalletBalance {
	return &WalletBalance{
		UserID: userID, Asset: asset, Available: decimal.Zero, Locked: decimal.Zero,
	}
}

// WalletRepository is the ledger. Every mutation is atomic per (user, asset) and
// either fully applies or leaves the balance untouched.
type WalletRepository interface {
	Get(ctx context.Context, userID, asset string) (*WalletBalance, error)
	Credit(ctx context.Context, userID, asset string, amount decimal.Decimal) (*WalletBalance, error)
	// Lock moves amount from available to locked, failing with ErrInsufficientBalance.
	Lock(ctx context.Context, userID, asset string, amount decimal.Decimal) (*WalletBalance, error)
	// Rollback moves amount from locked back to available.
	Rollback(ctx context.Context, userID, asset string, amount decimal.Decimal) (*WalletBalance, error)
	// Commit consumes amount from locked once the chain settled it.
	Commit(ctx context.Context, userID, asset string, amount decimal.Decimal) (*WalletBalance, error)
	Close()
}
