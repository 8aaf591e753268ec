package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockAdapter signs with sha256 based fake keys, chain calls are mocked.
type mockAdapter struct {
	mock.Mock
	family   domain.ChainFamily
	network  string
	validate func(address string) error
}

func newMockAdapter(family domain.ChainFamily, network string) *mockAdapter {
	return &mockAdapter{family: family, network: network}
}

func (m *mockAdapter) Family() domain.ChainFamily { return m.family }
func (m *mockAdapter) Network() string            { return m.network }

func (m *mockAdapter) ValidateAddress(address string) error {
	if m.validate != nil {
		return m.validate(address)
	}
	if address == "" || address == "invalid" {
		return fmt.Errorf("invalid address %q", address)
	}
	return nil
}

func (m *mockAdapter) PublicKey(key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length")
	}
	pubkey := sha256.Sum256(key)
	return pubkey[:], nil
}

func (m *mockAdapter) Address(pubkey []byte) (string, error) {
	return fmt.Sprintf("%s-%s", m.network, hex.EncodeToString(pubkey[:8])), nil
}

func (m *mockAdapter) SignDigest(key []byte, digest []byte) ([]byte, error) {
	pubkey, err := m.PublicKey(key)
	if err != nil {
		return nil, err
	}
	sig := sha256.Sum256(append(pubkey, digest...))
	return sig[:], nil
}

func (m *mockAdapter) VerifyDigest(pubkey []byte, digest []byte, sig []byte) error {
	expected := sha256.Sum256(append(append([]byte{}, pubkey...), digest...))
	if hex.EncodeToString(expected[:]) != hex.EncodeToString(sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func (m *mockAdapter) EstimateFee(
	ctx context.Context, asset domain.Asset, amount decimal.Decimal,
) (decimal.Decimal, error) {
	args := m.Called(ctx, asset, amount)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockAdapter) Prepare(
	ctx context.Context, key []byte, req ports.TransferRequest,
) (*ports.SignedTransfer, error) {
	args := m.Called(ctx, key, req)
	res, _ := args.Get(0).(*ports.SignedTransfer)
	return res, args.Error(1)
}

func (m *mockAdapter) Submit(ctx context.Context, transfer ports.SignedTransfer) (string, error) {
	args := m.Called(ctx, transfer)
	return args.String(0), args.Error(1)
}

func (m *mockAdapter) AwaitConfirmation(
	ctx context.Context, txid string, timeout time.Duration,
) (*ports.ChainTxState, error) {
	args := m.Called(ctx, txid, timeout)
	res, _ := args.Get(0).(*ports.ChainTxState)
	return res, args.Error(1)
}

func (m *mockAdapter) Lookup(ctx context.Context, txid string) (*ports.ChainTxState, error) {
	args := m.Called(ctx, txid)
	res, _ := args.Get(0).(*ports.ChainTxState)
	return res, args.Error(1)
}

func (m *mockAdapter) Dropped(ctx context.Context, transfer ports.SignedTransfer) (bool, error) {
	args := m.Called(ctx, transfer)
	return args.Bool(0), args.Error(1)
}

type mockAlerts struct {
	mock.Mock
}

func (m *mockAlerts) Publish(ctx context.Context, topic ports.Topic, message interface{}) error {
	args := m.Called(ctx, topic, message)
	return args.Error(0)
}

// mockScheduler runs nothing by itself, tests fire the registered tasks.
type mockScheduler struct {
	lock    sync.Mutex
	now     int64
	every   []func()
	onceAt  []int64
	onceFns []func()
}

func (m *mockScheduler) Start()               {}
func (m *mockScheduler) Stop()                {}
func (m *mockScheduler) Unit() ports.TimeUnit { return ports.UnixTime }

func (m *mockScheduler) Now() (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.now, nil
}

func (m *mockScheduler) Every(task func()) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.every = append(m.every, task)
	return nil
}

func (m *mockScheduler) ScheduleTaskOnce(at int64, task func()) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.onceAt = append(m.onceAt, at)
	m.onceFns = append(m.onceFns, task)
	return nil
}

func (m *mockScheduler) tick() {
	m.lock.Lock()
	tasks := append([]func(){}, m.every...)
	m.lock.Unlock()
	for _, task := range tasks {
		task()
	}
}

// runScheduled pops and runs the pending one-shot tasks.
func (m *mockScheduler) runScheduled() int {
	m.lock.Lock()
	tasks := m.onceFns
	m.onceFns, m.onceAt = nil, nil
	m.lock.Unlock()
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

type mockRepoManager struct {
	wallets     *mockWalletRepository
	withdrawals *mockWithdrawalRepository
	txRecords   *mockTxRecordRepository
	escrows     *mockEscrowRepository
}

func newMockRepoManager() *mockRepoManager {
	return &mockRepoManager{
		wallets:     &mockWalletRepository{balances: make(map[string]*domain.WalletBalance)},
		withdrawals: &mockWithdrawalRepository{withdrawals: make(map[string]domain.Withdrawal)},
		txRecords:   &mockTxRecordRepository{records: make(map[string]domain.TransactionRecord)},
		escrows:     &mockEscrowRepository{trades: make(map[string]domain.EscrowTrade)},
	}
}

func (m *mockRepoManager) Wallets() domain.WalletRepository              { return m.wallets }
func (m *mockRepoManager) Withdrawals() domain.WithdrawalRepository      { return m.withdrawals }
func (m *mockRepoManager) TxRecords() domain.TransactionRecordRepository { return m.txRecords }
func (m *mockRepoManager) Escrows() domain.EscrowTradeRepository         { return m.escrows }
func (m *mockRepoManager) Close()                                        {}

type mockWalletRepository struct {
	lock         sync.Mutex
	balances     map[string]*domain.WalletBalance
	failRollback bool
	calls        map[string]int
}

func (m *mockWalletRepository) key(userID, asset string) string {
	return userID + "/" + asset
}

func (m *mockWalletRepository) track(method string) {
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
}

func (m *mockWalletRepository) callCount(method string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.calls[method]
}

func (m *mockWalletRepository) Get(
	_ context.Context, userID, asset string,
) (*domain.WalletBalance, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	balance, ok := m.balances[m.key(userID, asset)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	b := *balance
	return &b, nil
}

func (m *mockWalletRepository) mutate(
	method, userID, asset string, fn func(b *domain.WalletBalance) error,
) (*domain.WalletBalance, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.track(method)

	balance, ok := m.balances[m.key(userID, asset)]
	if !ok {
		balance = domain.NewWalletBalance(userID, asset)
	}
	updated := *balance
	if err := fn(&updated); err != nil {
		return nil, err
	}
	m.balances[m.key(userID, asset)] = &updated
	b := updated
	return &b, nil
}

func (m *mockWalletRepository) Credit(
	_ context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return m.mutate("Credit", userID, asset, func(b *domain.WalletBalance) error {
		return b.Credit(amount)
	})
}

func (m *mockWalletRepository) Lock(
	_ context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return m.mutate("Lock", userID, asset, func(b *domain.WalletBalance) error {
		return b.Lock(amount)
	})
}

func (m *mockWalletRepository) Rollback(
	_ context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return m.mutate("Rollback", userID, asset, func(b *domain.WalletBalance) error {
		if m.failRollback {
			return fmt.Errorf("ledger unavailable")
		}
		return b.Rollback(amount)
	})
}

func (m *mockWalletRepository) Commit(
	_ context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return m.mutate("Commit", userID, asset, func(b *domain.WalletBalance) error {
		return b.Commit(amount)
	})
}

func (m *mockWalletRepository) Close() {}

type mockWithdrawalRepository struct {
	lock        sync.Mutex
	withdrawals map[string]domain.Withdrawal
}

func (m *mockWithdrawalRepository) Create(_ context.Context, withdrawal domain.Withdrawal) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, w := range m.withdrawals {
		if w.IdempotencyKey == withdrawal.IdempotencyKey {
			return domain.ErrWithdrawalExists
		}
	}
	m.withdrawals[withdrawal.ID] = withdrawal
	return nil
}

func (m *mockWithdrawalRepository) Update(_ context.Context, withdrawal domain.Withdrawal) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.withdrawals[withdrawal.ID]; !ok {
		return domain.ErrNotFound
	}
	m.withdrawals[withdrawal.ID] = withdrawal
	return nil
}

func (m *mockWithdrawalRepository) Get(_ context.Context, id string) (*domain.Withdrawal, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &w, nil
}

func (m *mockWithdrawalRepository) GetByIdempotencyKey(
	_ context.Context, key string,
) (*domain.Withdrawal, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, w := range m.withdrawals {
		if w.IdempotencyKey == key {
			return &w, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockWithdrawalRepository) ListByState(
	_ context.Context, state domain.WithdrawalState,
) ([]domain.Withdrawal, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	list := make([]domain.Withdrawal, 0)
	for _, w := range m.withdrawals {
		if w.State == state {
			list = append(list, w)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (m *mockWithdrawalRepository) Close() {}

type mockTxRecordRepository struct {
	lock    sync.Mutex
	records map[string]domain.TransactionRecord
}

func (m *mockTxRecordRepository) Add(_ context.Context, record domain.TransactionRecord) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.records[record.WithdrawalID] = record
	return nil
}

func (m *mockTxRecordRepository) Get(
	_ context.Context, withdrawalID string,
) (*domain.TransactionRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	record, ok := m.records[withdrawalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &record, nil
}

func (m *mockTxRecordRepository) UpdateConfirmations(
	_ context.Context, withdrawalID string, confirmations uint32, status domain.TxStatus,
) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	record, ok := m.records[withdrawalID]
	if !ok {
		return domain.ErrNotFound
	}
	record.Confirmations = confirmations
	record.Status = status
	record.UpdatedAt = time.Now()
	m.records[withdrawalID] = record
	return nil
}

func (m *mockTxRecordRepository) ListPending(_ context.Context) ([]domain.TransactionRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	list := make([]domain.TransactionRecord, 0)
	for _, record := range m.records {
		if record.Status == domain.TxStatusPending {
			list = append(list, record)
		}
	}
	return list, nil
}

func (m *mockTxRecordRepository) Close() {}

type mockEscrowRepository struct {
	lock   sync.Mutex
	trades map[string]domain.EscrowTrade
}

func (m *mockEscrowRepository) Add(_ context.Context, trade domain.EscrowTrade) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.trades[trade.ID]; ok {
		return fmt.Errorf("trade %s already exists", trade.ID)
	}
	m.trades[trade.ID] = trade
	return nil
}

func (m *mockEscrowRepository) Get(_ context.Context, tradeID string) (*domain.EscrowTrade, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	trade, ok := m.trades[tradeID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &trade, nil
}

func (m *mockEscrowRepository) Close() {}

type mockReleaseStore struct {
	lock     sync.Mutex
	releases map[string]domain.ReleaseArtifact
}

func newMockReleaseStore() *mockReleaseStore {
	return &mockReleaseStore{releases: make(map[string]domain.ReleaseArtifact)}
}

func (m *mockReleaseStore) Add(_ context.Context, release domain.ReleaseArtifact) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.releases[release.TradeID]; ok {
		return fmt.Errorf("release of trade %s already exists", release.TradeID)
	}
	m.releases[release.TradeID] = release
	return nil
}

func (m *mockReleaseStore) Get(_ context.Context, tradeID string) (*domain.ReleaseArtifact, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	release, ok := m.releases[tradeID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &release, nil
}

func (m *mockReleaseStore) Update(
	_ context.Context, tradeID string, fn func(*domain.ReleaseArtifact) error,
) (*domain.ReleaseArtifact, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	release, ok := m.releases[tradeID]
	if !ok {
		return nil, fmt.Errorf("release of trade %s: %w", tradeID, domain.ErrNotFound)
	}
	if err := fn(&release); err != nil {
		return nil, err
	}
	m.releases[tradeID] = release
	updated := release
	return &updated, nil
}

func (m *mockReleaseStore) Delete(_ context.Context, tradeID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.releases, tradeID)
	return nil
}

var (
	btcTestAsset = domain.Asset{
		Symbol:                "BTC",
		Family:                domain.ChainFamilyBTC,
		Network:               "regtest",
		Decimals:              8,
		MinWithdrawal:         decimal.RequireFromString("0.0001"),
		NetworkFee:            decimal.RequireFromString("0.0001"),
		RequiredConfirmations: 2,
	}
	usdtTestAsset = domain.Asset{
		Symbol:                "USDT-TRC20",
		Family:                domain.ChainFamilyTRX,
		Network:               "tron",
		Decimals:              6,
		Contract:              "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		MinWithdrawal:         decimal.NewFromInt(1),
		NetworkFee:            decimal.NewFromInt(1),
		RequiredConfirmations: 19,
	}
	solTestAsset = domain.Asset{
		Symbol:                "SOL",
		Family:                domain.ChainFamilySOL,
		Network:               "solana",
		Decimals:              9,
		MinWithdrawal:         decimal.RequireFromString("0.01"),
		RequiredConfirmations: 32,
	}
)

type testEnv struct {
	svc       *service
	keys      *KeyDerivationService
	repo      *mockRepoManager
	releases  *mockReleaseStore
	alerts    *mockAlerts
	scheduler *mockScheduler
}

func newTestEnv(
	t *testing.T, cfg Config, escrow ports.MultisigEscrow, adapters ...ports.ChainAdapter,
) *testEnv {
	t.Helper()

	keys, err := NewKeyDerivationService(testSeed)
	require.NoError(t, err)

	alerts := &mockAlerts{}
	alerts.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	env := &testEnv{
		keys:      keys,
		repo:      newMockRepoManager(),
		releases:  newMockReleaseStore(),
		alerts:    alerts,
		scheduler: &mockScheduler{now: 1000},
	}
	if cfg.ReconcileAfter == 0 {
		cfg.ReconcileAfter = 60
	}

	svc, err := NewService(
		keys, env.repo, env.releases, NewChainAdapters(adapters...), escrow,
		env.scheduler, alerts, nil, cfg,
	)
	require.NoError(t, err)
	env.svc = svc.(*service)
	return env
}

func (e *testEnv) credit(t *testing.T, userID, asset, amount string) {
	t.Helper()
	_, err := e.svc.CreditBalance(
		context.Background(), userID, asset, decimal.RequireFromString(amount),
	)
	require.NoError(t, err)
}

func (e *testEnv) requireBalance(t *testing.T, userID, asset, available, locked string) {
	t.Helper()
	balance, err := e.svc.GetBalance(context.Background(), userID, asset)
	require.NoError(t, err)
	require.Truef(
		t, decimal.RequireFromString(available).Equal(balance.Available),
		"expected available %s, got %s", available, balance.Available,
	)
	require.Truef(
		t, decimal.RequireFromString(locked).Equal(balance.Locked),
		"expected locked %s, got %s", locked, balance.Locked,
	)
}

func (e *testEnv) alertsSent(topic ports.Topic) int {
	count := 0
	for _, call := range e.alerts.Calls {
		if call.Method == "Publish" && call.Arguments.Get(1) == topic {
			count++
		}
	}
	return count
}
