package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/arkade-os/custodyd/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultAdapterTimeout   = 30 * time.Second
	defaultBroadcastTimeout = 60 * time.Second
	defaultReconcileGrace   = time.Hour
)

type service struct {
	keys        *KeyDerivationService
	repoManager ports.RepoManager
	releases    ports.ReleaseStore
	adapters    ChainAdapters
	btcEscrow   ports.MultisigEscrow
	scheduler   ports.SchedulerService
	alerts      ports.Alerts
	events      ports.EventBus
	tracker     *confirmationTracker
	metrics     *metrics

	// config
	assets           domain.AssetTable
	adapterTimeout   time.Duration
	broadcastTimeout time.Duration
	reconcileAfter   int64
	reconcileGrace   time.Duration
	confirmationWait time.Duration

	// serializes releases per trade, artifacts live in the release store
	tradeLocks *tradeLocks
}

func NewService(
	keys *KeyDerivationService,
	repoManager ports.RepoManager,
	releases ports.ReleaseStore,
	adapters ChainAdapters,
	btcEscrow ports.MultisigEscrow,
	scheduler ports.SchedulerService,
	alerts ports.Alerts,
	events ports.EventBus,
	cfg Config,
) (Service, error) {
	if keys == nil {
		return nil, errors.KEY_DERIVATION_FAILED.New("missing key derivation service")
	}
	if repoManager == nil {
		return nil, fmt.Errorf("missing repo manager")
	}
	if releases == nil {
		return nil, fmt.Errorf("missing release store")
	}
	if len(cfg.Assets) == 0 {
		return nil, errors.CONFIGURATION_ERROR.New("empty asset table")
	}
	for symbol, asset := range cfg.Assets {
		if err := asset.Validate(); err != nil {
			return nil, errors.CONFIGURATION_ERROR.Wrap(err).
				WithMetadata(errors.ConfigurationMetadata{Asset: symbol})
		}
		if _, err := adapters.ForAsset(asset); err != nil {
			return nil, err
		}
	}

	adapterTimeout := cfg.AdapterTimeout
	if adapterTimeout <= 0 {
		adapterTimeout = defaultAdapterTimeout
	}
	broadcastTimeout := cfg.BroadcastTimeout
	if broadcastTimeout <= 0 {
		broadcastTimeout = defaultBroadcastTimeout
	}

	reconcileGrace := cfg.ReconcileGrace
	if reconcileGrace <= 0 {
		reconcileGrace = defaultReconcileGrace
	}

	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	svc := &service{
		keys:             keys,
		repoManager:      repoManager,
		releases:         releases,
		adapters:         adapters,
		btcEscrow:        btcEscrow,
		scheduler:        scheduler,
		alerts:           alerts,
		events:           events,
		metrics:          m,
		assets:           cfg.Assets,
		adapterTimeout:   adapterTimeout,
		broadcastTimeout: broadcastTimeout,
		reconcileAfter:   cfg.ReconcileAfter,
		reconcileGrace:   reconcileGrace,
		confirmationWait: cfg.ConfirmationWait,
		tradeLocks:       newTradeLocks(),
	}
	svc.tracker = newConfirmationTracker(svc)
	return svc, nil
}

func (s *service) Start() error {
	if err := s.tracker.recoverInterrupted(context.Background()); err != nil {
		return fmt.Errorf("failed to recover interrupted withdrawals: %w", err)
	}
	if s.scheduler == nil {
		log.Warn("no scheduler configured, confirmations will not be tracked")
		return nil
	}
	log.Debug("starting confirmation tracker...")
	return s.tracker.start()
}

func (s *service) Stop() {
	if s.scheduler != nil {
		s.tracker.stop()
		log.Debug("stopped confirmation tracker")
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			log.WithError(err).Warn("failed to close event bus")
		}
	}
	s.repoManager.Close()
	log.Debug("closed connection to db")
}

func (s *service) GetEventsChannel(ctx context.Context) (<-chan ports.Event, error) {
	if s.events == nil {
		return nil, fmt.Errorf("event bus not configured")
	}
	return s.events.Subscribe(ctx, ports.WithdrawalTopic, ports.ReleaseTopic)
}

func (s *service) asset(symbol string) (domain.Asset, error) {
	family, err := domain.FamilyForAsset(symbol)
	if err != nil {
		return domain.Asset{}, errors.CONFIGURATION_ERROR.Wrap(err).
			WithMetadata(errors.ConfigurationMetadata{Asset: symbol})
	}
	asset, ok := s.assets.Get(symbol)
	if !ok {
		return domain.Asset{}, errors.CONFIGURATION_ERROR.New("asset %s not configured", symbol).
			WithMetadata(errors.ConfigurationMetadata{Asset: symbol, Chain: family.String()})
	}
	return asset, nil
}

func (s *service) lockTrade(tradeID string) func() {
	return s.tradeLocks.lock(tradeID)
}

// tradeLocks hands out one mutex per trade and forgets it once nobody holds or waits
// for it.
type tradeLocks struct {
	mu    sync.Mutex
	locks map[string]*tradeLock
}

type tradeLock struct {
	sync.Mutex
	refs int
}

func newTradeLocks() *tradeLocks {
	return &tradeLocks{locks: make(map[string]*tradeLock)}
}

func (l *tradeLocks) lock(tradeID string) func() {
	l.mu.Lock()
	tl, ok := l.locks[tradeID]
	if !ok {
		tl = &tradeLock{}
		l.locks[tradeID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.Lock()
	return func() {
		tl.Unlock()

		l.mu.Lock()
		defer l.mu.Unlock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, tradeID)
		}
	}
}

func (l *tradeLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (s *service) publishEvent(topic, eventType string, data any) {
	if s.events == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.events.Publish(ctx, topic, eventType, data); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("failed to publish event")
	}
}
