package inmemorylivestore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
)

type releaseStore struct {
	lock     sync.RWMutex
	releases map[string]domain.ReleaseArtifact
}

func NewReleaseStore() ports.ReleaseStore {
	return &releaseStore{
		releases: make(map[string]domain.ReleaseArtifact),
	}
}

func (m *releaseStore) Add(_ context.Context, release domain.ReleaseArtifact) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.releases[release.TradeID]; ok {
		return fmt.Errorf("release of trade %s already exists", release.TradeID)
	}
	m.releases[release.TradeID] = clone(release)
	return nil
}

func (m *releaseStore) Get(_ context.Context, tradeID string) (*domain.ReleaseArtifact, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	release, ok := m.releases[tradeID]
	if !ok {
		return nil, fmt.Errorf("release of trade %s: %w", tradeID, domain.ErrNotFound)
	}
	release = clone(release)
	return &release, nil
}

func (m *releaseStore) Update(
	_ context.Context, tradeID string, fn func(release *domain.ReleaseArtifact) error,
) (*domain.ReleaseArtifact, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	stored, ok := m.releases[tradeID]
	if !ok {
		return nil, fmt.Errorf("release of trade %s: %w", tradeID, domain.ErrNotFound)
	}

	release := clone(stored)
	if err := fn(&release); err != nil {
		return nil, err
	}
	m.releases[tradeID] = clone(release)
	return &release, nil
}

func (m *releaseStore) Delete(_ context.Context, tradeID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.releases, tradeID)
	return nil
}

// clone copies the slices of the artifact so callers never alias stored state.
func clone(release domain.ReleaseArtifact) domain.ReleaseArtifact {
	release.Inputs = slices.Clone(release.Inputs)
	release.Signatures = slices.Clone(release.Signatures)
	release.SignedTx = slices.Clone(release.SignedTx)
	return release
}
