package ports

import (
	"context"

	"github.com/arkade-os/custodyd/internal/core/domain"
)

// ReleaseStore holds the in-flight release artifacts, one per trade.
type ReleaseStore interface {
	Add(ctx context.Context, release domain.ReleaseArtifact) error
	Get(ctx context.Context, tradeID string) (*domain.ReleaseArtifact, error)
	// Update applies fn atomically to the stored artifact.
	Update(
		ctx context.Context, tradeID string,
		fn func(release *domain.ReleaseArtifact) error,
	) (*domain.ReleaseArtifact, error)
	Delete(ctx context.Context, tradeID string) error
}
