package redislivestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

const releaseKeyPrefix = "release:"

var errReleaseExists = errors.New("release already exists")

type releaseStore struct {
	rdb          *redis.Client
	numOfRetries int
	retryDelay   time.Duration
}

func NewReleaseStore(rdb *redis.Client, numOfRetries int) ports.ReleaseStore {
	return &releaseStore{
		rdb:          rdb,
		numOfRetries: numOfRetries,
		retryDelay:   10 * time.Millisecond,
	}
}

func (s *releaseStore) Add(ctx context.Context, release domain.ReleaseArtifact) error {
	buf, err := json.Marshal(release)
	if err != nil {
		return fmt.Errorf("failed to serialize release: %w", err)
	}

	key := releaseKey(release.TradeID)
	for range s.numOfRetries {
		if err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return errReleaseExists
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, buf, 0)
				return nil
			})
			return err
		}, key); err == nil {
			return nil
		}
		if errors.Is(err, errReleaseExists) {
			return fmt.Errorf("release of trade %s already exists", release.TradeID)
		}
		time.Sleep(s.retryDelay)
	}
	return fmt.Errorf("failed to add release after max number of retries: %v", err)
}

func (s *releaseStore) Get(ctx context.Context, tradeID string) (*domain.ReleaseArtifact, error) {
	buf, err := s.rdb.Get(ctx, releaseKey(tradeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("release of trade %s: %w", tradeID, domain.ErrNotFound)
		}
		return nil, err
	}
	return deserializeRelease(buf)
}

func (s *releaseStore) Update(
	ctx context.Context, tradeID string, fn func(release *domain.ReleaseArtifact) error,
) (*domain.ReleaseArtifact, error) {
	key := releaseKey(tradeID)

	var (
		updated *domain.ReleaseArtifact
		err     error
	)
	for range s.numOfRetries {
		var fnErr error
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			buf, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					fnErr = fmt.Errorf("release of trade %s: %w", tradeID, domain.ErrNotFound)
					return fnErr
				}
				return err
			}
			release, err := deserializeRelease(buf)
			if err != nil {
				return err
			}
			if err := fn(release); err != nil {
				fnErr = err
				return err
			}
			newBuf, err := json.Marshal(release)
			if err != nil {
				return err
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, newBuf, 0)
				return nil
			}); err != nil {
				return err
			}
			updated = release
			return nil
		}, key)
		if err == nil {
			return updated, nil
		}
		// Errors from fn and missing releases are not retried.
		if fnErr != nil {
			return nil, fnErr
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		time.Sleep(s.retryDelay)
	}
	return nil, fmt.Errorf("failed to update release after max number of retries: %v", err)
}

func (s *releaseStore) Delete(ctx context.Context, tradeID string) error {
	return s.rdb.Del(ctx, releaseKey(tradeID)).Err()
}

func releaseKey(tradeID string) string {
	return releaseKeyPrefix + tradeID
}

func deserializeRelease(buf []byte) (*domain.ReleaseArtifact, error) {
	release := &domain.ReleaseArtifact{}
	if err := json.Unmarshal(buf, release); err != nil {
		return nil, fmt.Errorf("failed to deserialize release: %w", err)
	}
	return release, nil
}
