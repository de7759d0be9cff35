package store

import (
	"context"
	"time"

	everrors "github.com/randalmurphal/evengine/pkg/evengine/errors"
	"github.com/randalmurphal/evengine/pkg/evengine/record"
)

// WithRetry wraps s so transient failures are retried according to cfg.
// Retried operations are upserts, deletes or queries, so a retry never
// repeats a listener invocation. Lock is not reentrant: after a failed
// attempt the lock state is read first, and a lock already held by the
// caller counts as acquired.
func WithRetry(s Store, cfg everrors.RetryConfig) Store {
	if cfg.MaxAttempts <= 1 {
		return s
	}
	return &retryStore{Store: s, cfg: cfg}
}

type retryStore struct {
	Store
	cfg everrors.RetryConfig
}

func retry[T any](ctx context.Context, cfg everrors.RetryConfig, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := everrors.Retry(ctx, cfg, fn)
	if err != nil {
		return v, everrors.Wrap(err, op)
	}
	return v, nil
}

func (s *retryStore) Lock(ctx context.Context, nodeID string) (bool, error) {
	failed := false
	return retry(ctx, s.cfg, "lock", func(ctx context.Context) (bool, error) {
		if failed {
			st, err := s.Store.LockStatus(ctx)
			if err != nil {
				return false, err
			}
			if st.Locked && st.HeldBy == nodeID {
				return true, nil
			}
		}
		ok, err := s.Store.Lock(ctx, nodeID)
		failed = err != nil
		return ok, err
	})
}

func (s *retryStore) Unlock(ctx context.Context, nodeID string) (bool, error) {
	return retry(ctx, s.cfg, "unlock", func(ctx context.Context) (bool, error) {
		return s.Store.Unlock(ctx, nodeID)
	})
}

func (s *retryStore) Save(ctx context.Context, r *record.Record) error {
	_, err := retry(ctx, s.cfg, "save", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.Store.Save(ctx, r)
	})
	return err
}

func (s *retryStore) Remove(ctx context.Context, r *record.Record) error {
	_, err := retry(ctx, s.cfg, "remove", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.Store.Remove(ctx, r)
	})
	return err
}

func (s *retryStore) FindDuplicate(ctx context.Context, r *record.Record, expireAfter time.Duration) (bool, error) {
	return retry(ctx, s.cfg, "find duplicate", func(ctx context.Context) (bool, error) {
		return s.Store.FindDuplicate(ctx, r, expireAfter)
	})
}

func (s *retryStore) List(ctx context.Context, q record.Query) ([]*record.Record, error) {
	return retry(ctx, s.cfg, "list", func(ctx context.Context) ([]*record.Record, error) {
		return s.Store.List(ctx, q)
	})
}

func (s *retryStore) Expire(ctx context.Context, ttl map[string]time.Duration) (int, error) {
	return retry(ctx, s.cfg, "expire", func(ctx context.Context) (int, error) {
		return s.Store.Expire(ctx, ttl)
	})
}
