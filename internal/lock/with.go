package lock

import (
	"context"
	"errors"
	"log/slog"
)

// WithLock runs fn while holding the lock on path. The lock is released on
// every exit path, including a panic in fn, which is re-raised afterwards.
// A release failure is returned only when fn itself succeeded.
func (m *Manager) WithLock(ctx context.Context, path string, fn func(ctx context.Context) error) (err error) {
	release, err := m.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil {
			if err == nil {
				err = rerr
			} else {
				slog.Warn("release lock", "path", path, "error", rerr)
			}
		}
	}()
	return fn(ctx)
}

// WithLockValue is WithLock for functions that produce a value.
func WithLockValue[T any](ctx context.Context, m *Manager, path string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.WithLock(ctx, path, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsLockError reports whether err came from this package.
func IsLockError(err error) bool {
	var le *Error
	return errors.As(err, &le)
}
