// Package lock provides cross-process advisory locks on individual files.
//
// A lock on path P is the directory P.lock. Creating a directory is atomic on
// every local filesystem, so whichever process creates it first holds the
// lock. The holder refreshes the directory's mtime while it works; a marker
// whose mtime is older than the stale timeout belongs to a crashed process
// and is reclaimed.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const (
	markerSuffix  = ".lock"
	reclaimSuffix = ".reclaim"
	ownerFile     = "owner"
)

// RetryPolicy shapes the wait between acquisition attempts.
type RetryPolicy struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Multiplier  float64
}

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	Timeout      time.Duration // total acquisition budget
	StaleTimeout time.Duration // marker age after which it is reclaimed
	Retry        RetryPolicy
}

// DefaultOptions returns the defaults used for zero Options fields.
func DefaultOptions() Options {
	return Options{
		Timeout:      10 * time.Second,
		StaleTimeout: 30 * time.Second,
		Retry: RetryPolicy{
			MinInterval: 50 * time.Millisecond,
			MaxInterval: time.Second,
			Multiplier:  2,
		},
	}
}

// Owner is the record written inside a held marker.
type Owner struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquiredAt"`
	StaleAfter string    `json:"staleAfter"`
}

// Manager acquires and releases file locks.
type Manager struct {
	opts Options
	host string
	pid  int
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = def.StaleTimeout
	}
	if opts.Retry.MinInterval <= 0 {
		opts.Retry.MinInterval = def.Retry.MinInterval
	}
	if opts.Retry.MaxInterval < opts.Retry.MinInterval {
		opts.Retry.MaxInterval = max(def.Retry.MaxInterval, opts.Retry.MinInterval)
	}
	if opts.Retry.Multiplier < 1 {
		opts.Retry.Multiplier = def.Retry.Multiplier
	}
	host, _ := os.Hostname()
	return &Manager{opts: opts, host: host, pid: os.Getpid()}
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// MarkerPath returns the lock marker for path.
func MarkerPath(path string) string { return path + markerSuffix }

var errHeld = errors.New("held by another owner")

// Acquire blocks until the lock on path is held, the timeout elapses, or
// ctx is cancelled. The returned release function is safe to call more
// than once; only the first call has an effect.
func (m *Manager) Acquire(ctx context.Context, path string) (func() error, error) {
	marker := MarkerPath(path)
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		return nil, &Error{Path: path, Cause: err}
	}

	token := uuid.NewString()
	attempt := func() (struct{}, error) {
		err := os.Mkdir(marker, 0o755)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return struct{}{}, backoff.Permanent(err)
		}
		if m.reclaimStale(marker, token) {
			if err := os.Mkdir(marker, 0o755); err == nil {
				return struct{}{}, nil
			}
		}
		return struct{}{}, errHeld
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.Retry.MinInterval
	b.MaxInterval = m.opts.Retry.MaxInterval
	b.Multiplier = m.opts.Retry.Multiplier
	b.RandomizationFactor = 0.25

	actx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	_, err := backoff.Retry(actx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(m.opts.Timeout),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Path: path, Cause: ctx.Err()}
		}
		if errors.Is(err, errHeld) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Path: path, Cause: fmt.Errorf("%w after %s%s", ErrLockTimeout, m.opts.Timeout, m.describeHolder(marker))}
		}
		return nil, &Error{Path: path, Cause: err}
	}

	m.writeOwner(marker, token)
	h := &held{marker: marker, path: path, token: token, done: make(chan struct{})}
	go h.refresh(m.opts.StaleTimeout / 2)
	return h.release, nil
}

// IsLocked reports whether a live (non-stale) marker exists for path.
func (m *Manager) IsLocked(path string) (bool, error) {
	info, err := os.Stat(MarkerPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &Error{Path: path, Cause: err}
	}
	return time.Since(info.ModTime()) <= m.opts.StaleTimeout, nil
}

// reclaimStale removes marker when its mtime is older than the stale
// timeout. Reclaimers serialize on a guard directory and re-check the marker
// under it, so a marker that another reclaimer already replaced with a live
// one is left alone. The marker is renamed to a unique name before removal;
// if the renamed directory is not the one judged stale it is moved back.
func (m *Manager) reclaimStale(marker, token string) bool {
	info, err := os.Stat(marker)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	if time.Since(info.ModTime()) <= m.opts.StaleTimeout {
		return false
	}

	unlock, ok := m.reclaimGuard(marker)
	if !ok {
		return false
	}
	defer unlock()

	info, err = os.Stat(marker)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	age := time.Since(info.ModTime())
	if age <= m.opts.StaleTimeout {
		return false
	}
	aside := marker + ".stale-" + token
	if err := os.Rename(marker, aside); err != nil {
		return false
	}
	moved, err := os.Stat(aside)
	if err != nil || !os.SameFile(info, moved) {
		if err == nil {
			_ = os.Rename(aside, marker)
		}
		return false
	}
	slog.Warn("reclaimed stale lock", "marker", marker, "age", age.Round(time.Millisecond).String())
	_ = os.RemoveAll(aside)
	return true
}

// reclaimGuard takes the directory that serializes stale reclamation of
// marker. A guard left behind by a crashed reclaimer is removed once it is
// older than the stale timeout.
func (m *Manager) reclaimGuard(marker string) (func(), bool) {
	guard := marker + reclaimSuffix
	err := os.Mkdir(guard, 0o755)
	if errors.Is(err, fs.ErrExist) {
		info, serr := os.Stat(guard)
		if serr != nil || time.Since(info.ModTime()) <= m.opts.StaleTimeout {
			return nil, false
		}
		_ = os.Remove(guard)
		err = os.Mkdir(guard, 0o755)
	}
	if err != nil {
		return nil, false
	}
	return func() { _ = os.Remove(guard) }, true
}

func (m *Manager) writeOwner(marker, token string) {
	rec := Owner{
		Owner:      token,
		PID:        m.pid,
		Host:       m.host,
		AcquiredAt: time.Now().UTC(),
		StaleAfter: m.opts.StaleTimeout.String(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(marker, ownerFile), data, 0o644); err != nil {
		slog.Debug("write lock owner", "marker", marker, "error", err)
	}
}

// ReadOwner returns the owner record of a held marker.
func ReadOwner(path string) (*Owner, error) {
	data, err := os.ReadFile(filepath.Join(MarkerPath(path), ownerFile)) //nolint:gosec // G304: path derives from the store root
	if err != nil {
		return nil, err
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (m *Manager) describeHolder(marker string) string {
	data, err := os.ReadFile(filepath.Join(marker, ownerFile)) //nolint:gosec // G304: marker derives from the store root
	if err != nil {
		return ""
	}
	var o Owner
	if json.Unmarshal(data, &o) != nil {
		return ""
	}
	return fmt.Sprintf(" (held by pid %d on %s since %s)", o.PID, o.Host, o.AcquiredAt.Format(time.RFC3339))
}

// held is one acquired lock.
type held struct {
	marker string
	path   string
	token  string
	once   sync.Once
	done   chan struct{}
	err    error
}

// refresh keeps the marker mtime fresh until release.
func (h *held) refresh(every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-t.C:
			now := time.Now()
			if err := os.Chtimes(h.marker, now, now); err != nil {
				slog.Warn("refresh lock", "marker", h.marker, "error", err)
			}
		}
	}
}

func (h *held) release() error {
	h.once.Do(func() {
		close(h.done)
		if !h.owned() {
			h.err = &Error{Path: h.path, Cause: ErrNotOwner}
			return
		}
		if err := os.RemoveAll(h.marker); err != nil {
			h.err = &Error{Path: h.path, Cause: err}
		}
	})
	return h.err
}

// owned reports whether the marker still carries this holder's token.
// A missing owner file counts as owned: the write is best effort.
func (h *held) owned() bool {
	data, err := os.ReadFile(filepath.Join(h.marker, ownerFile)) //nolint:gosec // G304: marker derives from the store root
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			_, statErr := os.Stat(h.marker)
			return statErr == nil
		}
		return true
	}
	var o Owner
	if json.Unmarshal(data, &o) != nil {
		return true
	}
	return o.Owner == h.token
}
