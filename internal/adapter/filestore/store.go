// Package filestore implements taskstore.Store with one JSON file per task.
//
// Any number of processes may share a store directory. Reads are lock-free
// because every write replaces the file atomically (temp file + rename);
// read-modify-write cycles take the per-file lock from internal/lock.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Strob0t/squire/internal/domain"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/lock"
	"github.com/Strob0t/squire/internal/port/taskstore"
)

const (
	fileExt     = ".json"
	createTries = 5
	dirPerm     = 0o755
	filePerm    = 0o644
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Store is a directory of task files.
type Store struct {
	root  string
	locks *lock.Manager
	now   func() time.Time
}

var _ taskstore.Store = (*Store)(nil)

// New creates a Store rooted at dir. The directory is created on first write.
func New(dir string, locks *lock.Manager) *Store {
	if locks == nil {
		locks = lock.NewManager(lock.Options{})
	}
	return &Store{root: dir, locks: locks, now: time.Now}
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Path returns the file backing task id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.root, id+fileExt)
}

// Ping checks that the store directory exists and is listable.
func (s *Store) Ping(_ context.Context) error {
	if err := s.ensureRoot(); err != nil {
		return err
	}
	if _, err := os.ReadDir(s.root); err != nil {
		return fmt.Errorf("read store dir: %w", err)
	}
	return nil
}

func (s *Store) ensureRoot() error {
	if err := os.MkdirAll(s.root, dirPerm); err != nil {
		return fmt.Errorf("create store dir %s: %w", s.root, err)
	}
	return nil
}

// Create writes a new pending task. The file is linked into place only if
// no file with the same id exists, so no lock is needed.
func (s *Store) Create(_ context.Context, req task.CreateRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}

	for range createTries {
		t := task.New(req, s.now())
		err := s.writeExclusive(t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create task: %w", err)
		}
		slog.Debug("task id collision, retrying", "task_id", t.ID)
	}
	return nil, fmt.Errorf("create task: %w: could not allocate a unique id", domain.ErrConflict)
}

// Get reads one task without locking.
func (s *Store) Get(_ context.Context, id string) (*task.Task, error) {
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("get task %q: %w", id, domain.ErrNotFound)
	}
	t, err := s.read(s.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// Update applies a patch under the task's lock.
func (s *Store) Update(ctx context.Context, id string, p task.Patch) (*task.Task, error) {
	return s.mutate(ctx, id, "update", func(t *task.Task) error {
		return p.Apply(t, s.now())
	})
}

// Mutate runs fn on the current record under the task's lock.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	return s.mutate(ctx, id, "mutate", fn)
}

func (s *Store) mutate(ctx context.Context, id, op string, fn func(*task.Task) error) (*task.Task, error) {
	// Fail fast on unknown ids before touching the lock.
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	path := s.Path(id)

	out, err := lock.WithLockValue(ctx, s.locks, path, func(context.Context) (*task.Task, error) {
		t, err := s.read(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%s task %s: %w", op, id, domain.ErrNotFound)
			}
			return nil, &taskstore.WriteError{TaskID: id, Op: op, Err: err}
		}
		if err := fn(t); err != nil {
			return nil, err
		}
		t.ID = id
		if err := s.write(t); err != nil {
			return nil, &taskstore.WriteError{TaskID: id, Op: op, Err: err}
		}
		return t, nil
	})
	if err != nil {
		var le *lock.Error
		if errors.As(err, &le) {
			return nil, &taskstore.WriteError{TaskID: id, Op: op, Err: err}
		}
		return nil, err
	}
	return out, nil
}

// Delete removes a task. Existence is re-checked under the lock.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if !validID.MatchString(id) {
		return false, nil
	}
	path := s.Path(id)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	deleted, err := lock.WithLockValue(ctx, s.locks, path, func(context.Context) (bool, error) {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, &taskstore.WriteError{TaskID: id, Op: "delete", Err: err}
	}
	return deleted, nil
}

// List reads every task file, skipping entries that are not task files or
// cannot be decoded. Results are sorted by creation time, newest first.
func (s *Store) List(_ context.Context, f task.ListFilter) ([]task.Task, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []task.Task{}, nil
		}
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]task.Task, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		t, err := s.read(filepath.Join(s.root, name))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("skipping unreadable task file", "file", name, "error", err)
			}
			continue
		}
		if !f.Match(t) {
			continue
		}
		tasks = append(tasks, *t)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if f.Limit > 0 && len(tasks) > f.Limit {
		tasks = tasks[:f.Limit]
	}
	return tasks, nil
}

func (s *Store) read(path string) (*task.Task, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from a validated id
	if err != nil {
		return nil, err
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if t.ID == "" {
		return nil, fmt.Errorf("decode %s: missing id", filepath.Base(path))
	}
	return &t, nil
}

// write replaces the task file atomically.
func (s *Store) write(t *task.Task) error {
	tmp, err := s.writeTemp(t)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.Path(t.ID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// writeExclusive places the task file only if it does not exist yet.
func (s *Store) writeExclusive(t *task.Task) error {
	tmp, err := s.writeTemp(t)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()
	if err := os.Link(tmp, s.Path(t.ID)); err != nil {
		return err
	}
	return nil
}

func (s *Store) writeTemp(t *task.Task) (string, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	f, err := os.CreateTemp(s.root, "."+t.ID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(name, filePerm); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("chmod temp: %w", err)
	}
	return name, nil
}
