// Package lock provides per-job mutual exclusion backed by lock files.
//
// A lock is a file created with O_CREATE|O_EXCL, so check-and-create is a single
// atomic step. The file carries the owner token, pid and host. A lock whose file
// has not been touched for StaleAfter, or whose owner process on this host is gone,
// is considered stale and may be broken once.
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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	lockFilePerm      = 0o644
	lockDirPerm       = 0o755
	lockFileExt       = ".lock"
	defaultStaleAfter = 30 * time.Minute
	heartbeatDivisor  = 3
)

var (
	// ErrAlreadyRunning is returned when another live process holds the job's lock.
	ErrAlreadyRunning = errors.New("job already running")

	// ErrInvalidJobID is returned for job ids that cannot name a lock file.
	ErrInvalidJobID = errors.New("invalid lock job id")

	// ErrLockLost is returned by Release when the lock file no longer belongs to the handle.
	ErrLockLost = errors.New("lock no longer owned")
)

type (
	// Info is the content of a lock file.
	//nolint:tagliatelle // snake_case matches the on-disk format read by operators
	Info struct {
		Owner      string    `json:"owner"`
		PID        int       `json:"pid"`
		Host       string    `json:"host"`
		AcquiredAt time.Time `json:"acquired_at"`
	}

	// Manager hands out lock handles for jobs under a single directory.
	Manager struct {
		dir        string
		staleAfter time.Duration
		heartbeat  time.Duration
		hostname   string
		logger     *slog.Logger
		now        func() time.Time
		alive      func(pid int) bool
	}

	// Option configures a Manager.
	Option func(*Manager)

	// Handle is a held lock. Release it exactly once; extra calls are no-ops.
	Handle struct {
		manager *Manager
		job     string
		path    string
		info    Info
		stop    chan struct{}
		done    chan struct{}
		once    sync.Once
		err     error
	}
)

// WithStaleAfter sets the age after which an untouched lock is considered abandoned.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithHeartbeat overrides the heartbeat interval (default StaleAfter/3).
func WithHeartbeat(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeat = d
		}
	}
}

// WithLogger sets the logger used for stale-lock overrides and release problems.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates the lock directory if needed and returns a Manager.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("lock directory cannot be empty")
	}

	if err := os.MkdirAll(dir, lockDirPerm); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	m := &Manager{
		dir:        dir,
		staleAfter: defaultStaleAfter,
		hostname:   hostname,
		logger:     slog.Default(),
		now:        time.Now,
		alive:      processAlive,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.heartbeat == 0 {
		m.heartbeat = m.staleAfter / heartbeatDivisor
	}

	return m, nil
}

// Path returns the lock file path for job.
func (m *Manager) Path(job string) string {
	return filepath.Join(m.dir, job+lockFileExt)
}

// Acquire takes the lock for job or fails with ErrAlreadyRunning.
//
// A stale lock is broken and acquisition retried once; the override is logged.
func (m *Manager) Acquire(job string) (*Handle, error) {
	if job == "" || strings.ContainsAny(job, `/\`) || job == "." || job == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobID, job)
	}

	path := m.Path(job)
	info := Info{
		Owner:      uuid.NewString(),
		PID:        os.Getpid(),
		Host:       m.hostname,
		AcquiredAt: m.now().UTC(),
	}

	err := m.create(path, info)
	if err == nil {
		return m.hold(job, path, info), nil
	}

	if !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}

	existing, stale, reason := m.inspect(path)
	if !stale {
		return nil, fmt.Errorf("%w: %s held by pid %d on %s since %s",
			ErrAlreadyRunning, job, existing.PID, existing.Host, existing.AcquiredAt.Format(time.RFC3339))
	}

	if err := m.breakStale(path, existing); err != nil {
		return nil, err
	}

	m.logger.Warn("Overriding stale lock",
		slog.String("job", job),
		slog.String("reason", reason),
		slog.String("previous_owner", existing.Owner),
		slog.Int("previous_pid", existing.PID),
		slog.String("previous_host", existing.Host),
	)

	if err := m.create(path, info); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s re-acquired by another process", ErrAlreadyRunning, job)
		}

		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}

	return m.hold(job, path, info), nil
}

// WithLock runs fn while holding job's lock. The lock is released on every exit
// path, including errors and panics raised by fn.
func (m *Manager) WithLock(ctx context.Context, job string, fn func(ctx context.Context) error) (err error) {
	handle, err := m.Acquire(job)
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := handle.Release(); releaseErr != nil {
			m.logger.Error("Failed to release lock",
				slog.String("job", job),
				slog.String("error", releaseErr.Error()),
			)

			err = errors.Join(err, releaseErr)
		}
	}()

	return fn(ctx)
}

func (m *Manager) create(path string, info Info) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, lockFilePerm) //nolint:gosec // lock dir is operator-configured
	if err != nil {
		return err
	}

	if err := json.NewEncoder(f).Encode(info); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return fmt.Errorf("write lock file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(path)

		return fmt.Errorf("close lock file: %w", err)
	}

	return nil
}

// inspect decides whether the lock at path is stale. A vanished lock counts as stale.
func (m *Manager) inspect(path string) (Info, bool, string) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, errors.Is(err, fs.ErrNotExist), "lock file vanished"
	}

	info, _ := readInfo(path)

	if age := m.now().Sub(st.ModTime()); age > m.staleAfter {
		return info, true, fmt.Sprintf("lock untouched for %s", age.Round(time.Second))
	}

	if info.Host == m.hostname && info.PID > 0 && !m.alive(info.PID) {
		return info, true, fmt.Sprintf("owner process %d is gone", info.PID)
	}

	return info, false, ""
}

// breakStale moves the stale lock aside and deletes it. If the file moved aside turns
// out to be a fresh lock taken by someone else in the meantime, it is put back.
func (m *Manager) breakStale(path string, observed Info) error {
	tomb := fmt.Sprintf("%s.stale-%s", path, uuid.NewString())

	if err := os.Rename(path, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("move stale lock aside: %w", err)
	}

	moved, _ := readInfo(tomb)
	if moved.Owner != observed.Owner {
		if err := os.Link(tomb, path); err == nil {
			_ = os.Remove(tomb)
		}

		return fmt.Errorf("%w: lock changed hands while breaking it", ErrAlreadyRunning)
	}

	if err := os.Remove(tomb); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale lock: %w", err)
	}

	return nil
}

func (m *Manager) hold(job, path string, info Info) *Handle {
	h := &Handle{
		manager: m,
		job:     job,
		path:    path,
		info:    info,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go h.heartbeat()

	m.logger.Debug("Lock acquired",
		slog.String("job", job),
		slog.String("owner", info.Owner),
	)

	return h
}

// Job returns the job the handle locks.
func (h *Handle) Job() string { return h.job }

// Owner returns the owner token written to the lock file.
func (h *Handle) Owner() string { return h.info.Owner }

// Release stops the heartbeat and deletes the lock file if this handle still owns it.
func (h *Handle) Release() error {
	h.once.Do(func() {
		close(h.stop)
		<-h.done

		h.err = h.remove()
	})

	return h.err
}

func (h *Handle) remove() error {
	current, err := readInfo(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s lock file is gone", ErrLockLost, h.job)
		}

		return fmt.Errorf("read lock file: %w", err)
	}

	if current.Owner != h.info.Owner {
		return fmt.Errorf("%w: %s now held by %s", ErrLockLost, h.job, current.Owner)
	}

	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}

	h.manager.logger.Debug("Lock released", slog.String("job", h.job))

	return nil
}

// heartbeat keeps the lock file's mtime fresh so long runs are not judged stale.
func (h *Handle) heartbeat() {
	defer close(h.done)

	ticker := time.NewTicker(h.manager.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			now := h.manager.now()
			if err := os.Chtimes(h.path, now, now); err != nil {
				h.manager.logger.Warn("Lock heartbeat failed",
					slog.String("job", h.job),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func readInfo(path string) (Info, error) {
	var info Info

	data, err := os.ReadFile(path) //nolint:gosec // lock dir is operator-configured
	if err != nil {
		return info, err
	}

	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse lock file: %w", err)
	}

	return info, nil
}
