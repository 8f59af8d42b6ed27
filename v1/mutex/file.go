package mutex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"

	pkgerrors "github.com/mirkobrombin/go-pagelock/v1/errors"
	"github.com/mirkobrombin/go-pagelock/v1/metrics"
)

const (
	defaultFileWait      = time.Second
	fileLockPollInterval = 50 * time.Millisecond
)

// File implements Mutex with OS advisory file locks, for environments where
// a shared lock database is undesirable. It supports exactly one path per
// call and refuses larger sets up front: degrading to per-path locking would
// silently break the all-or-nothing guarantee callers depend on. Locks are
// keyed on the path alone; the processor identity is accepted for interface
// symmetry only.
type File struct {
	wait time.Duration

	mu    sync.Mutex
	locks map[string]*flock.Flock
}

// FileOption configures NewFile.
type FileOption func(*File)

// WithWait bounds how long Lock waits for a held lock before reporting the
// claim as lost. The default is one second.
func WithWait(d time.Duration) FileOption {
	return func(f *File) {
		f.wait = d
	}
}

// NewFile returns a file-lock backed mutex.
func NewFile(opts ...FileOption) *File {
	f := &File{
		wait:  defaultFileWait,
		locks: make(map[string]*flock.Flock),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *File) validate(paths []string) error {
	if err := validatePaths(paths); err != nil {
		return err
	}
	if len(paths) != 1 {
		return fmt.Errorf("file mutex: %d paths: %w", len(paths), pkgerrors.ErrSinglePath)
	}
	return nil
}

// TryLock implements Mutex.TryLock without waiting. The flock handle is kept
// until Unlock releases it.
func (f *File) TryLock(ctx context.Context, processor string, paths []string) (bool, error) {
	if err := f.validate(paths); err != nil {
		return false, err
	}
	path := paths[0]

	f.mu.Lock()
	if _, held := f.locks[path]; held {
		f.mu.Unlock()
		metrics.ContentionCounter.Inc()
		return false, nil
	}
	f.mu.Unlock()

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("file mutex: lock %q: %w", path, err)
	}
	if !locked {
		metrics.ContentionCounter.Inc()
		return false, nil
	}

	f.mu.Lock()
	f.locks[path] = fl
	f.mu.Unlock()
	metrics.AcquireCounter.Inc()
	metrics.HeldGauge.Inc()
	return true, nil
}

// Unlock implements Mutex.Unlock. Paths this instance does not hold are
// ignored.
func (f *File) Unlock(ctx context.Context, processor string, paths []string) error {
	if err := f.validate(paths); err != nil {
		return err
	}
	path := paths[0]

	f.mu.Lock()
	fl, held := f.locks[path]
	delete(f.locks, path)
	f.mu.Unlock()
	if !held {
		return nil
	}

	if err := fl.Unlock(); err != nil {
		return fmt.Errorf("file mutex: unlock %q: %w", path, err)
	}
	metrics.ReleaseCounter.Inc()
	metrics.HeldGauge.Dec()
	return nil
}

// Lock implements Mutex.Lock with a bounded wait: if the lock is still held
// after the configured wait, fn observes acquired == false instead of
// blocking the caller further.
func (f *File) Lock(ctx context.Context, processor string, paths []string, fn func(acquired bool) error) (err error) {
	if err := f.validate(paths); err != nil {
		return err
	}
	path := paths[0]

	wctx, cancel := context.WithTimeout(ctx, f.wait)
	defer cancel()

	fl := flock.New(path)
	locked, lerr := fl.TryLockContext(wctx, fileLockPollInterval)
	if lerr != nil && !errors.Is(lerr, context.DeadlineExceeded) {
		return fmt.Errorf("file mutex: lock %q: %w", path, lerr)
	}

	if locked {
		metrics.AcquireCounter.Inc()
		metrics.HeldGauge.Inc()
		defer func() {
			uerr := fl.Unlock()
			metrics.ReleaseCounter.Inc()
			metrics.HeldGauge.Dec()
			if err == nil && uerr != nil {
				err = fmt.Errorf("file mutex: unlock %q: %w", path, uerr)
			}
		}()
	} else {
		metrics.ContentionCounter.Inc()
	}
	return fn(locked)
}
