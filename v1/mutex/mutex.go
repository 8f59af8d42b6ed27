package mutex

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/google/uuid"

	pkgerrors "github.com/mirkobrombin/go-pagelock/v1/errors"
)

// Mutex coordinates exclusive access to a set of paths on behalf of a
// processor identity. Identical (path, processor) pairs are mutually
// exclusive; distinct processors hold locks on the same path independently.
type Mutex interface {
	// TryLock attempts to claim every path in paths for processor. The claim
	// is all-or-nothing: when any path is already held the whole claim fails,
	// no partial locks are left behind and the result is false without error.
	TryLock(ctx context.Context, processor string, paths []string) (bool, error)
	// Unlock releases paths previously claimed by this instance. Paths held
	// by someone else are left untouched.
	Unlock(ctx context.Context, processor string, paths []string) error
	// Lock is the scoped form: it claims paths, invokes fn with the acquired
	// flag and releases the claim on every exit path iff it succeeded. A
	// false flag means another holder exists; fn decides whether to skip or
	// reschedule.
	Lock(ctx context.Context, processor string, paths []string, fn func(acquired bool) error) error
}

// DefaultOwner returns the owner token of the current OS process.
func DefaultOwner() int64 {
	return int64(os.Getpid())
}

// DeriveOwner returns a fresh owner token for concurrency units that are not
// OS processes, such as pooled worker tasks sharing one pid. Tokens are
// derived from a random UUID.
func DeriveOwner() int64 {
	h := fnv.New64a()
	h.Write([]byte(uuid.NewString()))
	return int64(h.Sum64())
}

func validatePaths(paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("mutex: %w", pkgerrors.ErrNoPaths)
	}
	return nil
}

// scoped implements Lock on top of TryLock/Unlock. The release runs on panic
// unwind as well; an unlock failure surfaces unless fn already failed.
func scoped(ctx context.Context, m Mutex, processor string, paths []string, fn func(acquired bool) error) (err error) {
	acquired, err := m.TryLock(ctx, processor, paths)
	if err != nil {
		return err
	}
	if acquired {
		defer func() {
			uerr := m.Unlock(ctx, processor, paths)
			if err == nil {
				err = uerr
			}
		}()
	}
	return fn(acquired)
}
