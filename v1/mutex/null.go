package mutex

import "context"

// Null implements Mutex by granting every claim. It removes locking overhead
// entirely for runs where the caller guarantees a single writer out of band.
type Null struct{}

// NewNull returns a no-op mutex.
func NewNull() Null {
	return Null{}
}

// TryLock implements Mutex.TryLock. It always succeeds.
func (Null) TryLock(ctx context.Context, processor string, paths []string) (bool, error) {
	if err := validatePaths(paths); err != nil {
		return false, err
	}
	return true, nil
}

// Unlock implements Mutex.Unlock as a no-op.
func (Null) Unlock(ctx context.Context, processor string, paths []string) error {
	return validatePaths(paths)
}

// Lock implements Mutex.Lock. fn always observes an acquired lock.
func (n Null) Lock(ctx context.Context, processor string, paths []string, fn func(acquired bool) error) error {
	return scoped(ctx, n, processor, paths, fn)
}
