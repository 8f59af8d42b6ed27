package mutex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-pagelock/v1/metrics"
)

// claimScript sets every key or none: a claim over a path set must not leave
// partial locks behind when one path is already held.
var claimScript = redis.NewScript(`
for i = 1, #KEYS do
    if redis.call("EXISTS", KEYS[i]) == 1 then
        return 0
    end
end
for i = 1, #KEYS do
    if ARGV[2] ~= "0" then
        redis.call("SET", KEYS[i], ARGV[1], "PX", ARGV[2])
    else
        redis.call("SET", KEYS[i], ARGV[1])
    end
end
return 1
`)

// releaseScript deletes each key only while it still carries the token this
// instance set, so an expired-and-reclaimed lock is never released by the
// previous holder.
var releaseScript = redis.NewScript(`
local n = 0
for i = 1, #KEYS do
    if redis.call("GET", KEYS[i]) == ARGV[i] then
        n = n + redis.call("DEL", KEYS[i])
    end
end
return n
`)

const defaultRedisPrefix = "pagelock:"

// Redis implements Mutex on a Redis backend, for deployments that already
// run one. Unlike the core providers it depends on a network service; the
// claim itself stays all-or-nothing through a single server-side script.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// RedisOption configures NewRedis.
type RedisOption func(*Redis)

// WithTTL puts an expiry on claimed keys as a safety net against holders
// that die without releasing. Zero, the default, disables expiry.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = d
	}
}

// WithKeyPrefix overrides the key namespace, "pagelock:" by default.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis returns a Redis-backed mutex using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: defaultRedisPrefix,
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(processor, path string) string {
	return r.prefix + processor + ":" + path
}

// TryLock implements Mutex.TryLock.
func (r *Redis) TryLock(ctx context.Context, processor string, paths []string) (bool, error) {
	if err := validatePaths(paths); err != nil {
		return false, err
	}

	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = r.key(processor, p)
	}
	token := uuid.NewString()

	res, err := claimScript.Run(ctx, r.client, keys, token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis mutex: claim: %w", err)
	}
	if res != 1 {
		metrics.ContentionCounter.Inc()
		return false, nil
	}

	r.mu.Lock()
	for _, k := range keys {
		r.tokens[k] = token
	}
	r.mu.Unlock()
	metrics.AcquireCounter.Inc()
	metrics.HeldGauge.Add(float64(len(paths)))
	return true, nil
}

// Unlock implements Mutex.Unlock. Keys claimed by someone else, or never
// claimed by this instance, are left untouched.
func (r *Redis) Unlock(ctx context.Context, processor string, paths []string) error {
	if err := validatePaths(paths); err != nil {
		return err
	}

	keys := make([]string, 0, len(paths))
	args := make([]any, 0, len(paths))
	r.mu.Lock()
	for _, p := range paths {
		k := r.key(processor, p)
		if token, held := r.tokens[k]; held {
			keys = append(keys, k)
			args = append(args, token)
		}
	}
	r.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}

	released, err := releaseScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("redis mutex: release: %w", err)
	}

	r.mu.Lock()
	for _, k := range keys {
		delete(r.tokens, k)
	}
	r.mu.Unlock()
	metrics.ReleaseCounter.Inc()
	metrics.HeldGauge.Sub(float64(released))
	return nil
}

// Lock implements Mutex.Lock.
func (r *Redis) Lock(ctx context.Context, processor string, paths []string, fn func(acquired bool) error) error {
	return scoped(ctx, r, processor, paths, fn)
}
