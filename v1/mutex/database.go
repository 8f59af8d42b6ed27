package mutex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mirkobrombin/go-pagelock/v1/metrics"
	"github.com/mirkobrombin/go-pagelock/v1/retry"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-pagelock/v1/mutex")

const defaultStoreTimeout = time.Second

// Timestamps are stored as fixed-location text so that SQL comparisons order
// chronologically regardless of the driver's own binding rules.
const timeLayout = time.RFC3339Nano

const createMutexTable = `
CREATE TABLE IF NOT EXISTS mutex (
	path TEXT NOT NULL,
	processor TEXT NOT NULL,
	pid INTEGER NOT NULL,
	time TIMESTAMP NOT NULL,
	CONSTRAINT mutex_pk PRIMARY KEY (path, processor)
)`

// Config is the serializable state of a Database mutex: everything a forked
// worker needs to reconnect, and nothing that cannot cross a process
// boundary. Live connections are never part of it, and neither is the owner
// token: a worker reconstructed from Config gets its own identity, so it can
// never release records a parent process inserted.
type Config struct {
	// Path is the SQLite database file shared by all cooperating processes.
	Path string `json:"path"`
	// Timeout bounds how long a statement waits for the store's exclusive
	// transaction to become grantable.
	Timeout time.Duration `json:"timeout"`
}

// Database implements Mutex on a single SQLite file shared by any number of
// cooperating OS processes. Claims over a path set are all-or-nothing: every
// record is inserted inside one exclusive transaction, so concurrent claims
// for overlapping sets are totally ordered by the store and the losers see a
// primary-key violation rather than partial state. The store is the single
// source of truth; no lock state is cached in memory.
type Database struct {
	cfg Config

	// owner tags every record inserted by this instance; Unlock only removes
	// records carrying it. Defaults to the current pid.
	owner int64

	logger       *slog.Logger
	traceEnabled bool
	retryOpts    []retry.Option

	mu sync.Mutex
	db *sql.DB
}

// DatabaseOption configures NewDatabase.
type DatabaseOption func(*Database)

// WithOwner overrides the owner token, which defaults to the current pid.
// Worker tasks sharing one process should pass DeriveOwner().
func WithOwner(owner int64) DatabaseOption {
	return func(m *Database) {
		m.owner = owner
	}
}

// WithStoreTimeout sets the busy timeout applied to every connection.
func WithStoreTimeout(d time.Duration) DatabaseOption {
	return func(m *Database) {
		m.cfg.Timeout = d
	}
}

// WithLogger sets the logger used for sweep reports and schema warnings.
func WithLogger(l *slog.Logger) DatabaseOption {
	return func(m *Database) {
		m.logger = l
	}
}

// WithTracing enables OpenTelemetry spans around lock operations.
func WithTracing() DatabaseOption {
	return func(m *Database) {
		m.traceEnabled = true
	}
}

// WithRetryOptions adjusts the backoff policy wrapped around store access.
func WithRetryOptions(opts ...retry.Option) DatabaseOption {
	return func(m *Database) {
		m.retryOpts = append(m.retryOpts, opts...)
	}
}

// NewDatabase returns a Database mutex over the SQLite file at path. The
// connection is established lazily on first use.
func NewDatabase(path string, opts ...DatabaseOption) *Database {
	m := &Database{
		cfg: Config{
			Path:    path,
			Timeout: defaultStoreTimeout,
		},
		owner:  DefaultOwner(),
		logger: slog.Default(),
		retryOpts: []retry.Option{
			retry.WithNotify(func(error, time.Duration) {
				metrics.RetryCounter.Inc()
			}),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewDatabaseFromConfig rebuilds a Database mutex from serialized state, for
// instance in a forked worker.
func NewDatabaseFromConfig(cfg Config, opts ...DatabaseOption) *Database {
	m := NewDatabase(cfg.Path)
	m.cfg = cfg
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MarshalJSON serializes the connection parameters only.
func (m *Database) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.cfg)
}

// UnmarshalJSON restores connection parameters; the connection itself is
// re-established on first use.
func (m *Database) UnmarshalJSON(data []byte) error {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	fresh := NewDatabaseFromConfig(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = fresh.cfg
	m.owner = fresh.owner
	m.logger = fresh.logger
	m.retryOpts = fresh.retryOpts
	m.db = nil
	return nil
}

// Config returns the serializable state of the mutex.
func (m *Database) Config() Config {
	return m.cfg
}

// Close releases the store connection, if one was opened.
func (m *Database) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

// conn returns the lazily opened store handle. The DSN forces every
// transaction to BEGIN EXCLUSIVE, which takes the write intent up front and
// turns check-then-insert into a single serialized operation.
func (m *Database) conn(ctx context.Context) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db, nil
	}

	u := url.URL{
		Scheme: "file",
		Opaque: m.cfg.Path,
		RawQuery: url.Values{
			"_txlock": {"exclusive"},
			"_pragma": {
				fmt.Sprintf("busy_timeout(%d)", m.cfg.Timeout.Milliseconds()),
			},
		}.Encode(),
	}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("mutex: open store: %w", err)
	}

	if _, err := db.ExecContext(ctx, createMutexTable); err != nil {
		// A sibling process racing through first-time initialization can make
		// the create fail even with IF NOT EXISTS. Benign iff the table is
		// there afterwards.
		if !tableExists(ctx, db) {
			_ = db.Close()
			return nil, fmt.Errorf("mutex: create table: %w", err)
		}
		m.logger.WarnContext(ctx, "mutex table creation failed, table already present", "error", err)
	}

	m.db = db
	return db, nil
}

func tableExists(ctx context.Context, db *sql.DB) bool {
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'mutex'`).Scan(&name)
	return err == nil
}

// recoverable reports whether err is a transient SQLITE_BUSY/SQLITE_LOCKED
// condition worth retrying. Constraint violations are the expected
// "someone else holds it" signal and are never transient.
func recoverable(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func constraintViolation(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// TryLock implements Mutex.TryLock.
func (m *Database) TryLock(ctx context.Context, processor string, paths []string) (bool, error) {
	if err := validatePaths(paths); err != nil {
		return false, err
	}
	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Mutex.TryLock")
		defer span.End()
		span.SetAttributes(
			attribute.String("pagelock.processor", processor),
			attribute.Int("pagelock.paths", len(paths)),
		)
	}

	db, err := m.conn(ctx)
	if err != nil {
		return false, err
	}

	acquired, err := retry.Do(ctx, recoverable, func() (bool, error) {
		return m.insert(ctx, db, processor, paths)
	}, m.retryOpts...)
	if err != nil {
		return false, err
	}

	if acquired {
		metrics.AcquireCounter.Inc()
		metrics.HeldGauge.Add(float64(len(paths)))
	} else {
		metrics.ContentionCounter.Inc()
	}
	if m.traceEnabled {
		span.SetAttributes(attribute.Bool("pagelock.acquired", acquired))
	}
	return acquired, nil
}

// insert claims every path inside one exclusive transaction. Any primary-key
// violation rolls the whole set back.
func (m *Database) insert(ctx context.Context, db *sql.DB, processor string, paths []string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC().Format(timeLayout)
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mutex (path, processor, pid, time) VALUES (?, ?, ?, ?)`,
			p, processor, m.owner, now); err != nil {
			_ = tx.Rollback()
			if constraintViolation(err) {
				return false, nil
			}
			return false, fmt.Errorf("mutex: claim %q: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("mutex: commit claim: %w", err)
	}
	return true, nil
}

// Unlock implements Mutex.Unlock. Only records inserted with this instance's
// owner token are removed; stale records left by a dead process stay until
// ClearLocks sweeps them.
func (m *Database) Unlock(ctx context.Context, processor string, paths []string) error {
	if err := validatePaths(paths); err != nil {
		return err
	}
	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Mutex.Unlock")
		defer span.End()
	}

	db, err := m.conn(ctx)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(
		`DELETE FROM mutex WHERE processor = ? AND pid = ? AND path IN (%s)`,
		placeholders(len(paths)))
	args := make([]any, 0, len(paths)+2)
	args = append(args, processor, m.owner)
	for _, p := range paths {
		args = append(args, p)
	}

	released, err := retry.Do(ctx, recoverable, func() (int64, error) {
		res, err := db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return 0, fmt.Errorf("mutex: release: %w", err)
		}
		return res.RowsAffected()
	}, m.retryOpts...)
	if err != nil {
		return err
	}

	metrics.ReleaseCounter.Inc()
	metrics.HeldGauge.Sub(float64(released))
	return nil
}

// Lock implements Mutex.Lock.
func (m *Database) Lock(ctx context.Context, processor string, paths []string, fn func(acquired bool) error) error {
	return scoped(ctx, m, processor, paths, fn)
}

// ClearLocks is the administrative sweep used at pipeline start-up to recover
// from crashed prior runs. age == 0 removes every record; otherwise only
// records older than age go. It has no notion of stale versus active beyond
// age, so it must not run while sibling processes hold fresh locks.
func (m *Database) ClearLocks(ctx context.Context, age time.Duration) error {
	db, err := m.conn(ctx)
	if err != nil {
		return err
	}

	cleared, err := retry.Do(ctx, recoverable, func() (int64, error) {
		var res sql.Result
		var err error
		if age == 0 {
			res, err = db.ExecContext(ctx, `DELETE FROM mutex`)
		} else {
			cutoff := time.Now().UTC().Add(-age).Format(timeLayout)
			res, err = db.ExecContext(ctx, `DELETE FROM mutex WHERE time < ?`, cutoff)
		}
		if err != nil {
			return 0, fmt.Errorf("mutex: clear locks: %w", err)
		}
		return res.RowsAffected()
	}, m.retryOpts...)
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "cleared lock records", "count", cleared, "age", age)
	return nil
}

// Record is one live lock row, as reported by Records.
type Record struct {
	Path      string
	Processor string
	Owner     int64
	Time      time.Time
}

// Records returns a snapshot of the live lock table, for inspection and
// admin tooling. It is not a consistency primitive; the snapshot may be
// outdated by the time it returns.
func (m *Database) Records(ctx context.Context) ([]Record, error) {
	db, err := m.conn(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, recoverable, func() ([]Record, error) {
		rows, err := db.QueryContext(ctx,
			`SELECT path, processor, pid, time FROM mutex ORDER BY path, processor`)
		if err != nil {
			return nil, fmt.Errorf("mutex: list records: %w", err)
		}
		defer rows.Close()

		var out []Record
		for rows.Next() {
			var r Record
			var stamp string
			if err := rows.Scan(&r.Path, &r.Processor, &r.Owner, &stamp); err != nil {
				return nil, fmt.Errorf("mutex: scan record: %w", err)
			}
			if r.Time, err = time.Parse(timeLayout, stamp); err != nil {
				return nil, fmt.Errorf("mutex: parse record time: %w", err)
			}
			out = append(out, r)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("mutex: list records: %w", err)
		}
		return out, nil
	}, m.retryOpts...)
}
