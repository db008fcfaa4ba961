package store

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"

	"github.com/loglineos/loglined/internal/secrets"
)

const (
	poolMaxConns = 5
	poolMinConns = 1

	acquireAttempts        = 3
	acquireInitialInterval = 50 * time.Millisecond
)

// Manager owns the process-wide connection pool. The pool is built lazily
// from cached credentials, probed before reuse and rebuilt wholesale when the
// probe fails. No other component closes pool-internal connections.
type Manager struct {
	creds   *secrets.Cache
	sslmode string
	logger  *log.Logger

	mu sync.Mutex
	db *sql.DB

	open func(dsn string) (*sql.DB, error)
}

// NewManager builds a pool manager over the given credential cache.
func NewManager(creds *secrets.Cache, sslmode string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[POOL] ", log.LstdFlags)
	}
	return &Manager{
		creds:   creds,
		sslmode: sslmode,
		logger:  logger,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
	}
}

// Pool returns a healthy pool, reusing the held one when a borrow-and-return
// probe succeeds and otherwise rebuilding from fresh credentials. Failure to
// obtain credentials or construct the pool surfaces as a ConfigError.
func (m *Manager) Pool(ctx context.Context) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolLocked(ctx)
}

func (m *Manager) poolLocked(ctx context.Context) (*sql.DB, error) {
	if m.db != nil {
		// Ping borrows one connection and returns it.
		err := m.db.PingContext(ctx)
		if err == nil {
			return m.db, nil
		}
		m.logger.Printf("existing pool unhealthy, recreating: %v", err)
		_ = m.db.Close()
		m.db = nil
	}

	creds, err := m.creds.Get(ctx)
	if err != nil {
		return nil, err
	}

	m.logger.Printf("creating new database connection pool (host=%s db=%s)", creds.Host, creds.Database)
	db, err := m.open(creds.DSN(m.sslmode))
	if err != nil {
		return nil, &secrets.ConfigError{Op: "open pool", Err: err}
	}
	db.SetMaxOpenConns(poolMaxConns)
	db.SetMaxIdleConns(poolMinConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	m.db = db
	return db, nil
}

// Acquire borrows a connection with up to three attempts and exponential
// backoff (50ms base, factor 2). Each attempt re-resolves the pool, so a dead
// pool or expired credentials are repaired in-band. Exhaustion surfaces as an
// UnavailableError; callers must map it to a retryable response.
//
// The returned connection belongs to the pool: release it with Close on every
// exit path, which checks it back in rather than tearing it down.
func (m *Manager) Acquire(ctx context.Context) (*sql.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = acquireInitialInterval
	policy.RandomizationFactor = 0
	policy.Multiplier = 2

	var conn *sql.Conn
	attempt := 0
	op := func() error {
		attempt++
		m.mu.Lock()
		db, err := m.poolLocked(ctx)
		m.mu.Unlock()
		if err != nil {
			m.logger.Printf("failed to resolve pool (attempt %d/%d): %v", attempt, acquireAttempts, err)
			return err
		}
		c, err := db.Conn(ctx)
		if err != nil {
			m.logger.Printf("failed to acquire connection (attempt %d/%d): %v", attempt, acquireAttempts, err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, acquireAttempts-1), ctx)); err != nil {
		return nil, &UnavailableError{Err: err}
	}
	return conn, nil
}

// Close tears down the held pool. Used on shutdown only.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}
