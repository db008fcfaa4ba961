package secrets

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultTTL bounds how long fetched credentials are reused before the
	// secret store is consulted again.
	DefaultTTL = 900 * time.Second

	fetchAttempts        = 3
	fetchInitialInterval = 100 * time.Millisecond
)

// Cache is a process-wide, time-bounded credential cache. Concurrent callers
// serialize on the mutex; a failed fetch is never cached.
type Cache struct {
	source   Source
	secretID string
	ttl      time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	creds   *Credentials
	fetched time.Time

	now func() time.Time
}

// NewCache builds a credential cache over the given source. A zero ttl falls
// back to DefaultTTL.
func NewCache(source Source, secretID string, ttl time.Duration, logger *log.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SECRETS] ", log.LstdFlags)
	}
	return &Cache{source: source, secretID: secretID, ttl: ttl, logger: logger, now: time.Now}
}

// Get returns cached credentials when they are younger than the TTL,
// otherwise fetches from the secret store with up to three attempts and
// exponential backoff (100ms base, factor 2). Exhaustion surfaces as a
// ConfigError carrying the last underlying error.
func (c *Cache) Get(ctx context.Context) (Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.creds != nil && now.Sub(c.fetched) < c.ttl {
		return *c.creds, nil
	}

	creds, err := c.fetch(ctx)
	if err != nil {
		return Credentials{}, &ConfigError{Op: "fetch credentials", Err: err}
	}
	c.creds = &creds
	c.fetched = now
	c.logger.Printf("credentials fetched and cached (host=%s db=%s)", creds.Host, creds.Database)
	return creds, nil
}

func (c *Cache) fetch(ctx context.Context) (Credentials, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = fetchInitialInterval
	policy.RandomizationFactor = 0
	policy.Multiplier = 2

	var creds Credentials
	attempt := 0
	op := func() error {
		attempt++
		c.logger.Printf("fetching database credentials (attempt %d/%d)", attempt, fetchAttempts)
		raw, err := c.source.Fetch(ctx, c.secretID)
		if err != nil {
			c.logger.Printf("credential fetch failed (attempt %d/%d): %v", attempt, fetchAttempts, err)
			return err
		}
		parsed, err := ParseCredentials(raw)
		if err != nil {
			c.logger.Printf("credential parse failed (attempt %d/%d): %v", attempt, fetchAttempts, err)
			return err
		}
		creds = parsed
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, fetchAttempts-1), ctx)); err != nil {
		return Credentials{}, fmt.Errorf("after %d attempts: %w", fetchAttempts, err)
	}
	return creds, nil
}
