package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"
)

type fakeSource struct {
	calls   int
	payload []byte
	err     error
}

func (f *fakeSource) Fetch(context.Context, string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestCacheReturnsCachedWithinTTL(t *testing.T) {
	src := &fakeSource{payload: []byte(`{"host":"h","port":5432,"database":"d","username":"u","password":"p"}`)}
	cache := NewCache(src, "secret", time.Minute, testLogger())

	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }

	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("expected a single fetch within TTL, got %d", src.calls)
	}
}

func TestCacheRefreshesAfterTTL(t *testing.T) {
	src := &fakeSource{payload: []byte(`{"host":"h","password":"p"}`)}
	cache := NewCache(src, "secret", time.Minute, testLogger())

	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }

	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("expected refresh after TTL, got %d fetches", src.calls)
	}
}

func TestCacheRetriesThenFails(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("store down")}
	cache := NewCache(src, "secret", time.Minute, testLogger())

	start := time.Now()
	_, err := cache.Get(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected failure after retries")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T: %v", err, err)
	}
	if src.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", src.calls)
	}
	// backoff delays 100ms + 200ms
	if elapsed < 250*time.Millisecond {
		t.Fatalf("expected backoff between attempts, elapsed %s", elapsed)
	}

	// a failure is never cached: a recovered source serves on the next call
	src.err = nil
	src.payload = []byte(`{"host":"h","password":"p"}`)
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
}

func TestCacheDefaultTTL(t *testing.T) {
	cache := NewCache(&fakeSource{}, "secret", 0, testLogger())
	if cache.ttl != DefaultTTL {
		t.Fatalf("expected default TTL %s, got %s", DefaultTTL, cache.ttl)
	}
}
