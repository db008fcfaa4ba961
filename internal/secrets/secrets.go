// Package secrets retrieves and caches database credentials from an external
// secret store. The store itself is an external collaborator reached through
// the narrow Source interface; this package owns parsing, TTL caching and
// bounded retry.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Credentials is a parsed database credential record. It lives only in
// process memory and is never serialized back out.
type Credentials struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// DSN renders a lib/pq connection string with a short connect timeout.
func (c Credentials) DSN(sslmode string) string {
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=5",
		url.QueryEscape(c.Username), url.QueryEscape(c.Password), c.Host, c.Port, c.Database, sslmode)
}

// ConfigError marks a credential retrieval or parse failure. Handlers map it
// to an opaque 500; the wrapped error never carries secret material.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config error: %s: %v", e.Op, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// Source fetches the raw secret payload for a secret identifier. It must be
// read-only and safe to call repeatedly.
type Source interface {
	Fetch(ctx context.Context, secretID string) ([]byte, error)
}

// ParseCredentials decodes a secret payload of the shape written by managed
// secret stores: {"host","port","database","username","password"}. The host
// may carry a trailing :port which is stripped; port tolerates both string
// and numeric encodings.
func ParseCredentials(raw []byte) (Credentials, error) {
	var payload struct {
		Host     string          `json:"host"`
		Port     json.RawMessage `json:"port"`
		Database string          `json:"database"`
		Username string          `json:"username"`
		Password string          `json:"password"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Credentials{}, fmt.Errorf("parse secret payload: %w", err)
	}
	if strings.TrimSpace(payload.Host) == "" {
		return Credentials{}, fmt.Errorf("secret payload missing host")
	}
	creds := Credentials{
		Host:     strings.SplitN(payload.Host, ":", 2)[0],
		Port:     5432,
		Database: payload.Database,
		Username: payload.Username,
		Password: payload.Password,
	}
	if len(payload.Port) > 0 {
		port, err := strconv.Atoi(strings.Trim(string(payload.Port), `"`))
		if err != nil {
			return Credentials{}, fmt.Errorf("secret payload port: %w", err)
		}
		creds.Port = port
	}
	if creds.Database == "" {
		creds.Database = "loglineos"
	}
	if creds.Username == "" {
		creds.Username = "loglineos"
	}
	return creds, nil
}

// EnvSource resolves the secret payload from an environment variable named by
// the secret identifier.
type EnvSource struct{}

func (EnvSource) Fetch(_ context.Context, secretID string) ([]byte, error) {
	v := os.Getenv(secretID)
	if v == "" {
		return nil, fmt.Errorf("environment variable %s is empty", secretID)
	}
	return []byte(v), nil
}

// FileSource resolves the secret payload from a file path named by the secret
// identifier.
type FileSource struct{}

func (FileSource) Fetch(_ context.Context, secretID string) ([]byte, error) {
	return os.ReadFile(secretID)
}

// StaticSource serves fixed credentials, used when the deployment carries
// database settings in plain configuration instead of a secret store.
type StaticSource struct {
	Credentials Credentials
}

func (s StaticSource) Fetch(context.Context, string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"host":     s.Credentials.Host,
		"port":     s.Credentials.Port,
		"database": s.Credentials.Database,
		"username": s.Credentials.Username,
		"password": s.Credentials.Password,
	})
}
