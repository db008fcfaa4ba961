// Package server exposes the ledger over short-lived HTTP invocations.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/loglineos/loglined/config"
	"github.com/loglineos/loglined/internal/registry"
	"github.com/loglineos/loglined/internal/secrets"
	"github.com/loglineos/loglined/internal/store"
)

// Run wires the full service and blocks serving HTTP.
func Run(cfg *appconfig.Config) error {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	source, secretID, err := credentialSource(cfg)
	if err != nil {
		return err
	}
	cache := secrets.NewCache(source, secretID, cfg.Secrets.CacheTTL, nil)
	manager := store.NewManager(cache, cfg.Storage.Postgres.SSLMode, nil)
	defer manager.Close()

	st := store.New(manager, nil)
	st.SessionTTLHours = cfg.Memory.SessionTTLHours
	st.PersistentTTLHours = cfg.Memory.PersistentTTLHours

	migrator := store.NewMigrator(manager, cfg.Storage.Postgres.SeedFile, nil)

	var reg registry.ConnectionRegistry
	if cfg.Storage.Redis.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.Redis.Timeout)
		r, err := registry.NewRedis(ctx, cfg.Storage.Redis.Host, cfg.Storage.Redis.Port,
			cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
		cancel()
		if err != nil {
			return fmt.Errorf("redis subscriber store: %w", err)
		}
		reg = r
	} else {
		reg = registry.NewNoop(nil)
	}

	e := newEcho(cfg.General.Production(), logger)

	api := e.Group("/api", invocationMetrics())
	mh := &MemoryHandler{Store: st}
	mh.Register(api.Group("/memory"))
	th := &TimelineHandler{Store: st, Registry: reg}
	th.Register(api.Group("/timeline"))
	ah := &AdminHandler{Migrator: migrator, Environment: cfg.General.Environment}
	ah.Register(api.Group("/admin"))

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	logger.Printf("listening on %s", addr)
	return e.Start(addr)
}

// RunMigration builds the data-access stack from configuration and applies
// the schema once. Used by the migrate CLI command.
func RunMigration(ctx context.Context, cfg *appconfig.Config) (store.Report, error) {
	source, secretID, err := credentialSource(cfg)
	if err != nil {
		return store.Report{}, err
	}
	cache := secrets.NewCache(source, secretID, cfg.Secrets.CacheTTL, nil)
	manager := store.NewManager(cache, cfg.Storage.Postgres.SSLMode, nil)
	defer manager.Close()

	migrator := store.NewMigrator(manager, cfg.Storage.Postgres.SeedFile, nil)
	return migrator.Run(ctx)
}

// newEcho builds the server shell: recovery, CORS, the unified JSON error
// handler, health and metrics endpoints.
func newEcho(production bool, logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-LogLine-Memory", "X-LogLine-Session", "X-User-Id", "X-Tenant-Id", "X-Connection-Id"},
	}))
	e.HTTPErrorHandler = errorHandler(production, logger)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

// errorHandler renders every failure as {error, timestamp}; underlying error
// text is attached as message only outside production-labeled environments,
// and the database error classification is surfaced when present. Secret
// material never reaches a response body.
func errorHandler(production bool, logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := "Internal server error"
		var internal error

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
			internal = he.Internal
		}

		body := map[string]any{
			"error":     msg,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		var writeErr *store.WriteError
		if errors.As(err, &writeErr) && writeErr.Code != "" {
			body["error_code"] = writeErr.Code
		}
		var migErr *store.MigrationError
		if errors.As(err, &migErr) {
			body["step"] = migErr.Step
		}
		if !production && internal != nil {
			body["message"] = internal.Error()
		}

		req := c.Request()
		logger.Printf("%d %s %s: %v", code, req.Method, req.URL.Path, err)
		if !c.Response().Committed {
			_ = c.JSON(code, body)
		}
	}
}

// credentialSource picks the secret source for database credentials: the
// configured external store, or static configuration when none is set.
func credentialSource(cfg *appconfig.Config) (secrets.Source, string, error) {
	switch strings.TrimSpace(cfg.Secrets.Source) {
	case "env":
		return secrets.EnvSource{}, cfg.Secrets.SecretID, nil
	case "file":
		return secrets.FileSource{}, cfg.Secrets.SecretID, nil
	}
	creds, err := staticCredentials(cfg.Storage.Postgres)
	if err != nil {
		return nil, "", err
	}
	return secrets.StaticSource{Credentials: creds}, "static", nil
}

func staticCredentials(p appconfig.PostgresConfig) (secrets.Credentials, error) {
	if strings.TrimSpace(p.URL) != "" {
		u, err := url.Parse(p.URL)
		if err != nil {
			return secrets.Credentials{}, fmt.Errorf("parse postgres url: %w", err)
		}
		port := 5432
		if u.Port() != "" {
			port, err = strconv.Atoi(u.Port())
			if err != nil {
				return secrets.Credentials{}, fmt.Errorf("parse postgres url port: %w", err)
			}
		}
		password, _ := u.User.Password()
		return secrets.Credentials{
			Host:     u.Hostname(),
			Port:     port,
			Database: strings.TrimPrefix(u.Path, "/"),
			Username: u.User.Username(),
			Password: password,
		}, nil
	}
	port := 5432
	if strings.TrimSpace(p.Port) != "" {
		var err error
		port, err = strconv.Atoi(p.Port)
		if err != nil {
			return secrets.Credentials{}, fmt.Errorf("parse postgres port: %w", err)
		}
	}
	return secrets.Credentials{
		Host:     p.Host,
		Port:     port,
		Database: p.DBName,
		Username: p.User,
		Password: p.Password,
	}, nil
}
