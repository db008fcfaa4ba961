package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loglineos/loglined/internal/store"
)

type migrationRunner interface {
	Run(ctx context.Context) (store.Report, error)
}

// AdminHandler exposes administrative invocations. Authentication for this
// surface is handled upstream of the service.
type AdminHandler struct {
	Migrator    migrationRunner
	Environment string
}

func (h *AdminHandler) Register(g *echo.Group) {
	g.POST("/migrate", h.migrate)
}

func (h *AdminHandler) migrate(c echo.Context) error {
	report, err := h.Migrator.Run(c.Request().Context())
	if err != nil {
		var migErr *store.MigrationError
		if errors.As(err, &migErr) {
			return echo.NewHTTPError(http.StatusInternalServerError, "Database migration failed").SetInternal(err)
		}
		return mapStoreError(err, "Migration failed")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message":          "Migration completed successfully",
		"timestamp":        report.FinishedAt.Format(time.RFC3339),
		"duration_seconds": report.Duration.Seconds(),
		"environment":      h.Environment,
		"steps":            report.Steps,
	})
}
