package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loglineos/loglined/internal/secrets"
	"github.com/loglineos/loglined/internal/store"
)

type memoryAppender interface {
	AppendMemory(ctx context.Context, req store.MemoryAppend) (store.MemoryReceipt, error)
}

// MemoryHandler exposes the memory-upsert operation.
type MemoryHandler struct {
	Store memoryAppender
}

func (h *MemoryHandler) Register(g *echo.Group) {
	g.POST("", h.append)
}

type memoryRequest struct {
	Content     string   `json:"content"`
	Type        string   `json:"type"`
	Layer       string   `json:"layer"`
	TTLHours    int      `json:"ttl_hours"`
	Sensitivity string   `json:"sensitivity"`
	Tags        []string `json:"tags"`
}

type memoryResponse struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	TTLAt     string `json:"ttl_at"`
}

func (h *MemoryHandler) append(c echo.Context) error {
	var req memoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}

	header := c.Request().Header
	capability := header.Get("X-LogLine-Memory")
	if capability == "" {
		capability = store.CapabilityOff
	}
	actor := store.Identity{
		UserID:    header.Get("X-User-Id"),
		TenantID:  header.Get("X-Tenant-Id"),
		SessionID: header.Get("X-LogLine-Session"),
	}
	if actor.UserID == "" {
		actor.UserID = "anonymous"
	}

	receipt, err := h.Store.AppendMemory(c.Request().Context(), store.MemoryAppend{
		Content:     req.Content,
		Type:        req.Type,
		Layer:       req.Layer,
		TTLHours:    req.TTLHours,
		Sensitivity: req.Sensitivity,
		Tags:        req.Tags,
		Capability:  capability,
		Actor:       actor,
	})
	if err != nil {
		return mapStoreError(err, "Memory upsert failed")
	}

	return c.JSON(http.StatusCreated, memoryResponse{
		ID:        receipt.ID,
		CreatedAt: receipt.CreatedAt.UTC().Format(time.RFC3339),
		TTLAt:     receipt.TTLAt.UTC().Format(time.RFC3339),
	})
}

// mapStoreError translates the store taxonomy into the invocation status
// codes: 403 capability disabled, 400 validation, 503 acquisition
// exhaustion, 500 everything else.
func mapStoreError(err error, fallback string) error {
	if errors.Is(err, store.ErrMemoryDisabled) {
		return echo.NewHTTPError(http.StatusForbidden, "Memory is disabled")
	}
	var validation *store.ValidationError
	if errors.As(err, &validation) {
		return echo.NewHTTPError(http.StatusBadRequest, validation.Msg)
	}
	var unavailable *store.UnavailableError
	if errors.As(err, &unavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Service temporarily unavailable").SetInternal(err)
	}
	var config *secrets.ConfigError
	if errors.As(err, &config) {
		return echo.NewHTTPError(http.StatusInternalServerError, "Configuration error").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, fallback).SetInternal(err)
}
