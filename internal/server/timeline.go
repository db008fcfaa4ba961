package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loglineos/loglined/internal/registry"
	"github.com/loglineos/loglined/internal/store"
)

type timelineReader interface {
	Timeline(ctx context.Context, actor store.Identity, f store.TimelineFilter) ([]store.Entry, error)
	GetEntry(ctx context.Context, actor store.Identity, id string, seq int) (store.Entry, bool, error)
}

// TimelineHandler exposes visible-timeline reads and the push-subscriber
// connection lifecycle.
type TimelineHandler struct {
	Store    timelineReader
	Registry registry.ConnectionRegistry
}

func (h *TimelineHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/:id/:seq", h.get)
	g.POST("/connect", h.connect)
	g.POST("/disconnect", h.disconnect)
	g.POST("/subscribe", h.subscribe)
}

type entryResponse struct {
	ID         string          `json:"id"`
	Seq        int             `json:"seq"`
	EntityType string          `json:"entity_type"`
	Who        string          `json:"who"`
	Did        string          `json:"did,omitempty"`
	This       string          `json:"this"`
	At         time.Time       `json:"at"`
	ParentID   string          `json:"parent_id,omitempty"`
	RelatedTo  []string        `json:"related_to,omitempty"`
	OwnerID    string          `json:"owner_id,omitempty"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Visibility string          `json:"visibility"`
	Status     string          `json:"status,omitempty"`
	Name       string          `json:"name,omitempty"`
	Desc       string          `json:"description,omitempty"`
	Code       string          `json:"code,omitempty"`
	Language   string          `json:"language,omitempty"`
	Runtime    string          `json:"runtime,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	DurationMS int             `json:"duration_ms,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	PrevHash   string          `json:"prev_hash,omitempty"`
	CurrHash   string          `json:"curr_hash,omitempty"`
	Signature  string          `json:"signature,omitempty"`
	PublicKey  string          `json:"public_key,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

func toEntryResponse(e store.Entry) entryResponse {
	return entryResponse{
		ID: e.ID, Seq: e.Seq, EntityType: e.EntityType, Who: e.Who, Did: e.Did,
		This: e.This, At: e.At, ParentID: e.ParentID, RelatedTo: e.RelatedTo,
		OwnerID: e.OwnerID, TenantID: e.TenantID, Visibility: e.Visibility,
		Status: e.Status, Name: e.Name, Desc: e.Description, Code: e.Code,
		Language: e.Language, Runtime: e.Runtime, Input: e.Input, Output: e.Output,
		Error: e.ErrorDetail, DurationMS: e.DurationMS, TraceID: e.TraceID,
		PrevHash: e.PrevHash, CurrHash: e.CurrHash, Signature: e.Signature,
		PublicKey: e.PublicKey, Metadata: e.Metadata,
	}
}

func actorFromHeaders(c echo.Context) store.Identity {
	header := c.Request().Header
	actor := store.Identity{
		UserID:    header.Get("X-User-Id"),
		TenantID:  header.Get("X-Tenant-Id"),
		SessionID: header.Get("X-LogLine-Session"),
	}
	if actor.UserID == "" {
		actor.UserID = "anonymous"
	}
	return actor
}

func (h *TimelineHandler) list(c echo.Context) error {
	filter := store.TimelineFilter{
		EntityType: c.QueryParam("entity_type"),
		Status:     c.QueryParam("status"),
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		filter.Limit = limit
	}

	entries, err := h.Store.Timeline(c.Request().Context(), actorFromHeaders(c), filter)
	if err != nil {
		return mapStoreError(err, "Timeline read failed")
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": out})
}

func (h *TimelineHandler) get(c echo.Context) error {
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "seq must be an integer")
	}
	entry, ok, err := h.Store.GetEntry(c.Request().Context(), actorFromHeaders(c), c.Param("id"), seq)
	if err != nil {
		return mapStoreError(err, "Timeline read failed")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "entry not found")
	}
	return c.JSON(http.StatusOK, toEntryResponse(entry))
}

func connectionID(c echo.Context) (string, error) {
	id := c.Request().Header.Get("X-Connection-Id")
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "X-Connection-Id header is required")
	}
	return id, nil
}

func (h *TimelineHandler) connect(c echo.Context) error {
	id, err := connectionID(c)
	if err != nil {
		return err
	}
	if err := h.Registry.Connect(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Connection registration failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Connected"})
}

func (h *TimelineHandler) disconnect(c echo.Context) error {
	id, err := connectionID(c)
	if err != nil {
		return err
	}
	if err := h.Registry.Disconnect(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Disconnection failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Disconnected"})
}

func (h *TimelineHandler) subscribe(c echo.Context) error {
	id, err := connectionID(c)
	if err != nil {
		return err
	}
	prefs := map[string]any{}
	if err := c.Bind(&prefs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if err := h.Registry.Subscribe(c.Request().Context(), id, prefs); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Subscribe failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Subscribed"})
}
