// Package store implements the data-access layer for the append-only ledger:
// credential-backed pool management, resilient acquisition, the insert-only
// registry contract and the schema migrator.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Visibility levels for registry entries. The value fully determines
// cross-tenant and cross-owner readability under RLS.
const (
	VisibilityPrivate = "private"
	VisibilityTenant  = "tenant"
	VisibilityPublic  = "public"
)

const EntityTypeMemory = "memory"

// Memory layers.
const (
	LayerSession    = "session"
	LayerPersistent = "persistent"
)

// Capability flag values carried in invocation metadata.
const (
	CapabilityOff         = "off"
	CapabilitySessionOnly = "session-only"
)

// Identity is the caller context bound into connection-local session state.
// The RLS policies read it back through app.current_user_id() and
// app.current_tenant_id().
type Identity struct {
	UserID    string
	TenantID  string
	SessionID string
}

// Entry is one immutable row of ledger.universal_registry. Rows are never
// updated or deleted; corrections are new rows with an incremented seq or a
// fresh id referencing the original via ParentID.
type Entry struct {
	ID         string
	Seq        int
	EntityType string
	Who        string
	Did        string
	This       string
	At         time.Time

	ParentID  string
	RelatedTo []string

	OwnerID    string
	TenantID   string
	Visibility string

	Status    string
	IsDeleted bool

	Name        string
	Description string
	Code        string
	Language    string
	Runtime     string
	Input       json.RawMessage
	Output      json.RawMessage
	ErrorDetail json.RawMessage

	DurationMS int
	TraceID    string

	// Hash-chain fields are stored opaquely as supplied by the caller and
	// exposed for external verification; the store does not compute or
	// verify chain continuity.
	PrevHash  string
	CurrHash  string
	Signature string
	PublicKey string

	Metadata json.RawMessage
}

// MemoryAppend is the appendMemory request after boundary parsing.
type MemoryAppend struct {
	Content     string
	Type        string
	Layer       string
	TTLHours    int
	Sensitivity string
	Tags        []string
	Capability  string
	Actor       Identity
}

// MemoryReceipt is the appendMemory result.
type MemoryReceipt struct {
	ID        string
	CreatedAt time.Time
	TTLAt     time.Time
}

// TimelineFilter narrows timeline reads.
type TimelineFilter struct {
	EntityType string
	Status     string
	Limit      int
}

// Store is the read/write contract over the universal_registry table.
type Store struct {
	Manager *Manager
	Logger  *log.Logger

	SessionTTLHours    int
	PersistentTTLHours int
}

// New builds a Store over the given pool manager.
func New(m *Manager, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	return &Store{Manager: m, Logger: logger, SessionTTLHours: 24, PersistentTTLHours: 168}
}

const entryColumns = `id, seq, entity_type, who, did, "this", at, parent_id, related_to,
       owner_id, tenant_id, visibility, status, is_deleted,
       name, description, code, language, runtime, input, output, error,
       duration_ms, trace_id, prev_hash, curr_hash, signature, public_key, metadata`

// AppendMemory performs the memory-upsert operation: one insert of a new
// registry entry with seq 0 and entity_type memory, under the caller's bound
// identity. The capability check happens before any database access.
func (s *Store) AppendMemory(ctx context.Context, req MemoryAppend) (MemoryReceipt, error) {
	if req.Capability == CapabilityOff {
		return MemoryReceipt{}, ErrMemoryDisabled
	}
	if strings.TrimSpace(req.Content) == "" {
		return MemoryReceipt{}, &ValidationError{Msg: "content is required"}
	}

	memType := req.Type
	if memType == "" {
		memType = "note"
	}
	layer := req.Layer
	if layer == "" {
		if req.Capability == CapabilitySessionOnly {
			layer = LayerSession
		} else {
			layer = LayerPersistent
		}
	}
	ttlHours := req.TTLHours
	if ttlHours <= 0 {
		if layer == LayerSession {
			ttlHours = s.SessionTTLHours
		} else {
			ttlHours = s.PersistentTTLHours
		}
	}
	sensitivity := req.Sensitivity
	if sensitivity == "" {
		sensitivity = "internal"
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}

	conn, err := s.Manager.Acquire(ctx)
	if err != nil {
		return MemoryReceipt{}, err
	}
	defer func() {
		s.resetIdentity(conn)
		_ = conn.Close() // checks the connection back into the pool
	}()

	if err := bindIdentity(ctx, conn, req.Actor); err != nil {
		return MemoryReceipt{}, asWriteError(err)
	}

	memoryID := uuid.NewString()
	ttlAt := time.Now().UTC().Add(time.Duration(ttlHours) * time.Hour)
	metadata, err := json.Marshal(map[string]any{
		"layer":       layer,
		"type":        memType,
		"tags":        tags,
		"sensitivity": sensitivity,
		"session_id":  req.Actor.SessionID,
		"ttl_at":      ttlAt.Format(time.RFC3339),
	})
	if err != nil {
		return MemoryReceipt{}, fmt.Errorf("marshal memory metadata: %w", err)
	}

	var createdAt time.Time
	err = conn.QueryRowContext(ctx, `
INSERT INTO ledger.universal_registry
  (id, seq, entity_type, who, did, "this", at, status, description, metadata, owner_id, tenant_id, visibility)
VALUES ($1, 0, 'memory', $2, 'upserted', $3, now(), 'active', $4, $5, $6, $7, 'private')
RETURNING at
`, memoryID, "kernel:memory@v1", "memory."+memType, req.Content, metadata,
		nullableString(req.Actor.UserID), nullableString(req.Actor.TenantID)).Scan(&createdAt)
	if err != nil {
		return MemoryReceipt{}, asWriteError(err)
	}

	return MemoryReceipt{ID: memoryID, CreatedAt: createdAt, TTLAt: ttlAt}, nil
}

// AppendEntry inserts one new registry entry. The id is generated when
// absent; seq must be >= 0 and visibility must be one of the three levels
// (defaulting to private). Hash-chain fields pass through untouched.
func (s *Store) AppendEntry(ctx context.Context, actor Identity, e Entry) (Entry, error) {
	if strings.TrimSpace(e.EntityType) == "" {
		return Entry{}, &ValidationError{Msg: "entity_type is required"}
	}
	if strings.TrimSpace(e.This) == "" {
		return Entry{}, &ValidationError{Msg: "this is required"}
	}
	if e.Seq < 0 {
		return Entry{}, &ValidationError{Msg: "seq must be >= 0"}
	}
	switch e.Visibility {
	case VisibilityPrivate, VisibilityTenant, VisibilityPublic:
	case "":
		e.Visibility = VisibilityPrivate
	default:
		return Entry{}, &ValidationError{Msg: "visibility must be private, tenant or public"}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Who == "" {
		e.Who = actor.UserID
	}
	if e.OwnerID == "" {
		e.OwnerID = actor.UserID
	}
	if e.TenantID == "" {
		e.TenantID = actor.TenantID
	}

	conn, err := s.Manager.Acquire(ctx)
	if err != nil {
		return Entry{}, err
	}
	defer func() {
		s.resetIdentity(conn)
		_ = conn.Close()
	}()

	if err := bindIdentity(ctx, conn, actor); err != nil {
		return Entry{}, asWriteError(err)
	}

	err = conn.QueryRowContext(ctx, `
INSERT INTO ledger.universal_registry
  (id, seq, entity_type, who, did, "this", at, parent_id, related_to,
   owner_id, tenant_id, visibility, status, is_deleted,
   name, description, code, language, runtime, input, output, error,
   duration_ms, trace_id, prev_hash, curr_hash, signature, public_key, metadata)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7, $8, $9, $10, $11, $12, false,
        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
RETURNING at
`, e.ID, e.Seq, e.EntityType, e.Who, nullableString(e.Did), e.This,
		nullableString(e.ParentID), pq.Array(e.RelatedTo),
		nullableString(e.OwnerID), nullableString(e.TenantID), e.Visibility,
		nullableString(e.Status),
		nullableString(e.Name), nullableString(e.Description), nullableString(e.Code),
		nullableString(e.Language), nullableString(e.Runtime),
		nullableJSON(e.Input), nullableJSON(e.Output), nullableJSON(e.ErrorDetail),
		nullableInt(e.DurationMS), nullableString(e.TraceID),
		nullableString(e.PrevHash), nullableString(e.CurrHash),
		nullableString(e.Signature), nullableString(e.PublicKey),
		nullableJSON(e.Metadata)).Scan(&e.At)
	if err != nil {
		return Entry{}, asWriteError(err)
	}
	return e, nil
}

// GetEntry fetches one visible entry by (id, seq) under the caller's
// identity. Logically deleted rows and rows hidden by RLS read as absent.
func (s *Store) GetEntry(ctx context.Context, actor Identity, id string, seq int) (Entry, bool, error) {
	if strings.TrimSpace(id) == "" {
		return Entry{}, false, &ValidationError{Msg: "id is required"}
	}
	conn, err := s.Manager.Acquire(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	defer func() {
		s.resetIdentity(conn)
		_ = conn.Close()
	}()

	if err := bindIdentity(ctx, conn, actor); err != nil {
		return Entry{}, false, asWriteError(err)
	}

	row := conn.QueryRowContext(ctx, `
SELECT `+entryColumns+`
FROM ledger.visible_timeline
WHERE id=$1 AND seq=$2
`, id, seq)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Timeline lists visible entries for the caller's identity, newest first.
func (s *Store) Timeline(ctx context.Context, actor Identity, f TimelineFilter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	conn, err := s.Manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		s.resetIdentity(conn)
		_ = conn.Close()
	}()

	if err := bindIdentity(ctx, conn, actor); err != nil {
		return nil, asWriteError(err)
	}

	query := `
SELECT ` + entryColumns + `
FROM ledger.visible_timeline`
	var conds []string
	var args []any
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		conds = append(conds, fmt.Sprintf("entity_type=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if len(conds) > 0 {
		query += "\nWHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf("\nORDER BY at DESC\nLIMIT $%d", len(args))

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// bindIdentity writes the caller identity into connection-local session
// settings; the RLS predicates evaluate against these.
func bindIdentity(ctx context.Context, conn *sql.Conn, actor Identity) error {
	userID := actor.UserID
	if userID == "" {
		userID = "anonymous"
	}
	if _, err := conn.ExecContext(ctx, `SELECT set_config('app.user_id', $1, false)`, userID); err != nil {
		return err
	}
	if actor.TenantID != "" {
		if _, err := conn.ExecContext(ctx, `SELECT set_config('app.tenant_id', $1, false)`, actor.TenantID); err != nil {
			return err
		}
	}
	return nil
}

// resetIdentity clears session identity before the connection returns to the
// pool so it cannot leak into the next borrower. Best effort.
func (s *Store) resetIdentity(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := conn.ExecContext(ctx, `SELECT set_config('app.user_id', '', false), set_config('app.tenant_id', '', false)`); err != nil {
		s.Logger.Printf("failed to reset session identity: %v", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var did, parentID, ownerID, tenantID, status sql.NullString
	var name, description, code, language, runtime sql.NullString
	var traceID, prevHash, currHash, signature, publicKey sql.NullString
	var durationMS sql.NullInt64
	var input, output, errorDetail, metadata []byte
	var related pq.StringArray

	err := row.Scan(&e.ID, &e.Seq, &e.EntityType, &e.Who, &did, &e.This, &e.At,
		&parentID, &related, &ownerID, &tenantID, &e.Visibility, &status, &e.IsDeleted,
		&name, &description, &code, &language, &runtime,
		&input, &output, &errorDetail,
		&durationMS, &traceID, &prevHash, &currHash, &signature, &publicKey, &metadata)
	if err != nil {
		return Entry{}, err
	}
	e.Did = did.String
	e.ParentID = parentID.String
	e.RelatedTo = related
	e.OwnerID = ownerID.String
	e.TenantID = tenantID.String
	e.Status = status.String
	e.Name = name.String
	e.Description = description.String
	e.Code = code.String
	e.Language = language.String
	e.Runtime = runtime.String
	e.Input = input
	e.Output = output
	e.ErrorDetail = errorDetail
	e.DurationMS = int(durationMS.Int64)
	e.TraceID = traceID.String
	e.PrevHash = prevHash.String
	e.CurrHash = currHash.String
	e.Signature = signature.String
	e.PublicKey = publicKey.String
	e.Metadata = metadata
	return e, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
