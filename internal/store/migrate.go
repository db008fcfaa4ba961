package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"
)

// Step statuses recorded in the migration report.
const (
	StepApplied = "applied"
	StepSkipped = "skipped"
	StepFailed  = "failed"
)

// migrationStep is one ordered, idempotent unit of schema work. Fatal steps
// abort the run; best-effort steps log and continue.
type migrationStep struct {
	Name       string
	Fatal      bool
	Statements []string
	SkipReason string // set when the step has nothing to do this run
}

// StepResult reports the outcome of a single step.
type StepResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report summarizes a migration run.
type Report struct {
	Steps      []StepResult  `json:"steps"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"-"`
}

// Migrator applies the ledger schema. Every step is safe to re-run; each
// statement commits on its own, so a run interrupted by a fatal failure
// leaves a partially applied but re-convergeable schema.
type Migrator struct {
	Manager  *Manager
	SeedFile string
	Logger   *log.Logger
}

// NewMigrator builds a migrator over the given pool manager.
func NewMigrator(m *Manager, seedFile string, logger *log.Logger) *Migrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[MIGRATE] ", log.LstdFlags)
	}
	return &Migrator{Manager: m, SeedFile: seedFile, Logger: logger}
}

var migrationSteps = []migrationStep{
	{
		Name:  "schemas",
		Fatal: true,
		Statements: []string{
			`CREATE SCHEMA IF NOT EXISTS app`,
			`CREATE SCHEMA IF NOT EXISTS ledger`,
		},
	},
	{
		Name:  "session_functions",
		Fatal: true,
		Statements: []string{
			`CREATE OR REPLACE FUNCTION app.current_user_id()
RETURNS text LANGUAGE sql STABLE AS
$$ SELECT current_setting('app.user_id', true) $$`,
			`CREATE OR REPLACE FUNCTION app.current_tenant_id()
RETURNS text LANGUAGE sql STABLE AS
$$ SELECT current_setting('app.tenant_id', true) $$`,
		},
	},
	{
		Name:  "universal_registry",
		Fatal: true,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS ledger.universal_registry (
    id            uuid        NOT NULL,
    seq           integer     NOT NULL,
    entity_type   text        NOT NULL,
    who           text        NOT NULL,
    did           text,
    "this"        text        NOT NULL,
    at            timestamptz NOT NULL DEFAULT now(),

    parent_id     uuid,
    related_to    uuid[],

    owner_id      text,
    tenant_id     text,
    visibility    text        NOT NULL DEFAULT 'private',

    status        text,
    is_deleted    boolean     NOT NULL DEFAULT false,

    name          text,
    description   text,
    code          text,
    language      text,
    runtime       text,
    input         jsonb,
    output        jsonb,
    error         jsonb,

    duration_ms   integer,
    trace_id      text,

    prev_hash     text,
    curr_hash     text,
    signature     text,
    public_key    text,

    metadata      jsonb,

    PRIMARY KEY (id, seq),
    CONSTRAINT ck_visibility CHECK (visibility IN ('private','tenant','public')),
    CONSTRAINT ck_append_only CHECK (seq >= 0)
)`,
		},
	},
	{
		Name:  "indexes",
		Fatal: true,
		Statements: []string{
			`CREATE INDEX IF NOT EXISTS ur_idx_at ON ledger.universal_registry (at DESC)`,
			`CREATE INDEX IF NOT EXISTS ur_idx_entity ON ledger.universal_registry (entity_type, at DESC)`,
			`CREATE INDEX IF NOT EXISTS ur_idx_owner_tenant ON ledger.universal_registry (owner_id, tenant_id)`,
			`CREATE INDEX IF NOT EXISTS ur_idx_trace ON ledger.universal_registry (trace_id)`,
			`CREATE INDEX IF NOT EXISTS ur_idx_parent ON ledger.universal_registry (parent_id)`,
			`CREATE INDEX IF NOT EXISTS ur_idx_related ON ledger.universal_registry USING GIN (related_to)`,
			`CREATE INDEX IF NOT EXISTS ur_idx_metadata ON ledger.universal_registry USING GIN (metadata)`,
			`CREATE INDEX IF NOT EXISTS ur_idx_status ON ledger.universal_registry (status) WHERE status IS NOT NULL`,
			`CREATE INDEX IF NOT EXISTS ur_idx_entity_status ON ledger.universal_registry (entity_type, status, at DESC)`,
		},
	},
	{
		Name:  "row_level_security",
		Fatal: true,
		Statements: []string{
			`ALTER TABLE ledger.universal_registry ENABLE ROW LEVEL SECURITY`,
			// policies are dropped and recreated each run for determinism
			`DROP POLICY IF EXISTS ur_select_policy ON ledger.universal_registry`,
			`DROP POLICY IF EXISTS ur_insert_policy ON ledger.universal_registry`,
			`CREATE POLICY ur_select_policy ON ledger.universal_registry
FOR SELECT USING (
    (owner_id IS NOT DISTINCT FROM app.current_user_id())
    OR (visibility = 'public')
    OR (tenant_id IS NOT DISTINCT FROM app.current_tenant_id()
        AND visibility IN ('tenant','public'))
)`,
			`CREATE POLICY ur_insert_policy ON ledger.universal_registry
FOR INSERT WITH CHECK (
    owner_id IS NOT DISTINCT FROM app.current_user_id()
    AND (tenant_id IS NULL OR tenant_id IS NOT DISTINCT FROM app.current_tenant_id())
)`,
		},
	},
	{
		Name:  "memory_embeddings",
		Fatal: false, // pgvector may be unavailable on the target database
		Statements: []string{
			`CREATE EXTENSION IF NOT EXISTS vector`,
			`CREATE TABLE IF NOT EXISTS ledger.memory_embeddings (
    span_id uuid NOT NULL,
    seq integer NOT NULL DEFAULT 0,
    tenant_id text,
    dim int DEFAULT 1536,
    embedding vector(1536),
    created_at timestamptz DEFAULT now(),
    PRIMARY KEY (span_id),
    FOREIGN KEY (span_id, seq) REFERENCES ledger.universal_registry (id, seq) ON DELETE CASCADE
)`,
			`CREATE INDEX IF NOT EXISTS mem_emb_tenant_idx
ON ledger.memory_embeddings (tenant_id)`,
			`CREATE INDEX IF NOT EXISTS mem_emb_vector_idx
ON ledger.memory_embeddings USING ivfflat (embedding vector_cosine_ops)
WITH (lists = 100)`,
		},
	},
	{
		Name:  "visible_timeline",
		Fatal: true,
		Statements: []string{
			// security_invoker so the caller's RLS policies apply through the view
			`CREATE OR REPLACE VIEW ledger.visible_timeline
WITH (security_invoker = true) AS
SELECT * FROM ledger.universal_registry
WHERE is_deleted = false`,
		},
	},
	{
		Name:  "append_only_trigger",
		Fatal: true,
		Statements: []string{
			`CREATE OR REPLACE FUNCTION ledger.enforce_append_only()
RETURNS TRIGGER AS $$
BEGIN
    RAISE EXCEPTION 'Updates and deletes are not allowed on append-only ledger';
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
			`DROP TRIGGER IF EXISTS ur_append_only_trigger ON ledger.universal_registry`,
			`CREATE TRIGGER ur_append_only_trigger
BEFORE UPDATE OR DELETE ON ledger.universal_registry
FOR EACH ROW EXECUTE FUNCTION ledger.enforce_append_only()`,
		},
	},
}

// Run applies the ordered step sequence. Fatal step failures abort with a
// MigrationError naming the step; best-effort failures are logged, recorded
// in the report and skipped. Re-running against an already migrated database
// converges to the same schema state.
func (m *Migrator) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now().UTC()}

	pool, err := m.Manager.Pool(ctx)
	if err != nil {
		return report, err
	}

	steps := append(append([]migrationStep{}, migrationSteps...), m.seedStep())
	for i, step := range steps {
		if step.SkipReason != "" {
			m.Logger.Printf("skipping step %d/%d (%s): %s", i+1, len(steps), step.Name, step.SkipReason)
			report.Steps = append(report.Steps, StepResult{Name: step.Name, Status: StepSkipped, Detail: step.SkipReason})
			continue
		}
		m.Logger.Printf("applying step %d/%d: %s", i+1, len(steps), step.Name)
		if err := m.applyStep(ctx, pool, step); err != nil {
			if step.Fatal {
				report.Steps = append(report.Steps, StepResult{Name: step.Name, Status: StepFailed, Detail: err.Error()})
				report.FinishedAt = time.Now().UTC()
				report.Duration = report.FinishedAt.Sub(report.StartedAt)
				return report, &MigrationError{Step: step.Name, Index: i + 1, Err: err}
			}
			m.Logger.Printf("step %s failed (non-fatal), continuing: %v", step.Name, err)
			report.Steps = append(report.Steps, StepResult{Name: step.Name, Status: StepSkipped, Detail: err.Error()})
			continue
		}
		report.Steps = append(report.Steps, StepResult{Name: step.Name, Status: StepApplied})
	}

	report.FinishedAt = time.Now().UTC()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	m.Logger.Printf("migration completed in %s", report.Duration)
	return report, nil
}

func (m *Migrator) applyStep(ctx context.Context, pool execer, step migrationStep) error {
	for _, stmt := range step.Statements {
		if _, err := pool.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}
	return nil
}

// seedStep loads initial domain entries from the configured seed script.
// A missing or unreadable script only skips the step.
func (m *Migrator) seedStep() migrationStep {
	step := migrationStep{Name: "seed", Fatal: false}
	if m.SeedFile == "" {
		step.SkipReason = "no seed script configured"
		return step
	}
	raw, err := os.ReadFile(m.SeedFile)
	if err != nil {
		m.Logger.Printf("seed file not readable, skipping: %v", err)
		step.SkipReason = fmt.Sprintf("seed script not readable: %v", err)
		return step
	}
	step.Statements = []string{string(raw)}
	return step
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
