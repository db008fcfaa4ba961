package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/loglineos/loglined/internal/secrets"
)

func newMockMigrator(t *testing.T, seedFile string) (*Migrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	m := testManager(secrets.StaticSource{Credentials: testCreds}, func(string) (*sql.DB, error) {
		return db, nil
	})
	return NewMigrator(m, seedFile, discard()), mock
}

func TestMigrationAllStepsApplied(t *testing.T) {
	mig, mock := newMockMigrator(t, "")
	for _, step := range migrationSteps {
		for _, stmt := range step.Statements {
			mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}

	report, err := mig.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Steps) != len(migrationSteps)+1 {
		t.Fatalf("expected %d step results, got %d", len(migrationSteps)+1, len(report.Steps))
	}
	for i, step := range migrationSteps {
		if report.Steps[i].Name != step.Name || report.Steps[i].Status != StepApplied {
			t.Fatalf("step %s: expected applied, got %#v", step.Name, report.Steps[i])
		}
	}
	seed := report.Steps[len(report.Steps)-1]
	if seed.Name != "seed" || seed.Status != StepSkipped {
		t.Fatalf("expected seed skipped without a configured script, got %#v", seed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrationRerunIsIdempotent(t *testing.T) {
	mig, mock := newMockMigrator(t, "")
	for run := 0; run < 2; run++ {
		for _, step := range migrationSteps {
			for _, stmt := range step.Statements {
				mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
			}
		}
	}

	for run := 0; run < 2; run++ {
		if _, err := mig.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", run+1, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrationBestEffortStepContinues(t *testing.T) {
	mig, mock := newMockMigrator(t, "")
	for _, step := range migrationSteps {
		if step.Name == "memory_embeddings" {
			// pgvector missing on the target database
			mock.ExpectExec(regexp.QuoteMeta(step.Statements[0])).
				WillReturnError(fmt.Errorf(`extension "vector" is not available`))
			continue
		}
		for _, stmt := range step.Statements {
			mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}

	report, err := mig.Run(context.Background())
	if err != nil {
		t.Fatalf("expected best-effort failure to be swallowed, got %v", err)
	}
	var found bool
	for _, step := range report.Steps {
		if step.Name == "memory_embeddings" {
			found = true
			if step.Status != StepSkipped || step.Detail == "" {
				t.Fatalf("expected skipped with detail, got %#v", step)
			}
		}
	}
	if !found {
		t.Fatalf("expected memory_embeddings in the report")
	}
	if report.Steps[len(report.Steps)-2].Name != "append_only_trigger" {
		t.Fatalf("expected later steps to still run, got %#v", report.Steps)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrationFatalStepAborts(t *testing.T) {
	mig, mock := newMockMigrator(t, "")
	for _, step := range migrationSteps {
		if step.Name == "indexes" {
			mock.ExpectExec(regexp.QuoteMeta(step.Statements[0])).
				WillReturnError(fmt.Errorf("disk full"))
			break
		}
		for _, stmt := range step.Statements {
			mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}

	report, err := mig.Run(context.Background())
	var migErr *MigrationError
	if !errors.As(err, &migErr) {
		t.Fatalf("expected MigrationError, got %T: %v", err, err)
	}
	if migErr.Step != "indexes" || migErr.Index != 4 {
		t.Fatalf("expected failure at step indexes (4), got %#v", migErr)
	}
	last := report.Steps[len(report.Steps)-1]
	if last.Name != "indexes" || last.Status != StepFailed {
		t.Fatalf("expected indexes recorded as failed, got %#v", last)
	}
	// no statement after the fatal failure may run
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSeedStepReadsConfiguredScript(t *testing.T) {
	seedFile := filepath.Join(t.TempDir(), "seed.sql")
	script := "INSERT INTO ledger.universal_registry (id, seq, entity_type, who, \"this\") VALUES ('00000000-0000-0000-0000-000000000001', 0, 'bootstrap', 'system', 'genesis');\n"
	if err := os.WriteFile(seedFile, []byte(script), 0o600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	mig, _ := newMockMigrator(t, seedFile)
	step := mig.seedStep()
	if step.SkipReason != "" {
		t.Fatalf("expected seed step to run, got skip: %s", step.SkipReason)
	}
	if len(step.Statements) != 1 || step.Statements[0] != script {
		t.Fatalf("expected the script body as the statement, got %#v", step.Statements)
	}
}

func TestSeedStepSkipsMissingScript(t *testing.T) {
	mig, _ := newMockMigrator(t, filepath.Join(t.TempDir(), "absent.sql"))
	step := mig.seedStep()
	if step.SkipReason == "" {
		t.Fatalf("expected a skip reason for a missing seed script")
	}
}
