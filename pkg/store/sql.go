package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/harun/drillops/pkg/drill"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
	DriverMemory   = "memory"
)

// Config configures the SQL-backed store.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	PingTimeout  time.Duration
}

// Validate checks the configuration for the SQL drivers.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported store driver %q", c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("store dsn is required")
	}
	if c.MaxOpenConns < 0 {
		return errors.New("store max_open_conns must be >= 0")
	}
	return nil
}

// SQLStore implements Store on database/sql for sqlite and postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects, pings and migrates the database.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	switch {
	case cfg.Driver == DriverSQLite:
		// sqlite serializes writers; one connection avoids SQLITE_BUSY under concurrent upserts.
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &SQLStore{db: db, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.driver == DriverPostgres {
		ts = "TIMESTAMPTZ"
	}

	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS step_executions (
			drill_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at %[1]s,
			completed_at %[1]s,
			result_text TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT '',
			updated_at %[1]s NOT NULL,
			PRIMARY KEY (drill_id, step_id)
		)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS scenario_executions (
			drill_id TEXT NOT NULL,
			scenario_id TEXT NOT NULL,
			final_status TEXT NOT NULL,
			final_reason TEXT NOT NULL DEFAULT '',
			confirmed_at %[1]s NOT NULL,
			PRIMARY KEY (drill_id, scenario_id)
		)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS criterion_executions (
			drill_id TEXT NOT NULL,
			criterion_id TEXT NOT NULL,
			status TEXT NOT NULL,
			checked_by TEXT NOT NULL DEFAULT '',
			checked_at %[1]s NOT NULL,
			PRIMARY KEY (drill_id, criterion_id)
		)`, ts),
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_status ON step_executions(drill_id, status)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("execute schema query: %w", err)
		}
	}
	return nil
}

const (
	upsertStepQuery = `INSERT INTO step_executions (drill_id, step_id, status, started_at, completed_at, result_text, assignee, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (drill_id, step_id) DO UPDATE SET
		status = excluded.status,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at,
		result_text = excluded.result_text,
		assignee = excluded.assignee,
		updated_at = excluded.updated_at`

	selectStepColumns = `SELECT drill_id, step_id, status, started_at, completed_at, result_text, assignee FROM step_executions`

	upsertScenarioQuery = `INSERT INTO scenario_executions (drill_id, scenario_id, final_status, final_reason, confirmed_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (drill_id, scenario_id) DO UPDATE SET
		final_status = excluded.final_status,
		final_reason = excluded.final_reason,
		confirmed_at = excluded.confirmed_at`

	selectScenarioQuery = `SELECT drill_id, scenario_id, final_status, final_reason, confirmed_at
	FROM scenario_executions WHERE drill_id = ? AND scenario_id = ?`

	upsertCriterionQuery = `INSERT INTO criterion_executions (drill_id, criterion_id, status, checked_by, checked_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (drill_id, criterion_id) DO UPDATE SET
		status = excluded.status,
		checked_by = excluded.checked_by,
		checked_at = excluded.checked_at`

	selectCriterionQuery = `SELECT drill_id, criterion_id, status, checked_by, checked_at
	FROM criterion_executions WHERE drill_id = ? AND criterion_id = ?`

	upsertSettingQuery = `INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value`

	selectSettingQuery = `SELECT value FROM settings WHERE key = ?`
)

func (s *SQLStore) UpsertStepRecord(ctx context.Context, rec drill.StepRecord) (drill.StepRecord, error) {
	if rec.DrillID == "" || rec.StepID == "" {
		return drill.StepRecord{}, errors.New("drill id and step id are required")
	}

	var stored drill.StepRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(upsertStepQuery),
			rec.DrillID,
			rec.StepID,
			string(rec.Status),
			nullTime(rec.StartedAt),
			nullTime(rec.CompletedAt),
			rec.ResultText,
			rec.Assignee,
			time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("upsert step record: %w", err)
		}
		row := tx.QueryRowContext(ctx, s.rebind(selectStepColumns+` WHERE drill_id = ? AND step_id = ?`), rec.DrillID, rec.StepID)
		stored, err = scanStepRecord(row)
		return err
	})
	return stored, err
}

func (s *SQLStore) GetStepRecords(ctx context.Context, drillID string, stepIDs []string) (map[string]drill.StepRecord, error) {
	out := make(map[string]drill.StepRecord, len(stepIDs))
	if len(stepIDs) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(stepIDs)+1)
	args = append(args, drillID)
	for _, id := range stepIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(stepIDs)), ", ")
	query := selectStepColumns + ` WHERE drill_id = ? AND step_id IN (` + placeholders + `)`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get step records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanStepRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.StepID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get step records: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListStepRecords(ctx context.Context, drillID string) ([]drill.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectStepColumns+` WHERE drill_id = ? ORDER BY step_id ASC`), drillID)
	if err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	defer rows.Close()

	records := make([]drill.StepRecord, 0)
	for rows.Next() {
		rec, err := scanStepRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	return records, nil
}

func (s *SQLStore) UpsertScenarioRecord(ctx context.Context, rec drill.ScenarioRecord) (drill.ScenarioRecord, error) {
	confirmedAt := rec.ConfirmedAt
	if confirmedAt.IsZero() {
		confirmedAt = time.Now()
	}

	var stored drill.ScenarioRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(upsertScenarioQuery),
			rec.DrillID, rec.ScenarioID, rec.FinalStatus, rec.FinalReason, confirmedAt.UTC(),
		); err != nil {
			return fmt.Errorf("upsert scenario record: %w", err)
		}
		err := tx.QueryRowContext(ctx, s.rebind(selectScenarioQuery), rec.DrillID, rec.ScenarioID).Scan(
			&stored.DrillID, &stored.ScenarioID, &stored.FinalStatus, &stored.FinalReason, &stored.ConfirmedAt,
		)
		return handleNotFound(err)
	})
	return stored, err
}

func (s *SQLStore) UpsertCriterionRecord(ctx context.Context, rec drill.CriterionRecord) (drill.CriterionRecord, error) {
	checkedAt := rec.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}

	var stored drill.CriterionRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(upsertCriterionQuery),
			rec.DrillID, rec.CriterionID, string(rec.Status), rec.CheckedBy, checkedAt.UTC(),
		); err != nil {
			return fmt.Errorf("upsert criterion record: %w", err)
		}
		var status string
		err := tx.QueryRowContext(ctx, s.rebind(selectCriterionQuery), rec.DrillID, rec.CriterionID).Scan(
			&stored.DrillID, &stored.CriterionID, &status, &stored.CheckedBy, &stored.CheckedAt,
		)
		stored.Status = drill.CriterionStatus(status)
		return handleNotFound(err)
	})
	return stored, err
}

func (s *SQLStore) SetSetting(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(upsertSettingQuery), key, value); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// DefaultStepTimeout reads the setting on every call.
func (s *SQLStore) DefaultStepTimeout(ctx context.Context) (time.Duration, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(selectSettingQuery), DefaultStepTimeoutKey).Scan(&raw)
	if err != nil {
		return 0, handleNotFound(err)
	}
	return parseTimeoutSeconds(strings.TrimSpace(raw))
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStepRecord(scanner rowScanner) (drill.StepRecord, error) {
	var rec drill.StepRecord
	var status string
	var startedAt, completedAt sql.NullTime
	if err := scanner.Scan(
		&rec.DrillID,
		&rec.StepID,
		&status,
		&startedAt,
		&completedAt,
		&rec.ResultText,
		&rec.Assignee,
	); err != nil {
		return drill.StepRecord{}, handleNotFound(err)
	}
	rec.Status = drill.Status(status)
	if startedAt.Valid {
		rec.StartedAt = drill.TimePtr(startedAt.Time)
	}
	if completedAt.Valid {
		rec.CompletedAt = drill.TimePtr(completedAt.Time)
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
