package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/me/kernsched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Each connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// --- Runs ---

// CreateRun inserts run. An empty ID is filled with NewRunID and a zero
// CreatedAt with the current time.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.State == "" {
		run.State = model.RunStateRunning
	}
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, scenario, algorithm, cpu_count, state, ticks, summary, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Scenario, string(run.Algorithm), run.CPUCount, string(run.State),
		int64(run.Ticks), run.Summary, run.Config, run.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the final state of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, state model.RunState, ticks uint64, summary string) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", id, "state", state)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, ticks = ?, summary = ?, completed_at = ? WHERE id = ?`,
		string(state), int64(ticks), summary, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, scenario, algorithm, cpu_count, state, ticks, summary, config, created_at, completed_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", filter.Limit, "offset", filter.Offset)
	filter.Clamp()

	whereSQL := ""
	var countArgs []any
	if filter.State != "" {
		whereSQL = " WHERE state = ?"
		countArgs = append(countArgs, string(filter.State))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT id, scenario, algorithm, cpu_count, state, ticks, summary, config, created_at, completed_at
		FROM runs` + whereSQL + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	listArgs := append(countArgs, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// DeleteRun removes a run and, through the foreign key, its events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "runs", "id", id)
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	var run model.Run
	var algorithm, state, createdAt string
	var ticks int64
	var completedAt *string

	if err := sc.Scan(&run.ID, &run.Scenario, &algorithm, &run.CPUCount, &state, &ticks,
		&run.Summary, &run.Config, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	run.Algorithm = model.Algorithm(algorithm)
	run.State = model.RunState(state)
	run.Ticks = uint64(ticks)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if completedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *completedAt)
		run.CompletedAt = &t
	}
	return &run, nil
}

// --- Events ---

// AppendEvents stores events after those already recorded for runID,
// preserving their order.
func (s *SQLiteStore) AppendEvents(ctx context.Context, runID string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert", "table", "events", "run_id", runID, "count", len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (run_id, seq, tick, kind, cpu, process, thread, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		next++
		if _, err := stmt.ExecContext(ctx, runID, next, int64(ev.Tick), string(ev.Kind),
			int(ev.CPU), int64(ev.Process), int64(ev.Thread), ev.Detail); err != nil {
			return fmt.Errorf("insert event %d of run %s: %w", next, runID, err)
		}
	}
	return tx.Commit()
}

// ListEvents returns a page of runID's events in recording order and the
// total number matching filter.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, filter model.EventFilter) ([]model.Event, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "events", "run_id", runID, "kind", filter.Kind)
	filter.Clamp()

	whereClauses := []string{"run_id = ?"}
	countArgs := []any{runID}
	if filter.Kind != "" {
		whereClauses = append(whereClauses, "kind = ?")
		countArgs = append(countArgs, string(filter.Kind))
	}
	if filter.Thread != model.NoThread {
		whereClauses = append(whereClauses, "thread = ?")
		countArgs = append(countArgs, int64(filter.Thread))
	}
	if filter.CPU != nil {
		whereClauses = append(whereClauses, "cpu = ?")
		countArgs = append(countArgs, int(*filter.CPU))
	}
	whereSQL := " WHERE " + strings.Join(whereClauses, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT tick, kind, cpu, process, thread, detail FROM events` + whereSQL +
		` ORDER BY seq LIMIT ? OFFSET ?`
	listArgs := append(countArgs, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var tick, process, thread int64
		var kind string
		var cpu int
		if err := rows.Scan(&tick, &kind, &cpu, &process, &thread, &ev.Detail); err != nil {
			return nil, 0, err
		}
		ev.Tick = uint64(tick)
		ev.Kind = model.EventKind(kind)
		ev.CPU = model.CPUID(cpu)
		ev.Process = model.ProcessID(process)
		ev.Thread = model.ThreadID(thread)
		events = append(events, ev)
	}
	return events, total, rows.Err()
}
