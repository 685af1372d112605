// Package runstore persists execution history in SQLite. The engine
// itself keeps no state between executions; this store is the only
// record that a run ever happened.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"pixelflow/internal/domain"
)

// Run is one recorded execution.
type Run struct {
	ID          string              `json:"id"`
	Pipeline    string              `json:"pipeline,omitempty"`
	Status      string              `json:"status"`
	ImageIDs    []string            `json:"imageIds,omitempty"`
	SaveResults []domain.SaveResult `json:"saveResults,omitempty"`
	UsageEvents []domain.UsageEvent `json:"usageEvents,omitempty"`
	Error       string              `json:"error,omitempty"`
	ErrorCode   domain.ErrorCode    `json:"errorCode,omitempty"`
	StartedAt   time.Time           `json:"startedAt"`
	FinishedAt  time.Time           `json:"finishedAt"`
}

// Store is a SQLite-backed run history.
type Store struct {
	db     *sql.DB
	bus    domain.EventBus
	logger *slog.Logger
}

// Open opens (or creates) the database at dbPath and migrates the schema.
func Open(dbPath string, bus domain.EventBus, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run db: %w", err)
	}
	return &Store{db: db, bus: bus, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			pipeline     TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			image_ids    TEXT NOT NULL DEFAULT '[]',
			save_results TEXT NOT NULL DEFAULT '[]',
			usage_events TEXT NOT NULL DEFAULT '[]',
			error        TEXT NOT NULL DEFAULT '',
			error_code   TEXT NOT NULL DEFAULT '',
			started_at   TEXT NOT NULL,
			finished_at  TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores the outcome of one execution and announces it on the bus.
func (s *Store) Record(ctx context.Context, pipeline string, startedAt time.Time, res *domain.ExecutionResult) error {
	run := Run{
		ID:          res.ExecutionID,
		Pipeline:    pipeline,
		Status:      res.Status,
		ImageIDs:    res.ImageIDs,
		SaveResults: res.SaveResults,
		UsageEvents: res.UsageEvents,
		Error:       res.Error,
		ErrorCode:   res.ErrorCode,
		StartedAt:   startedAt.UTC(),
		FinishedAt:  time.Now().UTC(),
	}
	if err := s.insert(ctx, run, true); err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}

	if s.bus != nil {
		payload, _ := json.Marshal(map[string]string{
			"run_id":   run.ID,
			"pipeline": run.Pipeline,
			"status":   run.Status,
		})
		s.bus.Publish(ctx, domain.Event{
			Type:        domain.EventRunRecorded,
			Timestamp:   time.Now(),
			ExecutionID: run.ID,
			Payload:     payload,
		})
	}
	return nil
}

// Watch subscribes to terminal execution events so that executions
// started outside the usual entry points still leave a trace. Explicit
// Record calls overwrite these rows with the richer result. Returns an
// unsubscribe function.
func (s *Store) Watch(bus domain.EventBus) func() {
	record := func(ctx context.Context, event domain.Event) {
		run := Run{
			ID:         event.ExecutionID,
			StartedAt:  event.Timestamp.UTC(),
			FinishedAt: event.Timestamp.UTC(),
		}
		switch event.Type {
		case domain.EventExecutionCompleted:
			run.Status = domain.StatusCompleted
			var data domain.CompletedData
			if json.Unmarshal(event.Payload, &data) == nil {
				run.ImageIDs = data.ImageIDs
				run.SaveResults = data.SaveResults
			}
		case domain.EventExecutionError:
			run.Status = domain.StatusError
			var data domain.ErrorData
			if json.Unmarshal(event.Payload, &data) == nil {
				run.Error = data.Error
				run.ErrorCode = data.ErrorCode
			}
		default:
			return
		}
		if run.ID == "" {
			return
		}
		if err := s.insert(ctx, run, false); err != nil {
			s.logger.Warn("failed to record run from event", "run_id", run.ID, "error", err)
		}
	}

	off1 := bus.Subscribe(domain.EventExecutionCompleted, record)
	off2 := bus.Subscribe(domain.EventExecutionError, record)
	return func() {
		off1()
		off2()
	}
}

func (s *Store) insert(ctx context.Context, run Run, overwrite bool) error {
	imgJSON, _ := json.Marshal(orEmpty(run.ImageIDs))
	saveJSON, err := json.Marshal(orEmpty(run.SaveResults))
	if err != nil {
		return fmt.Errorf("marshal save results: %w", err)
	}
	usageJSON, err := json.Marshal(orEmpty(run.UsageEvents))
	if err != nil {
		return fmt.Errorf("marshal usage events: %w", err)
	}
	verb := "INSERT OR IGNORE"
	if overwrite {
		verb = "INSERT OR REPLACE"
	}
	_, err = s.db.ExecContext(ctx, verb+` INTO runs
		(id, pipeline, status, image_ids, save_results, usage_events, error, error_code, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, run.Status, string(imgJSON), string(saveJSON), string(usageJSON),
		run.Error, string(run.ErrorCode),
		run.StartedAt.Format(time.RFC3339Nano), run.FinishedAt.Format(time.RFC3339Nano),
	)
	return err
}

const runColumns = "id, pipeline, status, image_ids, save_results, usage_events, error, error_code, started_at, finished_at"

// Get returns one run by execution id.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewDomainError("runstore.Get", domain.ErrRunNotFound, id)
	}
	return run, err
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var imgStr, saveStr, usageStr, codeStr, startedStr, finishedStr string
	if err := row.Scan(&run.ID, &run.Pipeline, &run.Status, &imgStr, &saveStr, &usageStr,
		&run.Error, &codeStr, &startedStr, &finishedStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(imgStr), &run.ImageIDs); err != nil {
		return nil, fmt.Errorf("unmarshal image ids: %w", err)
	}
	if err := json.Unmarshal([]byte(saveStr), &run.SaveResults); err != nil {
		return nil, fmt.Errorf("unmarshal save results: %w", err)
	}
	if err := json.Unmarshal([]byte(usageStr), &run.UsageEvents); err != nil {
		return nil, fmt.Errorf("unmarshal usage events: %w", err)
	}
	run.ErrorCode = domain.ErrorCode(codeStr)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr)
	return &run, nil
}

// orEmpty keeps nil slices out of the stored JSON.
func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
