// Package history persists analysis runs and the events they produced.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/tripscan/internal/detect"
	"github.com/HerbHall/tripscan/internal/store"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded pass of the engine over a source.
type Run struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Samples    int        `json:"sample_count"`
	Events     int        `json:"event_count"`
	Rejected   int        `json:"rejected_count"`
	Abandoned  int        `json:"abandoned_count"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Totals are the counters written when a run finishes.
type Totals struct {
	Samples   int
	Events    int
	Rejected  int
	Abandoned int
}

// Store provides access to the runs and events tables.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open applies the history migrations to st and returns a Store over it.
func Open(ctx context.Context, st *store.SQLiteStore) (*Store, error) {
	if err := st.Migrate(ctx, component, migrations()); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Store{db: st.DB(), now: func() time.Time { return time.Now().UTC() }}, nil
}

// CreateRun records the start of a run over source and returns it.
func (s *Store) CreateRun(ctx context.Context, source string) (Run, error) {
	r := Run{
		ID:        uuid.New().String(),
		Source:    source,
		StartedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source, started_at) VALUES (?, ?, ?)`,
		r.ID, r.Source, r.StartedAt,
	)
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

// FinishRun stamps the run's end time and final counters.
func (s *Store) FinishRun(ctx context.Context, id string, t Totals) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET sample_count = ?, event_count = ?, rejected_count = ?,
			abandoned_count = ?, finished_at = ?
		WHERE id = ?`,
		t.Samples, t.Events, t.Rejected, t.Abandoned, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// InsertEvent stores ev as the seq-th event of run runID.
func (s *Store) InsertEvent(ctx context.Context, runID string, seq int, ev telemetry.Event) error {
	var mean, std, p2p, window sql.NullFloat64
	if ev.RPM != nil {
		mean = sql.NullFloat64{Float64: ev.RPM.MeanRPM, Valid: true}
		std = sql.NullFloat64{Float64: ev.RPM.StdRPM, Valid: true}
		p2p = sql.NullFloat64{Float64: ev.RPM.PeakToPeak, Valid: true}
		window = sql.NullFloat64{Float64: ev.RPM.WindowS, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			run_id, seq, kind, start_s, end_s, details,
			mean_rpm, std_rpm, peak_to_peak, window_s
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, string(ev.Kind), ev.StartS, ev.EndS, ev.Details,
		mean, std, p2p, window,
	)
	if err != nil {
		return fmt.Errorf("insert event %s/%d: %w", runID, seq, err)
	}
	return nil
}

const runColumns = `id, source, sample_count, event_count, rejected_count,
	abandoned_count, started_at, finished_at`

// GetRun returns the run with the given ID.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A non-positive limit means 50.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListEvents returns the events of run runID in emission order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]telemetry.Event, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, start_s, end_s, details, mean_rpm, std_rpm, peak_to_peak, window_s
		FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var (
			ev                     telemetry.Event
			kind                   string
			mean, std, p2p, window sql.NullFloat64
		)
		if err := rows.Scan(&kind, &ev.StartS, &ev.EndS, &ev.Details, &mean, &std, &p2p, &window); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Kind = telemetry.Kind(kind)
		if mean.Valid {
			ev.RPM = &telemetry.RPMInstability{
				Timestamp:  ev.StartS,
				MeanRPM:    mean.Float64,
				StdRPM:     std.Float64,
				PeakToPeak: p2p.Float64,
				WindowS:    window.Float64,
				Message:    detect.RPMInstabilityMessage,
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r        Run
		finished sql.NullTime
	)
	err := sc.Scan(&r.ID, &r.Source, &r.Samples, &r.Events, &r.Rejected,
		&r.Abandoned, &r.StartedAt, &finished)
	if err != nil {
		return Run{}, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}
