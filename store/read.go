package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chazu/tiered/vm"
)

// Run summarizes one recorded run.
type Run struct {
	ID        string
	Label     string
	StartedAt time.Time
	Events    int
}

// DeoptCount is the number of deoptimizations of one function for one reason.
type DeoptCount struct {
	Function string
	Reason   string
	Count    int
}

// Runs returns every run, most recent first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.label, r.started_at, COUNT(e.seq)
		FROM runs r
		LEFT JOIN events e ON e.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC, r.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var started int64
		if err := rows.Scan(&r.ID, &r.Label, &started, &r.Events); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Events returns the events of a run in sequence order.
func (s *Store) Events(ctx context.Context, runID string) ([]vm.TraceEvent, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoRun, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, at, kind, function, from_status, to_status, reason, deopt_kind,
			pc, site, assumption, artifact_id, detail
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []vm.TraceEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (vm.TraceEvent, error) {
	var ev vm.TraceEvent
	var seq, at int64
	var kind, from, to string
	var site int
	err := rows.Scan(&seq, &at, &kind, &ev.Function, &from, &to, &ev.Reason, &ev.DeoptKind,
		&ev.PC, &site, &ev.Assumption, &ev.ArtifactID, &ev.Detail)
	if err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.Seq = uint64(seq)
	ev.Time = time.Unix(0, at)
	ev.Kind = vm.TraceKind(kind)
	ev.Site = vm.SiteID(site)
	if from != "" {
		if ev.From, err = vm.ParseFunctionStatus(from); err != nil {
			return ev, err
		}
		if ev.To, err = vm.ParseFunctionStatus(to); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// DeoptCounts aggregates deoptimizations over all runs, most frequent first.
func (s *Store) DeoptCounts(ctx context.Context) ([]DeoptCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT function, reason, COUNT(*) AS n
		FROM events
		WHERE kind = ?
		GROUP BY function, reason
		ORDER BY n DESC, function ASC, reason ASC
	`, string(vm.TraceDeopt))
	if err != nil {
		return nil, fmt.Errorf("query deopts: %w", err)
	}
	defer rows.Close()

	counts := []DeoptCount{}
	for rows.Next() {
		var c DeoptCount
		if err := rows.Scan(&c.Function, &c.Reason, &c.Count); err != nil {
			return nil, fmt.Errorf("scan deopt count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deopt counts: %w", err)
	}
	return counts, nil
}

// LatestSnapshot returns the newest feedback snapshot stored for function
// in the given run, or nil if there is none.
func (s *Store) LatestSnapshot(ctx context.Context, runID, function string) (*vm.WireFeedbackSnapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM snapshots
		WHERE run_id = ? AND function = ?
		ORDER BY id DESC LIMIT 1
	`, runID, function).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return vm.UnmarshalFeedbackSnapshot(data)
}
