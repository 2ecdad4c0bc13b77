// Package store persists tier traces and feedback snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/tiered/vm"
)

//go:embed schema.sql
var schemaSQL string

// ErrNoRun is returned when a query names a run that does not exist.
var ErrNoRun = errors.New("store: no such run")

// Store is a durable trace sink. Events are written to the current run,
// which BeginRun replaces; the first event starts a run if none is open.
type Store struct {
	db  *sql.DB
	log commonlog.Logger

	mu  sync.Mutex
	run string
}

// Open creates or opens a SQLite database at the given path.
// The database runs in WAL mode with a single writer connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, log: commonlog.GetLogger("tiered.store")}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun opens a new run and makes it current. It returns the run ID.
func (s *Store) BeginRun(ctx context.Context, label string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, label, started_at) VALUES (?, ?, ?)`,
		id, label, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	s.mu.Lock()
	s.run = id
	s.mu.Unlock()
	s.log.Debugf("began run %s (%s)", id, label)
	return id, nil
}

// CurrentRun returns the run events are written to, or "".
func (s *Store) CurrentRun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func (s *Store) currentRun(ctx context.Context) (string, error) {
	if id := s.CurrentRun(); id != "" {
		return id, nil
	}
	return s.BeginRun(ctx, "")
}

// RecordEvent implements vm.TraceSink.
func (s *Store) RecordEvent(ev vm.TraceEvent) error {
	ctx := context.Background()
	run, err := s.currentRun(ctx)
	if err != nil {
		return err
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	var from, to string
	if ev.Kind == vm.TraceStatus {
		from, to = ev.From.String(), ev.To.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, seq, at, kind, function, from_status, to_status,
			reason, deopt_kind, pc, site, assumption, artifact_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run, int64(ev.Seq), at.UnixNano(), string(ev.Kind), ev.Function, from, to,
		ev.Reason, ev.DeoptKind, ev.PC, int(ev.Site), ev.Assumption, ev.ArtifactID, ev.Detail)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", ev.Seq, err)
	}
	return nil
}

// SaveSnapshot stores the CBOR form of a feedback snapshot in the current run.
func (s *Store) SaveSnapshot(ctx context.Context, heap *vm.ObjectRegistry, snap *vm.FeedbackSnapshot) error {
	data, err := vm.MarshalFeedbackSnapshot(heap, snap)
	if err != nil {
		return err
	}
	run, err := s.currentRun(ctx)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, function, version, data) VALUES (?, ?, ?, ?)`,
		run, snap.Function.String(), int64(snap.Version), data)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}
