// Package journal keeps an append-only SQLite record of every event the
// board publishes. It is an audit trail: nothing reads it back into the
// stroke log on startup.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite

	boardnet "LocalBoard/internal/net"
	"LocalBoard/internal/state"
)

type Journal struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Entry is one recorded event.
type Entry struct {
	Seq   uint64
	Topic string
	Kind  state.EventKind
	At    time.Time
	Data  string
}

func Open(path string, logger *slog.Logger) (*Journal, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, now: time.Now, logger: logger.With("component", "journal")}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events(
	  id        INTEGER PRIMARY KEY,
	  seq       INTEGER NOT NULL,
	  topic     TEXT    NOT NULL,
	  kind      TEXT    NOT NULL CHECK (kind IN ('stroke','clear','undo','redo','clear-client-strokes')),
	  ts_utc    INTEGER NOT NULL,
	  data_json TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_events_topic_seq ON events(topic, seq);
	`)
	if err != nil {
		return fmt.Errorf("failed to create journal tables: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one published event.
func (j *Journal) Record(ctx context.Context, topic string, env state.Envelope) error {
	data, err := state.MarshalEvent(env.Event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events(seq, topic, kind, ts_utc, data_json) VALUES(?,?,?,?,json(?))`,
		int64(env.Seq), topic, string(env.Event.Kind()), j.now().UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Entries returns up to limit most recent events of topic, oldest first.
func (j *Journal) Entries(ctx context.Context, topic string, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
	SELECT seq, topic, kind, ts_utc, data_json FROM (
	  SELECT id, seq, topic, kind, ts_utc, data_json FROM events
	  WHERE topic = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			seq  int64
			kind string
			ts   int64
		)
		if err := rows.Scan(&seq, &e.Topic, &kind, &ts, &e.Data); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Seq = uint64(seq)
		e.Kind = state.EventKind(kind)
		e.At = time.UnixMilli(ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Wrap returns a publisher that records every event next publishes. A
// failed write is logged; the broadcast has already happened and stands.
func (j *Journal) Wrap(next boardnet.Publisher) boardnet.Publisher {
	return &recordingPublisher{next: next, journal: j}
}

type recordingPublisher struct {
	next    boardnet.Publisher
	journal *Journal
}

func (p *recordingPublisher) Publish(topic string, ev state.Event) (uint64, error) {
	seq, err := p.next.Publish(topic, ev)
	if err != nil {
		return seq, err
	}
	if err := p.journal.Record(context.Background(), topic, state.Envelope{Seq: seq, Event: ev}); err != nil {
		p.journal.logger.Error("failed to record event", "seq", seq, "kind", ev.Kind(), "err", err)
	}
	return seq, nil
}
