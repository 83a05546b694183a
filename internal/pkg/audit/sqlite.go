package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/pkg/errors"
)

const schema = `CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	time       TEXT NOT NULL,
	category   TEXT NOT NULL,
	action     TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	actor      TEXT,
	metadata   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_time ON audit_events (time);`

// fixed width so rows sort by time as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteSink appends events to an audit_events table. Rows are only ever
// inserted.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the audit database at path
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "opening audit database %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating audit schema")
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) Write(ctx context.Context, ev Event) error {
	var md *string
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return errors.Wrap(err, "marshalling audit metadata")
		}
		v := string(b)
		md = &v
	}

	var actor *string
	if ev.Actor != "" {
		actor = &ev.Actor
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, time, category, action, outcome, actor, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Time.UTC().Format(timeLayout), string(ev.Category), ev.Action, string(ev.Outcome), actor, md,
	)
	if err != nil {
		return errors.Wrap(err, "inserting audit event")
	}
	return nil
}

// Recent returns up to limit events, newest first
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, time, category, action, outcome, actor, metadata
		 FROM audit_events ORDER BY time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying audit events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev                Event
			ts                string
			category, outcome string
			actor, md         sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ts, &category, &ev.Action, &outcome, &actor, &md); err != nil {
			return nil, errors.Wrap(err, "scanning audit event")
		}
		if ev.Time, err = time.Parse(timeLayout, ts); err != nil {
			return nil, errors.Wrapf(err, "parsing time of audit event %s", ev.ID)
		}
		ev.Category = Category(category)
		ev.Outcome = Outcome(outcome)
		ev.Actor = actor.String
		if md.Valid {
			if err := json.Unmarshal([]byte(md.String), &ev.Metadata); err != nil {
				return nil, errors.Wrapf(err, "decoding metadata of audit event %s", ev.ID)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
