package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	correlation_id TEXT,
	component TEXT NOT NULL,
	event_type TEXT NOT NULL,
	message TEXT NOT NULL,
	data_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_correlation ON audit_events(correlation_id);`

// SQLiteSink appends entries to an audit_events table
type SQLiteSink struct {
	DB *sql.DB
}

// OpenSQLite opens (creating if needed) the audit database at path.
// ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	dsn := "file::memory:?_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create audit dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// a single connection keeps :memory: databases shared and writes serialised
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &SQLiteSink{DB: db}, nil
}

// Log implements Sink
func (s *SQLiteSink) Log(ctx context.Context, e Entry) (string, error) {
	e = prepare(e)
	data := e.Data
	if data == nil {
		data = map[string]string{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal audit data: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO audit_events(id,ts,correlation_id,component,event_type,message,data_json) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.CorrelationID, e.Component, e.EventType, e.Message, string(payload))
	if err != nil {
		return "", fmt.Errorf("insert audit event: %w", err)
	}
	return e.ID, nil
}

// ByCorrelation returns the entries of one execution run in insertion order
func (s *SQLiteSink) ByCorrelation(ctx context.Context, correlationID string) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,ts,correlation_id,component,event_type,message,data_json FROM audit_events WHERE correlation_id = ? ORDER BY rowid`,
		correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, data string
		if err := rows.Scan(&e.ID, &ts, &e.CorrelationID, &e.Component, &e.EventType, &e.Message, &data); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("decode audit data: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.DB.Close()
}
