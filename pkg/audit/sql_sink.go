package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Dialect selects placeholder syntax and DDL for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink persists entries to an audit_entries table. The driver is
// registered by the caller (modernc.org/sqlite or github.com/lib/pq).
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink creates the sink and its table if missing.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	if db == nil {
		return nil, fmt.Errorf("fail-closed: audit database not configured")
	}
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("audit: unsupported dialect %q", dialect)
	}

	s := &SQLSink{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLSink) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		sequence BIGINT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		summary TEXT NOT NULL,
		metadata TEXT,
		timestamp TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLSink) insertQuery() string {
	if s.dialect == DialectPostgres {
		return `INSERT INTO audit_entries (id, sequence, type, severity, summary, metadata, timestamp, previous_hash, hash) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	}
	return `INSERT INTO audit_entries (id, sequence, type, severity, summary, metadata, timestamp, previous_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func (s *SQLSink) Write(ctx context.Context, e Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.insertQuery(),
		e.ID, int64(e.Sequence), string(e.Type), string(e.Severity), e.Summary,
		string(meta), e.Timestamp.UTC().Format(time.RFC3339Nano), e.PreviousHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Load reads back persisted entries in sequence order, newest limit.
func (s *SQLSink) Load(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, sequence, type, severity, summary, metadata, timestamp, previous_hash, hash FROM audit_entries ORDER BY sequence DESC LIMIT ?`
	if s.dialect == DialectPostgres {
		query = `SELECT id, sequence, type, severity, summary, metadata, timestamp, previous_hash, hash FROM audit_entries ORDER BY sequence DESC LIMIT $1`
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			seq     int64
			typ     string
			sev     string
			meta    sql.NullString
			tsValue string
		)
		if err := rows.Scan(&e.ID, &seq, &typ, &sev, &e.Summary, &meta, &tsValue, &e.PreviousHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.Type = EventType(typ)
		e.Severity = Severity(sev)
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata for %s: %w", e.ID, err)
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, tsValue)
		if err != nil {
			return nil, fmt.Errorf("audit: parse timestamp for %s: %w", e.ID, err)
		}
		e.Timestamp = ts
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
