// Package store persists sessions, their audio segments and the paragraphs
// transcribed from them. SQLite is the default backend; Postgres is
// selected by driver name.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bosley/segscribe/paragraph"
	"github.com/bosley/segscribe/tracker"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var ErrNotFound = errors.New("not found")

// Segment is one uploaded recording belonging to a session.
type Segment struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	OwnerID     string    `json:"ownerId,omitempty"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"createdAt"`
	Transcribed bool      `json:"transcribed"`
}

// SegmentParagraph is a paragraph tagged with the segment it came from.
type SegmentParagraph struct {
	SegmentID string `json:"segmentId"`
	paragraph.Paragraph
}

type Progress struct {
	Total       int `json:"total"`
	Transcribed int `json:"transcribed"`
}

func (p Progress) Done() bool {
	return p.Transcribed >= p.Total
}

type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and creates the schema if needed.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer at a time; also keeps :memory: databases on a single connection.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("Database ready", "driver", driver)
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if s.driver == DriverSQLite {
		_, err := s.db.ExecContext(ctx, `
		PRAGMA busy_timeout = 10000;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous  = NORMAL;
		PRAGMA foreign_keys = ON;
		PRAGMA temp_store   = MEMORY;
		`)
		if err != nil {
			return fmt.Errorf("configuring sqlite: %w", err)
		}
	}

	stmts := []string{
		`create table if not exists sessions (
			id text primary key,
			status text not null,
			updated_at bigint not null
		)`,
		`create table if not exists segments (
			id text not null,
			session_id text not null references sessions (id),
			owner_id text not null default '',
			path text not null,
			position integer not null,
			created_at bigint not null,
			is_transcribed integer not null default 0,
			primary key (session_id, id)
		)`,
		`create table if not exists paragraphs (
			id text primary key,
			session_id text not null,
			segment_id text not null,
			position integer not null,
			text text not null,
			start_ms bigint not null,
			end_ms bigint not null
		)`,
		`create index if not exists paragraphs_segment_idx on paragraphs (session_id, segment_id)`,
		`create index if not exists sessions_status_idx on sessions (status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// AddSegment registers a segment, creating its session as pending when it
// does not exist yet. It reports false when the segment was already known.
func (s *SQLStore) AddSegment(ctx context.Context, seg Segment) (bool, error) {
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("add segment: begin trx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"insert into sessions (id, status, updated_at) values ($1, $2, $3) on conflict do nothing",
		seg.SessionID, string(tracker.StatusPending), seg.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("add segment: ensure session: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		insert into segments (id, session_id, owner_id, path, position, created_at)
		values ($1, $2, $3, $4, (select count(*) from segments where session_id = $2), $5)
		on conflict do nothing
	`, seg.ID, seg.SessionID, seg.OwnerID, seg.Path, seg.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("add segment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add segment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("add segment: commiting: %w", err)
	}
	return n > 0, nil
}

// LoadSessionSegments returns a session's segments in registration order.
func (s *SQLStore) LoadSessionSegments(ctx context.Context, sessionID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, session_id, owner_id, path, created_at, is_transcribed
		from segments
		where session_id = $1
		order by position, created_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session segments: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var createdAt int64
		var transcribed int
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.OwnerID, &seg.Path, &createdAt, &transcribed); err != nil {
			return nil, fmt.Errorf("load session segments: %w", err)
		}
		seg.CreatedAt = time.UnixMilli(createdAt)
		seg.Transcribed = transcribed == 1
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// AppendParagraphs stores the paragraphs of a segment and flags it
// transcribed. Earlier paragraphs for the same segment are replaced, so a
// redelivered result leaves a single copy.
func (s *SQLStore) AppendParagraphs(ctx context.Context, sessionID, segmentID string, paragraphs []paragraph.Paragraph) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append paragraphs: begin trx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"update segments set is_transcribed = 1 where session_id = $1 and id = $2",
		sessionID, segmentID)
	if err != nil {
		return fmt.Errorf("updating segment is_transcribed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("updating segment is_transcribed: %w", err)
	} else if n == 0 {
		return fmt.Errorf("segment %s/%s: %w", sessionID, segmentID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		"delete from paragraphs where session_id = $1 and segment_id = $2",
		sessionID, segmentID)
	if err != nil {
		return fmt.Errorf("clearing paragraphs: %w", err)
	}

	for start := 0; start < len(paragraphs); start += paragraphBatchSize {
		end := min(start+paragraphBatchSize, len(paragraphs))
		query, args := insertParagraphsQuery(sessionID, segmentID, start, paragraphs[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("inserting paragraphs %d-%d: %w", start, end, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append paragraphs: commiting: %w", err)
	}
	return nil
}

// paragraphBatchSize keeps each insert well under SQLite's 32766 and
// Postgres's 65535 bind parameter limits.
const paragraphBatchSize = 500

// insertParagraphsQuery builds one multi-row insert. Positions start at offset.
func insertParagraphsQuery(sessionID, segmentID string, offset int, paragraphs []paragraph.Paragraph) (string, []any) {
	const cols = 7

	var b strings.Builder
	b.WriteString(`insert into paragraphs (
		id,
		session_id,
		segment_id,
		position,
		text,
		start_ms,
		end_ms) values `)

	args := make([]any, 0, cols*len(paragraphs))
	for n, p := range paragraphs {
		if n > 0 {
			b.WriteString(", ")
		}
		base := n * cols
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, p.ID, sessionID, segmentID, offset+n, p.Text, p.StartMs, p.EndMs)
	}
	return b.String(), args
}

func (s *SQLStore) MarkSessionStatus(ctx context.Context, sessionID string, status tracker.Status) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, status, updated_at) values ($1, $2, $3)
		on conflict (id) do update set status = excluded.status, updated_at = excluded.updated_at
	`, sessionID, string(status), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark session status: %w", err)
	}
	return nil
}

func (s *SQLStore) SessionStatus(ctx context.Context, sessionID string) (tracker.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		"select status from sessions where id = $1", sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("session status: %w", err)
	}
	return tracker.Status(status), nil
}

// SessionParagraphs returns the session transcript in segment order.
func (s *SQLStore) SessionParagraphs(ctx context.Context, sessionID string) ([]SegmentParagraph, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.segment_id, p.id, p.text, p.start_ms, p.end_ms
		from paragraphs p
		join segments s on s.session_id = p.session_id and s.id = p.segment_id
		where p.session_id = $1
		order by s.position, s.created_at, s.id, p.position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session paragraphs: %w", err)
	}
	defer rows.Close()

	paragraphs := []SegmentParagraph{}
	for rows.Next() {
		var p SegmentParagraph
		if err := rows.Scan(&p.SegmentID, &p.ID, &p.Text, &p.StartMs, &p.EndMs); err != nil {
			return nil, fmt.Errorf("session paragraphs: %w", err)
		}
		paragraphs = append(paragraphs, p)
	}
	return paragraphs, rows.Err()
}

func (s *SQLStore) ListSessions(ctx context.Context, status tracker.Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"select id from sessions where status = $1 order by id", string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) SessionProgress(ctx context.Context, sessionID string) (Progress, error) {
	var p Progress
	err := s.db.QueryRowContext(ctx, `
		select count(*), coalesce(sum(is_transcribed), 0)
		from segments
		where session_id = $1
	`, sessionID).Scan(&p.Total, &p.Transcribed)
	if err != nil {
		return p, fmt.Errorf("session progress: %w", err)
	}
	return p, nil
}
