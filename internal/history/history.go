// Package history archives committed subtitle lines to PostgreSQL.
//
// Archival is strictly best-effort: writes are queued to a background worker,
// failures are logged and dropped, and a full queue sheds the oldest pending
// write. The pipeline never waits on the database.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otoscribe/livesub/internal/subtitle"
)

// writeTimeout bounds each queued database write.
const writeTimeout = 5 * time.Second

// ddlSubtitleLines creates the archive table. Idempotent; safe to run on
// every application start.
const ddlSubtitleLines = `
CREATE TABLE IF NOT EXISTS subtitle_lines (
    id          BIGSERIAL         PRIMARY KEY,
    session_id  TEXT              NOT NULL,
    line_id     BIGINT            NOT NULL,
    source      TEXT              NOT NULL,
    translated  TEXT              NOT NULL DEFAULT '',
    t0          DOUBLE PRECISION  NOT NULL,
    t1          DOUBLE PRECISION  NOT NULL,
    created_at  TIMESTAMPTZ       NOT NULL DEFAULT now(),
    UNIQUE (session_id, line_id)
);

CREATE INDEX IF NOT EXISTS idx_subtitle_lines_session_created
    ON subtitle_lines (session_id, created_at);
`

// op is one queued archive write.
type op struct {
	line       subtitle.Line
	lineID     uint64
	translated string
	patch      bool
}

// Option customizes an Archive.
type Option func(*Archive)

// WithLogger overrides the logger (defaults to slog.Default).
func WithLogger(l *slog.Logger) Option {
	return func(a *Archive) { a.log = l }
}

// WithQueueSize bounds the pending-write queue (default 256).
func WithQueueSize(n int) Option {
	return func(a *Archive) { a.queueSize = n }
}

// Archive is the PostgreSQL line archive. All methods are safe for concurrent
// use.
type Archive struct {
	pool      *pgxpool.Pool
	sessionID string
	log       *slog.Logger
	queueSize int

	ops       chan op
	done      chan struct{}
	closeOnce sync.Once
}

// New connects to the database at dsn, ensures the schema exists, and starts
// the background writer. Lines are archived under sessionID.
func New(ctx context.Context, dsn, sessionID string, opts ...Option) (*Archive, error) {
	if dsn == "" {
		return nil, fmt.Errorf("history: dsn is required")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("history: session id is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlSubtitleLines); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	a := &Archive{
		pool:      pool,
		sessionID: sessionID,
		log:       slog.Default(),
		queueSize: 256,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ops = make(chan op, a.queueSize)
	a.done = make(chan struct{})
	go a.writer()
	return a, nil
}

// SaveLine queues an insert for one committed line. Never blocks; when the
// queue is full the oldest pending write is shed.
func (a *Archive) SaveLine(_ context.Context, line subtitle.Line) error {
	a.enqueue(op{line: line, lineID: line.ID})
	return nil
}

// SaveTranslation queues the translation patch for an already saved line.
func (a *Archive) SaveTranslation(_ context.Context, lineID uint64, translated string) error {
	a.enqueue(op{lineID: lineID, translated: translated, patch: true})
	return nil
}

// Ping reports database reachability, for readiness checks.
func (a *Archive) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("history: ping: %w", err)
	}
	return nil
}

// Lines returns the most recent archived lines for the archive's session,
// newest first, up to limit.
func (a *Archive) Lines(ctx context.Context, limit int) ([]subtitle.Line, error) {
	const q = `
		SELECT line_id, source, translated, t0, t1
		FROM   subtitle_lines
		WHERE  session_id = $1
		ORDER  BY line_id DESC
		LIMIT  $2`

	rows, err := a.pool.Query(ctx, q, a.sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (subtitle.Line, error) {
		var l subtitle.Line
		err := row.Scan(&l.ID, &l.Source, &l.Translated, &l.T0, &l.T1)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan lines: %w", err)
	}
	return lines, nil
}

// Close stops the writer after the queue drains and releases the pool.
func (a *Archive) Close() {
	a.closeOnce.Do(func() {
		close(a.ops)
		<-a.done
		a.pool.Close()
	})
}

// enqueue adds a write, shedding the oldest pending one when full.
func (a *Archive) enqueue(o op) {
	for {
		select {
		case a.ops <- o:
			return
		default:
		}
		select {
		case old := <-a.ops:
			a.log.Warn("archive queue full, oldest write dropped", "line_id", old.lineID)
		default:
		}
	}
}

// writer executes queued writes until the queue closes.
func (a *Archive) writer() {
	defer close(a.done)
	for o := range a.ops {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		if o.patch {
			err = a.applyTranslation(ctx, o.lineID, o.translated)
		} else {
			err = a.insertLine(ctx, o.line)
		}
		cancel()
		if err != nil {
			a.log.Warn("archive write failed", "line_id", o.lineID, "error", err)
		}
	}
}

func (a *Archive) insertLine(ctx context.Context, line subtitle.Line) error {
	const q = `
		INSERT INTO subtitle_lines (session_id, line_id, source, translated, t0, t1)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, line_id) DO UPDATE
		SET source = EXCLUDED.source, t0 = EXCLUDED.t0, t1 = EXCLUDED.t1`

	_, err := a.pool.Exec(ctx, q,
		a.sessionID, line.ID, line.Source, line.Translated, line.T0, line.T1)
	if err != nil {
		return fmt.Errorf("insert line: %w", err)
	}
	return nil
}

func (a *Archive) applyTranslation(ctx context.Context, lineID uint64, translated string) error {
	const q = `
		UPDATE subtitle_lines
		SET    translated = $3
		WHERE  session_id = $1 AND line_id = $2`

	_, err := a.pool.Exec(ctx, q, a.sessionID, lineID, translated)
	if err != nil {
		return fmt.Errorf("apply translation: %w", err)
	}
	return nil
}
