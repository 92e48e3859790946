package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"digestbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// sqlStore serves both SQL backends; only the schema and connection setup differ.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

type dropRow struct {
	ID         int64  `db:"id"`
	TaskID     string `db:"task_id"`
	ChatID     int64  `db:"chat_id"`
	ThreadID   int    `db:"thread_id"`
	Op         string `db:"op"`
	Attempts   int    `db:"attempts"`
	Reason     string `db:"reason"`
	LastError  string `db:"last_error"`
	EnqueuedAt int64  `db:"enqueued_at"`
	DroppedAt  int64  `db:"dropped_at"`
}

func rowOf(r DropRecord) dropRow {
	return dropRow{
		TaskID:     r.TaskID,
		ChatID:     r.ChatID,
		ThreadID:   r.ThreadID,
		Op:         r.Op,
		Attempts:   r.Attempts,
		Reason:     r.Reason,
		LastError:  r.LastError,
		EnqueuedAt: r.EnqueuedAt.UnixMilli(),
		DroppedAt:  r.DroppedAt.UnixMilli(),
	}
}

func (row dropRow) record() DropRecord {
	return DropRecord{
		TaskID:     row.TaskID,
		ChatID:     row.ChatID,
		ThreadID:   row.ThreadID,
		Op:         row.Op,
		Attempts:   row.Attempts,
		Reason:     row.Reason,
		LastError:  row.LastError,
		EnqueuedAt: time.UnixMilli(row.EnqueuedAt),
		DroppedAt:  time.UnixMilli(row.DroppedAt),
	}
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return newSQLStore(db, "migrations/sqlite.sql", cfg, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	conns := cfg.MaxConns
	if conns <= 0 {
		conns = 4
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newSQLStore(db, "migrations/postgres.sql", cfg, log)
}

func newSQLStore(db *sqlx.DB, schema string, cfg Config, log logx.Logger) (Store, error) {
	st := &sqlStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}
	if err := st.migrate(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context, name string) error {
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AppendDrop(ctx context.Context, r DropRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.DroppedAt.IsZero() {
		r.DroppedAt = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO dispatch_drops(task_id, chat_id, thread_id, op, attempts, reason, last_error, enqueued_at, dropped_at)
		 VALUES(:task_id, :chat_id, :thread_id, :op, :attempts, :reason, :last_error, :enqueued_at, :dropped_at)`,
		rowOf(r),
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("drop journal prune failed", logx.Any("err", perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) RecentDrops(ctx context.Context, limit int) ([]DropRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var rows []dropRow
	q := s.db.Rebind(`SELECT id, task_id, chat_id, thread_id, op, attempts, reason, last_error, enqueued_at, dropped_at
		FROM dispatch_drops ORDER BY id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, q, clampLimit(limit)); err != nil {
		return nil, err
	}
	out := make([]DropRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM dispatch_drops WHERE dropped_at < ?`), cutoff)
	return err
}
