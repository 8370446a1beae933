package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "tierloop/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxRecords int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxRecords: cfg.maxRecords(), pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("journal opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendStall(ctx context.Context, r StallRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stalls(at, group_id, group_name, loop, blocked_ms, stack) VALUES(?,?,?,?,?,?)`,
		r.At.UnixMicro(), r.GroupID, r.Group, r.Loop, r.BlockedMS, nullStr(r.Stack),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, type, group_name, loop, handler, detail) VALUES(?,?,?,?,?,?)`,
		e.At.UnixMicro(), e.Type, e.Group, e.Loop, nullStr(e.Handler), nullStr(e.Detail),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) RecentStalls(ctx context.Context, q Query) ([]StallRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	where, args := q.sqlFilter()
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, group_id, group_name, loop, blocked_ms, COALESCE(stack, '') FROM stalls`+where+
			` ORDER BY id DESC LIMIT ?`, append(args, q.limit())...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StallRecord
	for rows.Next() {
		var (
			r  StallRecord
			at int64
		)
		if err := rows.Scan(&at, &r.GroupID, &r.Group, &r.Loop, &r.BlockedMS, &r.Stack); err != nil {
			return nil, err
		}
		r.At = time.UnixMicro(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentEvents(ctx context.Context, q Query) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	where, args := q.sqlFilter()
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, type, group_name, loop, COALESCE(handler, ''), COALESCE(detail, '') FROM events`+where+
			` ORDER BY id DESC LIMIT ?`, append(args, q.limit())...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var (
			e  EventRecord
			at int64
		)
		if err := rows.Scan(&at, &e.Type, &e.Group, &e.Loop, &e.Handler, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.UnixMicro(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q Query) sqlFilter() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Loop != "" {
		conds = append(conds, "loop = ?")
		args = append(args, q.Loop)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, q.Since.UnixMicro())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.prune(ctx); err != nil {
		s.log.Debug("journal prune failed", logx.Err(err))
	}
}

// prune keeps the newest maxRecords rows of each table.
func (s *sqliteStore) prune(ctx context.Context) error {
	var errs []error
	for _, table := range []string{"stalls", "events"} {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM `+table+`) - ?`, s.maxRecords)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
