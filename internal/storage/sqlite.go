package storage

import (
	"context"
	"database/sql"
	logx "duoshe/pkg/logx"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver registration.
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
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
	// SQLite prefers a small number of concurrent writers; one connection
	// also keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	var check string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&check); err != nil || check != "ok" {
		_ = db.Close()
		if err == nil {
			err = errors.New(check)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// FULL: a committed Put survives power loss, not only a process crash.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return err
	}
	res, err := p.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range res {
		s.log.Debug("migration applied", logx.String("source", r.Source.Path), logx.Duration("took", r.Duration))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, next_due FROM schedules`)
	if err != nil {
		return out, fmt.Errorf("query schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var ms sql.NullInt64
		if err := rows.Scan(&id, &ms); err != nil {
			return map[string]time.Time{}, fmt.Errorf("%w: scan schedule: %v", ErrCorruptState, err)
		}
		if !ms.Valid {
			return map[string]time.Time{}, fmt.Errorf("%w: group %q has no timestamp", ErrCorruptState, id)
		}
		out[id] = time.UnixMilli(ms.Int64)
	}
	if err := rows.Err(); err != nil {
		return map[string]time.Time{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return out, nil
}

func (s *sqliteStore) Get(ctx context.Context, groupID string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT next_due FROM schedules WHERE group_id = ?`, groupID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get schedule: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) Put(ctx context.Context, groupID string, nextDue time.Time) error {
	if strings.TrimSpace(groupID) == "" {
		return errors.New("group id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(group_id, next_due, updated_at) VALUES(?,?,?)
		 ON CONFLICT(group_id) DO UPDATE SET next_due=excluded.next_due, updated_at=excluded.updated_at`,
		groupID, nextDue.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put schedule: %w", err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, groupID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
