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
	"time"

	_ "modernc.org/sqlite"

	logx "ritualbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Repository, error) {
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

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
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

func (s *sqliteStore) ListCompletedSlots(ctx context.Context, userID, date string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot FROM completions WHERE user_id = ? AND entry_date = ? ORDER BY slot`,
		userID, date,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListCompletions(ctx context.Context, userID, date string) ([]Completion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, entry_date, slot, prompt_id, response, awarded_at
		 FROM completions WHERE user_id = ? AND entry_date = ? ORDER BY slot`,
		userID, date,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var (
			c        Completion
			promptID sql.NullString
			awarded  string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Date, &c.Slot, &promptID, &c.Response, &awarded); err != nil {
			return nil, err
		}
		c.PromptID = promptID.String
		if t, err := time.Parse(time.RFC3339Nano, awarded); err == nil {
			c.AwardedAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateCompletion(ctx context.Context, c Completion) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := c.validate(); err != nil {
		return err
	}
	if c.AwardedAt.IsZero() {
		c.AwardedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO completions(id, user_id, entry_date, slot, prompt_id, response, awarded_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, entry_date, slot) DO NOTHING`,
		c.ID, c.UserID, c.Date, c.Slot, nullStr(c.PromptID), c.Response, c.AwardedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
