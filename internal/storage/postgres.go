package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	logx "ritualbot/pkg/logx"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS interrupt_completions (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	entry_date  DATE NOT NULL,
	slot        SMALLINT NOT NULL,
	prompt_id   TEXT,
	response    TEXT NOT NULL DEFAULT '',
	awarded_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (user_id, entry_date, slot)
)`

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Repository, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) ListCompletedSlots(ctx context.Context, userID, date string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot FROM interrupt_completions WHERE user_id = $1 AND entry_date = $2::date ORDER BY slot`,
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

func (s *postgresStore) ListCompletions(ctx context.Context, userID, date string) ([]Completion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, to_char(entry_date, 'YYYY-MM-DD'), slot, prompt_id, response, awarded_at
		 FROM interrupt_completions WHERE user_id = $1 AND entry_date = $2::date ORDER BY slot`,
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
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Date, &c.Slot, &promptID, &c.Response, &c.AwardedAt); err != nil {
			return nil, err
		}
		c.PromptID = promptID.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *postgresStore) CreateCompletion(ctx context.Context, c Completion) error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.AwardedAt.IsZero() {
		c.AwardedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO interrupt_completions(id, user_id, entry_date, slot, prompt_id, response, awarded_at)
		 VALUES($1, $2, $3::date, $4, $5, $6, $7)
		 ON CONFLICT (user_id, entry_date, slot) DO NOTHING`,
		c.ID, c.UserID, c.Date, c.Slot, nullStr(c.PromptID), c.Response, c.AwardedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}
