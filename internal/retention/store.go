package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"vidchat/internal/crypto"
)

var ErrNotFound = errors.New("not found")

// PendingSave is a completed answer whose durable save failed. It stays
// retained until the retry worker lands it on the backend, so a persistence
// failure never silently drops generated content.
type PendingSave struct {
	ID        string
	ChatID    string
	Query     string
	Answer    string
	Attempts  int
	CreatedAt time.Time
}

// Store keeps pending saves in sqlite or postgres. Answers are sealed with
// the envelope crypto manager before hitting disk.
type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
	crypto *crypto.Manager
}

func Open(ctx context.Context, driver, dsn string, autoMigrate bool, migrationsDir string, cm *crypto.Manager) (*Store, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	if cm == nil {
		return nil, fmt.Errorf("crypto manager is required")
	}

	// pgx registers its database/sql driver under "pgx".
	sqlDriver := driver
	if driver == "postgres" {
		sqlDriver = "pgx"
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if autoMigrate {
		switch driver {
		case "postgres":
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if err := goose.SetDialect("postgres"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.Up(db, migrationsDir); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			_ = db.Close()
			return nil, fmt.Errorf("unsupported driver %q", driver)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &Store{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
		crypto: cm,
	}, nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3", "":
		return "sqlite"
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put retains one unsaved answer and returns its id.
func (s *Store) Put(ctx context.Context, save PendingSave) (string, error) {
	if save.ID == "" {
		save.ID = uuid.NewString()
	}
	if save.CreatedAt.IsZero() {
		save.CreatedAt = time.Now().UTC()
	}

	sealed, err := s.crypto.Seal(save.Answer)
	if err != nil {
		return "", fmt.Errorf("seal answer: %w", err)
	}

	q := s.sql.Insert("pending_saves").
		Columns("id", "chat_id", "query", "enc_answer", "attempts", "created_at").
		Values(save.ID, save.ChatID, save.Query, sealed, save.Attempts, save.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build put query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return "", fmt.Errorf("put pending save: %w", err)
	}
	return save.ID, nil
}

// Get loads one pending save by id, with the answer opened back to
// plaintext.
func (s *Store) Get(ctx context.Context, id string) (PendingSave, error) {
	q := s.sql.Select("id", "chat_id", "query", "enc_answer", "attempts", "created_at").
		From("pending_saves").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return PendingSave{}, fmt.Errorf("build get query: %w", err)
	}

	row := s.db.QueryRowContext(ctx, sqlStr, args...)
	save, err := scanPendingSave(row, s.crypto)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PendingSave{}, ErrNotFound
		}
		return PendingSave{}, fmt.Errorf("get pending save: %w", err)
	}
	return save, nil
}

// List returns every pending save, oldest first. Used for crash recovery at
// startup: everything still here never reached the backend.
func (s *Store) List(ctx context.Context) ([]PendingSave, error) {
	q := s.sql.Select("id", "chat_id", "query", "enc_answer", "attempts", "created_at").
		From("pending_saves").
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending saves: %w", err)
	}
	defer rows.Close()

	out := make([]PendingSave, 0)
	for rows.Next() {
		save, err := scanPendingSave(rows, s.crypto)
		if err != nil {
			return nil, fmt.Errorf("scan pending save: %w", err)
		}
		out = append(out, save)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending saves: %w", err)
	}
	return out, nil
}

// MarkAttempt bumps the attempt counter after a failed retry.
func (s *Store) MarkAttempt(ctx context.Context, id string) error {
	q := s.sql.Update("pending_saves").
		Set("attempts", sq.Expr("attempts + 1")).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build mark attempt query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a pending save once the backend confirmed it.
func (s *Store) Delete(ctx context.Context, id string) error {
	q := s.sql.Delete("pending_saves").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete pending save: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingSave(row rowScanner, cm *crypto.Manager) (PendingSave, error) {
	var save PendingSave
	var sealed string
	if err := row.Scan(&save.ID, &save.ChatID, &save.Query, &sealed, &save.Attempts, &save.CreatedAt); err != nil {
		return PendingSave{}, err
	}
	answer, err := cm.Open(sealed)
	if err != nil {
		return PendingSave{}, fmt.Errorf("open sealed answer: %w", err)
	}
	save.Answer = answer
	return save, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS pending_saves (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL,
    query TEXT NOT NULL,
    enc_answer TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pending_saves_chat_id ON pending_saves(chat_id);
CREATE INDEX IF NOT EXISTS idx_pending_saves_created_at ON pending_saves(created_at);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}
