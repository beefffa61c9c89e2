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

	logx "guardbot/pkg/logx"
)

//go:embed migrations.sql
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
	// SQLite prefers a single writer.
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
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path))
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

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, nullStr(e.Target), nullStr(e.Detail),
	)
	return mapErr(err)
}

// Empty fields in an upsert keep the stored value.
func (s *sqliteStore) UpsertChat(ctx context.Context, c Chat) error {
	if c.SeenAt.IsZero() {
		c.SeenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(id, kind, title, username, seen_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind     = CASE WHEN excluded.kind = '' THEN chats.kind ELSE excluded.kind END,
		   title    = CASE WHEN excluded.title = '' THEN chats.title ELSE excluded.title END,
		   username = CASE WHEN excluded.username = '' THEN chats.username ELSE excluded.username END,
		   seen_at  = excluded.seen_at`,
		c.ID, c.Kind, c.Title, c.Username, c.SeenAt.UnixMilli(),
	)
	return mapErr(err)
}

func (s *sqliteStore) ListChats(ctx context.Context, kind string) ([]Chat, error) {
	q := `SELECT id, kind, title, username, seen_at FROM chats`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var (
			c  Chat
			ms int64
		)
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.Username, &ms); err != nil {
			return nil, err
		}
		c.SeenAt = time.UnixMilli(ms)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	if u.SeenAt.IsZero() {
		u.SeenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, username_lower, name, seen_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username       = CASE WHEN excluded.username = '' THEN users.username ELSE excluded.username END,
		   username_lower = CASE WHEN excluded.username = '' THEN users.username_lower ELSE excluded.username_lower END,
		   name           = CASE WHEN excluded.name = '' THEN users.name ELSE excluded.name END,
		   seen_at        = excluded.seen_at`,
		u.ID, u.Username, normUsername(u.Username), u.Name, u.SeenAt.UnixMilli(),
	)
	return mapErr(err)
}

func (s *sqliteStore) FindUserByUsername(ctx context.Context, username string) (User, bool, error) {
	want := normUsername(username)
	if want == "" {
		return User{}, false, nil
	}
	var (
		u  User
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, name, seen_at FROM users WHERE username_lower = ? ORDER BY seen_at DESC LIMIT 1`,
		want,
	).Scan(&u.ID, &u.Username, &u.Name, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, mapErr(err)
	}
	u.SeenAt = time.UnixMilli(ms)
	return u, true, nil
}

func (s *sqliteStore) HasSubscriber(ctx context.Context, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM subscribers WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

func (s *sqliteStore) AddSubscriber(ctx context.Context, sub Subscriber) (bool, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(user_id, username, email, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO NOTHING`,
		sub.UserID, sub.Username, sub.Email, sub.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrConnDone) {
		return ErrClosed
	}
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
