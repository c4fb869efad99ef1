package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/comigor/threadgate/internal/apperr"
	"github.com/comigor/threadgate/internal/config"
	"github.com/comigor/threadgate/internal/logger"
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// Timestamps are stored as Unix microseconds so ordering is exact in both
// dialects.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		user_email TEXT NOT NULL,
		title TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_user_updated ON threads (user_email, updated_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES threads(id),
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages (thread_id, created_at)`,
}

var errThreadNotFound = errors.New("thread not found")

type sqlStore struct {
	db      *sql.DB
	dialect dialect

	initMu   sync.Mutex
	initDone atomic.Bool

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

// openSQL picks the driver from the URL. sql.Open does not dial, so an
// unreachable server only surfaces on first use.
func openSQL(cfg config.DatabaseConfig) (*sqlStore, error) {
	driver, d, dsn := resolveDSN(cfg.URL)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if isSQLiteMemory(d, dsn) {
		// every new connection would see a fresh, empty in-memory database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLife > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLife)
		}
	}
	return &sqlStore{db: db, dialect: d, now: time.Now}, nil
}

func resolveDSN(url string) (driver string, d dialect, dsn string) {
	url = strings.TrimSpace(url)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", dialectPostgres, url
	case strings.HasPrefix(url, "sqlite://"):
		url = strings.TrimPrefix(url, "sqlite://")
	}
	if !strings.HasPrefix(url, "file:") {
		url = "file:" + url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return "sqlite", dialectSQLite, url + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
}

func isSQLiteMemory(d dialect, dsn string) bool {
	return d == dialectSQLite && strings.Contains(dsn, ":memory:")
}

func (s *sqlStore) Availability() Availability { return Connected }

// ready creates the schema on first use. A failed attempt is retried by the
// next caller.
func (s *sqlStore) ready(ctx context.Context) error {
	if s.initDone.Load() {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initDone.Load() {
		return nil
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.initDone.Store(true)
	logger.L.Info("thread store schema initialized", "dialect", s.dialect)
	return nil
}

// stamp returns a strictly increasing timestamp for this store.
func (s *sqlStore) stamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) GetOrCreateThread(ctx context.Context, threadID, userEmail string) (Thread, []Message, error) {
	const op = "history.GetOrCreateThread"
	if err := s.ready(ctx); err != nil {
		return Thread{}, nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}

	if threadID != "" {
		th, err := s.thread(ctx, threadID)
		switch {
		case err == nil:
			msgs, err := s.messages(ctx, threadID)
			if err != nil {
				return Thread{}, nil, apperr.Wrap(apperr.KindPersistence, op, err)
			}
			return th, msgs, nil
		case !errors.Is(err, errThreadNotFound):
			return Thread{}, nil, apperr.Wrap(apperr.KindPersistence, op, err)
		}
	} else {
		threadID = uuid.NewString()
	}

	now := s.stamp().UnixMicro()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO threads (id, user_email, title, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		threadID, userEmail, now, now)
	if err != nil {
		return Thread{}, nil, apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("insert thread: %w", err))
	}

	// re-read: a concurrent request may have won the insert
	th, err := s.thread(ctx, threadID)
	if err != nil {
		return Thread{}, nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return th, []Message{}, nil
}

func (s *sqlStore) AppendMessage(ctx context.Context, threadID string, role Role, content string) (Message, error) {
	const op = "history.AppendMessage"
	if !role.Valid() {
		return Message{}, apperr.New(apperr.KindBadRequest, op, fmt.Sprintf("invalid role %q", role))
	}
	if content == "" {
		return Message{}, apperr.New(apperr.KindBadRequest, op, "content must not be empty")
	}
	if err := s.ready(ctx); err != nil {
		return Message{}, apperr.Wrap(apperr.KindPersistence, op, err)
	}

	var msg Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		at := s.stamp()
		if err := s.touch(ctx, tx, threadID, at, ""); err != nil {
			return err
		}
		var err error
		msg, err = s.insertMessage(ctx, tx, threadID, role, content, at)
		return err
	})
	if err != nil {
		return Message{}, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return msg, nil
}

func (s *sqlStore) AppendTurn(ctx context.Context, threadID, userContent, assistantContent string) error {
	const op = "history.AppendTurn"
	if userContent == "" || assistantContent == "" {
		return apperr.New(apperr.KindBadRequest, op, "turn content must not be empty")
	}
	if err := s.ready(ctx); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		userAt := s.stamp()
		assistantAt := s.stamp()
		if err := s.touch(ctx, tx, threadID, assistantAt, titleFrom(userContent)); err != nil {
			return err
		}
		if _, err := s.insertMessage(ctx, tx, threadID, RoleUser, userContent, userAt); err != nil {
			return err
		}
		_, err := s.insertMessage(ctx, tx, threadID, RoleAssistant, assistantContent, assistantAt)
		return err
	})
	return apperr.Wrap(apperr.KindPersistence, op, err)
}

func (s *sqlStore) ListThreadsForUser(ctx context.Context, userEmail string, limit int) ([]Thread, error) {
	const op = "history.ListThreadsForUser"
	if err := s.ready(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_email, title, created_at, updated_at
		FROM threads
		WHERE user_email = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ?`),
		userEmail, NormalizeLimit(limit))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	defer rows.Close()

	out := make([]Thread, 0)
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, op, err)
		}
		out = append(out, th)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return out, nil
}

func (s *sqlStore) GetThreadHistory(ctx context.Context, threadID string) ([]Message, error) {
	const op = "history.GetThreadHistory"
	if err := s.ready(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	msgs, err := s.messages(ctx, threadID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return msgs, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) thread(ctx context.Context, id string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, user_email, title, created_at, updated_at FROM threads WHERE id = ?`), id)
	th, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, errThreadNotFound
	}
	return th, err
}

func (s *sqlStore) messages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, thread_id, role, content, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at ASC, id ASC`), threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var (
			m  Message
			at int64
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &at); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMicro(at).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// touch bumps updated_at without ever moving it backwards and, when title is
// non-empty, fills a missing title. It fails when the thread does not exist.
func (s *sqlStore) touch(ctx context.Context, tx *sql.Tx, threadID string, at time.Time, title string) error {
	micros := at.UnixMicro()
	var titleArg any
	if title != "" {
		titleArg = title
	}
	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE threads
		SET updated_at = CASE WHEN updated_at < ? THEN ? ELSE updated_at END,
			title = COALESCE(title, ?)
		WHERE id = ?`),
		micros, micros, titleArg, threadID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", errThreadNotFound, threadID)
	}
	return nil
}

func (s *sqlStore) insertMessage(ctx context.Context, tx *sql.Tx, threadID string, role Role, content string, at time.Time) (Message, error) {
	m := Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: at,
	}
	_, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO messages (id, thread_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`),
		m.ID, m.ThreadID, string(m.Role), m.Content, at.UnixMicro())
	if err != nil {
		return Message{}, fmt.Errorf("insert %s message: %w", role, err)
	}
	return m, nil
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, error) {
	var (
		th               Thread
		title            sql.NullString
		created, updated int64
	)
	if err := row.Scan(&th.ID, &th.UserEmail, &title, &created, &updated); err != nil {
		return Thread{}, err
	}
	th.Title = title.String
	th.CreatedAt = time.UnixMicro(created).UTC()
	th.UpdatedAt = time.UnixMicro(updated).UTC()
	return th, nil
}
