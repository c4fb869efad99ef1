// Package history owns thread and message persistence.
//
// Open decides once, at construction, whether the gateway runs Connected to a
// relational store (SQLite or Postgres) or Unavailable, in which case every
// operation degrades to a request-scoped, non-persistent echo. Callers see the
// same Store interface either way.
package history

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/comigor/threadgate/internal/config"
	"github.com/comigor/threadgate/internal/logger"
)

// Availability tells whether a Store actually persists anything.
type Availability int

const (
	Unavailable Availability = iota
	Connected
)

func (a Availability) String() string {
	if a == Connected {
		return "connected"
	}
	return "unavailable"
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	titleMaxRunes    = 80
)

// Store persists threads and their ordered messages.
type Store interface {
	Availability() Availability

	// GetOrCreateThread returns the thread and its ordered history when
	// threadID resolves; otherwise it creates the thread for userEmail,
	// generating an identifier when threadID is empty, and returns an empty
	// history. Creating an identifier that already exists is a no-op.
	GetOrCreateThread(ctx context.Context, threadID, userEmail string) (Thread, []Message, error)

	// AppendMessage adds one message to the end of a thread and bumps its
	// updated_at.
	AppendMessage(ctx context.Context, threadID string, role Role, content string) (Message, error)

	// AppendTurn stores a user message followed by the assistant reply
	// atomically.
	AppendTurn(ctx context.Context, threadID, userContent, assistantContent string) error

	// ListThreadsForUser returns at most limit threads, most recently
	// updated first.
	ListThreadsForUser(ctx context.Context, userEmail string, limit int) ([]Thread, error)

	// GetThreadHistory returns a thread's messages oldest first, or an empty
	// slice when the thread is unknown.
	GetThreadHistory(ctx context.Context, threadID string) ([]Message, error)

	Close() error
}

// Open returns a Connected store for a configured database URL and an
// Unavailable one otherwise.
func Open(cfg config.DatabaseConfig) Store {
	if strings.TrimSpace(cfg.URL) == "" {
		logger.L.Warn("no database configured; threads will not be persisted")
		return NewEphemeral()
	}
	s, err := openSQL(cfg)
	if err != nil {
		logger.L.Warn("database open failed; threads will not be persisted", "error", err)
		return NewEphemeral()
	}
	logger.L.Info("thread store configured", "dialect", s.dialect)
	return s
}

// NormalizeLimit applies the default and the upper bound to a page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// titleFrom derives a thread title from its first user message.
func titleFrom(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(t) <= titleMaxRunes {
		return t
	}
	r := []rune(t)
	return strings.TrimSpace(string(r[:titleMaxRunes]))
}
