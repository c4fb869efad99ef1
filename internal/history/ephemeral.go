package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ephemeral is the Unavailable store: nothing outlives the request.
type ephemeral struct{}

// NewEphemeral returns a Store that persists nothing.
func NewEphemeral() Store { return ephemeral{} }

func (ephemeral) Availability() Availability { return Unavailable }

func (ephemeral) GetOrCreateThread(_ context.Context, threadID, userEmail string) (Thread, []Message, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	now := time.Now().UTC()
	return Thread{ID: threadID, UserEmail: userEmail, CreatedAt: now, UpdatedAt: now}, []Message{}, nil
}

func (ephemeral) AppendMessage(context.Context, string, Role, string) (Message, error) {
	return Message{}, nil
}

func (ephemeral) AppendTurn(context.Context, string, string, string) error { return nil }

func (ephemeral) ListThreadsForUser(context.Context, string, int) ([]Thread, error) {
	return []Thread{}, nil
}

func (ephemeral) GetThreadHistory(context.Context, string) ([]Message, error) {
	return []Message{}, nil
}

func (ephemeral) Close() error { return nil }
