// Package gateway orchestrates one chat turn: validate the request, resolve
// the thread, ask the LLM with the full history and persist the exchange.
//
// Authentication runs as HTTP middleware before Chat is entered, so the
// per-request state machine starts in Authenticated; the rate limiter has
// also admitted the request by then and the first transition records it.
package gateway

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/threadgate/internal/apperr"
	"github.com/comigor/threadgate/internal/history"
	"github.com/comigor/threadgate/internal/logger"
	"github.com/comigor/threadgate/internal/metrics"
)

// FSM states
type State string

const (
	StateAuthenticated  State = "Authenticated"
	StateRateChecked    State = "RateChecked"
	StateValidated      State = "Validated"
	StateThreadResolved State = "ThreadResolved"
	StateLLMCompleted   State = "LLMCompleted"
	StatePersisted      State = "Persisted"
	StateResponded      State = "Responded" // terminal: success
	StateFailed         State = "Failed"    // terminal: error
)

// FSM triggers
type Trigger string

const (
	TriggerAdmit         Trigger = "Admit"
	TriggerValidate      Trigger = "Validate"
	TriggerResolveThread Trigger = "ResolveThread"
	TriggerComplete      Trigger = "Complete"
	TriggerPersist       Trigger = "Persist"
	TriggerRespond       Trigger = "Respond"
	TriggerFail          Trigger = "Fail"
)

// chatSequence is the happy path from Authenticated to Responded.
var chatSequence = []Trigger{TriggerAdmit, TriggerValidate, TriggerResolveThread, TriggerComplete, TriggerPersist, TriggerRespond}

// Completer produces the assistant reply for an ordered history.
type Completer interface {
	Complete(ctx context.Context, hist []history.Message, userEmail string) (string, error)
}

// ChatRequest is one inbound chat turn.
type ChatRequest struct {
	UserEmail string `json:"userEmail"`
	Message   string `json:"message"`
	ThreadID  string `json:"threadId,omitempty"`
}

// ChatResponse is the reply to a chat turn.
type ChatResponse struct {
	Reply    string `json:"reply"`
	ThreadID string `json:"threadId"`
}

// Gateway composes the thread store and the LLM proxy.
type Gateway struct {
	store history.Store
	llm   Completer
	trace func(from, to State) // test hook
}

// New creates a gateway.
func New(store history.Store, llm Completer) *Gateway {
	return &Gateway{store: store, llm: llm}
}

// turn carries the data of one Chat call through the state machine.
type turn struct {
	req     ChatRequest
	thread  history.Thread
	context []history.Message
	reply   string
	err     error
}

// Chat runs one turn. Store failures never fail the turn: reads degrade to an
// empty thread and writes are logged. Validation, configuration and upstream
// failures are returned as *apperr.Error.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	t := &turn{req: req}
	fsm := g.chatMachine(t)

	for _, trigger := range chatSequence {
		if err := fsm.FireCtx(ctx, trigger); err != nil {
			t.err = err
			if fireErr := fsm.FireCtx(ctx, TriggerFail); fireErr != nil {
				logger.L.Warn("FSM fire error", "error", fireErr)
			}
			return ChatResponse{}, err
		}
	}
	return ChatResponse{Reply: t.reply, ThreadID: t.thread.ID}, nil
}

func (g *Gateway) chatMachine(t *turn) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateAuthenticated)
	fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		logger.L.Debug("FSM transition", "from", tr.Source, "to", tr.Destination, "trigger", tr.Trigger)
		if g.trace != nil {
			g.trace(tr.Source.(State), tr.Destination.(State))
		}
	})

	fsm.Configure(StateAuthenticated).
		Permit(TriggerAdmit, StateRateChecked).
		Permit(TriggerFail, StateFailed)

	fsm.Configure(StateRateChecked).
		Permit(TriggerValidate, StateValidated).
		Permit(TriggerFail, StateFailed)

	// State: Validated
	// Action: reject empty message or user before touching the store.
	fsm.Configure(StateValidated).
		OnEntry(func(ctx context.Context, args ...any) error {
			return t.validate()
		}).
		Permit(TriggerResolveThread, StateThreadResolved).
		Permit(TriggerFail, StateFailed)

	// State: ThreadResolved
	// Action: load or create the thread; append the new user turn to the
	// in-memory context only.
	fsm.Configure(StateThreadResolved).
		OnEntry(func(ctx context.Context, args ...any) error {
			g.resolve(ctx, t)
			return nil
		}).
		Permit(TriggerComplete, StateLLMCompleted).
		Permit(TriggerFail, StateFailed)

	// State: LLMCompleted
	fsm.Configure(StateLLMCompleted).
		OnEntry(func(ctx context.Context, args ...any) error {
			reply, err := g.llm.Complete(ctx, t.context, t.req.UserEmail)
			if err != nil {
				return err
			}
			t.reply = reply
			return nil
		}).
		Permit(TriggerPersist, StatePersisted).
		Permit(TriggerFail, StateFailed)

	// State: Persisted
	// Action: store user + assistant messages atomically; a failure is logged
	// and the reply is still delivered.
	fsm.Configure(StatePersisted).
		OnEntry(func(ctx context.Context, args ...any) error {
			if err := g.store.AppendTurn(ctx, t.thread.ID, t.req.Message, t.reply); err != nil {
				metrics.RecordPersistenceFailure("append_turn")
				logger.L.Error("failed to persist chat turn; reply delivered anyway",
					"thread_id", t.thread.ID,
					"error", err,
				)
			}
			return nil
		}).
		Permit(TriggerRespond, StateResponded).
		Permit(TriggerFail, StateFailed)

	fsm.Configure(StateResponded).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("chat turn completed", "thread_id", t.thread.ID, "history_len", len(t.context))
			return nil
		})

	fsm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Info("chat turn failed", "kind", apperr.KindOf(t.err).String(), "thread_id", t.thread.ID, "error", t.err)
			return nil
		})

	return fsm
}

func (t *turn) validate() error {
	const op = "gateway.Chat"
	t.req.UserEmail = strings.TrimSpace(t.req.UserEmail)
	t.req.ThreadID = strings.TrimSpace(t.req.ThreadID)
	if strings.TrimSpace(t.req.Message) == "" {
		return apperr.New(apperr.KindBadRequest, op, "message is required")
	}
	if t.req.UserEmail == "" {
		return apperr.New(apperr.KindBadRequest, op, "userEmail is required")
	}
	return nil
}

func (g *Gateway) resolve(ctx context.Context, t *turn) {
	th, hist, err := g.store.GetOrCreateThread(ctx, t.req.ThreadID, t.req.UserEmail)
	if err != nil {
		metrics.RecordPersistenceFailure("get_or_create_thread")
		logger.L.Warn("thread store unavailable; continuing with an ephemeral thread",
			"thread_id", t.req.ThreadID,
			"error", err,
		)
		id := t.req.ThreadID
		if id == "" {
			id = uuid.NewString()
		}
		th, hist = history.Thread{ID: id, UserEmail: t.req.UserEmail}, nil
	}
	t.thread = th
	t.context = append(slices.Clip(hist), history.Message{
		ThreadID: th.ID,
		Role:     history.RoleUser,
		Content:  t.req.Message,
	})
}

// Thread returns a thread's ordered messages. Unknown threads and store
// failures yield an empty history.
func (g *Gateway) Thread(ctx context.Context, threadID string) ([]history.Message, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, apperr.New(apperr.KindBadRequest, "gateway.Thread", "threadId is required")
	}
	msgs, err := g.store.GetThreadHistory(ctx, threadID)
	if err != nil {
		metrics.RecordPersistenceFailure("get_thread_history")
		logger.L.Warn("failed to read thread history", "thread_id", threadID, "error", err)
		return []history.Message{}, nil
	}
	return msgs, nil
}

// Threads lists a user's threads, most recently updated first.
func (g *Gateway) Threads(ctx context.Context, userEmail string, limit int) ([]history.Thread, error) {
	userEmail = strings.TrimSpace(userEmail)
	if userEmail == "" {
		return nil, apperr.New(apperr.KindBadRequest, "gateway.Threads", "userEmail is required")
	}
	if limit < 0 {
		return nil, apperr.New(apperr.KindBadRequest, "gateway.Threads", fmt.Sprintf("invalid limit %d", limit))
	}
	threads, err := g.store.ListThreadsForUser(ctx, userEmail, history.NormalizeLimit(limit))
	if err != nil {
		metrics.RecordPersistenceFailure("list_threads")
		logger.L.Warn("failed to list threads", "user_email", userEmail, "error", err)
		return []history.Thread{}, nil
	}
	return threads, nil
}

// Persistent reports whether turns outlive the request.
func (g *Gateway) Persistent() bool {
	return g.store.Availability() == history.Connected
}
