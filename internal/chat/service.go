package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/convaichat/internal/tokens"
	"github.com/user/convaichat/internal/types"
	"github.com/user/convaichat/pkg/datastream"
	"github.com/user/convaichat/pkg/llm"
)

var (
	// ErrEmptyMessage is returned for messages that are blank after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned while a turn for the same session is in flight.
	ErrBusy = errors.New("a reply is already in progress for this session")
	// ErrNothingToRetry is returned when a thread has no user message.
	ErrNothingToRetry = errors.New("no user message to retry")
)

// Reply is the outcome of one successful turn.
type Reply struct {
	Thread  *types.ThreadIndex
	Message *types.ChatMessage
	Turn    *datastream.Turn
}

// Service turns user messages into agent turns. It resolves (or creates)
// the session's thread, records history, and streams the reply. Turns of
// one session never overlap; a semaphore bounds turns across sessions.
type Service struct {
	provider  llm.Provider
	threads   types.ThreadStore
	messages  types.MessageStore
	estimator *tokens.Estimator
	retry     *RetryPolicy
	sem       *semaphore.Weighted
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[types.SessionKey]struct{}
}

// Option configures optional behavior on a Service.
type Option func(*Service)

// WithMaxConcurrent bounds the number of turns streaming at once.
func WithMaxConcurrent(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// WithEstimator enables usage estimation for turns that report none.
func WithEstimator(e *tokens.Estimator) Option {
	return func(s *Service) { s.estimator = e }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service wired to the provider and stores.
func New(provider llm.Provider, threads types.ThreadStore, messages types.MessageStore, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		threads:  threads,
		messages: messages,
		retry:    DefaultRetryPolicy(),
		sem:      semaphore.NewWeighted(2),
		logger:   slog.Default(),
		inflight: make(map[types.SessionKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// begin marks key busy. The returned func releases it.
func (s *Service) begin(key types.SessionKey) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return nil, ErrBusy
	}
	s.inflight[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}, nil
}

// Thread returns the active thread for key, seeding a new thread with the
// greeting.
func (s *Service) Thread(ctx context.Context, key types.SessionKey) (*types.ThreadIndex, error) {
	thread, err := s.threads.ResolveOrCreate(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}
	count, err := s.messages.Count(ctx, thread.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if count == 0 {
		if err := s.seed(ctx, thread); err != nil {
			return nil, err
		}
	}
	return thread, nil
}

func (s *Service) seed(ctx context.Context, thread *types.ThreadIndex) error {
	err := s.messages.Append(ctx, &types.ChatMessage{
		ID:        types.NewMessageID(),
		ThreadID:  thread.ThreadID,
		Role:      types.RoleAssistant,
		Content:   types.Greeting,
		Status:    types.StatusSent,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("record greeting: %w", err)
	}
	return nil
}

// History returns the last limit messages of the session's active thread.
func (s *Service) History(ctx context.Context, key types.SessionKey, limit int) ([]*types.ChatMessage, error) {
	thread, err := s.Thread(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.messages.Tail(ctx, thread.ThreadID, limit)
}

// SendMessage records content as a user message and streams the agent's
// reply. onDelta, if non-nil, receives text deltas as they arrive. On
// failure the user message is marked as errored and the error returned.
func (s *Service) SendMessage(ctx context.Context, key types.SessionKey, content string, onDelta func(string)) (*Reply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	release, err := s.begin(key)
	if err != nil {
		return nil, err
	}
	defer release()

	thread, err := s.Thread(ctx, key)
	if err != nil {
		return nil, err
	}

	user := &types.ChatMessage{
		ID:        types.NewMessageID(),
		ThreadID:  thread.ThreadID,
		Role:      types.RoleUser,
		Content:   content,
		Status:    types.StatusSent,
		Timestamp: time.Now(),
	}
	if err := s.messages.Append(ctx, user); err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}

	return s.runTurn(ctx, thread, user, onDelta)
}

// RetryLastMessage drops everything after the thread's last user message
// and sends that message again.
func (s *Service) RetryLastMessage(ctx context.Context, key types.SessionKey, onDelta func(string)) (*Reply, error) {
	release, err := s.begin(key)
	if err != nil {
		return nil, err
	}
	defer release()

	thread, err := s.Thread(ctx, key)
	if err != nil {
		return nil, err
	}
	history, err := s.messages.Tail(ctx, thread.ThreadID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	var user *types.ChatMessage
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == types.RoleUser {
			user = history[i]
			break
		}
	}
	if user == nil {
		return nil, ErrNothingToRetry
	}

	if err := s.messages.TruncateAfter(ctx, thread.ThreadID, user.ID); err != nil {
		return nil, fmt.Errorf("truncate history: %w", err)
	}
	if err := s.messages.SetStatus(ctx, thread.ThreadID, user.ID, types.StatusSent); err != nil {
		return nil, fmt.Errorf("reset message status: %w", err)
	}
	user.Status = types.StatusSent

	return s.runTurn(ctx, thread, user, onDelta)
}

// Clear starts a new thread for the session with fresh ids.
func (s *Service) Clear(ctx context.Context, key types.SessionKey) (*types.ThreadIndex, error) {
	release, err := s.begin(key)
	if err != nil {
		return nil, err
	}
	defer release()

	thread, err := s.threads.Reset(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reset thread: %w", err)
	}
	if err := s.seed(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// runTurn streams the agent reply to user and records it.
func (s *Service) runTurn(ctx context.Context, thread *types.ThreadIndex, user *types.ChatMessage, onDelta func(string)) (*Reply, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, s.failTurn(thread, user, err)
	}
	defer s.sem.Release(1)

	req := &llm.ChatRequest{
		Messages:   []llm.Message{{Role: string(types.RoleUser), Content: user.Content}},
		ThreadID:   string(thread.ThreadID),
		ResourceID: string(thread.ResourceID),
	}

	var resp *llm.Response
	err := s.retry.Execute(ctx, func(attempt int) (bool, error) {
		// Once a delta reached the caller a retry would repeat text.
		delivered := false
		forward := func(text string) {
			delivered = true
			if onDelta != nil {
				onDelta(text)
			}
		}
		var err error
		resp, err = s.provider.Stream(ctx, req, forward)
		if err != nil {
			s.logger.Warn("turn attempt failed",
				"thread_id", string(thread.ThreadID),
				"attempt", attempt,
				"error", err,
			)
		}
		return !delivered, err
	})
	if err != nil {
		return nil, s.failTurn(thread, user, err)
	}

	turn := resp.Turn
	if turn == nil {
		t := datastream.NewTurn()
		t.ResponseText = resp.Content
		turn = &t
	}

	meta := &types.TurnMeta{
		MessageID:    turn.MessageID,
		FinishReason: turn.FinishReason,
		IsContinued:  turn.IsContinued,
		Usage:        turn.Usage,
		ToolCalls:    turn.ToolCalls,
	}
	if meta.Usage == nil && s.estimator != nil {
		u := s.estimator.Estimate(user.Content, turn.ResponseText)
		meta.Usage = &u
		meta.UsageEstimated = true
	}

	assistant := &types.ChatMessage{
		ID:        types.NewMessageID(),
		ThreadID:  thread.ThreadID,
		Role:      types.RoleAssistant,
		Content:   turn.ResponseText,
		Status:    types.StatusSent,
		Timestamp: time.Now(),
		Turn:      meta,
	}
	if err := s.messages.Append(ctx, assistant); err != nil {
		return nil, fmt.Errorf("record assistant message: %w", err)
	}
	if err := s.threads.Update(ctx, thread); err != nil {
		s.logger.Warn("update thread failed", "thread_id", string(thread.ThreadID), "error", err)
	}

	s.logger.Info("turn completed",
		"thread_id", string(thread.ThreadID),
		"message_id", turn.MessageID,
		"finish_reason", turn.FinishReason,
		"tool_calls", len(turn.ToolCalls),
	)
	return &Reply{Thread: thread, Message: assistant, Turn: turn}, nil
}

// failTurn marks the user message as errored and returns err.
func (s *Service) failTurn(thread *types.ThreadIndex, user *types.ChatMessage, err error) error {
	// The request context may already be done; the status update must still land.
	if serr := s.messages.SetStatus(context.Background(), thread.ThreadID, user.ID, types.StatusError); serr != nil {
		s.logger.Error("mark message failed", "thread_id", string(thread.ThreadID), "error", serr)
	}
	user.Status = types.StatusError
	s.logger.Error("turn failed", "thread_id", string(thread.ThreadID), "error", err)
	return err
}
