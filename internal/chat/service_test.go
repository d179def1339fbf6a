package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/user/convaichat/internal/state"
	"github.com/user/convaichat/internal/tokens"
	"github.com/user/convaichat/internal/types"
	"github.com/user/convaichat/pkg/datastream"
	"github.com/user/convaichat/pkg/llm"
	"github.com/user/convaichat/pkg/llm/convai"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []*llm.ChatRequest
	stream   func(call int, req *llm.ChatRequest, onDelta func(string)) (*llm.Response, error)
}

func (f *fakeProvider) Stream(_ context.Context, req *llm.ChatRequest, onDelta func(string)) (*llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	return f.stream(call, req, onDelta)
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func textReply(text string) func(int, *llm.ChatRequest, func(string)) (*llm.Response, error) {
	return func(_ int, _ *llm.ChatRequest, onDelta func(string)) (*llm.Response, error) {
		turn := datastream.NewTurn()
		turn.MessageID = "msg-1"
		turn.ResponseText = text
		turn.FinishReason = "stop"
		turn.Usage = &datastream.Usage{PromptTokens: 3, CompletionTokens: 2}
		if onDelta != nil {
			onDelta(text)
		}
		return &llm.Response{Role: "assistant", Content: text, Turn: &turn}, nil
	}
}

func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func newTestService(t *testing.T, p llm.Provider, opts ...Option) (*Service, *state.ThreadStore, *state.MessageStore) {
	t.Helper()
	dir := t.TempDir()
	threads := state.NewThreadStore(dir)
	messages := state.NewMessageStore(dir)
	opts = append([]Option{WithRetryPolicy(fastRetry())}, opts...)
	return New(p, threads, messages, opts...), threads, messages
}

func TestSendMessage(t *testing.T) {
	p := &fakeProvider{stream: textReply("Hi there")}
	svc, _, messages := newTestService(t, p)
	ctx := context.Background()
	key := types.NewSessionKey("test", "1")

	var streamed string
	reply, err := svc.SendMessage(ctx, key, "  hello  ", func(s string) { streamed += s })
	if err != nil {
		t.Fatal(err)
	}
	if streamed != "Hi there" {
		t.Errorf("expected streamed text, got %q", streamed)
	}
	if reply.Message.Content != "Hi there" || reply.Turn.FinishReason != "stop" {
		t.Errorf("unexpected reply %+v", reply.Message)
	}

	req := p.requests[0]
	if req.ThreadID != string(reply.Thread.ThreadID) || req.ResourceID != string(reply.Thread.ResourceID) {
		t.Errorf("request ids %q/%q do not match thread %+v", req.ThreadID, req.ResourceID, reply.Thread)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hello" || req.Messages[0].Role != "user" {
		t.Errorf("unexpected request messages %+v", req.Messages)
	}

	history, err := messages.Tail(ctx, reply.Thread.ThreadID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected greeting, user and assistant messages, got %d", len(history))
	}
	if history[0].Content != types.Greeting || history[0].Role != types.RoleAssistant {
		t.Errorf("expected greeting first, got %+v", history[0])
	}
	if history[1].Role != types.RoleUser || history[1].Status != types.StatusSent {
		t.Errorf("unexpected user message %+v", history[1])
	}
	meta := history[2].Turn
	if meta == nil || meta.MessageID != "msg-1" || meta.Usage == nil || meta.UsageEstimated {
		t.Errorf("unexpected turn metadata %+v", meta)
	}
}

func TestSendMessageReusesThread(t *testing.T) {
	p := &fakeProvider{stream: textReply("ok")}
	svc, _, _ := newTestService(t, p)
	ctx := context.Background()
	key := types.NewSessionKey("test", "1")

	first, err := svc.SendMessage(ctx, key, "one", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.SendMessage(ctx, key, "two", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Thread.ThreadID != second.Thread.ThreadID {
		t.Error("expected the same thread for one session key")
	}
	other, err := svc.SendMessage(ctx, types.NewSessionKey("test", "2"), "three", nil)
	if err != nil {
		t.Fatal(err)
	}
	if other.Thread.ThreadID == first.Thread.ThreadID {
		t.Error("expected a separate thread for another session key")
	}
}

func TestSendMessageEmpty(t *testing.T) {
	p := &fakeProvider{stream: textReply("x")}
	svc, _, _ := newTestService(t, p)
	_, err := svc.SendMessage(context.Background(), "k", "   \n", nil)
	if !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if p.calls() != 0 {
		t.Error("expected no provider call")
	}
}

func TestSendMessageFailureMarksError(t *testing.T) {
	p := &fakeProvider{stream: func(int, *llm.ChatRequest, func(string)) (*llm.Response, error) {
		return nil, llm.NewHTTPError(http.StatusUnauthorized, "")
	}}
	svc, _, messages := newTestService(t, p)
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "k", "hello", nil)
	var httpErr *llm.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if p.calls() != 1 {
		t.Errorf("expected auth failure not to be retried, got %d calls", p.calls())
	}

	thread, err := svc.Thread(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	history, err := messages.Tail(ctx, thread.ThreadID, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := history[len(history)-1]
	if last.Role != types.RoleUser || last.Status != types.StatusError {
		t.Errorf("expected errored user message last, got %+v", last)
	}
}

func TestSendMessageRetriesBeforeFirstDelta(t *testing.T) {
	p := &fakeProvider{}
	p.stream = func(call int, req *llm.ChatRequest, onDelta func(string)) (*llm.Response, error) {
		if call < 3 {
			return nil, llm.NewHTTPError(http.StatusInternalServerError, "")
		}
		return textReply("finally")(call, req, onDelta)
	}
	svc, _, _ := newTestService(t, p)

	reply, err := svc.SendMessage(context.Background(), "k", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", p.calls())
	}
	if reply.Message.Content != "finally" {
		t.Errorf("unexpected content %q", reply.Message.Content)
	}
}

func TestSendMessageNoRetryAfterDelta(t *testing.T) {
	p := &fakeProvider{stream: func(_ int, _ *llm.ChatRequest, onDelta func(string)) (*llm.Response, error) {
		onDelta("partial")
		return nil, &datastream.ReadError{Err: errors.New("Network error")}
	}}
	svc, _, _ := newTestService(t, p)

	var streamed string
	_, err := svc.SendMessage(context.Background(), "k", "hello", func(s string) { streamed += s })
	if err == nil || err.Error() != "Network error" {
		t.Fatalf("expected read error, got %v", err)
	}
	if p.calls() != 1 {
		t.Errorf("expected no retry once text was delivered, got %d calls", p.calls())
	}
	if streamed != "partial" {
		t.Errorf("expected delta delivered once, got %q", streamed)
	}
}

func TestSendMessageBusy(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	p := &fakeProvider{}
	p.stream = func(call int, req *llm.ChatRequest, onDelta func(string)) (*llm.Response, error) {
		close(started)
		<-unblock
		return textReply("done")(call, req, onDelta)
	}
	svc, _, _ := newTestService(t, p)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := svc.SendMessage(ctx, "k", "first", nil)
		errc <- err
	}()
	<-started

	if _, err := svc.SendMessage(ctx, "k", "second", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if _, err := svc.Clear(ctx, "k"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy from Clear, got %v", err)
	}

	close(unblock)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Clear(ctx, "k"); err != nil {
		t.Errorf("expected Clear to succeed after the turn, got %v", err)
	}
}

func TestSendMessageEstimatesUsage(t *testing.T) {
	est, err := tokens.New("cl100k_base")
	if err != nil {
		t.Fatal(err)
	}
	p := &fakeProvider{stream: func(_ int, _ *llm.ChatRequest, onDelta func(string)) (*llm.Response, error) {
		turn := datastream.NewTurn()
		turn.ResponseText = "hello world"
		return &llm.Response{Role: "assistant", Content: turn.ResponseText, Turn: &turn}, nil
	}}
	svc, _, _ := newTestService(t, p, WithEstimator(est))

	reply, err := svc.SendMessage(context.Background(), "k", "say hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	meta := reply.Message.Turn
	if !meta.UsageEstimated || meta.Usage == nil {
		t.Fatalf("expected estimated usage, got %+v", meta)
	}
	if meta.Usage.PromptTokens == 0 || meta.Usage.CompletionTokens == 0 {
		t.Errorf("expected non-zero estimates, got %+v", meta.Usage)
	}
}

func TestRetryLastMessage(t *testing.T) {
	p := &fakeProvider{}
	p.stream = func(call int, req *llm.ChatRequest, onDelta func(string)) (*llm.Response, error) {
		if call == 1 {
			return nil, llm.NewHTTPError(http.StatusBadRequest, "bad request")
		}
		return textReply("second time")(call, req, onDelta)
	}
	svc, _, messages := newTestService(t, p)
	ctx := context.Background()

	if _, err := svc.SendMessage(ctx, "k", "hello", nil); err == nil {
		t.Fatal("expected first send to fail")
	}
	reply, err := svc.RetryLastMessage(ctx, "k", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.requests[1].Messages[0].Content != "hello" {
		t.Errorf("expected retried content, got %+v", p.requests[1].Messages)
	}

	history, err := messages.Tail(ctx, reply.Thread.ThreadID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected greeting, one user message and the reply, got %d", len(history))
	}
	if history[1].Status != types.StatusSent {
		t.Errorf("expected user message status reset, got %q", history[1].Status)
	}
	if history[2].Content != "second time" {
		t.Errorf("unexpected reply %q", history[2].Content)
	}
}

func TestRetryLastMessageNothingToRetry(t *testing.T) {
	p := &fakeProvider{stream: textReply("x")}
	svc, _, _ := newTestService(t, p)
	if _, err := svc.RetryLastMessage(context.Background(), "k", nil); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("expected ErrNothingToRetry, got %v", err)
	}
}

func TestClear(t *testing.T) {
	p := &fakeProvider{stream: textReply("x")}
	svc, threads, _ := newTestService(t, p)
	ctx := context.Background()

	before, err := svc.SendMessage(ctx, "k", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	after, err := svc.Clear(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if after.ThreadID == before.Thread.ThreadID || after.ResourceID == before.Thread.ResourceID {
		t.Error("expected fresh thread and resource ids")
	}

	history, err := svc.History(ctx, "k", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Content != types.Greeting {
		t.Errorf("expected only the greeting after clear, got %d messages", len(history))
	}

	all, err := threads.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("expected cleared thread kept in the index, got %d threads", len(all))
	}
}

func TestServiceEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents/copilotAgent/stream" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "f:{\"messageId\":\"msg-9\"}\n")
		io.WriteString(w, "9:{\"toolCallId\":\"c1\",\"toolName\":\"ragTool\",\"args\":{\"query\":\"returns\"}}\n")
		io.WriteString(w, "a:{\"toolCallId\":\"c1\",\"result\":[{\"id\":\"d1\",\"score\":0.8,\"metadata\":{\"title\":\"Returns\",\"content\":\"30 days\"}}]}\n")
		io.WriteString(w, "0:\"You can return \"\n0:\"within 30 days.\"\n")
		io.WriteString(w, "e:{\"finishReason\":\"stop\",\"usage\":{\"promptTokens\":12,\"completionTokens\":6},\"isContinued\":false}\n")
	}))
	defer server.Close()

	client := convai.New(&llm.Config{BaseURL: server.URL, APIKey: "k", Timeout: 5 * time.Second})
	svc, _, _ := newTestService(t, client, WithMaxConcurrent(1))

	var deltas []string
	reply, err := svc.SendMessage(context.Background(), types.NewSessionKey("cli", "local"), "returns?", func(s string) {
		deltas = append(deltas, s)
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Message.Content != "You can return within 30 days." {
		t.Errorf("unexpected content %q", reply.Message.Content)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 deltas, got %v", deltas)
	}
	meta := reply.Message.Turn
	if meta.MessageID != "msg-9" || len(meta.ToolCalls) != 1 || !meta.ToolCalls[0].HasResult {
		t.Errorf("unexpected turn metadata %+v", meta)
	}
	if meta.Usage.Total() != 18 {
		t.Errorf("expected 18 tokens, got %d", meta.Usage.Total())
	}
}
