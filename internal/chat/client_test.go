package chat_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/chat"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/observability"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type openCall struct {
	authToken string
	req       models.StreamRequest
}

// pipeTransport hands every opened stream to the test as the write end of a pipe.
type pipeTransport struct {
	mu    sync.Mutex
	calls []openCall
	err   error

	streams chan *io.PipeWriter
}

type recorder struct {
	mu      sync.Mutex
	updates []models.Message
	errs    []string
}

type memStore struct {
	mu       sync.Mutex
	chats    map[string]models.Chat
	messages map[string][]models.Message
}

type staticAuth string

type staticRouter string

// switchRouter is a SessionRouter whose chat can change between sends.
type switchRouter struct {
	mu     sync.Mutex
	chatID string
}

// logBuffer collects log output written from the stream goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{streams: make(chan *io.PipeWriter, 8)}
}

func (p *pipeTransport) Open(_ context.Context, authToken string, req models.StreamRequest) (io.ReadCloser, error) {
	p.mu.Lock()
	p.calls = append(p.calls, openCall{authToken: authToken, req: req})
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	p.streams <- pw
	return pr, nil
}

func (p *pipeTransport) next(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case pw := <-p.streams:
		return pw
	case <-time.After(2 * time.Second):
		t.Fatal("no stream opened")
		return nil
	}
}

func (p *pipeTransport) lastCall() openCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

func (r *recorder) MessageUpdated(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, msg)
}

func (r *recorder) StreamError(_ models.Message, errorKind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, errorKind)
}

func (r *recorder) latest(id string) models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.updates) - 1; i >= 0; i-- {
		if r.updates[i].ID == id {
			return r.updates[i]
		}
	}
	return models.Message{}
}

func (r *recorder) streamErrors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errs...)
}

func (r *recorder) waitContent(t *testing.T, id, content string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.latest(id).Content == content
	}, 2*time.Second, 5*time.Millisecond)
}

func newMemStore() *memStore {
	return &memStore{
		chats:    make(map[string]models.Chat),
		messages: make(map[string][]models.Message),
	}
}

func (s *memStore) SaveChat(_ context.Context, chat models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = chat
	return nil
}

func (s *memStore) Chat(_ context.Context, chatID string) (models.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	return c, ok, nil
}

func (s *memStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages[chatID]...), nil
}

func (s *memStore) SaveMessage(_ context.Context, chatID string, message models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages[chatID] {
		if m.ID == message.ID {
			s.messages[chatID][i] = message
			return nil
		}
	}
	s.messages[chatID] = append(s.messages[chatID], message)
	return nil
}

func (a staticAuth) CurrentToken() string { return string(a) }

func (r staticRouter) CurrentChatID() string { return string(r) }

func (r *switchRouter) CurrentChatID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatID
}

func (r *switchRouter) set(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chatID = chatID
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func write(t *testing.T, pw *io.PipeWriter, lines ...string) {
	t.Helper()
	for _, l := range lines {
		_, err := io.WriteString(pw, l)
		require.NoError(t, err)
	}
}

func wait(t *testing.T, reply *chat.Reply) models.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := reply.Wait(ctx)
	require.NoError(t, err)
	return msg
}

type fixture struct {
	client    *chat.Client
	transport *pipeTransport
	observer  *recorder
	store     *memStore
	metrics   *observability.Metrics
}

func newFixture(t *testing.T, mutate func(cfg *chat.Config)) fixture {
	t.Helper()
	f := fixture{
		transport: newPipeTransport(),
		observer:  &recorder{},
		store:     newMemStore(),
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}
	cfg := chat.Config{
		Transport:   f.transport,
		Store:       f.store,
		Auth:        staticAuth("secret"),
		Observer:    f.observer,
		Metrics:     f.metrics,
		IdleTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.client = chat.NewClient(cfg)
	return f
}

func TestClientReasoningThenContent(t *testing.T) {
	f := newFixture(t, nil)
	code := f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{
		ModelType: "fast",
		SubModel:  "mini",
		Reasoning: true,
	})
	require.NoError(t, err)

	pw := f.transport.next(t)
	write(t, pw,
		`data: {"type":"reasoning","content":"thinking.."}`+"\n\n",
		`data: {"content":"Hi"}`+"\n\n",
		`data: {"content":" there"}`+"\n\n",
		"data: [DONE]\n\n",
	)

	msg := wait(t, reply)
	assert.Equal(t, reply.MessageID(), msg.ID)
	assert.Equal(t, "thinking..", msg.ReasoningContent)
	assert.Equal(t, "Hi there", msg.Content)
	assert.Equal(t, "Hi there", reply.Text())
	assert.False(t, msg.IsStreaming)
	assert.False(t, msg.IsError)
	assert.True(t, msg.IsReasoningComplete)
	assert.Equal(t, "fast/mini", msg.Model)

	call := f.transport.lastCall()
	assert.Equal(t, "secret", call.authToken)
	assert.Equal(t, "hello", call.req.Prompt)
	assert.Nil(t, call.req.ChatID)
	assert.Equal(t, code, call.req.ChatCode)
	assert.True(t, call.req.Stream)
	assert.True(t, call.req.Reasoning)

	msgs := f.client.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, msg, msgs[1])
	assert.False(t, f.client.Session().Streaming())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamsTotal.WithLabelValues(observability.OutcomeComplete)))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveStreams))
	assert.Empty(t, f.observer.streamErrors())
}

func TestClientServerErrorFrame(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)

	write(t, f.transport.next(t), `data: {"error":"no credit","errorType":"no_credit"}`+"\n\n")

	msg := wait(t, reply)
	assert.True(t, msg.IsError)
	assert.Equal(t, "no_credit", msg.ErrorKind)
	assert.Equal(t, "no credit", msg.Error)
	assert.False(t, msg.IsStreaming)
	assert.Equal(t, []string{"no_credit"}, f.observer.streamErrors())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamsTotal.WithLabelValues(observability.OutcomeError)))
}

func TestClientIdleTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *chat.Config) { cfg.IdleTimeout = 50 * time.Millisecond })
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	pw := f.transport.next(t)

	msg := wait(t, reply)
	assert.True(t, msg.IsError)
	assert.False(t, msg.IsStreaming)
	assert.Contains(t, msg.Error, "no data received")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamsTotal.WithLabelValues(observability.OutcomeTimeout)))

	// The connection is gone.
	_, err = io.WriteString(pw, `data: {"content":"late"}`+"\n")
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestClientTimeoutResetByFrames(t *testing.T) {
	f := newFixture(t, func(cfg *chat.Config) { cfg.IdleTimeout = 80 * time.Millisecond })
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	pw := f.transport.next(t)

	for i := range 5 {
		time.Sleep(40 * time.Millisecond)
		write(t, pw, fmt.Sprintf(`data: {"content":"%d"}`+"\n", i))
	}
	write(t, pw, "data: [DONE]\n")

	msg := wait(t, reply)
	assert.False(t, msg.IsError)
	assert.Equal(t, "01234", msg.Content)
}

func TestClientStop(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	pw := f.transport.next(t)
	write(t, pw, `data: {"content":"Hel"}`+"\n\n")
	f.observer.waitContent(t, reply.MessageID(), "Hel")

	assert.True(t, f.client.Stop())
	assert.False(t, f.client.Stop())

	msg := wait(t, reply)
	assert.Equal(t, "Hel", msg.Content)
	assert.False(t, msg.IsStreaming)
	assert.False(t, msg.IsError)
	assert.Empty(t, f.observer.streamErrors())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamsTotal.WithLabelValues(observability.OutcomeCancelled)))

	last := f.observer.latest(reply.MessageID())
	assert.False(t, last.IsStreaming)
}

func TestClientSwitchDropsStaleFrames(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	pw := f.transport.next(t)
	write(t, pw, `data: {"content":"Hel"}`+"\n\n")
	f.observer.waitContent(t, reply.MessageID(), "Hel")

	old := f.client.Session()
	require.NoError(t, f.client.SwitchChat(context.Background(), "other"))

	// The old stream may already be torn down; late writes either fail or are dropped.
	_, _ = io.WriteString(pw, `data: {"content":"lo"}`+"\n\n")
	_, _ = io.WriteString(pw, `data: {"content":" world"}`+"\n\n")

	msg := wait(t, reply)
	assert.Equal(t, "Hel", msg.Content)
	assert.False(t, msg.IsStreaming)

	oldMsgs := old.Messages()
	require.Len(t, oldMsgs, 2)
	assert.Equal(t, "Hel", oldMsgs[1].Content)
	assert.Equal(t, "Hel", f.observer.latest(reply.MessageID()).Content)

	assert.Equal(t, "other", f.client.Session().ChatID())
	assert.Empty(t, f.client.Messages())
}

func TestClientSecondSendSupersedes(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	first, err := f.client.Send(context.Background(), "one", chat.Options{})
	require.NoError(t, err)
	pw1 := f.transport.next(t)
	write(t, pw1, `data: {"content":"a"}`+"\n")
	f.observer.waitContent(t, first.MessageID(), "a")

	second, err := f.client.Send(context.Background(), "two", chat.Options{})
	require.NoError(t, err)
	pw2 := f.transport.next(t)

	firstMsg := wait(t, first)
	assert.Equal(t, "a", firstMsg.Content)
	assert.False(t, firstMsg.IsStreaming)
	assert.False(t, firstMsg.IsError)

	_, _ = io.WriteString(pw1, `data: {"content":"stale"}`+"\n")
	write(t, pw2, `data: {"content":"b"}`+"\n", "data: [DONE]\n")

	secondMsg := wait(t, second)
	assert.Equal(t, "b", secondMsg.Content)

	msgs := f.client.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "a", msgs[1].Content)
	assert.Equal(t, "b", msgs[3].Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamsTotal.WithLabelValues(observability.OutcomeSuperseded)))
}

func TestClientRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	_, err := f.client.Retry(context.Background(), true)
	assert.ErrorIs(t, err, chat.ErrNothingToRetry)

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{ModelType: "fast"})
	require.NoError(t, err)
	write(t, f.transport.next(t), `data: {"content":"par"}`+"\n", `data: {"error":"overloaded"}`+"\n")
	failed := wait(t, reply)
	require.True(t, failed.IsError)

	retried, err := f.client.Retry(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, retried.MessageID())
	assert.Equal(t, "hello", f.transport.lastCall().req.Prompt)
	assert.Equal(t, "fast", f.transport.lastCall().req.ModelType)

	write(t, f.transport.next(t), `data: {"content":"full"}`+"\n", "data: [DONE]\n")
	msg := wait(t, retried)
	assert.Equal(t, "full", msg.Content)
	assert.False(t, msg.IsError)
	assert.Empty(t, msg.Error)
	require.Len(t, f.client.Messages(), 2)

	// A completed reply is not reused.
	fresh, err := f.client.Retry(context.Background(), true)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, fresh.MessageID())
	write(t, f.transport.next(t), "data: [DONE]\n")
	wait(t, fresh)

	msgs := f.client.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, models.SenderAssistant, msgs[2].Sender)
}

func TestClientRetryWhileStreaming(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	first, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	pw1 := f.transport.next(t)
	write(t, pw1, `data: {"content":"Hel"}`+"\n")
	f.observer.waitContent(t, first.MessageID(), "Hel")

	retried, err := f.client.Retry(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID(), retried.MessageID())

	old := wait(t, first)
	assert.Equal(t, "Hel", old.Content)
	assert.False(t, old.IsStreaming)
	assert.False(t, old.IsError)

	msgs := f.client.Messages()
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[1].Content)
	assert.Empty(t, msgs[1].ReasoningContent)
	assert.True(t, msgs[1].IsStreaming)

	_, _ = io.WriteString(pw1, `data: {"content":"stale"}`+"\n")
	write(t, f.transport.next(t), `data: {"content":"new"}`+"\n", "data: [DONE]\n")

	msg := wait(t, retried)
	assert.Equal(t, "new", msg.Content)
	assert.Empty(t, msg.ReasoningContent)
	assert.False(t, msg.IsError)

	msgs = f.client.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, "new", msgs[1].Content)
	assert.Equal(t, "hello", f.transport.lastCall().req.Prompt)
}

func TestClientSendReusing(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	write(t, f.transport.next(t), `data: {"content":"first"}`+"\n", "data: [DONE]\n")
	wait(t, reply)

	again, err := f.client.SendReusing(context.Background(), "hello", chat.Options{}, reply.MessageID())
	require.NoError(t, err)
	assert.Equal(t, reply.MessageID(), again.MessageID())
	write(t, f.transport.next(t), `data: {"content":"second"}`+"\n", "data: [DONE]\n")

	assert.Equal(t, "second", wait(t, again).Content)
	require.Len(t, f.client.Messages(), 2)
}

func TestClientOpenFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  string
		wantError string
	}{
		{
			name:      "server rejected",
			err:       &models.ServerError{Status: http.StatusPaymentRequired, Message: "no credit", Kind: "no_credit"},
			wantKind:  "no_credit",
			wantError: "no credit",
		},
		{
			name:      "transport failure",
			err:       errors.New("connection refused"),
			wantError: "error sending request: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.transport.err = tt.err
			f.client.NewChat()

			reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
			require.NoError(t, err)

			msg := wait(t, reply)
			assert.True(t, msg.IsError)
			assert.False(t, msg.IsStreaming)
			assert.Equal(t, tt.wantKind, msg.ErrorKind)
			assert.Equal(t, tt.wantError, msg.Error)
			assert.Equal(t, []string{tt.wantKind}, f.observer.streamErrors())
		})
	}
}

func TestClientConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *chat.Config)
		prompt string
		start  bool
	}{
		{name: "missing token", mutate: func(cfg *chat.Config) { cfg.Auth = staticAuth("") }, prompt: "hi", start: true},
		{name: "no auth provider", mutate: func(cfg *chat.Config) { cfg.Auth = nil }, prompt: "hi", start: true},
		{name: "empty prompt", prompt: "   ", start: true},
		{name: "no chat", prompt: "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)
			if tt.start {
				f.client.NewChat()
			}

			reply, err := f.client.Send(context.Background(), tt.prompt, chat.Options{})
			assert.ErrorIs(t, err, chat.ErrConfiguration)
			assert.Nil(t, reply)
			assert.Empty(t, f.transport.calls)
			assert.Empty(t, f.client.Messages())
		})
	}
}

func TestClientOptionsOverride(t *testing.T) {
	f := newFixture(t, func(cfg *chat.Config) { cfg.Auth = nil })

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{ChatID: "c1", AuthToken: "tok"})
	require.NoError(t, err)
	write(t, f.transport.next(t), "data: [DONE]\n")
	wait(t, reply)

	call := f.transport.lastCall()
	assert.Equal(t, "tok", call.authToken)
	require.NotNil(t, call.req.ChatID)
	assert.Equal(t, "c1", *call.req.ChatID)
	assert.Empty(t, call.req.ChatCode)
}

func TestClientRouterLoadsHistory(t *testing.T) {
	f := newFixture(t, func(cfg *chat.Config) { cfg.Router = staticRouter("c1") })
	f.store.messages["c1"] = []models.Message{
		{ID: "u0", Sender: models.SenderUser, Content: "earlier", IsReasoningComplete: true},
		{ID: "a0", Sender: models.SenderAssistant, Content: "cut", IsStreaming: true},
	}

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	write(t, f.transport.next(t), `data: {"content":"ok"}`+"\n", "data: [DONE]\n")
	wait(t, reply)

	msgs := f.client.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "earlier", msgs[0].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, "ok", msgs[3].Content)
	assert.Equal(t, "c1", f.client.Session().ChatID())
}

func TestClientRouterChangeSupersedesStream(t *testing.T) {
	router := &switchRouter{chatID: "c1"}
	f := newFixture(t, func(cfg *chat.Config) { cfg.Router = router })

	first, err := f.client.Send(context.Background(), "one", chat.Options{})
	require.NoError(t, err)
	pw1 := f.transport.next(t)
	write(t, pw1, `data: {"content":"a"}`+"\n")
	f.observer.waitContent(t, first.MessageID(), "a")

	router.set("c2")
	second, err := f.client.Send(context.Background(), "two", chat.Options{})
	require.NoError(t, err)
	pw2 := f.transport.next(t)

	firstMsg := wait(t, first)
	assert.Equal(t, "a", firstMsg.Content)
	assert.False(t, firstMsg.IsStreaming)
	assert.False(t, firstMsg.IsError)

	_, _ = io.WriteString(pw1, `data: {"content":"stale"}`+"\n")
	write(t, pw2, `data: {"content":"b"}`+"\n", "data: [DONE]\n")
	assert.Equal(t, "b", wait(t, second).Content)

	assert.Equal(t, "c2", f.client.Session().ChatID())
	req := f.transport.lastCall().req
	require.NotNil(t, req.ChatID)
	assert.Equal(t, "c2", *req.ChatID)
	require.Len(t, f.client.Messages(), 2)
}

func TestClientResumesLocalChat(t *testing.T) {
	f := newFixture(t, nil)
	code := f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "first", chat.Options{})
	require.NoError(t, err)
	write(t, f.transport.next(t), `data: {"content":"one"}`+"\n", "data: [DONE]\n")
	wait(t, reply)

	require.NoError(t, f.client.SwitchChat(context.Background(), "other"))
	require.NoError(t, f.client.SwitchChat(context.Background(), code))
	assert.Empty(t, f.client.Session().ChatID())
	require.Len(t, f.client.Messages(), 2)

	reply, err = f.client.Send(context.Background(), "second", chat.Options{})
	require.NoError(t, err)
	write(t, f.transport.next(t), `data: {"content":"two"}`+"\n", "data: [DONE]\n")
	wait(t, reply)

	req := f.transport.lastCall().req
	assert.Nil(t, req.ChatID)
	assert.Equal(t, code, req.ChatCode)
	require.Len(t, f.client.Messages(), 4)

	saved, ok, err := f.store.Chat(context.Background(), code)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, saved.Local)
	stored, err := f.store.Messages(context.Background(), code)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestClientParserLogsUnderOwnModule(t *testing.T) {
	var logs logBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	f := newFixture(t, func(cfg *chat.Config) { cfg.Logger = logger })
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	write(t, f.transport.next(t), "data: {oops\n", "data: [DONE]\n")
	wait(t, reply)

	var found bool
	for _, line := range logs.lines() {
		if !strings.Contains(line, "Skipping malformed frame") {
			continue
		}
		found = true
		assert.Contains(t, line, `"module":"parser"`)
		assert.Equal(t, 1, strings.Count(line, `"module"`), line)
	}
	assert.True(t, found, "no malformed frame warning logged")
}

func TestClientMalformedEscalation(t *testing.T) {
	f := newFixture(t, func(cfg *chat.Config) { cfg.MaxMalformedFrames = 2 })
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	write(t, f.transport.next(t), `data: {"content":"a"}`+"\n", "data: {oops\n", "data: nope\n")

	msg := wait(t, reply)
	assert.True(t, msg.IsError)
	assert.Equal(t, chat.ErrorKindMalformedStream, msg.ErrorKind)
	assert.Equal(t, "a", msg.Content)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MalformedFramesTotal))
}

func TestClientMalformedIgnoredByDefault(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	write(t, f.transport.next(t), "data: {oops\n", `data: {"content":"fine"}`+"\n", "data: [DONE]\n")

	msg := wait(t, reply)
	assert.False(t, msg.IsError)
	assert.Equal(t, "fine", msg.Content)
}

func TestClientEOFWithoutTerminal(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	pw := f.transport.next(t)
	write(t, pw, `data: {"content":"abrupt"}`)
	require.NoError(t, pw.Close())

	msg := wait(t, reply)
	assert.Equal(t, "abrupt", msg.Content)
	assert.False(t, msg.IsError)
	assert.False(t, msg.IsStreaming)
}

func TestClientReadError(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "hello", chat.Options{})
	require.NoError(t, err)
	pw := f.transport.next(t)
	write(t, pw, `data: {"content":"x"}`+"\n")
	pw.CloseWithError(errors.New("connection reset"))

	msg := wait(t, reply)
	assert.True(t, msg.IsError)
	assert.Equal(t, "error reading response: connection reset", msg.Error)
	assert.Equal(t, "x", msg.Content)
}

func TestClientPersistsChat(t *testing.T) {
	f := newFixture(t, nil)
	code := f.client.NewChat()

	reply, err := f.client.Send(context.Background(), "what is go", chat.Options{})
	require.NoError(t, err)
	write(t, f.transport.next(t), `data: {"content":"a language"}`+"\n", "data: [DONE]\n")
	wait(t, reply)

	assert.Equal(t, models.Chat{ID: code, Title: "what is go", Local: true}, f.store.chats[code])
	msgs, err := f.store.Messages(context.Background(), code)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "what is go", msgs[0].Content)
	assert.Equal(t, "a language", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
}

func TestClientCallerContextDoesNotCancelStream(t *testing.T) {
	f := newFixture(t, nil)
	f.client.NewChat()

	ctx, cancel := context.WithCancel(context.Background())
	reply, err := f.client.Send(ctx, "hello", chat.Options{})
	require.NoError(t, err)
	cancel()

	write(t, f.transport.next(t), `data: {"content":"still here"}`+"\n", "data: [DONE]\n")
	msg := wait(t, reply)
	assert.Equal(t, "still here", msg.Content)
	assert.False(t, msg.IsError)
}

func TestClientOverHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"unauthorized","errorType":"auth"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{
			`data: {"type":"reasoning","content":"hm"}` + "\n\n",
			`data: {"content":"Hi"}`,
			"\n\ndata: [DONE]\n\n",
		} {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		token    string
		want     string
		wantKind string
	}{
		{name: "streamed", token: "secret", want: "Hi"},
		{name: "rejected", token: "wrong", wantKind: "auth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := chat.NewClient(chat.Config{
				Transport: services.NewBackend(srv.URL, srv.Client(), nil),
				Auth:      staticAuth(tt.token),
			})
			client.NewChat()

			reply, err := client.Send(context.Background(), "hello", chat.Options{})
			require.NoError(t, err)

			msg := wait(t, reply)
			assert.Equal(t, tt.want, msg.Content)
			assert.Equal(t, tt.wantKind, msg.ErrorKind)
			assert.Equal(t, tt.wantKind != "", msg.IsError)
		})
	}
}
