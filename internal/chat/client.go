// Package chat implements the streaming chat client: it opens the reply stream of the inference
// backend, parses its frames, and keeps the per-chat message state consistent across stop, retry and
// chat switch.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/observability"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Transport opens the reply stream for a request. A non-success response must be reported as a
// *models.ServerError without returning a body.
type Transport interface {
	Open(ctx context.Context, authToken string, req models.StreamRequest) (io.ReadCloser, error)
}

// Store persists chats and their messages. SaveChat and SaveMessage must upsert by ID. Chat reports
// whether a chat record exists.
type Store interface {
	SaveChat(ctx context.Context, chat models.Chat) error
	Chat(ctx context.Context, chatID string) (models.Chat, bool, error)
	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	SaveMessage(ctx context.Context, chatID string, message models.Message) error
}

// AuthProvider supplies the bearer token of the signed in user, empty when signed out.
type AuthProvider interface {
	CurrentToken() string
}

// SessionRouter reports the chat the user is currently looking at, empty for none. It is consulted
// on every Send only: a running stream keeps its token until the next Send, Stop or SwitchChat, so
// a caller that changes chats mid-stream must call SwitchChat itself.
type SessionRouter interface {
	CurrentChatID() string
}

// Observer is notified of message changes. Callbacks run in order under the session lock and must
// not call back into the Client.
type Observer interface {
	// MessageUpdated is called on every state change of a message.
	MessageUpdated(msg models.Message)
	// StreamError is called once when a stream ends in error.
	StreamError(msg models.Message, errorKind string)
}

// ObserverFuncs adapts plain functions to the Observer interface. Nil fields are skipped.
type ObserverFuncs struct {
	OnMessageUpdated func(msg models.Message)
	OnStreamError    func(msg models.Message, errorKind string)
}

// MessageUpdated implements Observer.
func (o ObserverFuncs) MessageUpdated(msg models.Message) {
	if o.OnMessageUpdated != nil {
		o.OnMessageUpdated(msg)
	}
}

// StreamError implements Observer.
func (o ObserverFuncs) StreamError(msg models.Message, errorKind string) {
	if o.OnStreamError != nil {
		o.OnStreamError(msg, errorKind)
	}
}

// Options are the per-send parameters of a prompt.
type Options struct {
	ModelType string
	SubModel  string
	WebSearch bool
	Reasoning bool

	// ChatID and AuthToken override the SessionRouter and AuthProvider when set.
	ChatID    string
	AuthToken string
}

// Config configures a Client. Transport is required.
type Config struct {
	Transport Transport
	Store     Store
	Auth      AuthProvider
	Router    SessionRouter
	Observer  Observer
	Metrics   *observability.Metrics

	// IdleTimeout bounds the silence between two frames. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration
	// MaxMalformedFrames turns a stream into an error once that many frames failed to decode. Zero
	// never escalates.
	MaxMalformedFrames int
	// ReadBufferSize is the size of a single body read. Zero means 4 KiB.
	ReadBufferSize int

	Logger *slog.Logger
}

// Errors returned synchronously by the Client.
var (
	// ErrConfiguration is wrapped by every error caused by a missing token, chat or prompt.
	ErrConfiguration = errors.New("chat: configuration error")
	// ErrNothingToRetry is returned by Retry when no prompt was sent in the current session.
	ErrNothingToRetry = errors.New("chat: nothing to retry")
)

// Error kinds assigned by the client itself.
const (
	// ErrorKindMalformedStream marks a stream failed after too many undecodable frames.
	ErrorKindMalformedStream = "malformed_stream"
)

const defaultReadBufferSize = 4 << 10

// Client sends prompts to the backend and streams the replies into the current session. At most one
// stream runs per session: a new send, a stop, or a chat switch invalidates the previous one.
type Client struct {
	transport    Transport
	store        Store
	auth         AuthProvider
	router       SessionRouter
	observer     Observer
	metrics      *observability.Metrics
	idleTimeout  time.Duration
	maxMalformed int
	readSize     int

	mu      sync.Mutex
	session *Session

	logger     *slog.Logger
	// baseLogger has no module attribute; components scope it themselves.
	baseLogger *slog.Logger
}

// NewClient creates a Client without a current session. Call NewChat or SwitchChat, or provide a
// SessionRouter, before sending.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = ObserverFuncs{}
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	readSize := cfg.ReadBufferSize
	if readSize <= 0 {
		readSize = defaultReadBufferSize
	}

	return &Client{
		transport:    cfg.Transport,
		store:        cfg.Store,
		auth:         cfg.Auth,
		router:       cfg.Router,
		observer:     observer,
		metrics:      cfg.Metrics,
		idleTimeout:  idle,
		maxMalformed: cfg.MaxMalformedFrames,
		readSize:     readSize,
		logger:       logger.With(slog.String("module", "chat")),
		baseLogger:   logger,
	}
}

// Session returns the current session, nil if none was started.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Messages returns a snapshot of the current session's messages.
func (c *Client) Messages() []models.Message {
	sess := c.Session()
	if sess == nil {
		return nil
	}
	return sess.Messages()
}

// NewChat discards the current session and starts an empty one identified by a fresh chat code,
// which is returned.
func (c *Client) NewChat() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.discardLocked()
	code := uuid.NewString()
	c.session = newSession("", code, nil)

	c.logger.Debug("New chat", slog.String("chatCode", code))
	return code
}

// SwitchChat discards the current session and makes chatID current, loading its history from the
// store when one is configured. Switching to the current chat does nothing.
func (c *Client) SwitchChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return fmt.Errorf("%w: chat id is empty", ErrConfiguration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.switchLocked(ctx, chatID)
	return err
}

// Stop aborts the stream of the current session. The in-flight message keeps its content and is
// finalized without being marked as an error. It reports whether a stream was running.
func (c *Client) Stop() bool {
	sess := c.Session()
	if sess == nil {
		return false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return c.abortLocked(sess, observability.OutcomeCancelled, true)
}

// Send sends prompt in the current chat and streams the assistant reply. It fails synchronously
// only on configuration errors; every later failure ends up in the reply message. ctx bounds the
// synchronous part only: use Stop to abort the stream.
func (c *Client) Send(ctx context.Context, prompt string, opts Options) (*Reply, error) {
	return c.send(ctx, prompt, opts, "", false, true)
}

// SendReusing is Send for a repeated turn: no user message is added and the assistant message
// reuseID, if present in the session, is reset and refilled instead of creating a new one.
func (c *Client) SendReusing(ctx context.Context, prompt string, opts Options, reuseID string) (*Reply, error) {
	return c.send(ctx, prompt, opts, reuseID, false, false)
}

// Retry re-sends the last prompt of the session with its last options. With continueLast, an
// assistant reply that errored or is still streaming is reused under the same ID; otherwise a new
// assistant message is created. The user message is never duplicated.
func (c *Client) Retry(ctx context.Context, continueLast bool) (*Reply, error) {
	sess := c.Session()
	if sess == nil {
		return nil, ErrNothingToRetry
	}

	sess.mu.Lock()
	prompt, opts, ok := sess.lastPrompt, sess.lastOpts, sess.hasPrompt
	sess.mu.Unlock()
	if !ok {
		return nil, ErrNothingToRetry
	}

	return c.send(ctx, prompt, opts, "", continueLast, false)
}

func (c *Client) send(
	ctx context.Context,
	prompt string,
	opts Options,
	reuseID string,
	continueLast bool,
	withUserMessage bool,
) (*Reply, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is empty", ErrConfiguration)
	}

	authToken := opts.AuthToken
	if authToken == "" && c.auth != nil {
		authToken = c.auth.CurrentToken()
	}
	if authToken == "" {
		return nil, fmt.Errorf("%w: auth token is missing", ErrConfiguration)
	}

	chatID := opts.ChatID
	if chatID == "" && c.router != nil {
		chatID = c.router.CurrentChatID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.session
	if chatID != "" && (sess == nil || sess.key() != chatID) {
		var err error
		if sess, err = c.switchLocked(ctx, chatID); err != nil {
			return nil, err
		}
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no chat selected", ErrConfiguration)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.chatID == "" && sess.chatCode == "" {
		return nil, fmt.Errorf("%w: chat id is missing", ErrConfiguration)
	}

	if continueLast {
		if m, ok := sess.find(sess.inFlightID); ok && (m.IsError || m.IsStreaming) {
			reuseID = m.ID
		}
	}
	var base models.Message
	reusing := false
	if m, ok := sess.find(reuseID); ok && m.Sender == models.SenderAssistant {
		base, reusing = m, true
	}

	// Never two streams against one session.
	c.abortLocked(sess, observability.OutcomeSuperseded, true)

	now := time.Now()
	if withUserMessage {
		um := models.Message{
			ID:                  uuid.NewString(),
			Sender:              models.SenderUser,
			Content:             prompt,
			IsReasoningComplete: true,
			Timestamp:           now,
		}
		sess.put(um)
		c.observer.MessageUpdated(um)
		c.persistLocked(sess, um, prompt)
	}

	if !reusing {
		base = models.Message{
			ID:        uuid.NewString(),
			Sender:    models.SenderAssistant,
			Timestamp: now,
		}
	}
	base.Model = modelName(opts)
	machine := NewMachine(base)
	sess.put(machine.Message())
	c.observer.MessageUpdated(machine.Message())

	sess.inFlightID = base.ID
	sess.lastPrompt = prompt
	sess.lastOpts = opts
	sess.hasPrompt = true

	req := models.StreamRequest{
		Prompt:    prompt,
		ChatCode:  sess.chatCode,
		ModelType: opts.ModelType,
		SubModel:  opts.SubModel,
		WebSearch: opts.WebSearch,
		Reasoning: opts.Reasoning,
		Stream:    true,
	}
	if sess.chatID != "" {
		id := sess.chatID
		req.ChatID = &id
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &activeStream{
		token:   sess.guard.Issue(),
		machine: machine,
		cancel:  cancel,
		reply:   newReply(base.ID),
	}
	sess.active = st

	c.logger.Debug("Dispatching stream",
		slog.String("chatID", sess.chatID),
		slog.String("chatCode", sess.chatCode),
		slog.String("messageID", base.ID),
		slog.Bool("reused", reusing))

	go c.run(streamCtx, sess, st, authToken, req)

	return st.reply, nil
}

// run is the worker of one stream. It returns only after the reader goroutine is gone.
func (c *Client) run(ctx context.Context, sess *Session, st *activeStream, authToken string, req models.StreamRequest) {
	c.metrics.StreamStarted()

	outcome := c.stream(ctx, sess, st, authToken, req)

	sess.mu.Lock()
	msg := st.machine.Message()
	sess.mu.Unlock()

	c.metrics.StreamFinished(outcome)
	c.logger.Debug("Stream finished",
		slog.String("messageID", msg.ID),
		slog.String("outcome", outcome))

	st.reply.resolve(msg)
}

type readResult struct {
	data []byte
	err  error
}

func (c *Client) stream(
	ctx context.Context,
	sess *Session,
	st *activeStream,
	authToken string,
	req models.StreamRequest,
) string {
	ctx, cancel := context.WithCancel(ctx)

	wd := NewWatchdog(c.idleTimeout)
	wd.Arm()

	var (
		g    errgroup.Group
		body io.ReadCloser
	)
	defer func() {
		wd.Cancel()
		cancel()
		if body != nil {
			body.Close()
		}
		_ = g.Wait()
	}()

	// A stalled request or body read is unblocked by canceling its context.
	g.Go(func() error {
		select {
		case <-wd.Done():
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	start := time.Now()
	body, err := c.transport.Open(ctx, authToken, req)
	if err != nil {
		return c.failOpen(ctx, sess, st, wd, err)
	}

	chunks := make(chan readResult)
	g.Go(func() error {
		defer close(chunks)
		buf := make([]byte, c.readSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case chunks <- readResult{data: bytes.Clone(buf[:n])}:
				case <-ctx.Done():
					return nil
				}
			}
			if err != nil {
				select {
				case chunks <- readResult{err: err}:
				case <-ctx.Done():
				}
				return nil
			}
		}
	})

	parser := NewParser(c.baseLogger, c.metrics.FrameMalformed)
	firstFrame := true
	apply := func(frames iter.Seq[Frame]) (string, bool) {
		for f := range frames {
			if firstFrame {
				firstFrame = false
				c.metrics.FirstFrame(time.Since(start))
			}
			if outcome, done := c.applyFrame(sess, st, wd, f); done {
				return outcome, true
			}
		}
		if c.maxMalformed > 0 && parser.Malformed() >= c.maxMalformed {
			return c.finish(sess, st, observability.OutcomeError, func(m *Machine) bool {
				return m.Fail(ErrorKindMalformedStream,
					fmt.Sprintf("%d frames could not be decoded", parser.Malformed()))
			}), true
		}
		return "", false
	}

	in := chunks
	for {
		select {
		case <-wd.Done():
			return c.timeout(sess, st)
		case <-ctx.Done():
			if wd.Fired() {
				return c.timeout(sess, st)
			}
			return c.finish(sess, st, observability.OutcomeCancelled, (*Machine).Cancel)
		case res, ok := <-in:
			if !ok {
				// The reader only quits silently once ctx is done.
				in = nil
				continue
			}
			if res.err == nil {
				if outcome, done := apply(parser.Feed(res.data)); done {
					return outcome
				}
				continue
			}

			if !errors.Is(res.err, io.EOF) {
				if wd.Fired() {
					return c.timeout(sess, st)
				}
				if ctx.Err() != nil {
					return c.finish(sess, st, observability.OutcomeCancelled, (*Machine).Cancel)
				}
				c.logger.Warn("Stream read failed",
					slog.String("messageID", st.reply.MessageID()),
					slog.String("err", res.err.Error()))
				return c.finish(sess, st, observability.OutcomeError, func(m *Machine) bool {
					return m.Fail("", fmt.Sprintf("error reading response: %v", res.err))
				})
			}

			if outcome, done := apply(parser.Flush()); done {
				return outcome
			}
			return c.finish(sess, st, observability.OutcomeComplete, (*Machine).Complete)
		}
	}
}

func (c *Client) failOpen(ctx context.Context, sess *Session, st *activeStream, wd *Watchdog, err error) string {
	if wd.Fired() {
		return c.timeout(sess, st)
	}

	var se *models.ServerError
	switch {
	case errors.As(err, &se):
		c.logger.Warn("Stream rejected",
			slog.Int("status", se.Status),
			slog.String("kind", se.Kind),
			slog.String("err", se.Message))
		return c.finish(sess, st, observability.OutcomeError, func(m *Machine) bool {
			return m.Fail(se.Kind, se.Message)
		})
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return c.finish(sess, st, observability.OutcomeCancelled, (*Machine).Cancel)
	default:
		c.logger.Warn("Stream request failed", slog.String("err", err.Error()))
		return c.finish(sess, st, observability.OutcomeError, func(m *Machine) bool {
			return m.Fail("", fmt.Sprintf("error sending request: %v", err))
		})
	}
}

func (c *Client) timeout(sess *Session, st *activeStream) string {
	c.logger.Warn("Stream idle, giving up",
		slog.String("messageID", st.reply.MessageID()),
		slog.Duration("timeout", c.idleTimeout))
	return c.finish(sess, st, observability.OutcomeTimeout, func(m *Machine) bool {
		return m.Fail("", fmt.Sprintf("no data received for %s", c.idleTimeout))
	})
}

// applyFrame applies one frame if st is still authorized. It reports the outcome once the stream
// must stop.
func (c *Client) applyFrame(sess *Session, st *activeStream, wd *Watchdog, f Frame) (string, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.guard.StillValid(st.token) {
		st.cancel()
		return c.abortedOutcome(st), true
	}
	wd.Arm()
	c.metrics.FrameDecoded(f.Type.String())

	if st.machine.Apply(f) {
		c.commitLocked(sess, st)
	}

	switch st.machine.State() {
	case StateComplete:
		return observability.OutcomeComplete, true
	case StateErrored:
		return observability.OutcomeError, true
	default:
		return "", false
	}
}

// finish applies a terminal transition if st is still authorized and returns the stream outcome.
func (c *Client) finish(sess *Session, st *activeStream, outcome string, transition func(*Machine) bool) string {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.guard.StillValid(st.token) {
		return c.abortedOutcome(st)
	}
	if transition(st.machine) {
		c.commitLocked(sess, st)
	}
	return outcome
}

func (c *Client) abortedOutcome(st *activeStream) string {
	if st.outcome != "" {
		return st.outcome
	}
	return observability.OutcomeSuperseded
}

// commitLocked publishes the machine's message to the session and the observer.
func (c *Client) commitLocked(sess *Session, st *activeStream) {
	msg := st.machine.Message()
	sess.put(msg)
	c.observer.MessageUpdated(msg)

	if !st.machine.State().Terminal() {
		return
	}
	if sess.active == st {
		sess.active = nil
	}
	sess.guard.Invalidate()
	c.persistLocked(sess, msg, "")
	if msg.IsError {
		c.observer.StreamError(msg, msg.ErrorKind)
	}
}

// abortLocked invalidates the session token and finalizes the running stream, if any, as cancelled.
func (c *Client) abortLocked(sess *Session, outcome string, notify bool) bool {
	sess.guard.Invalidate()

	st := sess.active
	if st == nil {
		return false
	}
	sess.active = nil
	st.outcome = outcome

	if st.machine.Cancel() {
		msg := st.machine.Message()
		sess.put(msg)
		if notify {
			c.observer.MessageUpdated(msg)
		}
		c.persistLocked(sess, msg, "")
	}
	st.cancel()

	c.logger.Debug("Stream aborted",
		slog.String("messageID", st.reply.MessageID()),
		slog.String("outcome", outcome))
	return true
}

func (c *Client) discardLocked() {
	if c.session == nil {
		return
	}
	c.session.mu.Lock()
	c.abortLocked(c.session, observability.OutcomeSuperseded, false)
	c.session.mu.Unlock()
	c.session = nil
}

func (c *Client) switchLocked(ctx context.Context, chatID string) (*Session, error) {
	if c.session != nil && c.session.key() == chatID {
		return c.session, nil
	}

	c.discardLocked()

	var (
		history []models.Message
		local   bool
	)
	if c.store != nil {
		record, ok, err := c.store.Chat(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to load chat %s: %w", chatID, err)
		}
		local = ok && record.Local

		msgs, err := c.store.Messages(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages of chat %s: %w", chatID, err)
		}
		history = msgs
	}
	for i := range history {
		// Nothing streams into a freshly loaded chat.
		if history[i].IsStreaming {
			history[i].IsStreaming = false
			history[i].IsReasoningComplete = true
		}
	}

	// A chat the backend never named is resumed under its chat code.
	if local {
		c.session = newSession("", chatID, history)
	} else {
		c.session = newSession(chatID, "", history)
	}
	c.logger.Debug("Switched chat",
		slog.String("chatID", chatID),
		slog.Bool("local", local),
		slog.Int("messages", len(history)))
	return c.session, nil
}

// persistLocked saves msg, and the chat itself when title is set. Failures are logged only.
func (c *Client) persistLocked(sess *Session, msg models.Message, title string) {
	if c.store == nil {
		return
	}
	key := sess.storeKey()
	ctx := context.Background()

	if title != "" && len(sess.messages) == 1 {
		if err := c.store.SaveChat(ctx, models.Chat{
			ID:    key,
			Title: models.TitleFromPrompt(title),
			Local: sess.chatID == "",
		}); err != nil {
			c.logger.Error("Failed to save chat",
				slog.String("chatID", key),
				slog.String("err", err.Error()))
		}
	}
	if err := c.store.SaveMessage(ctx, key, msg); err != nil {
		c.logger.Error("Failed to save message",
			slog.String("chatID", key),
			slog.String("messageID", msg.ID),
			slog.String("err", err.Error()))
	}
}

func modelName(opts Options) string {
	if opts.SubModel == "" {
		return opts.ModelType
	}
	return opts.ModelType + "/" + opts.SubModel
}
