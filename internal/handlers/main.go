package handlers

import (
	"context"
	"log/slog"

	"github.com/MegaGrindStone/streamchat/internal/chat"
	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Chatter is the part of the chat client driven by the HTTP endpoints.
type Chatter interface {
	Send(ctx context.Context, prompt string, opts chat.Options) (*chat.Reply, error)
	Retry(ctx context.Context, continueLast bool) (*chat.Reply, error)
	Stop() bool
	NewChat() string
	SwitchChat(ctx context.Context, chatID string) error
	Messages() []models.Message
}

// ChatLister lists the stored chats, newest first.
type ChatLister interface {
	Chats(ctx context.Context) ([]models.Chat, error)
}

// Main serves the chat endpoints. Message updates reach the browser through Events, which the
// client is configured to notify.
type Main struct {
	events Events

	client   Chatter
	chats    ChatLister
	defaults chat.Options

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a Main. defaults fill the options a request leaves out.
func NewMain(events Events, client Chatter, chats ChatLister, defaults chat.Options, logger *slog.Logger) Main {
	if logger == nil {
		logger = slog.Default()
	}
	return Main{
		events:   events,
		client:   client,
		chats:    chats,
		defaults: defaults,
		logger:   logger.With(slog.String("module", "main")),
	}
}

// Shutdown stops the running stream, if any, and closes every SSE connection.
func (m Main) Shutdown(ctx context.Context) error {
	if m.client.Stop() {
		m.logger.Info("Stopped running stream on shutdown")
	}
	return m.events.Shutdown(ctx)
}
