package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Events fans message updates out to SSE subscribers. It implements chat.Observer.
//
// A subscriber without a message_id query parameter receives every update on the messages topic;
// one with message_id only receives the updates of that message, followed by a closeMessage event
// once it is final.
type Events struct {
	sseSrv *sse.Server

	logger *slog.Logger
}

type streamErrorEvent struct {
	MessageID string `json:"messageId"`
	ErrorKind string `json:"errorKind"`
	Error     string `json:"error"`
}

const (
	messagesSSETopic = "messages"
	chatsSSETopic    = "chats"
)

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	streamErrorSSEType  = sse.Type("streamError")
	closeMessageSSEType = sse.Type("closeMessage")
)

// NewEvents creates an Events with its own SSE server.
func NewEvents(logger *slog.Logger) Events {
	if logger == nil {
		logger = slog.Default()
	}
	return Events{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				} else {
					topics = append(topics, messagesSSETopic)
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		logger: logger.With(slog.String("module", "events")),
	}
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// ServeHTTP subscribes the request to message updates.
func (e Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.sseSrv.ServeHTTP(w, r)
}

// MessageUpdated implements chat.Observer.
func (e Events) MessageUpdated(msg models.Message) {
	e.publishJSON(messagesSSEType, msg, messagesSSETopic)
	e.publishJSON(messagesSSEType, msg, messageIDTopic(msg.ID))

	if msg.Sender == models.SenderAssistant && msg.Finished() {
		bye := &sse.Message{Type: closeMessageSSEType}
		bye.AppendData("bye")
		if err := e.sseSrv.Publish(bye, messageIDTopic(msg.ID)); err != nil {
			e.logger.Error("Failed to publish close message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
		}
	}
}

// StreamError implements chat.Observer.
func (e Events) StreamError(msg models.Message, errorKind string) {
	e.logger.Warn("Stream ended in error",
		slog.String("messageID", msg.ID),
		slog.String("errorKind", errorKind),
		slog.String(errLoggerKey, msg.Error))

	ev := streamErrorEvent{MessageID: msg.ID, ErrorKind: errorKind, Error: msg.Error}
	e.publishJSON(streamErrorSSEType, ev, messagesSSETopic)
	e.publishJSON(streamErrorSSEType, ev, messageIDTopic(msg.ID))
}

// PublishChats sends the chat list to every subscriber.
func (e Events) PublishChats(chats []models.Chat) {
	e.publishJSON(chatsSSEType, chats, chatsSSETopic)
}

// Shutdown broadcasts a close event to all connected clients and waits up to 5 seconds for
// connections to terminate. After the timeout, any remaining connections are forcefully closed.
func (e Events) Shutdown(ctx context.Context) error {
	msg := &sse.Message{Type: sse.Type("closeChat")}
	// SSE events must carry data.
	msg.AppendData("bye")

	_ = e.sseSrv.Publish(msg)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return e.sseSrv.Shutdown(ctx)
}

func (e Events) publishJSON(typ sse.EventType, v any, topic string) {
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("Failed to marshal event",
			slog.String("type", typ.String()),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: typ}
	msg.AppendData(string(data))
	if err := e.sseSrv.Publish(&msg, topic); err != nil {
		e.logger.Error("Failed to publish event",
			slog.String("type", typ.String()),
			slog.String("topic", topic),
			slog.String(errLoggerKey, err.Error()))
	}
}
