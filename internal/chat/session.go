package chat

import (
	"context"
	"slices"
	"sync"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Session is one conversation as seen by the Client: its messages, the token of the stream allowed
// to mutate them, and the bookkeeping needed to stop or retry the in-flight reply.
type Session struct {
	mu sync.Mutex

	chatID   string
	chatCode string
	messages []models.Message

	guard  Guard
	active *activeStream

	// inFlightID is the assistant message of the latest send, finished or not.
	inFlightID string
	lastPrompt string
	lastOpts   Options
	hasPrompt  bool
}

// activeStream is the per-send state shared between the Client and the stream's worker.
type activeStream struct {
	token   Token
	machine *Machine
	cancel  context.CancelFunc
	reply   *Reply

	// outcome is set when the stream is aborted from outside its worker.
	outcome string
}

func newSession(chatID, chatCode string, history []models.Message) *Session {
	return &Session{
		chatID:   chatID,
		chatCode: chatCode,
		messages: history,
	}
}

// ChatID returns the backend chat id, empty for a chat not created yet.
func (s *Session) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// ChatCode returns the session local identifier of a new chat.
func (s *Session) ChatCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatCode
}

// Messages returns a copy of the session's messages in order.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Streaming reports whether a stream is currently authorized for the session.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// key identifies the session to the store and to SwitchChat.
func (s *Session) key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeKey()
}

// storeKey is the key the session's messages are persisted under.
func (s *Session) storeKey() string {
	if s.chatID != "" {
		return s.chatID
	}
	return s.chatCode
}

// put replaces the message with the same ID, or appends it.
func (s *Session) put(msg models.Message) {
	idx := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == msg.ID })
	if idx == -1 {
		s.messages = append(s.messages, msg)
		return
	}
	s.messages[idx] = msg
}

func (s *Session) find(id string) (models.Message, bool) {
	if id == "" {
		return models.Message{}, false
	}
	idx := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		return models.Message{}, false
	}
	return s.messages[idx], true
}
