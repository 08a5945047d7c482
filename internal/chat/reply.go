package chat

import (
	"context"
	"sync"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Reply is the pending result of a send. It resolves once the stream's worker is gone, with the
// assistant message in its final state.
type Reply struct {
	messageID string
	done      chan struct{}

	mu  sync.Mutex
	msg models.Message
}

func newReply(messageID string) *Reply {
	return &Reply{
		messageID: messageID,
		done:      make(chan struct{}),
	}
}

// MessageID returns the ID of the assistant message being streamed.
func (r *Reply) MessageID() string {
	return r.messageID
}

// Done returns a channel closed when the reply is final.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the reply is final or ctx is done.
func (r *Reply) Wait(ctx context.Context) (models.Message, error) {
	select {
	case <-r.done:
		return r.Message(), nil
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

// Message returns the final message, or the zero Message while the reply is pending.
func (r *Reply) Message() models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msg
}

// Text returns the final answer text.
func (r *Reply) Text() string {
	return r.Message().Content
}

func (r *Reply) resolve(msg models.Message) {
	r.mu.Lock()
	r.msg = msg
	r.mu.Unlock()
	close(r.done)
}
