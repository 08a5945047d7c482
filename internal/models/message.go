package models

import "time"

// Message represents one chat turn. Assistant messages are filled incrementally while their stream is
// open: Content holds the answer channel and ReasoningContent the reasoning channel.
type Message struct {
	ID     string `json:"id"`
	Sender Sender `json:"sender"`

	Content          string `json:"content"`
	ReasoningContent string `json:"reasoningContent,omitempty"`

	IsStreaming         bool `json:"isStreaming"`
	IsReasoningComplete bool `json:"isReasoningComplete"`

	IsError bool `json:"isError"`
	// ErrorKind is the server supplied error code, e.g. "no_credit". It is preserved verbatim.
	ErrorKind string `json:"errorKind,omitempty"`
	// Error is the human readable error text, if any.
	Error string `json:"error,omitempty"`

	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender identifies who produced a message.
type Sender string

const (
	// SenderUser marks a message typed by the user.
	SenderUser Sender = "user"
	// SenderAssistant marks a message produced by the backend.
	SenderAssistant Sender = "assistant"
)

// Finished reports whether the message has reached a terminal state.
func (m Message) Finished() bool {
	return !m.IsStreaming
}
