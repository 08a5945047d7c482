package chat

import "github.com/MegaGrindStone/streamchat/internal/models"

// State is the lifecycle state of one in-flight assistant message.
type State int

const (
	// StatePending is the state before any frame was applied.
	StatePending State = iota
	// StateReasoning means reasoning deltas are being accumulated.
	StateReasoning
	// StateContent means answer deltas are being accumulated; reasoning is frozen.
	StateContent
	// StateComplete is the terminal state of a normally ended stream.
	StateComplete
	// StateErrored is the terminal state of a failed stream.
	StateErrored
	// StateCancelled is the terminal state of a stream stopped by the user.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReasoning:
		return "reasoning"
	case StateContent:
		return "content"
	case StateComplete:
		return "complete"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is accepted from s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateErrored || s == StateCancelled
}

// Machine owns the lifecycle of one assistant message. Every method returns whether the observable
// message changed. A Machine is not safe for concurrent use; the Client serializes access under the
// session lock.
type Machine struct {
	msg   models.Message
	state State
}

// NewMachine starts a machine for msg. Buffers and flags are reset so a message reused by a retry
// restarts from empty under the same ID.
func NewMachine(msg models.Message) *Machine {
	msg.Content = ""
	msg.ReasoningContent = ""
	msg.IsStreaming = true
	msg.IsReasoningComplete = false
	msg.IsError = false
	msg.ErrorKind = ""
	msg.Error = ""
	return &Machine{msg: msg}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Message returns a copy of the message in its current state.
func (m *Machine) Message() models.Message {
	return m.msg
}

// Apply applies one frame.
func (m *Machine) Apply(f Frame) bool {
	if m.state.Terminal() {
		return false
	}

	switch f.Type {
	case FrameReasoning:
		if m.msg.IsReasoningComplete || f.Text == "" {
			return false
		}
		m.msg.ReasoningContent += f.Text
		m.state = StateReasoning
		return true
	case FrameContent:
		if f.Text == "" {
			return false
		}
		m.msg.IsReasoningComplete = true
		m.msg.Content += f.Text
		m.state = StateContent
		return true
	case FrameError:
		return m.Fail(f.ErrorKind, f.Message)
	case FrameTerminal:
		return m.Complete()
	default:
		return false
	}
}

// Complete finalizes the message as normally ended.
func (m *Machine) Complete() bool {
	return m.finish(StateComplete)
}

// Cancel finalizes the message as stopped by the user. It is not an error.
func (m *Machine) Cancel() bool {
	return m.finish(StateCancelled)
}

// Fail finalizes the message as errored with the given kind and text. Both may be empty.
func (m *Machine) Fail(kind, text string) bool {
	if !m.finish(StateErrored) {
		return false
	}
	m.msg.IsError = true
	m.msg.ErrorKind = kind
	m.msg.Error = text
	return true
}

func (m *Machine) finish(s State) bool {
	if m.state.Terminal() {
		return false
	}
	m.state = s
	m.msg.IsStreaming = false
	m.msg.IsReasoningComplete = true
	return true
}
