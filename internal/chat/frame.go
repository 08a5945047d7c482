package chat

import (
	"bytes"
	"encoding/json"
	"iter"
	"log/slog"
)

// FrameType identifies the kind of a decoded protocol frame.
type FrameType int

const (
	// FrameReasoning carries a delta of the reasoning channel.
	FrameReasoning FrameType = iota + 1
	// FrameContent carries a delta of the answer channel.
	FrameContent
	// FrameError carries a server reported error.
	FrameError
	// FrameTerminal marks the normal end of the stream.
	FrameTerminal
)

func (t FrameType) String() string {
	switch t {
	case FrameReasoning:
		return "reasoning"
	case FrameContent:
		return "content"
	case FrameError:
		return "error"
	case FrameTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Frame is one decoded protocol unit extracted from the streaming response body.
type Frame struct {
	Type FrameType

	// Text would be filled if Type is FrameReasoning or FrameContent.
	Text string

	// Message would be filled if Type is FrameError.
	Message string
	// ErrorKind would be filled if Type is FrameError and the server sent an errorType.
	ErrorKind string
}

// MaxLineSize bounds a single unterminated line kept in the parser's pending tail.
const MaxLineSize = 1 << 20

const doneSentinel = "[DONE]"

var dataPrefix = []byte("data:")

type framePayload struct {
	Type      string  `json:"type"`
	Content   *string `json:"content"`
	Error     *string `json:"error"`
	ErrorType string  `json:"errorType"`
}

// Parser turns raw chunks of a streaming response into frames. A line may be split across chunks and
// a chunk may hold many lines; the unterminated tail is kept until the next Feed. Only lines starting
// with "data:" are considered, everything else is ignored. A payload that fails to decode is logged,
// counted and skipped.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	pending   []byte
	malformed int

	onMalformed func()
	logger      *slog.Logger
}

// NewParser creates a Parser that logs skipped frames to logger. onMalformed, if not nil, is called
// once per frame that fails to decode.
func NewParser(logger *slog.Logger, onMalformed func()) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		onMalformed: onMalformed,
		logger:      logger.With(slog.String("module", "parser")),
	}
}

// Feed appends chunk to the pending input and returns the frames of every complete line. Frames are
// produced lazily: lines not consumed because the caller stopped iterating stay pending.
func (p *Parser) Feed(chunk []byte) iter.Seq[Frame] {
	p.pending = append(p.pending, chunk...)
	if len(p.pending) > MaxLineSize && bytes.IndexByte(p.pending, '\n') < 0 {
		p.logger.Warn("Discarding oversized line", slog.Int("size", len(p.pending)))
		p.pending = nil
		p.countMalformed()
	}

	return func(yield func(Frame) bool) {
		for {
			idx := bytes.IndexByte(p.pending, '\n')
			if idx < 0 {
				return
			}
			line := p.pending[:idx]
			p.pending = p.pending[idx+1:]

			f, ok := p.parseLine(line)
			if !ok {
				continue
			}
			if !yield(f) {
				return
			}
		}
	}
}

// Flush parses whatever is left in the pending tail as a final line. It is called once the response
// body reached its end.
func (p *Parser) Flush() iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for f := range p.Feed(nil) {
			if !yield(f) {
				return
			}
		}
		if len(p.pending) == 0 {
			return
		}
		line := p.pending
		p.pending = nil
		if f, ok := p.parseLine(line); ok {
			yield(f)
		}
	}
}

// Malformed returns how many frames were skipped because they could not be decoded.
func (p *Parser) Malformed() int {
	return p.malformed
}

func (p *Parser) parseLine(line []byte) (Frame, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return Frame{}, false
	}
	data := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))

	if string(data) == doneSentinel {
		return Frame{Type: FrameTerminal}, true
	}

	var pl framePayload
	if err := json.Unmarshal(data, &pl); err != nil {
		p.logger.Warn("Skipping malformed frame",
			slog.String("data", string(data)),
			slog.String("err", err.Error()))
		p.countMalformed()
		return Frame{}, false
	}

	switch {
	case pl.Error != nil:
		return Frame{Type: FrameError, Message: *pl.Error, ErrorKind: pl.ErrorType}, true
	case pl.Type == "reasoning":
		var text string
		if pl.Content != nil {
			text = *pl.Content
		}
		return Frame{Type: FrameReasoning, Text: text}, true
	case pl.Content != nil:
		return Frame{Type: FrameContent, Text: *pl.Content}, true
	default:
		p.logger.Debug("Ignoring frame without known fields", slog.String("data", string(data)))
		return Frame{}, false
	}
}

func (p *Parser) countMalformed() {
	p.malformed++
	if p.onMalformed != nil {
		p.onMalformed()
	}
}
