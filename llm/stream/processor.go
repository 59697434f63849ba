// Package stream folds the provider's named streaming events into one
// accumulated assistant turn. The Processor is a pure sequential state
// machine: the transport goroutine calls Feed once per event in arrival
// order and reads the Result only after the stream has ended. It performs
// no I/O and holds no locks; ordering of deltas is load-bearing, so the
// fold stays strictly single-threaded.
package stream

import (
	"encoding/json"
	"strings"
)

// State of the processor between events.
type State int

const (
	StateIdle State = iota
	StateInMessage
	StateInTextBlock
	StateInToolBlock
	StateDone
)

// Wire event names, bit-exact.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// PendingToolCall accumulates the streamed input fragments of one tool_use
// block. It is created when the block starts, grown on each
// input_json_delta, and finalized (or dropped, if nothing accumulated) when
// the block stops.
type PendingToolCall struct {
	ID   string
	Name string

	buf       strings.Builder
	input     json.RawMessage
	finalized bool
}

// ToolCall is a finalized tool invocation requested by the model. Input is
// the exact concatenation of the streamed JSON fragments.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Usage counts tokens as reported by the provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the accumulated assistant turn.
type Result struct {
	MessageID  string
	Model      string
	StopReason string
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
}

// Option configures a Processor.
type Option func(*Processor)

// WithTextSink registers a callback invoked with each text delta as it is
// accumulated, for live display.
func WithTextSink(fn func(text string)) Option {
	return func(p *Processor) { p.onText = fn }
}

// WithEventSink registers a callback invoked with every event name and raw
// payload, including events the state machine skips.
func WithEventSink(fn func(name string, payload []byte)) Option {
	return func(p *Processor) { p.onEvent = fn }
}

// Strict drops text deltas that arrive outside an open text block. The
// default is lenient: such deltas are appended anyway, trading protocol
// strictness for no silent data loss on off-spec streams.
func Strict() Option {
	return func(p *Processor) { p.strict = true }
}

// Processor folds streaming events into a Result.
type Processor struct {
	state      State
	messageID  string
	model      string
	stopReason string
	usage      Usage
	text       strings.Builder
	queue      []*PendingToolCall
	current    *PendingToolCall
	strict     bool
	onText     func(string)
	onEvent    func(string, []byte)
}

// New returns a Processor in the Idle state.
func New(opts ...Option) *Processor {
	p := &Processor{state: StateIdle}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current machine state.
func (p *Processor) State() State { return p.state }

// Done reports whether message_stop has been seen.
func (p *Processor) Done() bool { return p.state == StateDone }

// Payload shapes, decoded field-by-field. Fields the machine does not use
// are left undeclared so unknown additions never break decoding.
type messageStartPayload struct {
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type blockStartPayload struct {
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type blockDeltaPayload struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type messageDeltaPayload struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Feed advances the machine by one wire event. Unknown event names and
// payloads that fail to decode are skipped: the provider may add event
// types, and one bad frame must not abort an otherwise healthy stream.
func (p *Processor) Feed(eventType string, payload []byte) {
	if p.onEvent != nil {
		p.onEvent(eventType, payload)
	}
	if p.state == StateDone {
		return
	}

	switch eventType {
	case EventMessageStart:
		var ev messageStartPayload
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		if p.state != StateIdle {
			return
		}
		p.messageID = ev.Message.ID
		p.model = ev.Message.Model
		p.usage.InputTokens = ev.Message.Usage.InputTokens
		p.state = StateInMessage

	case EventContentBlockStart:
		var ev blockStartPayload
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		if p.state == StateIdle {
			return
		}
		// A start while a block is still open means the stream skipped a
		// content_block_stop; close the open block rather than lose it.
		p.closeBlock()
		switch ev.ContentBlock.Type {
		case "text":
			p.state = StateInTextBlock
		case "tool_use":
			call := &PendingToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
			p.queue = append(p.queue, call)
			p.current = call
			p.state = StateInToolBlock
		default:
			// Unknown block type: stay InMessage, its deltas are skipped.
		}

	case EventContentBlockDelta:
		var ev blockDeltaPayload
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			if p.state != StateInTextBlock && p.strict {
				return
			}
			if p.state == StateIdle {
				return
			}
			p.text.WriteString(ev.Delta.Text)
			if p.onText != nil {
				p.onText(ev.Delta.Text)
			}
		case "input_json_delta":
			if p.state != StateInToolBlock || p.current == nil {
				return
			}
			p.current.buf.WriteString(ev.Delta.PartialJSON)
		}

	case EventContentBlockStop:
		if p.state != StateInTextBlock && p.state != StateInToolBlock {
			return
		}
		p.closeBlock()

	case EventMessageDelta:
		var ev messageDeltaPayload
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		if ev.Delta.StopReason != "" {
			p.stopReason = ev.Delta.StopReason
		}
		if ev.Usage.OutputTokens > 0 {
			p.usage.OutputTokens = ev.Usage.OutputTokens
		}

	case EventMessageStop:
		if p.state == StateIdle {
			return
		}
		p.closeBlock()
		p.state = StateDone
	}
}

// closeBlock finalizes the open block, if any, and returns to InMessage. A
// tool block that accumulated nothing is dropped from the queue: an empty
// buffer can never become valid input JSON.
func (p *Processor) closeBlock() {
	if p.state == StateInToolBlock && p.current != nil {
		if p.current.buf.Len() == 0 {
			p.queue = p.queue[:len(p.queue)-1]
		} else {
			p.current.input = json.RawMessage(p.current.buf.String())
			p.current.finalized = true
		}
		p.current = nil
	}
	if p.state == StateInTextBlock || p.state == StateInToolBlock {
		p.state = StateInMessage
	}
}

// Finalize returns the accumulated turn: text, finalized tool calls in
// open-order, message identity, and the terminal stop reason. It may be
// called any time after the stream ends; truncated streams yield whatever
// was accumulated, and a tool block that never closed is not included.
func (p *Processor) Finalize() Result {
	res := Result{
		MessageID:  p.messageID,
		Model:      p.model,
		StopReason: p.stopReason,
		Text:       p.text.String(),
		Usage:      p.usage,
	}
	for _, call := range p.queue {
		if !call.finalized {
			continue
		}
		res.ToolCalls = append(res.ToolCalls, ToolCall{ID: call.ID, Name: call.Name, Input: call.input})
	}
	return res
}
