package llm

import (
	"context"
	"fmt"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

// MockClient is a no-network client. With an empty Script it parrots the
// last user message; with a Script it returns the results in order, which
// is how engine tests drive multi-step turns.
type MockClient struct {
	Script []Result

	// Calls records the message history of every Chat invocation.
	Calls [][]session.Message

	// Decls records the declarations of every Chat invocation.
	Decls [][]tools.Declaration

	next int
}

func (m *MockClient) Chat(ctx context.Context, messages []session.Message, decls []tools.Declaration, sink *Sink) (*Result, error) {
	m.Calls = append(m.Calls, append([]session.Message(nil), messages...))
	m.Decls = append(m.Decls, append([]tools.Declaration(nil), decls...))

	if len(m.Script) > 0 {
		if m.next >= len(m.Script) {
			return nil, errors.New("mock script exhausted after %d calls", m.next)
		}
		res := m.Script[m.next]
		m.next++
		if sink != nil && sink.OnToken != nil && res.Text != "" {
			sink.OnToken(res.Text)
		}
		return &res, nil
	}

	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Text()
	}
	text := fmt.Sprintf("I am a mock client. You said: '%s'.", last)
	if sink != nil && sink.OnToken != nil {
		sink.OnToken(text)
	}
	return &Result{Text: text, StopReason: "end_turn"}, nil
}
