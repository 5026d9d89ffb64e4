package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hubenschmidt/go-ragstream/core"
)

// State of a streamed chat response.
type State int

const (
	StateStreaming State = iota
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "STREAMING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Accumulator folds stream chunks into a single Message.
//
// Content is appended in receipt order. An error chunk moves to FAILED and
// drops whatever was accumulated; a done chunk moves to DONE. Once terminal,
// further chunks are ignored.
type Accumulator struct {
	state     State
	role      core.MessageRole
	buf       strings.Builder
	err       error
	onPartial func(string)
}

// NewAccumulator returns an accumulator in STREAMING. onPartial may be nil.
func NewAccumulator(onPartial func(string)) *Accumulator {
	return &Accumulator{
		state:     StateStreaming,
		role:      core.RoleAssistant,
		onPartial: onPartial,
	}
}

func (a *Accumulator) State() State {
	return a.state
}

// Feed applies one chunk and reports whether the accumulator is terminal.
func (a *Accumulator) Feed(c StreamChunk) bool {
	if a.state != StateStreaming {
		return true
	}
	if c.Error != nil {
		a.fail(c.Error)
		return true
	}

	if c.Role != "" {
		a.role = core.MessageRole(c.Role)
	}
	if c.Content != "" {
		a.buf.WriteString(c.Content)
		if a.onPartial != nil {
			a.onPartial(c.Content)
		}
	}
	if c.Done {
		a.state = StateDone
		return true
	}
	return false
}

// Interrupt fails a stream that ended before its terminal chunk. A
// deadline cause fails with ErrTimeout, anything else with ErrTransport.
func (a *Accumulator) Interrupt(cause error) {
	if a.state != StateStreaming {
		return
	}
	if cause == nil {
		cause = errors.New("stream closed before done")
	}
	kind := core.ErrTransport
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = core.ErrTimeout
	}
	a.fail(fmt.Errorf("%w: %w", kind, cause))
}

// Result returns the final message, or the failure that ended the stream.
func (a *Accumulator) Result() (core.Message, error) {
	switch a.state {
	case StateDone:
		return core.Message{Role: a.role, Content: a.buf.String()}, nil
	case StateFailed:
		return core.Message{}, a.err
	}
	return core.Message{}, fmt.Errorf("%w: stream still open", core.ErrTransport)
}

func (a *Accumulator) fail(err error) {
	a.state = StateFailed
	a.err = err
	a.buf.Reset()
}
