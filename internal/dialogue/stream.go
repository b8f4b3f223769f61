package dialogue

import (
	"sync"

	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/types"
)

// DefaultEventBuffer is the per-turn event channel capacity. A consumer that
// falls further behind than this blocks the worker's emission, which in turn
// slows the provider read. The stall never spreads past the owning session.
const DefaultEventBuffer = 32

// EventType discriminates the frames a turn emits. The values double as the
// wire frame type names.
type EventType string

const (
	// EventTyping toggles the generation indicator.
	EventTyping EventType = "typing"

	// EventReference cites one grounding excerpt. All references for a turn
	// arrive between the typing indicator and the first token.
	EventReference EventType = "reference"

	// EventToken carries one streamed text delta.
	EventToken EventType = "token"

	// EventDone terminates a turn that produced a persisted message.
	EventDone EventType = "done"

	// EventError terminates a turn that failed. Nothing follows it.
	EventError EventType = "error"
)

// Event is one frame of a turn's progress. Type selects which fields are
// meaningful.
type Event struct {
	Type EventType

	// TypingOn is set for EventTyping.
	TypingOn bool

	// Delta is set for EventToken.
	Delta string

	// Reference is set for EventReference.
	Reference *store.Reference

	// MessageID, Usage, and Partial are set for EventDone. Partial marks a
	// turn that was canceled mid-stream; the persisted message carries the
	// same flag.
	MessageID string
	Usage     types.Usage
	Partial   bool

	// Err is set for EventError.
	Err *fault.Error
}

// TurnStream delivers one turn's events to a single consumer. The channel is
// closed after the terminal done or error event.
//
// Cancel and Detach are distinct on purpose. Cancel stops generation and the
// turn persists whatever was produced; Detach only signals that nobody reads
// anymore, and the turn runs to completion with its remaining events dropped.
// A consumer that merely disconnected must detach, never cancel.
type TurnStream struct {
	events chan Event

	cancelOnce sync.Once
	cancelCh   chan struct{}

	detachOnce sync.Once
	detachCh   chan struct{}

	// typing is touched only by the worker goroutine.
	typing bool
}

func newTurnStream(buf int) *TurnStream {
	if buf <= 0 {
		buf = DefaultEventBuffer
	}
	return &TurnStream{
		events:   make(chan Event, buf),
		cancelCh: make(chan struct{}),
		detachCh: make(chan struct{}),
	}
}

// Events returns the stream's event channel.
func (s *TurnStream) Events() <-chan Event { return s.events }

// Cancel asks the worker to stop generating. Idempotent.
func (s *TurnStream) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Detach releases the consumer side. Idempotent, and safe to call while the
// worker is still emitting.
func (s *TurnStream) Detach() {
	s.detachOnce.Do(func() { close(s.detachCh) })
}

// Canceled reports whether Cancel has been called.
func (s *TurnStream) Canceled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// send delivers ev to the consumer, blocking while the buffer is full. It
// reports false once the consumer has detached; the event is dropped then.
func (s *TurnStream) send(ev Event) bool {
	select {
	case <-s.detachCh:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.detachCh:
		return false
	}
}

// setTyping emits a typing frame on state changes only.
func (s *TurnStream) setTyping(on bool) {
	if s.typing == on {
		return
	}
	s.typing = on
	s.send(Event{Type: EventTyping, TypingOn: on})
}

// finish emits the terminal done event and closes the stream.
func (s *TurnStream) finish(messageID string, usage types.Usage, partial bool) {
	s.setTyping(false)
	s.send(Event{Type: EventDone, MessageID: messageID, Usage: usage, Partial: partial})
	close(s.events)
}

// fail emits the terminal error event and closes the stream.
func (s *TurnStream) fail(err error) {
	s.setTyping(false)
	s.send(Event{Type: EventError, Err: fault.AsError(err)})
	close(s.events)
}
