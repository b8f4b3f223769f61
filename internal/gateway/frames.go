package gateway

import (
	"fmt"
	"time"

	"github.com/inknowing/dialogued/internal/dialogue"
	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/types"
)

// Client-to-server frame types.
const (
	frameMessage = "message"
	frameCancel  = "cancel"
	framePing    = "ping"
)

// Server-to-client frame types. Turn frames reuse the dialogue event names;
// pong answers a client ping.
const framePong = "pong"

// clientFrame is one inbound WebSocket frame.
type clientFrame struct {
	Type string `json:"type"`

	// Content carries the utterance for message frames.
	Content string `json:"content,omitempty"`
}

func (f *clientFrame) validate() error {
	switch f.Type {
	case frameMessage:
		if f.Content == "" {
			return fault.New(fault.Validation, "message frame needs content")
		}
		return nil
	case frameCancel, framePing:
		return nil
	case "":
		return fault.New(fault.Validation, "frame type required")
	default:
		return fault.Newf(fault.Validation, "unknown frame type %q", f.Type)
	}
}

// serverFrame is one outbound WebSocket frame. Type selects which fields are
// populated; everything else stays omitted on the wire.
type serverFrame struct {
	Type string `json:"type"`

	// Delta is the text fragment of a token frame.
	Delta string `json:"delta,omitempty"`

	// On is the typing-indicator state. A pointer so "off" still serializes.
	On *bool `json:"on,omitempty"`

	// Reference cites one grounding excerpt.
	Reference *referenceBody `json:"reference,omitempty"`

	// MessageID, Usage, and Partial describe the persisted message of a
	// done frame.
	MessageID string     `json:"messageId,omitempty"`
	Usage     *usageBody `json:"usage,omitempty"`
	Partial   bool       `json:"partial,omitempty"`

	// Kind, Message, Retryable, and ResetAt flatten the error envelope into
	// an error frame.
	Kind      fault.Kind `json:"kind,omitempty"`
	Message   string     `json:"message,omitempty"`
	Retryable *bool      `json:"retryable,omitempty"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
}

// usageBody is the token tally of one completed turn.
type usageBody struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// referenceBody is the wire form of a grounding citation.
type referenceBody struct {
	SourceKind     string  `json:"sourceKind"`
	ChapterIndex   int     `json:"chapterIndex,omitempty"`
	PageNumber     int     `json:"pageNumber,omitempty"`
	ParagraphIndex int     `json:"paragraphIndex,omitempty"`
	MemoryKey      string  `json:"memoryKey,omitempty"`
	Excerpt        string  `json:"excerpt"`
	Similarity     float64 `json:"similarity"`
}

func referenceToBody(ref store.Reference) referenceBody {
	return referenceBody{
		SourceKind:     ref.SourceKind,
		ChapterIndex:   ref.ChapterIndex,
		PageNumber:     ref.PageNumber,
		ParagraphIndex: ref.ParagraphIndex,
		MemoryKey:      ref.MemoryKey,
		Excerpt:        ref.Excerpt,
		Similarity:     ref.Similarity,
	}
}

func usageToBody(u types.Usage) usageBody {
	return usageBody{Input: u.PromptTokens, Output: u.CompletionTokens}
}

// frameFromEvent maps one turn event to its wire frame.
func frameFromEvent(ev dialogue.Event) (serverFrame, error) {
	switch ev.Type {
	case dialogue.EventTyping:
		on := ev.TypingOn
		return serverFrame{Type: string(ev.Type), On: &on}, nil
	case dialogue.EventToken:
		return serverFrame{Type: string(ev.Type), Delta: ev.Delta}, nil
	case dialogue.EventReference:
		if ev.Reference == nil {
			return serverFrame{}, fmt.Errorf("gateway: reference event without reference")
		}
		body := referenceToBody(*ev.Reference)
		return serverFrame{Type: string(ev.Type), Reference: &body}, nil
	case dialogue.EventDone:
		usage := usageToBody(ev.Usage)
		return serverFrame{
			Type:      string(ev.Type),
			MessageID: ev.MessageID,
			Usage:     &usage,
			Partial:   ev.Partial,
		}, nil
	case dialogue.EventError:
		ferr := ev.Err
		if ferr == nil {
			ferr = fault.New(fault.Internal, "turn failed")
		}
		return errorFrame(ferr), nil
	default:
		return serverFrame{}, fmt.Errorf("gateway: unmapped event type %q", ev.Type)
	}
}

// errorFrame renders a fault as a terminal error frame.
func errorFrame(ferr *fault.Error) serverFrame {
	retryable := ferr.Kind.Retryable()
	f := serverFrame{
		Type:      string(dialogue.EventError),
		Kind:      ferr.Kind,
		Message:   ferr.Message,
		Retryable: &retryable,
	}
	if !ferr.ResetAt.IsZero() {
		t := ferr.ResetAt
		f.ResetAt = &t
	}
	return f
}

func pongFrame() serverFrame {
	return serverFrame{Type: framePong}
}
