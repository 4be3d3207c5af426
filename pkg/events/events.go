package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/veil/pkg/chat"
	"github.com/go-go-golems/veil/pkg/errs"
)

type EventType string

const (
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeError             EventType = "error"
	EventTypeInterrupt         EventType = "interrupt"
)

// EventMetadata identifies which job a stream event belongs to.
type EventMetadata struct {
	ChatID chat.ChatID `json:"chatID"`
	JobID  chat.JobID  `json:"jobID"`
	NodeID chat.NodeID `json:"nodeID,omitempty"`
	Model  string      `json:"model,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("chatID", em.ChatID.String())
	ev.Str("jobID", em.JobID.String())
	ev.Str("nodeID", em.NodeID.String())
	if em.Model != "" {
		ev.Str("model", em.Model)
	}
}

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON the event was decoded from, if any
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

// EventPartialCompletion carries one decrypted delta plus the accumulated
// completion so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

type EventError struct {
	EventImpl
	Status *errs.Status `json:"status"`
}

func NewErrorEvent(metadata EventMetadata, status *errs.Status) *EventError {
	return &EventError{
		EventImpl: EventImpl{Type_: EventTypeError, Metadata_: metadata},
		Status:    status,
	}
}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

// NewEventFromJson decodes a serialized stream event back into its concrete
// type, keyed off the type header.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "decoding event header")
	}

	decode := func(ev Event, impl *EventImpl) (Event, error) {
		if err := json.Unmarshal(b, ev); err != nil {
			return nil, errors.Wrapf(err, "decoding %s event", hdr.Type)
		}
		impl.payload = b
		return ev, nil
	}

	switch hdr.Type {
	case EventTypeStart:
		ev := &EventStart{}
		return decode(ev, &ev.EventImpl)
	case EventTypePartialCompletion:
		ev := &EventPartialCompletion{}
		return decode(ev, &ev.EventImpl)
	case EventTypeFinal:
		ev := &EventFinal{}
		return decode(ev, &ev.EventImpl)
	case EventTypeError:
		ev := &EventError{}
		return decode(ev, &ev.EventImpl)
	case EventTypeInterrupt:
		ev := &EventInterrupt{}
		return decode(ev, &ev.EventImpl)
	default:
		return nil, errors.Errorf("unknown event type %q", hdr.Type)
	}
}
