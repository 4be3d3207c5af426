package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/veil/pkg/chat"
	"github.com/go-go-golems/veil/pkg/errs"
)

func testMetadata() EventMetadata {
	return EventMetadata{
		ChatID: chat.NewChatID(),
		JobID:  chat.NewJobID(),
		NodeID: chat.NewNodeID(),
		Model:  "test-model",
	}
}

func TestNewEventFromJson_RoundTrip(t *testing.T) {
	meta := testMetadata()

	cases := []Event{
		NewStartEvent(meta),
		NewPartialCompletionEvent(meta, "delta", "accumulated delta"),
		NewFinalEvent(meta, "the whole answer"),
		NewErrorEvent(meta, errs.NewProviderStatus(errs.ProviderRateLimited, "slow down")),
		NewInterruptEvent(meta, "partial text"),
	}
	for _, in := range cases {
		b, err := json.Marshal(in)
		require.NoError(t, err)

		out, err := NewEventFromJson(b)
		require.NoError(t, err, string(in.Type()))
		assert.Equal(t, in.Type(), out.Type())
		assert.Equal(t, meta, out.Metadata())
		assert.Equal(t, b, []byte(out.Payload()), "decoded event keeps its raw payload")
	}
}

func TestNewEventFromJson_FieldsSurvive(t *testing.T) {
	meta := testMetadata()

	b, err := json.Marshal(NewPartialCompletionEvent(meta, "d", "abcd"))
	require.NoError(t, err)
	ev, err := NewEventFromJson(b)
	require.NoError(t, err)
	partial, ok := ev.(*EventPartialCompletion)
	require.True(t, ok)
	assert.Equal(t, "d", partial.Delta)
	assert.Equal(t, "abcd", partial.Completion)

	b, err = json.Marshal(NewErrorEvent(meta, errs.NewStatus(errs.KindNodeOffline, "gone")))
	require.NoError(t, err)
	ev, err = NewEventFromJson(b)
	require.NoError(t, err)
	failure, ok := ev.(*EventError)
	require.True(t, ok)
	require.NotNil(t, failure.Status)
	assert.Equal(t, errs.KindNodeOffline, failure.Status.Kind)
}

func TestNewEventFromJson_Malformed(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"type":"no-such-event"}`))
	assert.Error(t, err)

	_, err = NewEventFromJson([]byte(`not json`))
	assert.Error(t, err)
}

// recordingHandler collects dispatched events on a channel.
type recordingHandler struct {
	events chan Event
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan Event, 16)}
}

func (h *recordingHandler) HandleStart(_ context.Context, e *EventStart) error {
	h.events <- e
	return nil
}

func (h *recordingHandler) HandlePartialCompletion(_ context.Context, e *EventPartialCompletion) error {
	h.events <- e
	return nil
}

func (h *recordingHandler) HandleFinal(_ context.Context, e *EventFinal) error {
	h.events <- e
	return nil
}

func (h *recordingHandler) HandleError(_ context.Context, e *EventError) error {
	h.events <- e
	return nil
}

func (h *recordingHandler) HandleInterrupt(_ context.Context, e *EventInterrupt) error {
	h.events <- e
	return nil
}

func (h *recordingHandler) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event dispatched in time")
		return nil
	}
}

func TestEventRouter_DispatchesTypedEvents(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)
	defer func() { _ = router.Close() }()

	handler := newRecordingHandler()
	router.RegisterStreamEventHandler("recorder", "test-topic", handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	pm := NewPublisherManager()
	pm.SubscribePublisher("test-topic", router.Publisher)

	meta := testMetadata()
	pm.PublishBlind(NewStartEvent(meta))
	pm.PublishBlind(NewPartialCompletionEvent(meta, "he", "he"))
	pm.PublishBlind(NewFinalEvent(meta, "hello"))

	first := handler.next(t)
	assert.Equal(t, EventTypeStart, first.Type())
	assert.Equal(t, meta, first.Metadata())

	second := handler.next(t)
	partial, ok := second.(*EventPartialCompletion)
	require.True(t, ok)
	assert.Equal(t, "he", partial.Delta)

	third := handler.next(t)
	final, ok := third.(*EventFinal)
	require.True(t, ok)
	assert.Equal(t, "hello", final.Text)
}

func TestEventRouter_SkipsUndecodableMessages(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)
	defer func() { _ = router.Close() }()

	handler := newRecordingHandler()
	router.RegisterStreamEventHandler("recorder", "test-topic", handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	pm := NewPublisherManager()
	pm.SubscribePublisher("test-topic", router.Publisher)

	// a message that is not a stream event must not kill the handler
	pm.PublishBlind(map[string]string{"type": "no-such-event"})
	pm.PublishBlind(NewFinalEvent(testMetadata(), "still alive"))

	ev := handler.next(t)
	final, ok := ev.(*EventFinal)
	require.True(t, ok)
	assert.Equal(t, "still alive", final.Text)
}
