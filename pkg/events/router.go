package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/veil/pkg/helpers"
)

// StreamEventHandler dispatches decoded stream events, typically to a
// rendering collaborator.
type StreamEventHandler interface {
	HandleStart(ctx context.Context, e *EventStart) error
	HandlePartialCompletion(ctx context.Context, e *EventPartialCompletion) error
	HandleFinal(ctx context.Context, e *EventFinal) error
	HandleError(ctx context.Context, e *EventError) error
	HandleInterrupt(ctx context.Context, e *EventInterrupt) error
}

type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose() EventRouterOption {
	return func(r *EventRouter) {
		r.logger = helpers.NewWatermill(log.Logger)
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// RegisterStreamEventHandler decodes events on a topic and dispatches them to
// the handler's typed methods.
func (e *EventRouter) RegisterStreamEventHandler(name string, topic string, handler StreamEventHandler) {
	e.AddHandler(name, topic, func(msg *message.Message) error {
		ev, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).Msg("failed to parse stream event")
			// one bad message must not kill the handler
			return nil
		}

		msgCtx := msg.Context()
		var handlerErr error
		switch typed := ev.(type) {
		case *EventStart:
			handlerErr = handler.HandleStart(msgCtx, typed)
		case *EventPartialCompletion:
			handlerErr = handler.HandlePartialCompletion(msgCtx, typed)
		case *EventFinal:
			handlerErr = handler.HandleFinal(msgCtx, typed)
		case *EventError:
			handlerErr = handler.HandleError(msgCtx, typed)
		case *EventInterrupt:
			handlerErr = handler.HandleInterrupt(msgCtx, typed)
		default:
			log.Warn().Str("type", string(ev.Type())).Msg("unhandled stream event type")
		}
		if handlerErr != nil {
			log.Error().Err(handlerErr).Str("type", string(ev.Type())).Msg("error processing stream event")
			return handlerErr
		}
		return nil
	})
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) IsRunning() bool {
	return e.router.IsRunning()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

func (e *EventRouter) Close() error {
	log.Debug().Msg("closing publisher")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
	}
	log.Debug().Msg("closing router")
	return e.router.Close()
}
