package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/drillops/internal/tracing"
)

type subscriberKey struct{}

// subscriber identifies the websocket connection a command arrived on.
type subscriber struct {
	ID    string
	Topic string
}

func withSubscriber(ctx context.Context, clientID, topic string) context.Context {
	return context.WithValue(ctx, subscriberKey{}, subscriber{ID: clientID, Topic: topic})
}

func subscriberFromContext(ctx context.Context) (subscriber, bool) {
	if ctx == nil {
		return subscriber{}, false
	}
	sub, ok := ctx.Value(subscriberKey{}).(subscriber)
	return sub, ok
}

// commandLogger tags the base logger with trace ids and the originating connection.
func commandLogger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	logger := tracing.LoggerFromContext(ctx, base)
	if sub, ok := subscriberFromContext(ctx); ok {
		logger = logger.With().Str("clientId", sub.ID).Str("topic", sub.Topic).Logger()
	}
	return logger
}
