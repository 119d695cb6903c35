package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-routing/internal/events"
)

// Notifier delivers one event to an external channel.
type Notifier interface {
	Deliver(ctx context.Context, event events.Event) error
}

// StartNotificationWorker delivers events from the dispatcher's stream off
// the command path until ctx is done. The returned channel closes when the
// worker exits.
func StartNotificationWorker(ctx context.Context, dispatcher events.Dispatcher, notifier Notifier, buffer int, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if dispatcher == nil || notifier == nil {
		close(done)
		return done
	}
	stream, detach := dispatcher.Stream(buffer)
	go func() {
		defer close(done)
		defer detach()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-stream:
				if !ok {
					return
				}
				if err := notifier.Deliver(ctx, event); err != nil {
					logger.Warn("notification delivery failed",
						zap.String("event_type", string(event.Type)),
						zap.String("ticket_id", event.TicketID),
						zap.Error(err))
				}
			}
		}
	}()
	return done
}
