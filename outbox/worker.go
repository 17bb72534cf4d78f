package outbox

import (
	"context"
	"log"
	"time"
)

// Publisher delivers one message to an external collaborator (notification
// fan-out, invoice generation). Implementations must be safe for repeated
// delivery of the same message.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// LogPublisher is the default collaborator used when no notification
// infrastructure is wired; it records deliveries on the process log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, msg Message) error {
	log.Printf("outbox: publish topic=%s payload=%s", msg.Topic, msg.Payload)
	return nil
}

// RunWorker drains the outbox until ctx is cancelled. Publish failures are
// logged and retried on later passes; they never propagate to the callers
// whose transactions enqueued the messages.
func RunWorker(ctx context.Context, store *Store, pub Publisher, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				msg, found, err := store.ClaimNext(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("outbox: claim error: %v", err)
					}
					break
				}
				if !found {
					break
				}
				if err := pub.Publish(ctx, msg); err != nil {
					log.Printf("outbox: publish %s failed (attempt %d): %v", msg.ID, msg.Attempts, err)
					if err := store.MarkFailed(ctx, msg); err != nil {
						log.Printf("outbox: mark failed: %v", err)
					}
					continue
				}
				if err := store.MarkProcessed(ctx, msg.ID); err != nil {
					log.Printf("outbox: mark processed: %v", err)
				}
			}
		}
	}
}
