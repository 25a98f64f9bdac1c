package bus

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"wiki-realtime/realtime-service/domain"
)

// DedupeScope namespaces event ids in the deduper.
const DedupeScope = "events"

// Dequeuer is the events queue as seen by ConsumeQueue.
type Dequeuer interface {
	Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error)
	Delete(ctx context.Context, id, receipt string) error
}

// Deduper records event ids so redelivered events are published once.
type Deduper interface {
	// Add returns true when key was not seen before.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove forgets key so a failed hand-off can be retried.
	Remove(ctx context.Context, scope, key string) error
}

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(ev domain.Event) error
}

// PublishOnce fills in a missing id and timestamp, validates ev and publishes
// it unless the deduper has already seen its id. A nil deduper disables
// deduplication. When the bus refuses the event its id is released again so a
// redelivery is not mistaken for a duplicate. The returned event carries the
// defaults that were applied.
func PublishOnce(ctx context.Context, dedupe Deduper, pub Publisher, ev domain.Event) (domain.Event, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return ev, false, err
	}
	if dedupe != nil {
		added, err := dedupe.Add(ctx, DedupeScope, ev.ID)
		if err != nil {
			return ev, false, err
		}
		if !added {
			return ev, false, nil
		}
	}
	if err := pub.Publish(ev); err != nil {
		if dedupe != nil {
			if rerr := dedupe.Remove(context.WithoutCancel(ctx), DedupeScope, ev.ID); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		return ev, false, err
	}
	return ev, true, nil
}

// ConsumeQueue moves JSON encoded events from the queue onto the bus until ctx
// is cancelled. Messages are deleted once handed to the bus; malformed
// messages are deleted and logged.
func ConsumeQueue(ctx context.Context, logger *log.Logger, q Dequeuer, dedupe Deduper, pub Publisher, idle time.Duration) {
	if idle <= 0 {
		idle = time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("events queue receive failed")
			sleep(ctx, idle)
			continue
		}
		if msg == nil {
			sleep(ctx, idle)
			continue
		}
		if !handleQueueMessage(ctx, logger, q, dedupe, pub, msg) {
			return
		}
	}
}

// handleQueueMessage returns false once the bus stops accepting events.
func handleQueueMessage(ctx context.Context, logger *log.Logger, q Dequeuer, dedupe Deduper, pub Publisher, msg *azqueue.DequeuedMessage) bool {
	id := deref(msg.MessageID)
	entry := logger.WithField("message_id", id)

	var ev domain.Event
	if err := sonic.Unmarshal([]byte(deref(msg.MessageText)), &ev); err != nil {
		entry.WithError(err).Error("discarding undecodable event")
		deleteMessage(ctx, entry, q, msg)
		return true
	}
	if ev.ID == "" {
		ev.ID = id
	}

	ev, published, err := PublishOnce(ctx, dedupe, pub, ev)
	switch {
	case errors.Is(err, ErrClosed):
		return false
	case err != nil && ev.Validate() != nil:
		entry.WithError(err).Error("discarding invalid event")
	case err != nil:
		// leave the message for redelivery
		entry.WithError(err).Warn("event publish failed")
		return true
	case !published:
		entry.WithField("event_id", ev.ID).Debug("duplicate event skipped")
	}
	deleteMessage(ctx, entry, q, msg)
	return true
}

func deleteMessage(ctx context.Context, entry *log.Entry, q Dequeuer, msg *azqueue.DequeuedMessage) {
	if err := q.Delete(ctx, deref(msg.MessageID), deref(msg.PopReceipt)); err != nil {
		entry.WithError(err).Error("events queue delete failed")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
