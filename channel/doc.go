// Package channel defines the durable, topic-based message bus that
// decouples event producers from the cold-path workers.
//
// Delivery is at-least-once with no ordering guarantee. A Handler that
// returns an error has its message redelivered; one that returns an error
// wrapped with Fatal stops its subscription instead. Consumers must be
// idempotent or tolerate duplicates.
//
// Publish never blocks on delivery. It returns a *PublishResult future that
// resolves to the broker-assigned message ID or an error:
//
//	res := pub.Publish(ctx, "events", data, map[string]string{"event_type": "message_sent"})
//	go func() {
//	    if _, err := res.Get(ctx); err != nil {
//	        logger.Warn("publish failed", "err", err)
//	    }
//	}()
//
// Implementations:
//
//   - channel/memory: in-process bus with redelivery and dead letters
//   - channel/redisstream: Redis Streams consumer groups
package channel
