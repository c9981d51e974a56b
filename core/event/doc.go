// Package event defines the Event model and the partitioned
// publish-subscribe bus that moves collector updates through the sync
// core.
//
// # Model
//
// An Event carries an opaque payload discriminated by Type; a Registry
// validates payloads against their type's schema at the publish boundary,
// so malformed data never reaches the log. Events are routed to a
// partition by a stable hash of their partition key, which makes partition
// order equal publish order for every key.
//
// # Bus
//
// The Bus composes a durable partitioned Log (Redis Streams in production,
// in-memory for tests) with a sequence.Generator:
//
//	bus, err := event.NewBus(event.NewRedisLog(client),
//	    sequence.NewRedisGenerator(client),
//	    event.WithTopicPartitions("prices", 4),
//	    event.WithRegistry(registry),
//	)
//
//	id, err := bus.Publish(ctx, "prices", "AAPL", "price_tick", payload)
//
//	sub, err := bus.Subscribe(ctx, event.TopicPartition{Topic: "prices"}, lastSeq)
//	for e := range sub.Events() {
//	    // strictly ordered per partition
//	}
//
// Publish returns only after the log acknowledges the append
// (at-least-once durability). Subscriptions replay from any sequence
// before tailing live, so consumers resume across reconnects without data
// loss; duplicates across a resume are possible and are handled by the
// dispatch package. No ordering is guaranteed across partitions.
package event
