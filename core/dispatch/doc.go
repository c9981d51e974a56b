// Package dispatch turns the bus's at-least-once, per-partition streams
// into exactly-once-in-order handler invocations.
//
// One worker drains each partition strictly in publish order, awaiting the
// handler before advancing. Duplicate event IDs within the dedup window
// are dropped silently; handler failures are retried with exponential
// backoff and jitter, and events that exhaust the retry budget are routed
// to a dead-letter sink so the partition keeps moving. A detected sequence
// regression quarantines the partition: it signals a producer bug, and
// continuing could apply effects out of order.
//
// The last successfully handled sequence is checkpointed per partition, so
// a restarted dispatcher resumes exactly where it left off:
//
//	dispatcher, err := dispatch.NewDispatcher(bus,
//	    dispatch.NewHandlerFunc("fanout", manager.Deliver),
//	    dispatch.WithTopics("prices", "sentiment"),
//	    dispatch.WithDedupStore(dispatch.NewRedisDedup(client, 24*time.Hour)),
//	    dispatch.WithCheckpointStore(dispatch.NewRedisCheckpoints(client)),
//	    dispatch.WithDeadLetter(dispatch.NewRedisDeadLetter(client)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(dispatcher.Run(ctx))
package dispatch
