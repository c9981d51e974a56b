// Package stream pushes live events to dashboard clients over websockets.
//
// The Manager owns a table of subscriptions. Each subscription follows a
// set of topics, carries a bounded outbound queue and has exactly one
// writer goroutine talking to its transport. Delivery never blocks: a
// client that stops reading fills its queue and is force-closed, and is
// expected to reconnect with the resume cursor it built from the frames
// it applied. On reconnect the manager replays every stored event past
// the cursor before switching the subscription to the live stream, with
// no gap and no duplicate across the seam.
//
// Liveness is probed with websocket pings at a fixed interval; a client
// that misses the configured number of intervals is closed and its
// resources released.
//
//	manager, err := stream.NewManager(log)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mux.HandleFunc("/ws", stream.Handler(manager, stream.WithAllowAnyOrigin()))
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(manager.Run(ctx))
//
// The wire protocol is JSON frames. The client opens with a hello:
//
//	{"topics": ["prices"], "resume": [{"topic": "prices", "partition": 0, "last_sequence": 42}]}
//
// and then receives event and heartbeat frames:
//
//	{"type": "event", "event": {"id": "...", "type": "price.tick", "topic": "prices",
//	 "partition": 0, "sequence": 43, "timestamp": "...", "payload": "..."}}
//	{"type": "heartbeat"}
package stream
