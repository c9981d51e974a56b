// Package cache provides the tiered cache that shields chart consumers
// from upstream latency: a bounded in-process LRU memory tier backed by a
// shared remote tier (Redis) acting as the source of truth across process
// instances.
//
// # Tiered Cache
//
// Tiered is the primary type. Reads check the memory tier first and fall
// back to the remote tier, populating memory on the way back; writes go to
// the remote tier synchronously and write through to memory. Each cached
// entry carries a version assigned by the remote tier, and a memory copy
// whose version falls behind the remote's is invalidated rather than
// trusted.
//
//	client, _ := redisdb.Connect(ctx, redisCfg)
//
//	tiered, err := cache.NewTiered(cache.NewRedisTier(client),
//	    cache.WithMemoryCapacity(10000),
//	    cache.WithInvalidator(cache.NewRedisInvalidator(client)),
//	    cache.WithPolicyTable(cache.NewPolicyTable(5*time.Minute,
//	        cache.Policy{Prefix: "stock:", TTL: 5 * time.Second},
//	        cache.Policy{Prefix: "meta:", TTL: 12 * time.Hour},
//	    )),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(tiered.Run(ctx)) // TTL sweep + invalidation listener
//
//	_ = tiered.Set(ctx, "stock:AAPL", quote, 0) // 0 = TTL from policy table
//	value, found, err := tiered.Get(ctx, "stock:AAPL")
//
// Concurrent misses on the same key collapse into a single remote fetch;
// the cache never issues duplicate fetches under a stampede.
//
// # LRU Memory Tier
//
// LRUCache is the generic building block used for the memory tier and is
// usable on its own:
//
//	c := cache.NewLRUCache[string, []byte](1000)
//	c.Put("k", v)
//	v, found := c.Get("k")
//
// Eviction removes only the in-process copy; the remote tier is never
// touched by memory eviction.
package cache
