// Package redis provides Redis client initialization and health checking
// for the sync core's shared remote store.
//
// The package wraps the go-redis client with URL validation, bounded
// connection retries and a ping verification so callers receive a client
// that is known to be reachable:
//
//	cfg := redis.Config{
//		ConnectionURL:  "redis://localhost:6379/0",
//		RetryAttempts:  3,
//		RetryInterval:  5 * time.Second,
//		ConnectTimeout: 30 * time.Second,
//	}
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
// Both redis:// and rediss:// (TLS) URL schemes are supported.
//
// # Health Checking
//
// Healthcheck returns a probe function for HTTP health endpoints or
// Kubernetes readiness checks:
//
//	check := redis.Healthcheck(client)
//	if err := check(ctx); err != nil {
//		// Redis unreachable
//	}
//
// # Error Handling
//
// Sentinel errors are checkable with errors.Is: ErrEmptyConnectionURL,
// ErrFailedToParseRedisConnString, ErrRedisNotReady and
// ErrHealthcheckFailed. They wrap the underlying go-redis errors to give
// callers stable types for retry logic.
package redis
