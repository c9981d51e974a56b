// Package config provides type-safe environment variable loading with
// per-type caching using Go generics.
//
// The package automatically loads a .env file on first use and relies on
// the caarlos0/env library to parse environment variables into struct
// fields:
//
//	type BusConfig struct {
//		PartitionCount int           `env:"BUS_PARTITION_COUNT" envDefault:"1"`
//		PollInterval   time.Duration `env:"BUS_POLL_INTERVAL" envDefault:"250ms"`
//	}
//
//	var cfg BusConfig
//	config.MustLoad(&cfg)
//
// # Caching Behavior
//
// Each configuration type is loaded only once per application lifetime;
// repeated loads of the same type return the cached value, so independently
// constructed components reading the same type always agree:
//
//	var cfg1 BusConfig
//	config.Load(&cfg1) // Loads from environment
//
//	var cfg2 BusConfig
//	config.Load(&cfg2) // Returns cached value, cfg1 == cfg2
//
// Different types are cached independently.
package config
