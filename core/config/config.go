package config

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	mu     sync.Mutex
	cache  = make(map[reflect.Type]any)
	dotenv sync.Once
)

// Load parses environment variables into the given struct pointer.
// Each concrete type is loaded exactly once per process; subsequent calls
// for the same type return the cached value, so two loads of the same type
// always observe identical configuration.
//
// A .env file in the working directory is loaded into the environment on
// first use. Missing .env files are not an error.
//
// Example:
//
//	type RedisConfig struct {
//	    URL string `env:"REDIS_URL,required"`
//	}
//
//	var cfg RedisConfig
//	if err := config.Load(&cfg); err != nil {
//	    log.Fatal(err)
//	}
func Load[T any](target *T) error {
	if target == nil {
		return ErrNilTarget
	}

	dotenv.Do(func() {
		// Absent .env is the normal production case.
		_ = godotenv.Load()
	})

	typ := reflect.TypeOf(*target)

	mu.Lock()
	defer mu.Unlock()

	if cached, ok := cache[typ]; ok {
		*target = cached.(T)
		return nil
	}

	if err := env.Parse(target); err != nil {
		return fmt.Errorf("%w: %w", ErrParseFailed, err)
	}

	cache[typ] = *target
	return nil
}

// MustLoad is like Load but panics on failure. Intended for application
// startup where a missing required variable should abort the process.
func MustLoad[T any](target *T) {
	if err := Load(target); err != nil {
		panic(err)
	}
}
