package event

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PayloadValidator checks that a raw payload conforms to the schema of its
// event type.
type PayloadValidator func(payload []byte) error

// Registry maps event types to payload validators, turning the bus
// boundary into a tagged union: unknown types and malformed payloads are
// rejected before they reach the log.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]PayloadValidator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]PayloadValidator)}
}

// Register associates eventType with a validator. A nil validator accepts
// any payload for that type.
func (r *Registry) Register(eventType string, validator PayloadValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[eventType] = validator
}

// Validate rejects unregistered event types and payloads failing their
// type's validator.
func (r *Registry) Validate(eventType string, payload []byte) error {
	r.mu.RLock()
	validator, ok := r.validators[eventType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if validator == nil {
		return nil
	}
	if err := validator(payload); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, eventType, err)
	}
	return nil
}

// JSONSchema returns a validator that requires the payload to unmarshal
// into T.
//
// Example:
//
//	type PriceTick struct {
//	    Symbol string  `json:"symbol"`
//	    Price  float64 `json:"price"`
//	}
//
//	registry.Register("price_tick", event.JSONSchema[PriceTick]())
func JSONSchema[T any]() PayloadValidator {
	return func(payload []byte) error {
		var v T
		return json.Unmarshal(payload, &v)
	}
}
