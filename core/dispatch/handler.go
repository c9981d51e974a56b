package dispatch

import (
	"context"

	"github.com/ftfuture/insitechart-sync/core/event"
)

// Handler processes events delivered in partition order. Handle is awaited
// before the partition's queue advances, so a handler's effects for
// sequence n are always applied before those for n+1 on the same
// partition.
type Handler interface {
	// Name identifies the handler in logs and dead-letter causes.
	Name() string

	// Handle applies the event from the given partition. Returning an
	// error triggers the retry policy; exhausting it routes the event to
	// the dead-letter sink.
	Handle(ctx context.Context, tp event.TopicPartition, e event.Event) error
}

type handlerFunc struct {
	name string
	fn   func(ctx context.Context, tp event.TopicPartition, e event.Event) error
}

func (h *handlerFunc) Name() string { return h.name }

func (h *handlerFunc) Handle(ctx context.Context, tp event.TopicPartition, e event.Event) error {
	return h.fn(ctx, tp, e)
}

// NewHandlerFunc adapts a function into a Handler.
func NewHandlerFunc(name string, fn func(ctx context.Context, tp event.TopicPartition, e event.Event) error) Handler {
	return &handlerFunc{name: name, fn: fn}
}
