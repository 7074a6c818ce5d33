package progress

import "context"

// Sink consumes batches of events. Consume may be called from the hub goroutine
// only, so implementations need not guard against concurrent batches.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what crawl components depend on.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// OrNop returns emitter, or Nop when it is nil.
func OrNop(emitter Emitter) Emitter {
	if emitter == nil {
		return Nop{}
	}
	return emitter
}
