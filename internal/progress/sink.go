package progress

import "context"

// Sink consumes batches of job events. Implementations must honor ctx
// deadlines; the Hub calls them from a single goroutine.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. The job registry only depends on this.
type Emitter interface {
	Emit(evt Event)
}
