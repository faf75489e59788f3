package skimmer

import (
	"context"
)

// Result is a single source value returned by a Fetcher. A fetch that reached
// the device but got a bad value for one source reports it through Err so the
// other sources of the same fetch are still applied.
type Result struct {
	Reading Reading
	Err     error
}

// Fetcher polls one external sensor service. A fetcher may own several
// sources (the ultrasonic array is one request for five units).
type Fetcher interface {
	Name() string
	Sources() []SourceID
	Fetch(ctx context.Context) ([]Result, error)
}

// Transport delivers a CommandEnvelope to the motor controller and returns its
// acknowledgement. Implementations must allow concurrent Send calls.
type Transport interface {
	Send(ctx context.Context, env CommandEnvelope) (Ack, error)
	Close() error
}

// Observer is notified after every tick. Implementations must not block.
type Observer interface {
	Tick(t TickView)
}

type ObserverFunc func(t TickView)

func (f ObserverFunc) Tick(t TickView) {
	f(t)
}
