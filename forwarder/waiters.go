// Package forwarder carries command envelopes to the motor controller over
// UDP, serial, HTTP or CAN.
package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
)

var now = time.Now

// waiters routes acknowledgements read off a shared link to the Send call
// waiting for that sequence number.
type waiters struct {
	mu sync.Mutex
	m  map[uint64]chan skimmer.Ack
}

func newWaiters() *waiters {
	return &waiters{m: map[uint64]chan skimmer.Ack{}}
}

// add registers interest in seq. The returned func must be called once the
// caller stops waiting.
func (w *waiters) add(seq uint64) (<-chan skimmer.Ack, func()) {
	ch := make(chan skimmer.Ack, 1)
	w.mu.Lock()
	w.m[seq] = ch
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.m[seq] == ch {
			delete(w.m, seq)
		}
	}
}

// deliver hands ack to its waiter and reports whether anyone was waiting.
func (w *waiters) deliver(ack skimmer.Ack) bool {
	w.mu.Lock()
	ch, ok := w.m[ack.Seq]
	delete(w.m, ack.Seq)
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ack
	return true
}

func (w *waiters) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}

// wait blocks until the ack arrives, the link closes or ctx is done.
func wait(ctx context.Context, ch <-chan skimmer.Ack, closed <-chan struct{}, seq uint64) (skimmer.Ack, error) {
	select {
	case ack := <-ch:
		return ack, nil
	case <-closed:
		return skimmer.Ack{}, errors.New("transport closed")
	case <-ctx.Done():
		return skimmer.Ack{}, errors.Wrapf(skimmer.ErrAckTimeout, "seq %d: %v", seq, ctx.Err())
	}
}
