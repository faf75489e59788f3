package forwarder

import (
	"context"
	"sync"

	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
)

// Loopback acknowledges every envelope in-process. It stands in for the
// motor controller in test mode.
type Loopback struct {
	// OnSend, when set, sees every envelope before it is acknowledged.
	OnSend func(env skimmer.CommandEnvelope)

	mu     sync.Mutex
	last   skimmer.CommandEnvelope
	sent   uint64
	closed bool
}

func NewLoopback(onSend func(env skimmer.CommandEnvelope)) *Loopback {
	return &Loopback{OnSend: onSend}
}

func (l *Loopback) Send(ctx context.Context, env skimmer.CommandEnvelope) (skimmer.Ack, error) {
	if err := ctx.Err(); err != nil {
		return skimmer.Ack{}, err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return skimmer.Ack{}, errors.New("transport closed")
	}
	l.last = env
	l.sent++
	l.mu.Unlock()
	if l.OnSend != nil {
		l.OnSend(env)
	}
	return skimmer.Ack{Seq: env.Seq, ReceivedAt: now()}, nil
}

// Last returns the most recent envelope and how many were sent.
func (l *Loopback) Last() (skimmer.CommandEnvelope, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.sent
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
