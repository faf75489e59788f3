package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Fallback sends over the primary transport (the USB serial link) and falls
// back to the secondary (WiFi) when the primary is missing or failing. After
// a primary failure the secondary is used for Backoff before the primary is
// tried again.
type Fallback struct {
	Backoff time.Duration

	primary   skimmer.Transport
	secondary skimmer.Transport

	mu          sync.Mutex
	primaryDown time.Time
}

// NewFallback builds a Fallback. primary may be nil when it could not be
// opened.
func NewFallback(primary, secondary skimmer.Transport) *Fallback {
	return &Fallback{
		Backoff:   5 * time.Second,
		primary:   primary,
		secondary: secondary,
	}
}

func (f *Fallback) usePrimary() bool {
	if f.primary == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return !now().Before(f.primaryDown)
}

func (f *Fallback) Send(ctx context.Context, env skimmer.CommandEnvelope) (skimmer.Ack, error) {
	if f.usePrimary() {
		ack, err := f.primary.Send(ctx, env)
		if err == nil {
			return ack, nil
		}
		if ctx.Err() != nil {
			return ack, err
		}
		log.WithField("err", err).Warn("primary motor link failed, falling back")
		f.mu.Lock()
		f.primaryDown = now().Add(f.Backoff)
		f.mu.Unlock()
	}
	if f.secondary == nil {
		return skimmer.Ack{}, errors.New("no motor transport available")
	}
	return f.secondary.Send(ctx, env)
}

func (f *Fallback) Close() error {
	var errs []error
	for _, t := range []skimmer.Transport{f.primary, f.secondary} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "unable to close motor transports")
	}
	return nil
}
