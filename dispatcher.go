package skimmer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type DispatchConfig struct {
	// MaxRetries is the number of resends after a failed first attempt.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// SendTimeout bounds a single attempt including its acknowledgement.
	SendTimeout time.Duration
	// MaxSilence is the longest interval without a send; an unchanged
	// command is resent when it expires.
	MaxSilence     time.Duration
	HeadingEpsilon float64
	SpeedEpsilon   float64
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		MaxRetries:     3,
		BackoffBase:    50 * time.Millisecond,
		BackoffMax:     400 * time.Millisecond,
		SendTimeout:    250 * time.Millisecond,
		MaxSilence:     500 * time.Millisecond,
		HeadingEpsilon: 0.5,
		SpeedEpsilon:   0.01,
	}
}

// DispatchStats counts what happened to dispatched envelopes.
type DispatchStats struct {
	Sent  uint64 `json:"sent"`
	Acked uint64 `json:"acked"`
	// Failed counts envelopes that were never acknowledged and had at least
	// one failed attempt, whether they ran out of retries or were superseded.
	Failed  uint64 `json:"failed"`
	Retries uint64 `json:"retries"`
	// Abandoned counts envelopes superseded before they completed.
	Abandoned uint64 `json:"abandoned"`
	// Fenced counts acknowledgements that arrived for a superseded envelope.
	Fenced uint64 `json:"fenced"`
	// ConsecutiveFailures counts failed attempts since the last accepted ack.
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

type inflight struct {
	seq    uint64
	done   chan struct{}
	failed bool
}

// Dispatcher sends command envelopes to one motor controller without blocking
// the caller. At most one envelope is tracked in flight; a newer envelope
// abandons it.
type Dispatcher struct {
	cfg       DispatchConfig
	transport Transport

	mu         sync.Mutex
	seq        uint64
	last       CommandEnvelope
	hasLast    bool
	lastSentAt time.Time
	inflight   *inflight
	lastAck    Ack
	hasAck     bool
	stats      DispatchStats

	wg sync.WaitGroup
}

func NewDispatcher(cfg DispatchConfig, t Transport) *Dispatcher {
	return &Dispatcher{cfg: cfg, transport: t}
}

// Submit builds the envelope for a gated decision and starts sending it if it
// differs materially from the last one or the silence interval has expired.
// It never waits on the transport. The returned bool reports whether a new
// envelope was dispatched; otherwise the last dispatched envelope is returned.
func (d *Dispatcher) Submit(ctx context.Context, dec Decision, mode CommandMode, now time.Time) (CommandEnvelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasLast && !d.changed(dec, mode) && now.Sub(d.lastSentAt) < d.cfg.MaxSilence {
		return d.last, false
	}

	d.seq++
	env := CommandEnvelope{
		Seq:      d.seq,
		Heading:  NormalizeHeading(dec.Heading),
		Speed:    dec.Speed,
		Mode:     mode,
		IssuedAt: now,
	}
	if d.inflight != nil {
		close(d.inflight.done)
		d.stats.Abandoned++
		if d.inflight.failed {
			d.stats.Failed++
		}
		log.WithFields(log.Fields{"seq": d.inflight.seq, "by": env.Seq}).Debug("in-flight command superseded")
	}
	inf := &inflight{seq: env.Seq, done: make(chan struct{})}
	d.inflight = inf
	d.last = env
	d.hasLast = true
	d.lastSentAt = now
	d.stats.Sent++

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(ctx, env, inf)
	}()
	return env, true
}

// changed reports whether dec differs materially from the last envelope; d.mu must be held.
func (d *Dispatcher) changed(dec Decision, mode CommandMode) bool {
	return mode != d.last.Mode ||
		math.Abs(HeadingDelta(d.last.Heading, dec.Heading)) > d.cfg.HeadingEpsilon ||
		math.Abs(d.last.Speed-dec.Speed) > d.cfg.SpeedEpsilon
}

func (d *Dispatcher) send(ctx context.Context, env CommandEnvelope, inf *inflight) {
	logger := log.WithField("seq", env.Seq)
	var err error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.backoff(attempt)
			d.mu.Lock()
			d.stats.Retries++
			d.mu.Unlock()
			logger.WithFields(log.Fields{"err": err, "attempt": attempt, "backoff": backoff}).Warn("retrying command")
			t := time.NewTimer(backoff)
			select {
			case <-inf.done:
				t.Stop()
				return
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		select {
		case <-inf.done:
			return
		default:
		}

		var ack Ack
		ack, err = d.attempt(ctx, env)
		if err == nil {
			d.accept(ack, inf)
			return
		}
		if ctx.Err() != nil {
			return
		}
		d.attemptFailed(inf, err)
	}
	d.fail(inf, err)
}

func (d *Dispatcher) attempt(ctx context.Context, env CommandEnvelope) (Ack, error) {
	sctx := ctx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}
	ack, err := d.transport.Send(sctx, env)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrAckTimeout) {
			err = errors.Wrap(ErrAckTimeout, err.Error())
		}
		return Ack{}, err
	}
	return ack, nil
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.BackoffBase << uint(attempt-1)
	if b <= 0 || (d.cfg.BackoffMax > 0 && b > d.cfg.BackoffMax) {
		b = d.cfg.BackoffMax
	}
	return b
}

// accept records an acknowledgement. Only the ack of the envelope currently
// in flight is accepted; anything else is fenced off.
func (d *Dispatcher) accept(ack Ack, inf *inflight) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight != inf || ack.Seq != inf.seq {
		d.stats.Fenced++
		log.WithFields(log.Fields{"seq": ack.Seq, "inflight": d.currentSeq()}).Debug("fenced stale acknowledgement")
		return
	}
	if ack.ReceivedAt.IsZero() {
		ack.ReceivedAt = time.Now()
	}
	d.inflight = nil
	d.lastAck = ack
	d.hasAck = true
	d.stats.Acked++
	d.stats.ConsecutiveFailures = 0
}

// attemptFailed records one failed attempt. It is counted even when inf has
// been superseded, unless a newer envelope has been acknowledged since.
func (d *Dispatcher) attemptFailed(inf *inflight, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasAck && d.lastAck.Seq > inf.seq {
		return
	}
	inf.failed = true
	d.stats.ConsecutiveFailures++
	d.stats.LastError = errors.Wrapf(ErrDispatchFailure, "seq %d: %v", inf.seq, err).Error()
	d.stats.LastFailureAt = time.Now()
}

// fail gives up on inf once its retries are exhausted. A superseded envelope
// was already counted by Submit.
func (d *Dispatcher) fail(inf *inflight, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight != inf {
		return
	}
	d.inflight = nil
	d.stats.Failed++
	log.WithFields(log.Fields{
		"err":         errors.Wrapf(ErrDispatchFailure, "seq %d: %v", inf.seq, err),
		"consecutive": d.stats.ConsecutiveFailures,
	}).Error("giving up on command")
}

func (d *Dispatcher) currentSeq() uint64 {
	if d.inflight == nil {
		return 0
	}
	return d.inflight.seq
}

// LastAck returns the most recent accepted acknowledgement.
func (d *Dispatcher) LastAck() (Ack, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAck, d.hasAck
}

// Last returns the most recently dispatched envelope.
func (d *Dispatcher) Last() (CommandEnvelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.hasLast
}

func (d *Dispatcher) Stats() DispatchStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Wait blocks until every send goroutine has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close waits for outstanding sends and closes the transport. The context
// passed to Submit should be cancelled first.
func (d *Dispatcher) Close() error {
	d.wg.Wait()
	return d.transport.Close()
}
