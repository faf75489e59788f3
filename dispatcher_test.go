package skimmer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transportStub struct {
	mu     sync.Mutex
	sent   []CommandEnvelope
	at     []time.Time
	closed bool
	// respond decides the outcome of a send; nil acknowledges immediately
	respond func(ctx context.Context, env CommandEnvelope, attempt int) (Ack, error)
}

func (ts *transportStub) Send(ctx context.Context, env CommandEnvelope) (Ack, error) {
	ts.mu.Lock()
	ts.sent = append(ts.sent, env)
	ts.at = append(ts.at, time.Now())
	attempt := 0
	for _, e := range ts.sent {
		if e.Seq == env.Seq {
			attempt++
		}
	}
	respond := ts.respond
	ts.mu.Unlock()
	if respond == nil {
		return Ack{Seq: env.Seq, ReceivedAt: time.Now()}, nil
	}
	return respond(ctx, env, attempt)
}

func (ts *transportStub) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.closed = true
	return nil
}

func (ts *transportStub) envelopes() []CommandEnvelope {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]CommandEnvelope(nil), ts.sent...)
}

func (ts *transportStub) times() []time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]time.Time(nil), ts.at...)
}

func testDispatchConfig() DispatchConfig {
	cfg := DefaultDispatchConfig()
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 40 * time.Millisecond
	cfg.SendTimeout = 100 * time.Millisecond
	return cfg
}

func TestDispatcherSubmit(t *testing.T) {
	ts := &transportStub{}
	d := NewDispatcher(testDispatchConfig(), ts)
	ctx := context.Background()

	env, sent := d.Submit(ctx, Decision{Heading: 90, Speed: 0.5}, CommandNormal, epoch)
	assert.True(t, sent)
	assert.Equal(t, uint64(1), env.Seq)
	assert.Equal(t, 90.0, env.Heading)
	assert.Equal(t, epoch, env.IssuedAt)
	d.Wait()

	ack, ok := d.LastAck()
	require.True(t, ok)
	assert.Equal(t, uint64(1), ack.Seq)

	// unchanged within the silence interval is not resent
	env, sent = d.Submit(ctx, Decision{Heading: 90.2, Speed: 0.5}, CommandNormal, epoch.Add(100*time.Millisecond))
	assert.False(t, sent)
	assert.Equal(t, uint64(1), env.Seq)

	// a mode change is always material
	env, sent = d.Submit(ctx, Decision{Heading: 90, Speed: 0.5}, CommandHold, epoch.Add(200*time.Millisecond))
	assert.True(t, sent)
	assert.Equal(t, uint64(2), env.Seq)
	d.Wait()

	// keep-alive after max silence
	env, sent = d.Submit(ctx, Decision{Heading: 90, Speed: 0.5}, CommandHold, epoch.Add(700*time.Millisecond))
	assert.True(t, sent)
	assert.Equal(t, uint64(3), env.Seq)
	d.Wait()

	stats := d.Stats()
	assert.Equal(t, uint64(3), stats.Sent)
	assert.Equal(t, uint64(3), stats.Acked)
	assert.NoError(t, d.Close())
	assert.True(t, ts.closed)
}

func TestDispatcherSequenceStrictlyIncreases(t *testing.T) {
	ts := &transportStub{}
	d := NewDispatcher(testDispatchConfig(), ts)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 50; i++ {
		env, sent := d.Submit(ctx, Decision{Heading: float64(i * 5), Speed: 0.5}, CommandNormal, epoch.Add(time.Duration(i)*time.Millisecond))
		require.True(t, sent)
		require.Greater(t, env.Seq, last)
		last = env.Seq
	}
	d.Wait()

	seen := map[uint64]bool{}
	for _, env := range ts.envelopes() {
		assert.False(t, seen[env.Seq], "seq %d sent twice", env.Seq)
		seen[env.Seq] = true
	}
}

func TestDispatcherRetriesWithBackoff(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.MaxRetries = 2
	ts := &transportStub{
		respond: func(ctx context.Context, env CommandEnvelope, attempt int) (Ack, error) {
			return Ack{}, errors.New("link down")
		},
	}
	d := NewDispatcher(cfg, ts)

	start := time.Now()
	_, sent := d.Submit(context.Background(), Decision{Heading: 10, Speed: 0.3}, CommandNormal, epoch)
	assert.True(t, sent)
	assert.Less(t, time.Since(start), cfg.BackoffBase, "submit never waits on the transport")
	d.Wait()

	times := ts.times()
	require.Len(t, times, 3)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), cfg.BackoffBase)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 2*cfg.BackoffBase)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, 3, stats.ConsecutiveFailures)
	assert.Contains(t, stats.LastError, "dispatch failure")
	_, ok := d.LastAck()
	assert.False(t, ok)
}

func TestDispatcherRecoversAfterRetry(t *testing.T) {
	ts := &transportStub{
		respond: func(ctx context.Context, env CommandEnvelope, attempt int) (Ack, error) {
			if attempt < 2 {
				return Ack{}, errors.New("checksum")
			}
			return Ack{Seq: env.Seq}, nil
		},
	}
	d := NewDispatcher(testDispatchConfig(), ts)
	d.Submit(context.Background(), Decision{Heading: 10}, CommandNormal, epoch)
	d.Wait()

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Acked)
	assert.Equal(t, uint64(1), stats.Retries)
	assert.Equal(t, uint64(0), stats.Failed)
	ack, ok := d.LastAck()
	require.True(t, ok)
	assert.False(t, ack.ReceivedAt.IsZero())
}

func TestDispatcherSupersededAckIsFenced(t *testing.T) {
	release := make(chan struct{})
	ts := &transportStub{
		respond: func(ctx context.Context, env CommandEnvelope, attempt int) (Ack, error) {
			if env.Seq == 1 {
				<-release
			}
			return Ack{Seq: env.Seq}, nil
		},
	}
	cfg := testDispatchConfig()
	cfg.SendTimeout = time.Second
	d := NewDispatcher(cfg, ts)
	ctx := context.Background()

	d.Submit(ctx, Decision{Heading: 10}, CommandNormal, epoch)
	d.Submit(ctx, Decision{Heading: 20}, CommandNormal, epoch.Add(100*time.Millisecond))
	require.Eventually(t, func() bool {
		ack, ok := d.LastAck()
		return ok && ack.Seq == 2
	}, time.Second, time.Millisecond)

	close(release)
	d.Wait()

	ack, _ := d.LastAck()
	assert.Equal(t, uint64(2), ack.Seq, "late ack of seq 1 must not move the ack back")
	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Abandoned)
	assert.Equal(t, uint64(1), stats.Fenced)
}

func TestDispatcherSupersededRetryIsAbandoned(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.BackoffBase = 200 * time.Millisecond
	cfg.BackoffMax = 200 * time.Millisecond
	ts := &transportStub{
		respond: func(ctx context.Context, env CommandEnvelope, attempt int) (Ack, error) {
			if env.Seq == 1 {
				return Ack{}, errors.New("nak")
			}
			return Ack{Seq: env.Seq}, nil
		},
	}
	d := NewDispatcher(cfg, ts)
	ctx := context.Background()

	d.Submit(ctx, Decision{Heading: 10}, CommandNormal, epoch)
	require.Eventually(t, func() bool { return d.Stats().ConsecutiveFailures == 1 }, time.Second, time.Millisecond)
	d.Submit(ctx, Decision{Heading: 30}, CommandNormal, epoch.Add(100*time.Millisecond))
	d.Wait()

	count := 0
	for _, env := range ts.envelopes() {
		if env.Seq == 1 {
			count++
		}
	}
	assert.Equal(t, 1, count, "seq 1 must not be retried once superseded")
	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Abandoned)
	assert.Equal(t, uint64(1), stats.Failed, "a superseded envelope that had failed still counts")
	assert.Equal(t, uint64(1), stats.Acked)
	assert.Equal(t, 0, stats.ConsecutiveFailures, "the ack of seq 2 resets the count")
}

func TestDispatcherAckTimeout(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.MaxRetries = 0
	cfg.SendTimeout = 20 * time.Millisecond
	ts := &transportStub{
		respond: func(ctx context.Context, env CommandEnvelope, attempt int) (Ack, error) {
			<-ctx.Done()
			return Ack{}, ctx.Err()
		},
	}
	d := NewDispatcher(cfg, ts)
	d.Submit(context.Background(), Decision{}, CommandEStop, epoch)
	d.Wait()
	assert.Contains(t, d.Stats().LastError, "ack timeout")
}

func TestDispatcherSilentControllerSurfacesFailures(t *testing.T) {
	cfg := DefaultDispatchConfig()
	ts := &transportStub{
		respond: func(ctx context.Context, env CommandEnvelope, attempt int) (Ack, error) {
			<-ctx.Done()
			return Ack{}, ctx.Err()
		},
	}
	d := NewDispatcher(cfg, ts)
	ctx, cancel := context.WithCancel(context.Background())

	// an unchanged decision every tick; the silence refresh supersedes each
	// envelope before its retries can run out
	now := epoch
	for i := 0; i < 12; i++ {
		d.Submit(ctx, Decision{Heading: 90, Speed: 0.5}, CommandNormal, now)
		now = now.Add(100 * time.Millisecond)
		time.Sleep(100 * time.Millisecond)
	}
	cancel()
	d.Wait()

	stats := d.Stats()
	assert.Greater(t, stats.Sent, uint64(1))
	assert.NotZero(t, stats.Abandoned)
	assert.NotZero(t, stats.Failed)
	assert.NotZero(t, stats.ConsecutiveFailures)
	assert.Contains(t, stats.LastError, "dispatch failure")
	assert.Contains(t, stats.LastError, "ack timeout")
	assert.False(t, stats.LastFailureAt.IsZero())
	assert.Zero(t, stats.Acked)
}
