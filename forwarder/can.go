package forwarder

import (
	"context"
	"sync"

	"github.com/jd3nn1s/skimmer"
	"github.com/jd3nn1s/skimmer/boatcan"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type CANBus interface {
	Close() error
	Start(context.Context, boatcan.Callbacks) error
	SendCommand(skimmer.CommandEnvelope) error
}

var canConnect = func(p string) (CANBus, error) {
	return boatcan.Connect(p)
}

// CANTransport publishes command frames and matches ack frames by the low 32
// bits of the sequence number. The bus is reopened whenever it fails.
type CANTransport struct {
	iface   string
	waiters *waiters

	mu  sync.Mutex
	bus CANBus

	cancel context.CancelFunc
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewCANTransport(iface string) *CANTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &CANTransport{
		iface:   iface,
		waiters: newWaiters(),
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := skimmer.Retry(ctx, &canLink{t: t})
		if err != nil && ctx.Err() == nil {
			log.Errorf("canbus done: %v", err)
		}
	}()
	return t
}

func (t *CANTransport) Send(ctx context.Context, env skimmer.CommandEnvelope) (skimmer.Ack, error) {
	t.mu.Lock()
	bus := t.bus
	t.mu.Unlock()
	if bus == nil {
		return skimmer.Ack{}, errors.New("can bus not connected")
	}

	seq := uint64(uint32(env.Seq))
	ch, done := t.waiters.add(seq)
	defer done()
	if err := bus.SendCommand(env); err != nil {
		return skimmer.Ack{}, errors.Wrapf(err, "unable to send seq %d", env.Seq)
	}
	ack, err := wait(ctx, ch, t.closed, env.Seq)
	if err != nil {
		return ack, err
	}
	ack.Seq = env.Seq
	return ack, nil
}

func (t *CANTransport) Close() error {
	t.once.Do(func() {
		t.cancel()
		t.wg.Wait()
		close(t.closed)
	})
	return nil
}

func (t *CANTransport) setBus(bus CANBus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bus = bus
}

func (t *CANTransport) ack(seq uint32) {
	if !t.waiters.deliver(skimmer.Ack{Seq: uint64(seq), ReceivedAt: now()}) {
		log.WithField("seq", seq).Debug("late can ack")
	}
}

// canLink is the Retryable side of CANTransport.
type canLink struct {
	t *CANTransport
	c CANBus
}

func (l *canLink) Open() error {
	c, err := canConnect(l.t.iface)
	l.c = c
	return err
}

func (l *canLink) Close() error {
	l.t.setBus(nil)
	if l.c == nil {
		return nil
	}
	return l.c.Close()
}

func (l *canLink) Start(ctx context.Context) error {
	l.t.setBus(l.c)
	defer l.t.setBus(nil)
	return l.c.Start(ctx, boatcan.Callbacks{
		Ack: l.t.ack,
	})
}

func (l *canLink) Name() string {
	return "canbus"
}
