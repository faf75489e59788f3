package forwarder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// SerialConfig describes the link to the motor controller's USB serial port.
type SerialConfig struct {
	Device   string `toml:"device" yaml:"device"`
	BaudRate int    `toml:"baud" yaml:"baud"`
	DataBits int    `toml:"data_bits" yaml:"data_bits"`
	StopBits int    `toml:"stop_bits" yaml:"stop_bits"`
	Parity   string `toml:"parity" yaml:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o SerialConfig) Normalize() (SerialConfig, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, errors.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, errors.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, errors.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial opens a
// port with.
func (o SerialConfig) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

var serialOpen = func(device string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(device, mode)
}

// SerialTransport speaks the motor controller's line protocol:
//
//	CMD <seq> <heading> <speed> <mode>
//	ACK <seq>
type SerialTransport struct {
	port    io.ReadWriteCloser
	writeMu sync.Mutex
	waiters *waiters
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewSerialTransport(cfg SerialConfig) (*SerialTransport, error) {
	mode, err := cfg.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serialOpen(cfg.Device, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open serial port %s", cfg.Device)
	}
	return newSerialTransport(port), nil
}

func newSerialTransport(port io.ReadWriteCloser) *SerialTransport {
	s := &SerialTransport{
		port:    port,
		waiters: newWaiters(),
		closed:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readAcks()
	return s
}

// FormatCommand renders env as one protocol line without the newline.
func FormatCommand(env skimmer.CommandEnvelope) string {
	return fmt.Sprintf("CMD %d %.1f %.2f %s", env.Seq, wireHeading(env.Heading), env.Speed, env.Mode)
}

// wireHeading rounds h to the tenth of a degree the text links carry,
// keeping the result in [0,360).
func wireHeading(h float64) float64 {
	return skimmer.NormalizeHeading(math.Round(skimmer.NormalizeHeading(h)*10) / 10)
}

// ParseAck parses an "ACK <seq>" line.
func ParseAck(line string) (uint64, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "ACK" {
		return 0, errors.Errorf("not an ack: %q", line)
	}
	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad ack sequence in %q", line)
	}
	return seq, nil
}

func (s *SerialTransport) Send(ctx context.Context, env skimmer.CommandEnvelope) (skimmer.Ack, error) {
	ch, done := s.waiters.add(env.Seq)
	defer done()

	s.writeMu.Lock()
	_, err := io.WriteString(s.port, FormatCommand(env)+"\n")
	s.writeMu.Unlock()
	if err != nil {
		return skimmer.Ack{}, errors.Wrapf(err, "unable to write seq %d", env.Seq)
	}
	return wait(ctx, ch, s.closed, env.Seq)
}

func (s *SerialTransport) readAcks() {
	defer s.wg.Done()
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seq, err := ParseAck(line)
		if err != nil {
			// the controller also prints its own diagnostics
			log.WithField("line", line).Debug("serial")
			continue
		}
		if !s.waiters.deliver(skimmer.Ack{Seq: seq, ReceivedAt: now()}) {
			log.WithField("seq", seq).Debug("late serial ack")
		}
	}
	select {
	case <-s.closed:
	default:
		log.Errorf("serial link lost: %v", scanner.Err())
		s.shutdown()
	}
}

func (s *SerialTransport) shutdown() {
	s.once.Do(func() {
		close(s.closed)
	})
}

func (s *SerialTransport) Close() error {
	s.shutdown()
	err := s.port.Close()
	s.wg.Wait()
	return err
}
