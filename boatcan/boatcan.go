// Package boatcan speaks the motor controller's CAN protocol.
package boatcan

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/brutella/can"
	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	frameCommand uint32 = 0x200
	frameAck            = 0x201
)

type AckFn func(seq uint32)

type Callbacks struct {
	Ack AckFn
}

type CANBus interface {
	SubscribeFunc(can.HandlerFunc)
	ConnectAndPublish() error
	Disconnect() error
	Publish(can.Frame) error
}

var newBus = func(name string) (CANBus, error) {
	return can.NewBusForInterfaceWithName(name)
}

type Connection struct {
	bus CANBus
	cb  Callbacks
}

func Connect(portName string) (*Connection, error) {
	bus, err := newBus(portName)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		bus: bus,
	}
	return c, nil
}

// Start subscribes to the bus and blocks until ctx is done or the bus fails.
func (c *Connection) Start(ctx context.Context, cb Callbacks) error {
	c.cb = cb
	c.bus.SubscribeFunc(c.handleFrame)
	log.Info("CAN bus opened and subscribed")

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			log.Infof("stopping can bus: %v", ctx.Err())
			if err := c.bus.Disconnect(); err != nil {
				log.WithField("err", err).Warn("unable to disconnect canbus after context")
			}
		case <-stopped:
		}
	}()

	if err := c.bus.ConnectAndPublish(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("can bus closed")
}

func (c *Connection) Close() error {
	if c.bus == nil {
		return errors.New("can bus not connected")
	}
	return c.bus.Disconnect()
}

// SendCommand publishes env as a command frame.
func (c *Connection) SendCommand(env skimmer.CommandEnvelope) error {
	if c.bus == nil {
		return errors.New("can bus not connected")
	}
	log.WithField("seq", env.Seq).Debug("sending command over canbus")
	return c.bus.Publish(CommandFrame(env))
}

// CommandFrame packs env into 8 bytes: seq u32, heading in centidegrees u16,
// speed in hundredths u8, mode u8. The sequence number is truncated to 32
// bits.
func CommandFrame(env skimmer.CommandEnvelope) can.Frame {
	buf := [8]byte{}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(env.Seq))
	heading := math.Round(skimmer.NormalizeHeading(env.Heading) * 100)
	if heading >= 36000 {
		heading = 0
	}
	binary.LittleEndian.PutUint16(buf[4:6], uint16(heading))
	buf[6] = uint8(math.Round(math.Max(0, math.Min(env.Speed*100, math.MaxUint8))))
	buf[7] = uint8(env.Mode)
	return can.Frame{
		ID:     frameCommand,
		Length: 8,
		Data:   buf,
	}
}

// ParseCommandFrame is the inverse of CommandFrame.
func ParseCommandFrame(frame can.Frame) (skimmer.CommandEnvelope, error) {
	if frame.ID != frameCommand || frame.Length != 8 {
		return skimmer.CommandEnvelope{}, errors.Errorf("not a command frame: id %#x length %v", frame.ID, frame.Length)
	}
	return skimmer.CommandEnvelope{
		Seq:     uint64(binary.LittleEndian.Uint32(frame.Data[0:4])),
		Heading: float64(binary.LittleEndian.Uint16(frame.Data[4:6])) / 100,
		Speed:   float64(frame.Data[6]) / 100,
		Mode:    skimmer.CommandMode(frame.Data[7]),
	}, nil
}

func AckFrame(seq uint32) can.Frame {
	buf := [8]byte{}
	binary.LittleEndian.PutUint32(buf[0:4], seq)
	return can.Frame{
		ID:     frameAck,
		Length: 4,
		Data:   buf,
	}
}

func (c *Connection) handleFrame(frame can.Frame) {
	log.WithField("canID", frame.ID).
		WithField("length", frame.Length).
		Debug("received canbus frame")

	switch frame.ID {
	case frameAck:
	case frameCommand:
		// our own commands echo back on a loopback bus
		return
	default:
		log.WithField("canID", frame.ID).
			Error("unknown canID")
		return
	}

	seq, err := uint32Result(frame)
	if err != nil {
		log.WithField("err", err).Error("unable to convert to uint32")
		return
	}
	if c.cb.Ack == nil {
		log.WithField("canID", frame.ID).Debug("no callback registered")
		return
	}
	c.cb.Ack(seq)
}

func uint32Result(frame can.Frame) (uint32, error) {
	if frame.Length != 4 {
		return 0, errors.Errorf("incorrect frame size for uint32: %v", frame.Length)
	}
	return binary.LittleEndian.Uint32(frame.Data[0:4]), nil
}
