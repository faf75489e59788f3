package forwarder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Header struct {
	Type uint8
}

const (
	TypeCommand = 1
	TypeAck     = 2
)

// CommandPacket is the wire form of a CommandEnvelope.
type CommandPacket struct {
	Seq      uint64
	Heading  float32
	Speed    float32
	Mode     uint8
	IssuedAt int64
}

type AckPacket struct {
	Seq uint64
}

var maxPacketSize = binary.Size(Header{}) + binary.Size(CommandPacket{})

func NewCommandPacket(env skimmer.CommandEnvelope) CommandPacket {
	return CommandPacket{
		Seq:      env.Seq,
		Heading:  float32(env.Heading),
		Speed:    float32(env.Speed),
		Mode:     uint8(env.Mode),
		IssuedAt: env.IssuedAt.UnixNano(),
	}
}

func (p CommandPacket) Envelope() skimmer.CommandEnvelope {
	return skimmer.CommandEnvelope{
		Seq:      p.Seq,
		Heading:  float64(p.Heading),
		Speed:    float64(p.Speed),
		Mode:     skimmer.CommandMode(p.Mode),
		IssuedAt: time.Unix(0, p.IssuedAt),
	}
}

func encode(typ uint8, body interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, maxPacketSize))
	hdr := Header{
		Type: typ,
	}
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "unable to write udp packet header")
	}
	if err := binary.Write(buf, binary.LittleEndian, body); err != nil {
		return nil, errors.Wrap(err, "unable to write udp packet body")
	}
	return buf.Bytes(), nil
}

func EncodeCommand(env skimmer.CommandEnvelope) ([]byte, error) {
	pkt := NewCommandPacket(env)
	return encode(TypeCommand, &pkt)
}

func EncodeAck(seq uint64) ([]byte, error) {
	return encode(TypeAck, &AckPacket{Seq: seq})
}

// Decode reads one datagram. It returns either a *CommandPacket or an
// *AckPacket.
func Decode(data []byte) (interface{}, error) {
	rdr := bytes.NewReader(data)
	hdr := Header{}
	if err := binary.Read(rdr, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "unable to read udp packet header")
	}
	var body interface{}
	switch hdr.Type {
	case TypeCommand:
		body = &CommandPacket{}
	case TypeAck:
		body = &AckPacket{}
	default:
		return nil, errors.Errorf("unknown packet type %d", hdr.Type)
	}
	if err := binary.Read(rdr, binary.LittleEndian, body); err != nil {
		return nil, errors.Wrapf(err, "unable to read packet type %d", hdr.Type)
	}
	return body, nil
}

type UDPConfig struct {
	Server string `toml:"server" yaml:"server"`
	Port   int    `toml:"port" yaml:"port"`
}

// UDPTransport sends each envelope as one datagram and waits for the ack
// datagram carrying the same sequence number.
type UDPTransport struct {
	Config *UDPConfig

	conn    *net.UDPConn
	waiters *waiters
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewUDPTransport reads a toml UDPConfig from fileName and connects.
func NewUDPTransport(fileName string) (*UDPTransport, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	defer file.Close()
	return NewUDPTransportFromReader(file)
}

func NewUDPTransportFromReader(configReader io.Reader) (*UDPTransport, error) {
	configData, err := io.ReadAll(configReader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	config := UDPConfig{}
	if _, err := toml.Decode(string(configData), &config); err != nil {
		return nil, errors.Wrapf(err, "unable to load udp transport configuration")
	}
	return NewUDPTransportFromConfig(config)
}

func NewUDPTransportFromConfig(config UDPConfig) (*UDPTransport, error) {
	udp := &UDPTransport{
		Config:  &config,
		waiters: newWaiters(),
		closed:  make(chan struct{}),
	}
	if err := udp.connect(); err != nil {
		return nil, err
	}
	udp.wg.Add(1)
	go udp.readAcks()
	return udp, nil
}

func (udp *UDPTransport) Close() error {
	var err error
	udp.once.Do(func() {
		close(udp.closed)
		err = udp.conn.Close()
		udp.wg.Wait()
	})
	return err
}

func (udp *UDPTransport) Send(ctx context.Context, env skimmer.CommandEnvelope) (skimmer.Ack, error) {
	data, err := EncodeCommand(env)
	if err != nil {
		return skimmer.Ack{}, err
	}
	ch, done := udp.waiters.add(env.Seq)
	defer done()
	if _, err := udp.conn.Write(data); err != nil {
		return skimmer.Ack{}, errors.Wrapf(err, "unable to send seq %d to %s", env.Seq, udp.conn.RemoteAddr())
	}
	return wait(ctx, ch, udp.closed, env.Seq)
}

func (udp *UDPTransport) readAcks() {
	defer udp.wg.Done()
	buffer := make([]byte, maxPacketSize*2)
	for {
		n, err := udp.conn.Read(buffer)
		if err != nil {
			select {
			case <-udp.closed:
				return
			default:
			}
			// the peer being absent shows up as ECONNREFUSED on a connected socket
			log.Debugf("udp read: %v", err)
			continue
		}
		pkt, err := Decode(buffer[:n])
		if err != nil {
			log.Warnf("ignoring udp packet: %v", err)
			continue
		}
		ack, ok := pkt.(*AckPacket)
		if !ok {
			continue
		}
		if !udp.waiters.deliver(skimmer.Ack{Seq: ack.Seq, ReceivedAt: now()}) {
			log.WithField("seq", ack.Seq).Debug("late udp ack")
		}
	}
}

func (udp *UDPTransport) connect() error {
	writeBufSize := maxPacketSize * 2

	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d",
		udp.Config.Server,
		udp.Config.Port))
	if err != nil {
		return err
	}
	udpConn := conn.(*net.UDPConn)
	if err = udpConn.SetWriteBuffer(writeBufSize); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "unable to set OS write buffer to %v", writeBufSize)
	}

	udp.conn = udpConn
	return nil
}
