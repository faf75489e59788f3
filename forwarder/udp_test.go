package forwarder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// motorStub answers every command datagram with an ack built by reply.
func motorStub(t *testing.T, reply func(pkt *CommandPacket) []uint64) (net.PacketConn, <-chan CommandPacket) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	received := make(chan CommandPacket, 16)
	go func() {
		buffer := make([]byte, 1024)
		for {
			n, addr, err := pc.ReadFrom(buffer)
			if err != nil {
				return
			}
			pkt, err := Decode(buffer[:n])
			if !assert.NoError(t, err) {
				return
			}
			cmd := pkt.(*CommandPacket)
			received <- *cmd
			for _, seq := range reply(cmd) {
				data, err := EncodeAck(seq)
				assert.NoError(t, err)
				_, _ = pc.WriteTo(data, addr)
			}
		}
	}()
	return pc, received
}

func udpConfig(pc net.PacketConn) string {
	return fmt.Sprintf(`
server = "127.0.0.1"
port = %d
`, pc.LocalAddr().(*net.UDPAddr).Port)
}

func TestUDPTransport(t *testing.T) {
	pc, received := motorStub(t, func(pkt *CommandPacket) []uint64 {
		return []uint64{pkt.Seq}
	})

	udp, err := NewUDPTransportFromReader(bytes.NewBufferString(udpConfig(pc)))
	require.NoError(t, err)
	defer udp.Close()

	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env := skimmer.CommandEnvelope{
		Seq:      7,
		Heading:  92.5,
		Speed:    0.75,
		Mode:     skimmer.CommandHold,
		IssuedAt: issued,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ack, err := udp.Send(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ack.Seq)
	assert.False(t, ack.ReceivedAt.IsZero())

	pkt := <-received
	got := pkt.Envelope()
	assert.Equal(t, env.Seq, got.Seq)
	assert.Equal(t, env.Heading, got.Heading)
	assert.Equal(t, env.Speed, got.Speed)
	assert.Equal(t, env.Mode, got.Mode)
	assert.True(t, issued.Equal(got.IssuedAt))
	assert.Equal(t, 0, udp.waiters.pending())
}

func TestUDPTransportIgnoresOtherAcks(t *testing.T) {
	pc, _ := motorStub(t, func(pkt *CommandPacket) []uint64 {
		return []uint64{pkt.Seq - 1}
	})

	udp, err := NewUDPTransportFromConfig(UDPConfig{Server: "127.0.0.1", Port: pc.LocalAddr().(*net.UDPAddr).Port})
	require.NoError(t, err)
	defer udp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = udp.Send(ctx, skimmer.CommandEnvelope{Seq: 3})
	assert.True(t, errors.Is(err, skimmer.ErrAckTimeout))
}

func TestUDPTransportClose(t *testing.T) {
	pc, _ := motorStub(t, func(pkt *CommandPacket) []uint64 { return nil })
	udp, err := NewUDPTransportFromReader(bytes.NewBufferString(udpConfig(pc)))
	require.NoError(t, err)

	errChan := make(chan error)
	go func() {
		_, err := udp.Send(context.Background(), skimmer.CommandEnvelope{Seq: 1})
		errChan <- err
	}()
	assert.Eventually(t, func() bool { return udp.waiters.pending() == 1 }, time.Second, time.Millisecond)
	assert.NoError(t, udp.Close())
	assert.Error(t, <-errChan)
	// closing twice is harmless
	assert.NoError(t, udp.Close())
}

func TestUDPTransportFromFile(t *testing.T) {
	pc, _ := motorStub(t, func(pkt *CommandPacket) []uint64 { return []uint64{pkt.Seq} })
	path := filepath.Join(t.TempDir(), "motor.toml")
	require.NoError(t, os.WriteFile(path, []byte(udpConfig(pc)), 0o600))

	udp, err := NewUDPTransport(path)
	require.NoError(t, err)
	defer udp.Close()
	ack, err := udp.Send(context.Background(), skimmer.CommandEnvelope{Seq: 4, Heading: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ack.Seq)

	_, err = NewUDPTransport(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestPacketLayout(t *testing.T) {
	data, err := EncodeCommand(skimmer.CommandEnvelope{Seq: 1, Heading: 2, Speed: 0.5, Mode: skimmer.CommandEStop})
	require.NoError(t, err)
	assert.Equal(t, maxPacketSize, len(data))
	assert.Equal(t, uint8(TypeCommand), data[0])
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(data[1:9]))

	data, err = EncodeAck(42)
	require.NoError(t, err)
	assert.Equal(t, 9, len(data))
	pkt, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, &AckPacket{Seq: 42}, pkt)

	_, err = Decode([]byte{9, 0, 0})
	assert.Error(t, err)
	_, err = Decode([]byte{TypeAck, 1})
	assert.Error(t, err)
}
