package rtp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/phonecheck/av/audio"
	"github.com/opd-ai/phonecheck/failure"
	"github.com/opd-ai/phonecheck/transport"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestReceiver(t *testing.T, conn net.PacketConn, listen time.Duration) *Receiver {
	t.Helper()
	cfg := DefaultReceiverConfig()
	cfg.ListenDuration = listen
	r, err := NewReceiver(conn, cfg)
	require.NoError(t, err)
	return r
}

// sendMuLaw sends one 20 ms PCMU packet whose bytes all equal fill.
func sendMuLaw(t *testing.T, from *net.UDPConn, to net.Addr, seq uint16, fill byte) {
	t.Helper()
	data := marshalRTP(t, seq, audio.PayloadTypePCMU, bytes.Repeat([]byte{fill}, SamplesPerPacket))
	_, err := from.WriteTo(data, to)
	require.NoError(t, err)
}

func TestNewReceiver(t *testing.T) {
	_, err := NewReceiver(nil, ReceiverConfig{})
	assert.Error(t, err)

	conn := listenLoopback(t)
	r, err := NewReceiver(conn, ReceiverConfig{})
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, r.config.ListenDuration)
	assert.Equal(t, 5, r.config.PunchCount)
	assert.Equal(t, 20*time.Millisecond, r.config.PunchInterval)
	assert.NotZero(t, r.config.SSRC)
	assert.Equal(t, conn.LocalAddr(), r.LocalAddr())
	assert.Equal(t, StateAwaitingFirstPacket, r.State())
}

func TestReceiver_ReordersAndSkipsLostPacket(t *testing.T) {
	conn := listenLoopback(t)
	peer := listenLoopback(t)
	r := newTestReceiver(t, conn, 400*time.Millisecond)

	// 105 is never sent; 101/102 and 106/107 arrive swapped.
	for _, seq := range []uint16{100, 102, 101, 103, 104, 107, 106, 108, 109, 110} {
		sendMuLaw(t, peer, conn.LocalAddr(), seq, byte(seq-100))
	}

	capture, err := r.Receive(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 10, capture.Packets)
	require.Len(t, capture.Samples, 1600)
	assert.Equal(t, 200*time.Millisecond, capture.Duration())
	assert.Equal(t, audio.PayloadTypePCMU, capture.PayloadType)
	assert.False(t, capture.Cancelled)
	assert.Equal(t, 1, capture.Stats.Lost)

	want := []uint16{100, 101, 102, 103, 104, 106, 107, 108, 109, 110}
	for i, seq := range want {
		assert.Equal(t, audio.DecodeMuLaw(byte(seq-100)), capture.Samples[i*SamplesPerPacket],
			"packet %d should hold sequence %d", i, seq)
	}
	assert.Equal(t, StateDrained, r.State())
}

func TestReceiver_DropsMalformedAndForeignPayloads(t *testing.T) {
	conn := listenLoopback(t)
	peer := listenLoopback(t)
	r := newTestReceiver(t, conn, 300*time.Millisecond)

	_, err := peer.WriteTo([]byte("not rtp"), conn.LocalAddr())
	require.NoError(t, err)
	sendMuLaw(t, peer, conn.LocalAddr(), 1, 0xFF)
	alaw := marshalRTP(t, 2, audio.PayloadTypePCMA, bytes.Repeat([]byte{0xD5}, SamplesPerPacket))
	_, err = peer.WriteTo(alaw, conn.LocalAddr())
	require.NoError(t, err)
	sendMuLaw(t, peer, conn.LocalAddr(), 3, 0xFF)

	capture, err := r.Receive(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, capture.Dropped)
	assert.Equal(t, 2, capture.Packets)
	assert.Len(t, capture.Samples, 2*SamplesPerPacket)
	assert.Equal(t, audio.PayloadTypePCMU, capture.PayloadType)
}

func TestReceiver_Cancellation(t *testing.T) {
	conn := listenLoopback(t)
	r := newTestReceiver(t, conn, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	capture, err := r.Receive(ctx, nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, capture.Cancelled)
	assert.Zero(t, capture.Packets)
	assert.ErrorIs(t, capture.Validate(500*time.Millisecond), failure.ErrNoAudioReceived)
}

func TestReceiver_PunchHole(t *testing.T) {
	conn := listenLoopback(t)
	peer := listenLoopback(t)

	cfg := DefaultReceiverConfig()
	cfg.SSRC = 0x11223344
	cfg.PunchInterval = time.Millisecond
	r, err := NewReceiver(conn, cfg)
	require.NoError(t, err)

	attempt, err := r.PunchHole(context.Background(), peer.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	assert.Equal(t, 5, attempt.Sent)

	buf := make([]byte, 1500)
	for i := 0; i < 5; i++ {
		require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, from, err := peer.ReadFrom(buf)
		require.NoError(t, err)
		assert.Equal(t, conn.LocalAddr().String(), from.String())

		var probe rtp.Packet
		require.NoError(t, probe.Unmarshal(buf[:n]))
		assert.Equal(t, uint16(i), probe.SequenceNumber)
		assert.Equal(t, uint32(0x11223344), probe.SSRC)
	}
}

func TestReceiver_ReportsPunchResult(t *testing.T) {
	conn := listenLoopback(t)
	peer := listenLoopback(t)
	remote := peer.LocalAddr().(*net.UDPAddr)

	cfg := DefaultReceiverConfig()
	cfg.ListenDuration = 100 * time.Millisecond
	cfg.PunchInterval = time.Millisecond
	r, err := NewReceiver(conn, cfg)
	require.NoError(t, err)

	_, err = r.PunchHole(context.Background(), remote)
	require.NoError(t, err)

	capture, err := r.Receive(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, capture.Punched)
	assert.Equal(t, transport.HolePunchSuccess, capture.Punch)
}

func TestReceiver_NoPunchReported(t *testing.T) {
	conn := listenLoopback(t)
	r := newTestReceiver(t, conn, 50*time.Millisecond)

	capture, err := r.Receive(context.Background(), nil)
	require.NoError(t, err)

	assert.False(t, capture.Punched)
}

func TestReceiver_CountsForeignSource(t *testing.T) {
	conn := listenLoopback(t)
	peer := listenLoopback(t)
	other := listenLoopback(t)
	r := newTestReceiver(t, conn, 300*time.Millisecond)

	sendMuLaw(t, peer, conn.LocalAddr(), 1, 0xFF)
	sendMuLaw(t, peer, conn.LocalAddr(), 2, 0xFF)
	sendMuLaw(t, other, conn.LocalAddr(), 3, 0xFF)
	sendMuLaw(t, other, conn.LocalAddr(), 4, 0xFF)

	capture, err := r.Receive(context.Background(), peer.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	assert.Equal(t, 2, capture.ForeignSource)
	assert.Equal(t, 4, capture.Packets)
	assert.Zero(t, capture.Dropped)
}

func TestSameUDPAddr(t *testing.T) {
	a := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4000}

	tests := []struct {
		name string
		b    *net.UDPAddr
		want bool
	}{
		{"identical", &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4000}, true},
		{"four byte form", &net.UDPAddr{IP: net.IP{192, 0, 2, 1}, Port: 4000}, true},
		{"other port", &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4001}, false},
		{"other host", &net.UDPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 4000}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameUDPAddr(a, tt.b))
		})
	}
}

func TestReceiver_Keepalive(t *testing.T) {
	conn := listenLoopback(t)
	peer := listenLoopback(t)

	cfg := DefaultReceiverConfig()
	cfg.ListenDuration = 200 * time.Millisecond
	cfg.KeepaliveInterval = 20 * time.Millisecond
	r, err := NewReceiver(conn, cfg)
	require.NoError(t, err)

	_, err = r.Receive(context.Background(), peer.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 1500)
	n, _, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, headerSize, n)
}

func TestCapture_Validate(t *testing.T) {
	tests := []struct {
		name    string
		samples int
		packets int
		wantErr bool
	}{
		{"no packets", 0, 0, true},
		{"too short", 3 * SamplesPerPacket, 3, true},
		{"exactly minimum", 4000, 25, false},
		{"long", 80000, 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Capture{Samples: make([]int16, tt.samples), Packets: tt.packets}
			err := c.Validate(500 * time.Millisecond)
			if tt.wantErr {
				assert.ErrorIs(t, err, failure.ErrNoAudioReceived)
				return
			}
			assert.NoError(t, err)
		})
	}
}
