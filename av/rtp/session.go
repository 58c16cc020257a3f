package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/phonecheck/av/audio"
	"github.com/opd-ai/phonecheck/failure"
	"github.com/opd-ai/phonecheck/transport"
	"github.com/sirupsen/logrus"
)

// ReceiverConfig controls one media receive session.
type ReceiverConfig struct {
	// ListenDuration bounds the whole receive window.
	ListenDuration time.Duration
	// Jitter configures reordering and gap skipping.
	Jitter JitterConfig
	// PunchCount is the number of hole punching probes.
	PunchCount int
	// PunchInterval spaces the probes.
	PunchInterval time.Duration
	// KeepaliveInterval sends a probe to the remote media address at this
	// interval while listening. Zero disables keepalives.
	KeepaliveInterval time.Duration
	// SSRC identifies our probe packets. Zero picks a random value.
	SSRC uint32
	// TimeProvider is injected for tests. Nil uses the system clock.
	TimeProvider transport.TimeProvider
}

// DefaultReceiverConfig returns a 10 second listen window, five probes 20 ms
// apart and no keepalive.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		ListenDuration: 10 * time.Second,
		Jitter:         DefaultJitterConfig(),
		PunchCount:     5,
		PunchInterval:  20 * time.Millisecond,
	}
}

// Capture is the decoded audio of one call.
type Capture struct {
	// Samples is 8 kHz linear PCM in release order.
	Samples []int16
	// Packets is the number of packets decoded into Samples.
	Packets int
	// PayloadType is the G.711 payload type of the stream.
	PayloadType uint8
	// Cancelled is set when the receive ended through cancellation.
	Cancelled bool
	// Dropped counts datagrams discarded before reaching the jitter buffer.
	Dropped int
	// ForeignSource counts datagrams accepted from an address other than
	// the answered media address. Symmetric RTP peers behind NAT send from
	// such addresses, so they are counted rather than refused.
	ForeignSource int
	// Punch is the hole punching outcome towards the media address. It is
	// only meaningful when Punched is set.
	Punch   transport.HolePunchResult
	Punched bool
	Stats   JitterStats
}

// Duration returns the playback length of the capture.
func (c *Capture) Duration() time.Duration {
	return audio.SamplesDuration(len(c.Samples))
}

// Validate reports a failure.ErrNoAudioReceived error when the capture is
// empty or shorter than minDuration.
func (c *Capture) Validate(minDuration time.Duration) error {
	if c.Packets == 0 {
		return failure.NoAudio("no RTP packets received")
	}
	if c.Duration() < minDuration {
		return failure.NoAudio(fmt.Sprintf("captured %s, need at least %s", c.Duration(), minDuration))
	}
	return nil
}

// Receiver reads RTP from the call's media socket, reorders it and decodes
// it to PCM. The socket is owned by the caller and is not closed here.
type Receiver struct {
	conn     net.PacketConn
	config   ReceiverConfig
	jitter   *JitterBuffer
	decoder  *audio.Decoder
	time     transport.TimeProvider
	puncher  *transport.HolePuncher
	remote   *net.UDPAddr
	probeSeq uint16
}

// NewReceiver creates a receiver over conn.
//
// Parameters:
//   - conn: the bound RTP socket, also used for STUN and hole punching
//   - config: receive window settings; zero fields take defaults
//
// Returns:
//   - *Receiver: receiver ready for PunchHole and Receive
//   - error: if conn is nil
func NewReceiver(conn net.PacketConn, config ReceiverConfig) (*Receiver, error) {
	if conn == nil {
		return nil, transport.ErrNilConn
	}

	defaults := DefaultReceiverConfig()
	if config.ListenDuration <= 0 {
		config.ListenDuration = defaults.ListenDuration
	}
	if config.PunchCount <= 0 {
		config.PunchCount = defaults.PunchCount
	}
	if config.PunchInterval <= 0 {
		config.PunchInterval = defaults.PunchInterval
	}
	if config.SSRC == 0 {
		config.SSRC = randomSSRC()
	}

	logrus.WithFields(logrus.Fields{
		"function":        "NewReceiver",
		"local_addr":      conn.LocalAddr().String(),
		"listen_duration": config.ListenDuration.String(),
	}).Debug("Creating RTP receiver")

	puncher, err := transport.NewHolePuncher(conn)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		conn:    conn,
		config:  config,
		jitter:  NewJitterBuffer(config.Jitter),
		time:    transport.GetTimeProvider(config.TimeProvider),
		puncher: puncher,
	}
	puncher.SetMaxAttempts(config.PunchCount)
	puncher.SetInterval(config.PunchInterval)
	puncher.SetProbe(r.nextProbe)
	puncher.SetTimeProvider(r.time)
	return r, nil
}

// randomSSRC returns a random non-zero SSRC.
func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	if v := binary.BigEndian.Uint32(b[:]); v != 0 {
		return v
	}
	return 1
}

// LocalAddr returns the bound address of the media socket.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	addr, _ := r.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Conn returns the media socket.
func (r *Receiver) Conn() net.PacketConn {
	return r.conn
}

// State returns the receive window state.
func (r *Receiver) State() BufferState {
	return r.jitter.State()
}

// nextProbe builds the next header-only probe packet.
func (r *Receiver) nextProbe(int) []byte {
	seq := r.probeSeq
	r.probeSeq++
	return NewProbePacket(seq, r.config.SSRC)
}

// PunchHole sends probe packets from the media socket to remote so the
// local NAT admits the return stream. Call it after the dialog is
// confirmed and before Receive. remote becomes the expected media source
// and its outcome is reported in the Capture.
func (r *Receiver) PunchHole(ctx context.Context, remote *net.UDPAddr) (*transport.HolePunchAttempt, error) {
	if remote != nil {
		r.remote = remote
	}

	attempt, err := r.puncher.PunchHole(ctx, remote)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.PunchHole",
			"remote":   remote.String(),
			"error":    err.Error(),
		}).Warn("Hole punching incomplete")
		return attempt, err
	}
	return attempt, nil
}

// Receive collects audio until the listen window elapses or ctx is
// cancelled, then flushes the jitter buffer and returns the capture.
//
// Malformed datagrams and packets with a payload type other than the
// stream's are dropped without ending the receive. remote, when non-nil,
// is the expected media source and the target of keepalive probes.
func (r *Receiver) Receive(ctx context.Context, remote *net.UDPAddr) (*Capture, error) {
	if remote != nil {
		r.remote = remote
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	datagrams := make(chan transport.Datagram, 64)
	go transport.ReadLoop(loopCtx, r.conn, datagrams)
	defer func() {
		stopLoop()
		for range datagrams {
		}
	}()

	capture := &Capture{}

	listen := r.time.NewTimer(r.config.ListenDuration)
	defer listen.Stop()

	jitterTimer := r.time.NewTimer(time.Hour)
	transport.StopTimer(jitterTimer)
	defer jitterTimer.Stop()

	var keepalive <-chan time.Time
	if r.config.KeepaliveInterval > 0 && remote != nil {
		ticker := r.time.NewTicker(r.config.KeepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Receiver.Receive",
		"local_addr":      r.conn.LocalAddr().String(),
		"listen_duration": r.config.ListenDuration.String(),
	}).Info("Listening for RTP")

	for {
		select {
		case <-ctx.Done():
			capture.Cancelled = true
			return r.finish(capture), nil

		case <-listen.C:
			return r.finish(capture), nil

		case dg, ok := <-datagrams:
			if !ok {
				return r.finish(capture), failure.Network("rtp", net.ErrClosed)
			}
			now := r.time.Now()
			r.handleDatagram(dg, capture, now)
			r.release(capture, now)
			r.armJitterTimer(jitterTimer, now)

		case <-jitterTimer.C:
			now := r.time.Now()
			r.release(capture, now)
			r.armJitterTimer(jitterTimer, now)

		case <-keepalive:
			r.sendKeepalive(remote)
		}
	}
}

// handleDatagram parses one datagram and inserts it into the jitter buffer.
func (r *Receiver) handleDatagram(dg transport.Datagram, capture *Capture, now time.Time) {
	pkt, err := ParsePacket(dg.Data)
	if err != nil {
		capture.Dropped++
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleDatagram",
			"from":     dg.Addr.String(),
			"size":     len(dg.Data),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	if r.decoder == nil {
		decoder, err := audio.DecoderForPayloadType(pkt.PayloadType)
		if err != nil {
			capture.Dropped++
			return
		}
		r.decoder = decoder
		capture.PayloadType = pkt.PayloadType

		logrus.WithFields(logrus.Fields{
			"function":     "Receiver.handleDatagram",
			"from":         dg.Addr.String(),
			"payload_type": pkt.PayloadType,
			"codec":        decoder.Law().String(),
			"ssrc":         pkt.SSRC,
		}).Info("First RTP packet received")
	} else if pkt.PayloadType != r.decoder.PayloadType() {
		capture.Dropped++
		return
	}

	if r.remote != nil && !sameUDPAddr(dg.Addr, r.remote) {
		capture.ForeignSource++
		if capture.ForeignSource == 1 {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.handleDatagram",
				"from":     dg.Addr.String(),
				"expected": r.remote.String(),
				"sequence": pkt.SequenceNumber,
			}).Warn("RTP arriving from an address other than the answered media address")
		}
	}

	if result := r.jitter.Insert(pkt, now); result != InsertBuffered {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleDatagram",
			"sequence": pkt.SequenceNumber,
			"result":   result,
		}).Debug("Packet not buffered")
	}
}

// sameUDPAddr compares IP and port, treating IPv4 and its IPv4-in-IPv6
// form as equal.
func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// release decodes every packet the jitter buffer lets go at now.
func (r *Receiver) release(capture *Capture, now time.Time) {
	r.decode(capture, r.jitter.Drain(now))
}

func (r *Receiver) decode(capture *Capture, packets []*Packet) {
	for _, pkt := range packets {
		capture.Samples = r.decoder.AppendDecoded(capture.Samples, pkt.Payload)
		capture.Packets++
	}
}

// armJitterTimer schedules the next gap or buffering deadline.
func (r *Receiver) armJitterTimer(timer *time.Timer, now time.Time) {
	transport.StopTimer(timer)
	deadline, ok := r.jitter.NextDeadline()
	if !ok {
		return
	}
	wait := deadline.Sub(now)
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

// sendKeepalive sends one probe to keep the NAT binding alive.
func (r *Receiver) sendKeepalive(remote *net.UDPAddr) {
	if _, err := r.conn.WriteTo(r.nextProbe(0), remote); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.sendKeepalive",
			"remote":   remote.String(),
			"error":    err.Error(),
		}).Debug("Keepalive send failed")
	}
}

// finish flushes the jitter buffer into the capture.
func (r *Receiver) finish(capture *Capture) *Capture {
	remaining := r.jitter.Flush()
	if r.decoder != nil {
		r.decode(capture, remaining)
	}
	capture.Stats = r.jitter.Stats()
	if r.remote != nil {
		capture.Punch, capture.Punched = r.puncher.GetHolePunchResult(r.remote)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "Receiver.finish",
		"packets":        capture.Packets,
		"samples":        len(capture.Samples),
		"duration":       capture.Duration().String(),
		"lost":           capture.Stats.Lost,
		"late":           capture.Stats.Late,
		"out_of_window":  capture.Stats.OutOfWindow,
		"dropped":        capture.Dropped,
		"foreign_source": capture.ForeignSource,
		"punched":        capture.Punched,
		"punch":          capture.Punch.String(),
		"cancelled":      capture.Cancelled,
	}).Info("RTP receive finished")

	return capture
}
