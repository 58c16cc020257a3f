// Package transport implements the UDP plumbing of the call engine.
//
// This file implements UDP hole punching: a few outbound datagrams sent from
// the media socket to the remote media address so the local NAT admits the
// return stream from that address and port.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Hole punching errors.
var (
	// ErrNilRemote indicates no remote address was supplied.
	ErrNilRemote = errors.New("remote address cannot be nil")

	// ErrPunchFailed indicates no probe could be sent.
	ErrPunchFailed = errors.New("hole punching failed after all attempts")
)

// HolePuncher sends pinhole-opening probes over a caller-owned socket.
type HolePuncher struct {
	conn        net.PacketConn
	maxAttempts int
	interval    time.Duration
	probe       func(attempt int) []byte
	time        TimeProvider

	mu           sync.RWMutex
	punchResults map[string]HolePunchResult
}

// HolePunchAttempt represents a hole punching attempt
type HolePunchAttempt struct {
	RemoteAddr  *net.UDPAddr
	LocalAddr   net.Addr
	Attempts    int
	Sent        int
	LastAttempt time.Time
	Result      HolePunchResult
}

// NewHolePuncher creates a hole puncher that sends from conn.
func NewHolePuncher(conn net.PacketConn) (*HolePuncher, error) {
	if conn == nil {
		return nil, ErrNilConn
	}

	return &HolePuncher{
		conn:         conn,
		maxAttempts:  5,
		interval:     20 * time.Millisecond,
		probe:        func(int) []byte { return []byte{} },
		time:         RealTimeProvider{},
		punchResults: make(map[string]HolePunchResult),
	}, nil
}

// PunchHole sends the configured number of probes to remoteAddr, spaced by
// the configured interval. Send errors on individual probes are tolerated;
// the attempt fails only when no probe went out.
func (hp *HolePuncher) PunchHole(ctx context.Context, remoteAddr *net.UDPAddr) (*HolePunchAttempt, error) {
	if remoteAddr == nil {
		return nil, ErrNilRemote
	}

	hp.mu.Lock()
	defer hp.mu.Unlock()

	attempt := &HolePunchAttempt{
		RemoteAddr: remoteAddr,
		LocalAddr:  hp.conn.LocalAddr(),
		Result:     HolePunchFailedUnknown,
	}

	var lastErr error
	for i := 0; i < hp.maxAttempts; i++ {
		if i > 0 && !hp.wait(ctx) {
			attempt.Result = HolePunchFailedTimeout
			hp.punchResults[remoteAddr.String()] = attempt.Result
			return attempt, ctx.Err()
		}

		attempt.Attempts = i + 1
		attempt.LastAttempt = hp.time.Now()

		if err := hp.sendHolePunchPacket(remoteAddr, i); err != nil {
			lastErr = err
			continue
		}
		attempt.Sent++
	}

	if attempt.Sent == 0 {
		attempt.Result = HolePunchFailedRejected
		hp.punchResults[remoteAddr.String()] = attempt.Result
		return attempt, fmt.Errorf("%w: %v", ErrPunchFailed, lastErr)
	}

	attempt.Result = HolePunchSuccess
	hp.punchResults[remoteAddr.String()] = attempt.Result

	logrus.WithFields(logrus.Fields{
		"function": "HolePuncher.PunchHole",
		"remote":   remoteAddr.String(),
		"local":    attempt.LocalAddr.String(),
		"sent":     attempt.Sent,
	}).Debug("Hole punch probes sent")

	return attempt, nil
}

// wait sleeps for one interval, returning false if ctx ends first.
func (hp *HolePuncher) wait(ctx context.Context) bool {
	timer := hp.time.NewTimer(hp.interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// sendHolePunchPacket sends the probe for attempt i.
func (hp *HolePuncher) sendHolePunchPacket(remoteAddr *net.UDPAddr, i int) error {
	if _, err := hp.conn.WriteTo(hp.probe(i), remoteAddr); err != nil {
		return fmt.Errorf("failed to send hole punch packet: %w", err)
	}
	return nil
}

// GetHolePunchResult returns the result of a previous hole punch attempt
func (hp *HolePuncher) GetHolePunchResult(remoteAddr *net.UDPAddr) (HolePunchResult, bool) {
	hp.mu.RLock()
	defer hp.mu.RUnlock()

	result, exists := hp.punchResults[remoteAddr.String()]
	return result, exists
}

// SetMaxAttempts sets the number of probes sent per punch.
func (hp *HolePuncher) SetMaxAttempts(attempts int) {
	if attempts > 0 {
		hp.maxAttempts = attempts
	}
}

// SetInterval sets the spacing between probes.
func (hp *HolePuncher) SetInterval(interval time.Duration) {
	if interval >= 0 {
		hp.interval = interval
	}
}

// SetProbe sets the payload builder. The default sends empty datagrams.
func (hp *HolePuncher) SetProbe(probe func(attempt int) []byte) {
	if probe != nil {
		hp.probe = probe
	}
}

// SetTimeProvider injects the clock used to space probes.
func (hp *HolePuncher) SetTimeProvider(tp TimeProvider) {
	hp.time = GetTimeProvider(tp)
}
