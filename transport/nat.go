// This file implements NAT traversal: discovering the public mapping of the
// media socket before the session description is built.

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// HolePunchResult represents the result of a hole punching attempt.
type HolePunchResult uint8

const (
	// HolePunchSuccess means every probe was sent.
	HolePunchSuccess HolePunchResult = iota
	// HolePunchFailedTimeout means the context ended before all probes were sent.
	HolePunchFailedTimeout
	// HolePunchFailedRejected means the socket refused to send.
	HolePunchFailedRejected
	// HolePunchFailedUnknown means hole punching failed for an unknown reason.
	HolePunchFailedUnknown
)

// String returns a readable name for the result.
func (r HolePunchResult) String() string {
	switch r {
	case HolePunchSuccess:
		return "success"
	case HolePunchFailedTimeout:
		return "timeout"
	case HolePunchFailedRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DefaultSTUNPort is the IANA assigned STUN port.
const DefaultSTUNPort = 3478

// Mapping is the address pair a call advertises for its media.
//
// A Mapping is valid for one call only; NAT bindings can change between
// calls, so it is never cached.
type Mapping struct {
	// Local is the bound address of the media socket.
	Local *net.UDPAddr
	// Public is the STUN-discovered address, nil when discovery failed.
	Public *net.UDPAddr
	// Warning explains why Public is missing. Empty on success or when no
	// STUN server was configured.
	Warning string
}

// Discovered reports whether STUN produced a public address.
func (m *Mapping) Discovered() bool {
	return m.Public != nil
}

// Advertised returns the address to publish in SDP: the public mapping when
// known, the local address otherwise.
func (m *Mapping) Advertised() *net.UDPAddr {
	if m.Public != nil {
		return m.Public
	}
	return m.Local
}

// NATTraversal discovers mappings through a STUN server and remembers the
// most recent result for diagnostics.
type NATTraversal struct {
	stunClient *STUNClient

	mu   sync.RWMutex
	last *Mapping
}

// NewNATTraversal creates a NAT traversal helper around client. A nil
// client gets the default STUN client.
func NewNATTraversal(client *STUNClient) *NATTraversal {
	if client == nil {
		client = NewSTUNClient()
	}
	return &NATTraversal{stunClient: client}
}

// Discover determines the advertised address for conn. It never fails:
// every STUN problem degrades to the local address with a Warning set.
//
// Parameters:
//   - ctx: bounds the STUN exchange
//   - conn: the media socket, queried directly so the mapping matches
//   - local: the address to fall back to (already made advertisable)
//   - server: STUN server as host[:port]; empty disables discovery
func (nt *NATTraversal) Discover(ctx context.Context, conn net.PacketConn, local *net.UDPAddr, server string) *Mapping {
	mapping := &Mapping{Local: local}
	defer nt.remember(mapping)

	if server == "" {
		logrus.WithFields(logrus.Fields{
			"function": "NATTraversal.Discover",
			"local":    local.String(),
		}).Info("No STUN server configured, advertising local address")
		return mapping
	}

	serverAddr, err := ResolveUDPAddr(server, DefaultSTUNPort)
	if err != nil {
		mapping.Warning = fmt.Sprintf("STUN server unresolvable: %v", err)
		nt.logDegraded(mapping)
		return mapping
	}

	public, err := nt.stunClient.Discover(ctx, conn, serverAddr)
	if err != nil {
		mapping.Warning = fmt.Sprintf("STUN discovery failed: %v", err)
		nt.logDegraded(mapping)
		return mapping
	}

	mapping.Public = public
	return mapping
}

// logDegraded records a degraded-but-not-fatal traversal outcome.
func (nt *NATTraversal) logDegraded(m *Mapping) {
	logrus.WithFields(logrus.Fields{
		"function": "NATTraversal.Discover",
		"local":    m.Local.String(),
		"warning":  m.Warning,
	}).Warn("Proceeding with local address")
}

func (nt *NATTraversal) remember(m *Mapping) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	nt.last = m
}

// LastMapping returns the most recent discovery result, or nil.
func (nt *NATTraversal) LastMapping() *Mapping {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	return nt.last
}
