package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATTraversal_Discover(t *testing.T) {
	server := startFakeSTUNServer(t, func(req *stun.Message) [][]byte {
		return [][]byte{bindingSuccess(req.TransactionID, &stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 10), Port: 41000})}
	})
	conn := listenLoopback(t)
	local := conn.LocalAddr().(*net.UDPAddr)

	nt := NewNATTraversal(nil)
	mapping := nt.Discover(context.Background(), conn, local, server.String())

	require.NotNil(t, mapping)
	assert.True(t, mapping.Discovered())
	assert.Empty(t, mapping.Warning)
	assert.Equal(t, "203.0.113.10:41000", mapping.Advertised().String())
	assert.Equal(t, local, mapping.Local)
	assert.Same(t, mapping, nt.LastMapping())
}

func TestNATTraversal_Discover_UnreachableDegrades(t *testing.T) {
	silent := listenLoopback(t)
	conn := listenLoopback(t)
	local := conn.LocalAddr().(*net.UDPAddr)

	client := NewSTUNClient()
	client.SetTimeout(30 * time.Millisecond)
	nt := NewNATTraversal(client)

	mapping := nt.Discover(context.Background(), conn, local, silent.LocalAddr().String())

	require.NotNil(t, mapping)
	assert.False(t, mapping.Discovered())
	assert.Contains(t, mapping.Warning, "STUN discovery failed")
	assert.Equal(t, local, mapping.Advertised())
}

func TestNATTraversal_Discover_NoServer(t *testing.T) {
	conn := listenLoopback(t)
	local := conn.LocalAddr().(*net.UDPAddr)

	mapping := NewNATTraversal(nil).Discover(context.Background(), conn, local, "")

	assert.False(t, mapping.Discovered())
	assert.Empty(t, mapping.Warning)
	assert.Equal(t, local, mapping.Advertised())
}

func TestNATTraversal_Discover_UnresolvableServer(t *testing.T) {
	conn := listenLoopback(t)
	local := conn.LocalAddr().(*net.UDPAddr)

	mapping := NewNATTraversal(nil).Discover(context.Background(), conn, local, "stun.invalid:bad-port")

	assert.False(t, mapping.Discovered())
	assert.Contains(t, mapping.Warning, "unresolvable")
}

func TestHolePunchResult_String(t *testing.T) {
	assert.Equal(t, "success", HolePunchSuccess.String())
	assert.Equal(t, "timeout", HolePunchFailedTimeout.String())
	assert.Equal(t, "rejected", HolePunchFailedRejected.String())
	assert.Equal(t, "unknown", HolePunchFailedUnknown.String())
}
