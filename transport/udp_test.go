package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLoop_DeliversDatagrams(t *testing.T) {
	conn := listenLoopback(t)
	sender := listenLoopback(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Datagram, 4)
	go ReadLoop(ctx, conn, out)

	_, err := sender.WriteTo([]byte("hello"), conn.LocalAddr())
	require.NoError(t, err)

	select {
	case dg := <-out:
		assert.Equal(t, []byte("hello"), dg.Data)
		assert.Equal(t, sender.LocalAddr().String(), dg.Addr.String())
	case <-time.After(time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestReadLoop_StopsOnCancel(t *testing.T) {
	conn := listenLoopback(t)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Datagram)
	go ReadLoop(ctx, conn, out)

	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("read loop did not stop")
	}
}

func TestReadLoop_StopsOnClose(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	out := make(chan Datagram)
	go ReadLoop(context.Background(), conn, out)
	conn.Close()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("read loop did not stop")
	}
}

func TestResolveUDPAddr_UDP(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"with port", "127.0.0.1:5070", "127.0.0.1:5070", false},
		{"default port", "127.0.0.1", "127.0.0.1:5060", false},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ResolveUDPAddr(tt.in, 5060)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr.String())
		})
	}
}

func TestAdvertisableAddr_UDP(t *testing.T) {
	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5060}

	bound := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	assert.Equal(t, "127.0.0.1:4000", AdvertisableAddr(bound, remote).String())

	wildcard := &net.UDPAddr{IP: net.IPv4zero, Port: 4002}
	addr := AdvertisableAddr(wildcard, remote)
	assert.Equal(t, 4002, addr.Port)
	assert.True(t, addr.IP.IsLoopback())
}
