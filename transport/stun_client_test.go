package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/phonecheck/failure"
	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFakeSTUNServer answers every decoded request with the datagrams
// returned by respond.
func startFakeSTUNServer(t *testing.T, respond func(req *stun.Message) [][]byte) *net.UDPAddr {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if req.Decode() != nil {
				continue
			}
			for _, out := range respond(req) {
				conn.WriteTo(out, from)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func bindingSuccess(txid [stun.TransactionIDSize]byte, setters ...stun.Setter) []byte {
	all := append([]stun.Setter{stun.NewTransactionIDSetter(txid), stun.BindingSuccess}, setters...)
	return stun.MustBuild(all...).Raw
}

func listenLoopback(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewSTUNClient(t *testing.T) {
	client := NewSTUNClient()

	assert.NotNil(t, client)
	assert.Equal(t, 1500*time.Millisecond, client.timeout)
	assert.Equal(t, 1, client.retries)
}

func TestSTUNClient_Setters(t *testing.T) {
	client := NewSTUNClient()

	client.SetTimeout(10 * time.Second)
	client.SetRetries(3)
	client.SetTimeout(-1)
	client.SetRetries(-1)

	assert.Equal(t, 10*time.Second, client.timeout)
	assert.Equal(t, 3, client.retries)
}

func TestSTUNClient_buildBindingRequest(t *testing.T) {
	client := NewSTUNClient()

	first, err := client.buildBindingRequest()
	require.NoError(t, err)
	second, err := client.buildBindingRequest()
	require.NoError(t, err)

	require.Len(t, first.Raw, 20)
	assert.Equal(t, []byte{0x00, 0x01}, first.Raw[0:2], "binding request type")
	assert.Equal(t, []byte{0x00, 0x00}, first.Raw[2:4], "empty attribute section")
	assert.Equal(t, []byte{0x21, 0x12, 0xA4, 0x42}, first.Raw[4:8], "magic cookie")
	assert.NotEqual(t, first.TransactionID, second.TransactionID)
}

func TestSTUNClient_parseBindingResponse(t *testing.T) {
	client := NewSTUNClient()
	txid := stun.NewTransactionID()
	otherTxid := stun.NewTransactionID()
	xorAddr := &stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 7), Port: 40000}
	mapped := &stun.MappedAddress{IP: net.IPv4(198, 51, 100, 9), Port: 50000}

	tests := []struct {
		name     string
		data     []byte
		wantAddr string
		wantErr  error
	}{
		{
			name:     "xor mapped address",
			data:     bindingSuccess(txid, xorAddr),
			wantAddr: "203.0.113.7:40000",
		},
		{
			name:     "mapped address fallback",
			data:     bindingSuccess(txid, mapped),
			wantAddr: "198.51.100.9:50000",
		},
		{
			name:     "xor preferred over mapped",
			data:     bindingSuccess(txid, mapped, xorAddr),
			wantAddr: "203.0.113.7:40000",
		},
		{
			name:    "transaction mismatch",
			data:    bindingSuccess(otherTxid, xorAddr),
			wantErr: ErrTransactionMismatch,
		},
		{
			name:    "error response",
			data:    stun.MustBuild(stun.NewTransactionIDSetter(txid), stun.BindingError).Raw,
			wantErr: ErrErrorResponse,
		},
		{
			name:    "no address",
			data:    bindingSuccess(txid),
			wantErr: ErrNoMappedAddress,
		},
		{
			name:    "not stun",
			data:    []byte("SIP/2.0 200 OK\r\n\r\n"),
			wantErr: failure.ErrMalformedMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := client.parseBindingResponse(tt.data, txid)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, addr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, addr.String())
		})
	}
}

func TestSTUNClient_Discover(t *testing.T) {
	server := startFakeSTUNServer(t, func(req *stun.Message) [][]byte {
		return [][]byte{
			[]byte("noise"),
			bindingSuccess(stun.NewTransactionID(), &stun.XORMappedAddress{IP: net.IPv4(192, 0, 2, 1), Port: 1}),
			bindingSuccess(req.TransactionID, &stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 50), Port: 62000}),
		}
	})
	conn := listenLoopback(t)

	client := NewSTUNClient()
	client.SetTimeout(time.Second)

	addr, err := client.Discover(context.Background(), conn, server)

	require.NoError(t, err)
	assert.Equal(t, "203.0.113.50:62000", addr.String())
}

func TestSTUNClient_Discover_InjectedClockDoesNotSetDeadline(t *testing.T) {
	server := startFakeSTUNServer(t, func(req *stun.Message) [][]byte {
		return [][]byte{bindingSuccess(req.TransactionID, &stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 9), Port: 4000})}
	})

	tests := []struct {
		name string
		now  time.Time
	}{
		{"clock in the past", time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"clock in the future", time.Now().Add(24 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := listenLoopback(t)
			client := NewSTUNClient()
			client.SetTimeout(time.Second)
			client.SetTimeProvider(fixedTimeProvider{now: tt.now})

			start := time.Now()
			addr, err := client.Discover(context.Background(), conn, server)

			require.NoError(t, err)
			assert.Equal(t, "203.0.113.9:4000", addr.String())
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestSTUNClient_Discover_InjectedClockStillTimesOut(t *testing.T) {
	silent := listenLoopback(t)
	conn := listenLoopback(t)

	client := NewSTUNClient()
	client.SetTimeout(50 * time.Millisecond)
	client.SetRetries(0)
	client.SetTimeProvider(fixedTimeProvider{now: time.Now().Add(24 * time.Hour)})

	start := time.Now()
	_, err := client.Discover(context.Background(), conn, silent.LocalAddr().(*net.UDPAddr))

	assert.ErrorIs(t, err, failure.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSTUNClient_Discover_RetriesOnce(t *testing.T) {
	requests := make(chan struct{}, 4)
	server := startFakeSTUNServer(t, func(req *stun.Message) [][]byte {
		requests <- struct{}{}
		if len(requests) == 1 {
			return nil
		}
		return [][]byte{bindingSuccess(req.TransactionID, &stun.MappedAddress{IP: net.IPv4(198, 51, 100, 1), Port: 3000})}
	})
	conn := listenLoopback(t)

	client := NewSTUNClient()
	client.SetTimeout(150 * time.Millisecond)

	addr, err := client.Discover(context.Background(), conn, server)

	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1:3000", addr.String())
	assert.Len(t, requests, 2)
}

func TestSTUNClient_Discover_Timeout(t *testing.T) {
	silent := listenLoopback(t)
	conn := listenLoopback(t)

	client := NewSTUNClient()
	client.SetTimeout(50 * time.Millisecond)

	start := time.Now()
	addr, err := client.Discover(context.Background(), conn, silent.LocalAddr().(*net.UDPAddr))

	assert.Nil(t, addr)
	assert.ErrorIs(t, err, failure.ErrTimeout)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSTUNClient_Discover_ContextCancellation(t *testing.T) {
	silent := listenLoopback(t)
	conn := listenLoopback(t)

	client := NewSTUNClient()
	client.SetTimeout(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	addr, err := client.Discover(ctx, conn, silent.LocalAddr().(*net.UDPAddr))

	assert.Nil(t, addr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSTUNClient_Discover_NilArguments(t *testing.T) {
	client := NewSTUNClient()
	conn := listenLoopback(t)

	_, err := client.Discover(context.Background(), nil, &net.UDPAddr{})
	assert.ErrorIs(t, err, ErrNilConn)

	_, err = client.Discover(context.Background(), conn, nil)
	assert.ErrorIs(t, err, ErrNilServer)
}
