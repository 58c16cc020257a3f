package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// readPollInterval bounds how long a single ReadFrom blocks so the loop
// observes cancellation promptly.
const readPollInterval = 100 * time.Millisecond

// maxDatagramSize is large enough for any SIP message or RTP packet we accept.
const maxDatagramSize = 65535

// Datagram is a single UDP payload together with its source address.
type Datagram struct {
	Data []byte
	Addr *net.UDPAddr
}

// ReadLoop reads datagrams from conn and delivers copies to out until ctx is
// cancelled or the connection is closed. It closes out on return.
//
// ReadLoop is the single network event source of the SIP and RTP select
// loops: callers own the socket, the loop only reads from it.
func ReadLoop(ctx context.Context, conn net.PacketConn, out chan<- Datagram) {
	defer close(out)

	buffer := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, addr, err := readPacketData(conn, buffer)
		if err != nil {
			if handleReadError(err) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "ReadLoop",
				"local":    conn.LocalAddr().String(),
				"error":    err.Error(),
			}).Debug("Read loop stopped")
			return
		}

		select {
		case out <- Datagram{Data: data, Addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

// readPacketData reads one datagram with a short deadline and returns a copy.
func readPacketData(conn net.PacketConn, buffer []byte) ([]byte, *net.UDPAddr, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readPollInterval))

	n, addr, err := conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, err
	}

	data := make([]byte, n)
	copy(data, buffer[:n])

	udpAddr, _ := addr.(*net.UDPAddr)
	return data, udpAddr, nil
}

// handleReadError reports whether the read loop should keep going.
func handleReadError(err error) bool {
	if isTimeout(err) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil && opErr.Err.Error() == "message too long" {
		// Oversized datagram, discarded by the kernel
		return true
	}
	return false
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ListenUDP binds a UDP socket on addr ("host:port", port 0 for ephemeral).
func ListenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}
