// Package transport implements the UDP plumbing of the call engine.
//
// This file implements a STUN (Session Traversal Utilities for NAT) client
// that discovers the public mapping of an already bound socket. The query is
// sent from the socket whose mapping we want, so the answer describes the
// same NAT binding that later carries the media.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/phonecheck/failure"
	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// STUN client errors.
var (
	// ErrNilConn indicates no socket was supplied.
	ErrNilConn = errors.New("connection cannot be nil")

	// ErrNilServer indicates no STUN server address was supplied.
	ErrNilServer = errors.New("STUN server address cannot be nil")

	// ErrNoResponse indicates no matching response arrived before the timeout.
	ErrNoResponse = errors.New("no STUN response")

	// ErrTransactionMismatch indicates a response for another transaction.
	ErrTransactionMismatch = errors.New("STUN transaction ID mismatch")

	// ErrErrorResponse indicates the server answered with a Binding Error.
	ErrErrorResponse = errors.New("STUN server returned error response")

	// ErrNoMappedAddress indicates a success response without an address attribute.
	ErrNoMappedAddress = errors.New("no mapped address found in STUN response")
)

// STUNClient performs RFC 5389 binding requests over a caller-owned socket.
type STUNClient struct {
	timeout time.Duration
	retries int
	time    TimeProvider
}

// NewSTUNClient creates a client with a short per-attempt timeout and a
// single retry.
func NewSTUNClient() *STUNClient {
	return &STUNClient{
		timeout: 1500 * time.Millisecond,
		retries: 1,
		time:    RealTimeProvider{},
	}
}

// SetTimeout sets the per-attempt response timeout.
func (sc *STUNClient) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		sc.timeout = timeout
	}
}

// SetRetries sets how many times a timed out request is re-sent.
func (sc *STUNClient) SetRetries(retries int) {
	if retries >= 0 {
		sc.retries = retries
	}
}

// SetTimeProvider injects the clock used to time round trips. Socket read
// deadlines always use the system clock.
func (sc *STUNClient) SetTimeProvider(tp TimeProvider) {
	sc.time = GetTimeProvider(tp)
}

// Discover sends a Binding Request to server from conn and returns the
// public address the server observed.
//
// Parameters:
//   - ctx: cancels the wait immediately
//   - conn: the socket whose mapping is being discovered
//   - server: resolved STUN server address
//
// Returns:
//   - *net.UDPAddr: XOR-MAPPED-ADDRESS, or MAPPED-ADDRESS when absent
//   - error: classified as failure.ErrTimeout or failure.ErrNetworkFailure
func (sc *STUNClient) Discover(ctx context.Context, conn net.PacketConn, server *net.UDPAddr) (*net.UDPAddr, error) {
	if conn == nil {
		return nil, ErrNilConn
	}
	if server == nil {
		return nil, ErrNilServer
	}

	var lastErr error
	for attempt := 0; attempt <= sc.retries; attempt++ {
		if err := checkContextCancellation(ctx); err != nil {
			return nil, err
		}

		sent := sc.time.Now()
		addr, err := sc.query(ctx, conn, server)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "STUNClient.Discover",
				"server":   server.String(),
				"mapped":   addr.String(),
				"attempt":  attempt + 1,
				"rtt":      sc.time.Now().Sub(sent).String(),
			}).Info("Discovered public address")
			return addr, nil
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"function": "STUNClient.Discover",
			"server":   server.String(),
			"attempt":  attempt + 1,
			"error":    err.Error(),
		}).Debug("STUN attempt failed")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("STUN discovery via %s failed: %w", server, lastErr)
}

// checkContextCancellation verifies the context is not cancelled before proceeding.
func checkContextCancellation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// query performs one request/response exchange.
func (sc *STUNClient) query(ctx context.Context, conn net.PacketConn, server *net.UDPAddr) (*net.UDPAddr, error) {
	request, err := sc.buildBindingRequest()
	if err != nil {
		return nil, err
	}

	if _, err := conn.WriteTo(request.Raw, server); err != nil {
		return nil, failure.Network("stun", err)
	}

	sc.setReadDeadline(ctx, conn)
	defer conn.SetReadDeadline(time.Time{})

	// Unblock the read as soon as the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	return sc.receiveBindingResponse(ctx, conn, request.TransactionID)
}

// setReadDeadline applies the earlier of the attempt timeout and ctx's
// deadline. The kernel compares it against wall time, so it is taken from
// time.Now and not from the injected clock.
func (sc *STUNClient) setReadDeadline(ctx context.Context, conn net.PacketConn) {
	deadline := time.Now().Add(sc.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)
}

// buildBindingRequest constructs a Binding Request with a random 96-bit
// transaction ID and no attributes.
func (sc *STUNClient) buildBindingRequest() (*stun.Message, error) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to build binding request: %w", err)
	}
	return msg, nil
}

// receiveBindingResponse reads until a response for transactionID arrives.
// Datagrams that are not STUN or belong to another transaction are skipped.
func (sc *STUNClient) receiveBindingResponse(ctx context.Context, conn net.PacketConn, transactionID [stun.TransactionIDSize]byte) (*net.UDPAddr, error) {
	buffer := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isTimeout(err) {
				return nil, failure.Timeout("stun", ErrNoResponse)
			}
			return nil, failure.Network("stun", err)
		}

		addr, err := sc.parseBindingResponse(buffer[:n], transactionID)
		if err == nil {
			return addr, nil
		}
		if errors.Is(err, ErrErrorResponse) || errors.Is(err, ErrNoMappedAddress) {
			return nil, err
		}

		logrus.WithFields(logrus.Fields{
			"function": "STUNClient.receiveBindingResponse",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Ignoring datagram while waiting for STUN response")
	}
}

// parseBindingResponse validates a response and extracts the mapped address.
func (sc *STUNClient) parseBindingResponse(data []byte, expectedTransactionID [stun.TransactionIDSize]byte) (*net.UDPAddr, error) {
	if !stun.IsMessage(data) {
		return nil, failure.Malformed("stun", errors.New("not a STUN message"))
	}

	msg := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := msg.Decode(); err != nil {
		return nil, failure.Malformed("stun", err)
	}

	if err := sc.validateTransactionID(msg, expectedTransactionID); err != nil {
		return nil, err
	}

	if err := sc.validateMessageType(msg); err != nil {
		return nil, err
	}

	return sc.extractMappedAddress(msg)
}

// validateTransactionID verifies the transaction ID matches the request.
func (sc *STUNClient) validateTransactionID(msg *stun.Message, expected [stun.TransactionIDSize]byte) error {
	if msg.TransactionID != expected {
		return ErrTransactionMismatch
	}
	return nil
}

// validateMessageType verifies the STUN message type is a binding success response.
func (sc *STUNClient) validateMessageType(msg *stun.Message) error {
	switch msg.Type {
	case stun.BindingSuccess:
		return nil
	case stun.BindingError:
		return ErrErrorResponse
	default:
		return failure.Malformed("stun", fmt.Errorf("unexpected STUN message type: %s", msg.Type))
	}
}

// extractMappedAddress prefers XOR-MAPPED-ADDRESS and falls back to the
// legacy MAPPED-ADDRESS attribute.
func (sc *STUNClient) extractMappedAddress(msg *stun.Message) (*net.UDPAddr, error) {
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}

	var mapped stun.MappedAddress
	if err := mapped.GetFrom(msg); err == nil {
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
	}

	return nil, ErrNoMappedAddress
}
