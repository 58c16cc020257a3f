// Package failure defines the error taxonomy shared by every layer of the
// call engine.
//
// Each failure is reported as a *Error carrying a Kind. Callers classify
// errors with errors.Is against the package sentinels, which also works for
// errors wrapped further up the stack:
//
//	if errors.Is(err, failure.ErrTimeout) {
//		// no answer
//	}
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a call failure.
type Kind uint8

const (
	// KindUnknown is used for errors that carry no classification.
	KindUnknown Kind = iota
	// KindNetwork indicates a send or receive failure on a socket.
	KindNetwork
	// KindTimeout indicates a transaction or listen window expired.
	KindTimeout
	// KindAuthentication indicates the server rejected our credentials
	// or offered an unsupported digest algorithm.
	KindAuthentication
	// KindRejected indicates a final 3xx-6xx response other than an auth
	// challenge.
	KindRejected
	// KindNoAudio indicates the capture was empty or below the minimum
	// duration.
	KindNoAudio
	// KindMalformed indicates unparseable SIP, RTP or STUN data.
	KindMalformed
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "NetworkFailure"
	case KindTimeout:
		return "Timeout"
	case KindAuthentication:
		return "AuthenticationFailed"
	case KindRejected:
		return "CallRejected"
	case KindNoAudio:
		return "NoAudioReceived"
	case KindMalformed:
		return "MalformedMessage"
	default:
		return "Unknown"
	}
}

// Sentinel errors, one per kind.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrNetworkFailure matches every KindNetwork error.
	ErrNetworkFailure = errors.New("network failure")

	// ErrTimeout matches every KindTimeout error.
	ErrTimeout = errors.New("timeout")

	// ErrAuthenticationFailed matches every KindAuthentication error.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrCallRejected matches every KindRejected error.
	ErrCallRejected = errors.New("call rejected")

	// ErrNoAudioReceived matches every KindNoAudio error.
	ErrNoAudioReceived = errors.New("no audio received")

	// ErrMalformedMessage matches every KindMalformed error.
	ErrMalformedMessage = errors.New("malformed message")
)

var sentinels = map[Kind]error{
	KindNetwork:        ErrNetworkFailure,
	KindTimeout:        ErrTimeout,
	KindAuthentication: ErrAuthenticationFailed,
	KindRejected:       ErrCallRejected,
	KindNoAudio:        ErrNoAudioReceived,
	KindMalformed:      ErrMalformedMessage,
}

// Error is a classified call failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "INVITE" or "stun".
	Op string
	// StatusCode is the SIP final status for KindRejected and
	// KindAuthentication, zero otherwise.
	StatusCode int
	// Reason is a human readable detail such as the SIP reason phrase.
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (%d %s)", msg, e.StatusCode, e.Reason)
	} else if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Network wraps a socket error.
func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// Timeout reports an expired transaction or listen window.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// Authentication reports a failed digest exchange. status and reason are
// the challenging response's, or zero when no response is involved.
func Authentication(op string, status int, reason string, err error) *Error {
	return &Error{Kind: KindAuthentication, Op: op, StatusCode: status, Reason: reason, Err: err}
}

// Rejected reports a final non-2xx, non-challenge response.
func Rejected(op string, status int, reason string) *Error {
	return &Error{Kind: KindRejected, Op: op, StatusCode: status, Reason: reason}
}

// NoAudio reports an empty or too-short capture.
func NoAudio(reason string) *Error {
	return &Error{Kind: KindNoAudio, Reason: reason}
}

// Malformed wraps a parse error for a single datagram.
func Malformed(op string, err error) *Error {
	return &Error{Kind: KindMalformed, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// StatusOf returns the SIP status code recorded in err's chain, or zero.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

// Retryable reports whether an orchestrator may retry the call.
// Network failures, timeouts and 5xx rejections are transient. Busy,
// forbidden, not found and authentication failures are terminal.
func Retryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindRejected:
		return fe.StatusCode >= 500 && fe.StatusCode < 600
	default:
		return false
	}
}
