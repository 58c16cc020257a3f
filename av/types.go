package av

import (
	"net"
	"time"

	"github.com/opd-ai/phonecheck/av/audio"
	"github.com/opd-ai/phonecheck/av/rtp"
	"github.com/opd-ai/phonecheck/failure"
	"github.com/opd-ai/phonecheck/transport"
)

// CallState represents the progress or outcome of one call.
type CallState uint32

const (
	// CallStateIdle indicates no call has been started.
	CallStateIdle CallState = iota
	// CallStateResolving indicates the SIP server address is being resolved
	// and the sockets bound.
	CallStateResolving
	// CallStateDiscovering indicates STUN discovery is running on the media socket.
	CallStateDiscovering
	// CallStateInviting indicates the INVITE transaction is in progress.
	CallStateInviting
	// CallStateListening indicates the call was answered and media is being captured.
	CallStateListening
	// CallStateHangingUp indicates the BYE is being sent.
	CallStateHangingUp
	// CallStateCompleted indicates audio was captured and the call ended.
	CallStateCompleted
	// CallStateFailed indicates the call ended with a classified failure.
	CallStateFailed
	// CallStateCancelled indicates the caller cancelled the call.
	CallStateCancelled
)

// String returns a human-readable representation of the call state.
func (s CallState) String() string {
	switch s {
	case CallStateIdle:
		return "idle"
	case CallStateResolving:
		return "resolving"
	case CallStateDiscovering:
		return "discovering"
	case CallStateInviting:
		return "inviting"
	case CallStateListening:
		return "listening"
	case CallStateHangingUp:
		return "hanging_up"
	case CallStateCompleted:
		return "completed"
	case CallStateFailed:
		return "failed"
	case CallStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is an outcome rather than a progress state.
func (s CallState) Terminal() bool {
	return s == CallStateCompleted || s == CallStateFailed || s == CallStateCancelled
}

// Result is the outcome of one call. It is the only value the engine
// hands back; every failure mode resolves to a Result rather than a panic
// or a bare error.
type Result struct {
	// State is CallStateCompleted, CallStateFailed or CallStateCancelled.
	State CallState

	// Samples is the captured 8 kHz linear PCM audio in sequence order.
	// It is kept on failure and cancellation when any audio arrived.
	Samples []int16
	// Duration is the playback length of Samples.
	Duration time.Duration
	// PayloadType is the G.711 payload type of the stream.
	PayloadType uint8

	// Warnings lists degraded but non-fatal conditions, such as a failed
	// STUN discovery.
	Warnings []string

	// Err is the terminal failure, nil on success.
	Err error
	// Kind classifies Err.
	Kind failure.Kind
	// StatusCode is the SIP status of a rejection, zero otherwise.
	StatusCode int

	// CallID is the SIP Call-ID of the dialog.
	CallID string
	// Attempts counts INVITE transactions, including authentication retries.
	Attempts int
	// RemoteHangup is set when the called party sent BYE.
	RemoteHangup bool
	// Retried is set when RunWithRetry placed a second call.
	Retried bool

	// LocalMedia is the bound RTP address and PublicMedia the address
	// advertised in SDP. RemoteMedia is the answerer's RTP address.
	LocalMedia  *net.UDPAddr
	PublicMedia *net.UDPAddr
	RemoteMedia *net.UDPAddr

	// Stats describes the jitter buffer's handling of the stream.
	Stats rtp.JitterStats
	// Dropped counts datagrams discarded before the jitter buffer.
	Dropped int
	// ForeignSource counts RTP datagrams that came from an address other
	// than RemoteMedia.
	ForeignSource int
	// Punch is the hole punching outcome towards RemoteMedia, valid when
	// Punched is set.
	Punch   transport.HolePunchResult
	Punched bool
	// Quality grades the received stream.
	Quality QualityReport
	// Level is the loudness of Samples.
	Level audio.Level

	StartedAt time.Time
	Elapsed   time.Duration
}

// Succeeded reports whether the call completed with enough audio.
func (r *Result) Succeeded() bool {
	return r.State == CallStateCompleted && r.Err == nil
}

// Summary returns a one-line description for logs and the CLI.
func (r *Result) Summary() string {
	switch {
	case r.Succeeded():
		return "call completed, " + r.Duration.String() + " of audio captured"
	case r.State == CallStateCancelled:
		return "call cancelled"
	case r.Err != nil:
		return r.Kind.String() + ": " + r.Err.Error()
	default:
		return r.State.String()
	}
}

func (r *Result) addWarning(warning string) {
	if warning != "" {
		r.Warnings = append(r.Warnings, warning)
	}
}
