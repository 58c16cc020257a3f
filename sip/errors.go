package sip

import "errors"

// Sentinel errors for sip package operations.
// These errors enable reliable error classification using errors.Is().

// Message parsing errors.
var (
	// ErrEmptyMessage indicates a datagram with no start line.
	ErrEmptyMessage = errors.New("empty SIP message")

	// ErrBadStartLine indicates a status code outside 100-699.
	ErrBadStartLine = errors.New("malformed SIP start line")

	// ErrUnparseable indicates a datagram the SIP parser rejected.
	ErrUnparseable = errors.New("unparseable SIP message")

	// ErrMissingHeader indicates a mandatory header is absent.
	ErrMissingHeader = errors.New("missing mandatory SIP header")

	// ErrBadCSeq indicates a message without a usable CSeq header.
	ErrBadCSeq = errors.New("malformed CSeq header")

	// ErrTruncatedBody indicates fewer body bytes than Content-Length announced.
	ErrTruncatedBody = errors.New("SIP body shorter than Content-Length")
)

// SDP errors.
var (
	// ErrNoAudioMedia indicates an SDP answer without an audio media line.
	ErrNoAudioMedia = errors.New("SDP answer has no audio media")

	// ErrNoCommonCodec indicates the answer selected neither PCMU nor PCMA.
	ErrNoCommonCodec = errors.New("SDP answer has no supported codec")

	// ErrNoConnectionAddress indicates no usable c= line in the answer.
	ErrNoConnectionAddress = errors.New("SDP answer has no connection address")
)

// Authentication errors.
var (
	// ErrUnsupportedAlgorithm indicates a digest algorithm other than MD5 or MD5-sess.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

	// ErrUnsupportedQOP indicates a qop list without auth or auth-int.
	ErrUnsupportedQOP = errors.New("unsupported digest qop")

	// ErrMissingChallenge indicates a 401/407 response without a challenge header.
	ErrMissingChallenge = errors.New("authentication challenge header missing")

	// ErrNoCredentials indicates the server asked for credentials we do not have.
	ErrNoCredentials = errors.New("server requires authentication but no credentials are configured")

	// ErrRepeatedChallenge indicates a second challenge of the same type after
	// an authenticated retry.
	ErrRepeatedChallenge = errors.New("challenged again after authenticated retry")
)

// Call control errors.
var (
	// ErrTransactionTimeout indicates Timer B expired without a final response.
	ErrTransactionTimeout = errors.New("INVITE transaction timed out")

	// ErrByeTimeout indicates the BYE was not answered in time.
	ErrByeTimeout = errors.New("BYE not answered")

	// ErrDialogTerminated indicates the remote party ended the dialog.
	ErrDialogTerminated = errors.New("dialog terminated by remote party")

	// ErrClientClosed indicates the client's read loop has stopped.
	ErrClientClosed = errors.New("SIP client closed")

	// ErrInvalidConfig indicates a client configuration that cannot place calls.
	ErrInvalidConfig = errors.New("invalid SIP client configuration")
)
