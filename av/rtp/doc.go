// Package rtp implements the receive side of a call's media stream.
//
// The package turns datagrams arriving on the RTP socket into ordered,
// decoded 8 kHz PCM. It uses the pion/rtp library for header parsing.
//
// # Sequence Ordering
//
// RTP sequence numbers are 16 bits and wrap. IsBefore compares them with
// serial number arithmetic: a precedes b when b is less than half the
// sequence space ahead of a.
//
//	rtp.IsBefore(65535, 0)     // true
//	rtp.IsBefore(0, 32768)     // false
//	rtp.IsBefore(32768, 0)     // false
//
// Two numbers exactly 32768 apart are unordered. The jitter buffer reports
// such packets as InsertAmbiguous and drops them.
//
// # Jitter Buffer
//
// JitterBuffer holds packets until they can be released in sequence order:
//
//	jb := rtp.NewJitterBuffer(rtp.DefaultJitterConfig())
//	jb.Insert(pkt, time.Now())
//	for _, p := range jb.Drain(time.Now()) {
//	    // decode p.Payload
//	}
//	rest := jb.Flush()
//
// A missing packet holds back everything behind it until the oldest
// buffered packet has waited MaxDelay, after which the gap is skipped and
// counted as lost. Time is an argument rather than read from a clock so
// tests can drive the buffer deterministically.
//
// # Receiver
//
// Receiver owns the receive loop for one call. It shares the media socket
// with STUN discovery and hole punching:
//
//	r, err := rtp.NewReceiver(conn, rtp.DefaultReceiverConfig())
//	if err != nil {
//	    return err
//	}
//	r.PunchHole(ctx, remoteMedia)
//	capture, err := r.Receive(ctx, remoteMedia)
//	if err := capture.Validate(500 * time.Millisecond); err != nil {
//	    return err
//	}
//
// Receive ends when the listen window elapses or ctx is cancelled. In both
// cases the jitter buffer is flushed and the audio collected so far is
// returned.
package rtp
