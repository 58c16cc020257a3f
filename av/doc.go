// Package av places outbound test calls and returns the audio they capture.
//
// An Engine runs one call at a time through a fixed sequence: resolve the
// SIP server, bind the signaling and media sockets, discover the public
// media address with STUN, send the INVITE (answering one digest challenge
// per type), punch a hole towards the answerer's media address, capture
// G.711 audio for the listen window and finally send a bounded BYE.
//
// # Architecture
//
// The engine composes the lower packages:
//
//   - sip: message codec, INVITE transaction, dialog and digest authentication
//   - av/rtp: RTP parsing, jitter buffer and the media Receiver
//   - av/audio: G.711 decoding and WAV export
//   - transport: UDP read loop, STUN client, NAT discovery and hole punching
//   - failure: the error taxonomy every outcome is classified with
//
// Signaling and media run as two goroutines under an errgroup. They share
// only the confirmed session (a buffered channel), the media-done signal
// and the call context. A remote BYE ends media capture early; cancelling
// the context ends whichever step is in progress and still sends BYE.
//
// # Usage
//
//	engine, err := av.NewEngine(av.Options{
//	    Server:     "pbx.example.com",
//	    Target:     "1000",
//	    Username:   "alice",
//	    Password:   "secret",
//	    STUNServer: "stun.l.google.com:19302",
//	})
//	if err != nil {
//	    return err
//	}
//	result := engine.RunWithRetry(ctx)
//	if !result.Succeeded() {
//	    log.Printf("call failed (%s): %v", result.Kind, result.Err)
//	}
//
// # Results
//
// Every outcome is a Result. Failures carry a failure.Kind so callers can
// tell a rejected call from a timeout, an authentication failure, a
// network error or a call that connected but delivered no audio. Degraded
// conditions that did not stop the call, such as an unreachable STUN
// server, are listed in Result.Warnings.
//
// # Quality
//
// AssessQuality grades the captured stream from the jitter buffer's
// statistics using packet loss thresholds, reported in Result.Quality.
package av
