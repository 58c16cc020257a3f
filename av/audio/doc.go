// Package audio turns received G.711 payloads into linear PCM and exports
// captured calls.
//
// # Decoding
//
// DecodeMuLaw and DecodeALaw map one codeword to one 16-bit sample through
// tables built at init. A Decoder bound to a payload type (0 for PCMU, 8
// for PCMA) decodes whole RTP payloads:
//
//	decoder, err := audio.DecoderForPayloadType(packet.PayloadType)
//	if err != nil {
//	    return err
//	}
//	samples = decoder.AppendDecoded(samples, packet.Payload)
//
// Every sample is 125 µs at SampleRate; SamplesDuration converts a count.
//
// # Analysis and export
//
// MeasureLevel reports peak and RMS level so callers can flag captures
// that are digital silence. Resample converts a capture to another rate
// with linear interpolation, typically WidebandSampleRate for speech
// tooling, and SaveWAV writes mono 16-bit WAV files through
// github.com/go-audio/wav.
package audio
