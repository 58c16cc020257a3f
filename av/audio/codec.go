// This file implements the μ-law and A-law byte-to-sample tables. Both
// tables are computed once at package initialisation from the ITU-T G.711
// segment expansion.

package audio

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Law selects the G.711 companding law.
type Law uint8

const (
	// LawMuLaw is G.711 μ-law (PCMU), used in North America and Japan.
	LawMuLaw Law = iota
	// LawALaw is G.711 A-law (PCMA), used in most other regions.
	LawALaw
)

// String returns the RTP encoding name of the law.
func (l Law) String() string {
	switch l {
	case LawMuLaw:
		return "PCMU"
	case LawALaw:
		return "PCMA"
	default:
		return fmt.Sprintf("Law(%d)", uint8(l))
	}
}

// Static RTP payload types for G.711 (RFC 3551).
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

// SampleRate is the G.711 sampling rate in Hz.
const SampleRate = 8000

// ErrUnsupportedPayloadType indicates an RTP payload type without a G.711 decoder.
var ErrUnsupportedPayloadType = errors.New("unsupported payload type")

const (
	g711SignBit   = 0x80
	g711QuantMask = 0x0f
	g711SegShift  = 4
	g711SegMask   = 0x70
	muLawBias     = 0x84
	aLawToggle    = 0x55
)

var (
	muLawTable [256]int16
	aLawTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawTable[i] = expandMuLaw(byte(i))
		aLawTable[i] = expandALaw(byte(i))
	}
}

// expandMuLaw applies the G.711 μ-law expansion. Codewords are transmitted
// inverted; the magnitude is ((mantissa<<3) + bias) << segment, minus bias.
func expandMuLaw(b byte) int16 {
	u := ^b
	t := (int32(u&g711QuantMask) << 3) + muLawBias
	t <<= (u & g711SegMask) >> g711SegShift
	if u&g711SignBit != 0 {
		return int16(muLawBias - t)
	}
	return int16(t - muLawBias)
}

// expandALaw applies the G.711 A-law expansion. Even bits are toggled on
// the wire; segment 0 is linear, higher segments carry an implicit leading one.
func expandALaw(b byte) int16 {
	a := b ^ aLawToggle
	t := int32(a&g711QuantMask) << 4
	seg := (a & g711SegMask) >> g711SegShift
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&g711SignBit != 0 {
		return int16(t)
	}
	return int16(-t)
}

// DecodeMuLaw decodes a single μ-law byte to a linear 16-bit sample.
func DecodeMuLaw(b byte) int16 {
	return muLawTable[b]
}

// DecodeALaw decodes a single A-law byte to a linear 16-bit sample.
func DecodeALaw(b byte) int16 {
	return aLawTable[b]
}

// Decoder converts G.711 payloads to linear PCM at 8 kHz.
//
// A Decoder is stateless and safe for concurrent use.
type Decoder struct {
	law   Law
	table *[256]int16
}

// NewDecoder returns a decoder for the given law.
func NewDecoder(law Law) *Decoder {
	table := &muLawTable
	if law == LawALaw {
		table = &aLawTable
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewDecoder",
		"law":      law.String(),
	}).Debug("Created G.711 decoder")

	return &Decoder{law: law, table: table}
}

// DecoderForPayloadType selects the decoder for a static RTP payload type.
//
// Parameters:
//   - pt: RTP payload type from the packet header
//
// Returns:
//   - *Decoder: μ-law decoder for 0, A-law decoder for 8
//   - error: ErrUnsupportedPayloadType for anything else
func DecoderForPayloadType(pt uint8) (*Decoder, error) {
	switch pt {
	case PayloadTypePCMU:
		return NewDecoder(LawMuLaw), nil
	case PayloadTypePCMA:
		return NewDecoder(LawALaw), nil
	}

	logrus.WithFields(logrus.Fields{
		"function":     "DecoderForPayloadType",
		"payload_type": pt,
	}).Warn("No G.711 decoder for payload type")

	return nil, fmt.Errorf("%w: %d", ErrUnsupportedPayloadType, pt)
}

// Law returns the companding law of the decoder.
func (d *Decoder) Law() Law {
	return d.law
}

// PayloadType returns the static RTP payload type the decoder handles.
func (d *Decoder) PayloadType() uint8 {
	if d.law == LawALaw {
		return PayloadTypePCMA
	}
	return PayloadTypePCMU
}

// Decode returns one sample per payload byte.
func (d *Decoder) Decode(payload []byte) []int16 {
	return d.AppendDecoded(make([]int16, 0, len(payload)), payload)
}

// AppendDecoded appends the decoded samples of payload to dst.
func (d *Decoder) AppendDecoded(dst []int16, payload []byte) []int16 {
	for _, b := range payload {
		dst = append(dst, d.table[b])
	}
	return dst
}

// SamplesDuration returns the playback duration of n samples at 8 kHz.
func SamplesDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
