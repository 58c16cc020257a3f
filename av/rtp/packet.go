package rtp

import (
	"errors"
	"fmt"

	"github.com/opd-ai/phonecheck/failure"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// rtpVersion is the only RTP version we accept.
const rtpVersion = 2

// headerSize is the size of the fixed RTP header.
const headerSize = 12

// SamplesPerPacket is the G.711 sample count of a 20 ms packet.
const SamplesPerPacket = 160

// Packet parsing errors.
var (
	// ErrPacketTooShort indicates a datagram smaller than the fixed header.
	ErrPacketTooShort = errors.New("RTP packet too short")

	// ErrBadVersion indicates a version field other than 2.
	ErrBadVersion = errors.New("unsupported RTP version")

	// ErrEmptyPayload indicates a packet without media bytes.
	ErrEmptyPayload = errors.New("RTP packet has no payload")
)

// Packet is a parsed RTP packet. It is not modified after parsing.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32
	PayloadType    uint8
	SSRC           uint32
	Marker         bool
	Payload        []byte
}

// ParsePacket parses a datagram into a Packet.
//
// Wire format (RFC 3550):
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	|V=2|P|X|  CC   |M|     PT      |       sequence number         |
//	|                           timestamp                           |
//	|           synchronization source (SSRC) identifier            |
//	|            contributing source (CSRC) identifiers ...         |
//	|            [extension header], payload, [padding]             |
//
// Errors are classified as failure.ErrMalformedMessage; the caller drops
// the datagram and keeps receiving.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, failure.Malformed("rtp", fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(data)))
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return nil, failure.Malformed("rtp", err)
	}

	if pkt.Version != rtpVersion {
		return nil, failure.Malformed("rtp", fmt.Errorf("%w: %d", ErrBadVersion, pkt.Version))
	}

	if len(pkt.Payload) == 0 {
		return nil, failure.Malformed("rtp", ErrEmptyPayload)
	}

	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)

	return &Packet{
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		PayloadType:    pkt.PayloadType,
		SSRC:           pkt.SSRC,
		Marker:         pkt.Marker,
		Payload:        payload,
	}, nil
}

// NewProbePacket returns a header-only RTP packet (PT 0, 20 ms timestamp
// spacing) suitable for opening a NAT pinhole towards a media peer.
func NewProbePacket(seq uint16, ssrc uint32) []byte {
	header := rtp.Header{
		Version:        rtpVersion,
		PayloadType:    0,
		SequenceNumber: seq,
		Timestamp:      uint32(seq) * SamplesPerPacket,
		SSRC:           ssrc,
	}

	buf, err := header.Marshal()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewProbePacket",
			"sequence": seq,
			"error":    err.Error(),
		}).Error("Failed to marshal probe header")
		return []byte{}
	}
	return buf
}
