package sip

import (
	"fmt"
	"net"
	"strconv"

	"github.com/opd-ai/phonecheck/av/audio"
	"github.com/opd-ai/phonecheck/failure"
	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
)

// sdpSessionName is the s= line of every offer.
const sdpSessionName = "phonecheck"

// Media direction attributes.
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

// MediaAnswer is the part of an SDP answer the media receiver needs.
type MediaAnswer struct {
	// Addr is the remote RTP address.
	Addr *net.UDPAddr
	// PayloadType is the first of PCMU or PCMA listed in the answer.
	PayloadType uint8
	// Direction is the answer's media direction, sendrecv when absent.
	Direction string
}

// Sends reports whether the answerer intends to send media to us.
func (a *MediaAnswer) Sends() bool {
	return a.Direction == DirectionSendRecv || a.Direction == DirectionSendOnly
}

// BuildOffer returns an SDP offer receiving G.711 audio at media.
//
// The offer lists PCMU before PCMA with 20 ms packetization and is
// recvonly: the call only listens.
func BuildOffer(media *net.UDPAddr, sessionID uint64) ([]byte, error) {
	addressType := "IP4"
	if media.IP.To4() == nil {
		addressType = "IP6"
	}
	host := media.IP.String()

	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    addressType,
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(sdpSessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType,
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	audioMedia := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: media.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	audioMedia.
		WithCodec(audio.PayloadTypePCMU, audio.LawMuLaw.String(), audio.SampleRate, 0, "").
		WithCodec(audio.PayloadTypePCMA, audio.LawALaw.String(), audio.SampleRate, 0, "").
		WithValueAttribute("ptime", "20").
		WithPropertyAttribute(DirectionRecvOnly)
	offer.MediaDescriptions = []*sdp.MediaDescription{audioMedia}

	body, err := offer.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal SDP offer: %w", err)
	}
	return body, nil
}

// ParseAnswer extracts the remote media address and codec from an SDP
// answer. Errors wrap failure.ErrMalformedMessage.
func ParseAnswer(body []byte) (*MediaAnswer, error) {
	var answer sdp.SessionDescription
	if err := answer.Unmarshal(body); err != nil {
		return nil, failure.Malformed("sdp", err)
	}

	var media *sdp.MediaDescription
	for _, m := range answer.MediaDescriptions {
		if m.MediaName.Media == "audio" && m.MediaName.Port.Value != 0 {
			media = m
			break
		}
	}
	if media == nil {
		return nil, failure.Malformed("sdp", ErrNoAudioMedia)
	}

	conn := media.ConnectionInformation
	if conn == nil {
		conn = answer.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return nil, failure.Malformed("sdp", ErrNoConnectionAddress)
	}
	ip := net.ParseIP(conn.Address.Address)
	if ip == nil || ip.IsUnspecified() {
		return nil, failure.Malformed("sdp", fmt.Errorf("%w: %q", ErrNoConnectionAddress, conn.Address.Address))
	}

	pt, ok := selectPayloadType(media.MediaName.Formats)
	if !ok {
		return nil, failure.Malformed("sdp", fmt.Errorf("%w: %v", ErrNoCommonCodec, media.MediaName.Formats))
	}

	result := &MediaAnswer{
		Addr:        &net.UDPAddr{IP: ip, Port: media.MediaName.Port.Value},
		PayloadType: pt,
		Direction:   mediaDirection(media, &answer),
	}

	logrus.WithFields(logrus.Fields{
		"function":     "ParseAnswer",
		"remote_media": result.Addr.String(),
		"payload_type": result.PayloadType,
		"direction":    result.Direction,
	}).Debug("Parsed SDP answer")

	return result, nil
}

// selectPayloadType returns the first static G.711 payload type in formats.
func selectPayloadType(formats []string) (uint8, bool) {
	for _, f := range formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		if uint8(pt) == audio.PayloadTypePCMU || uint8(pt) == audio.PayloadTypePCMA {
			return uint8(pt), true
		}
	}
	return 0, false
}

// mediaDirection returns the media-level direction, falling back to the
// session level and then to sendrecv.
func mediaDirection(media *sdp.MediaDescription, session *sdp.SessionDescription) string {
	for _, dir := range []string{DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive} {
		if _, ok := media.Attribute(dir); ok {
			return dir
		}
	}
	for _, dir := range []string{DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive} {
		if _, ok := session.Attribute(dir); ok {
			return dir
		}
	}
	return DirectionSendRecv
}
