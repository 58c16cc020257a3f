package sip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	sipgo "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// branchMagic is the RFC 3261 branch prefix.
const branchMagic = "z9hG4bK"

// maxForwards is the Max-Forwards value of every request we send.
const maxForwards = 70

// allowedMethods lists the methods the client understands.
const allowedMethods = "INVITE, ACK, CANCEL, BYE"

// DefaultProduct is the User-Agent header value when none is configured.
const DefaultProduct = "phonecheck/1.0"

// NewBranch returns a fresh RFC 3261 branch identifier.
func NewBranch() string {
	return branchMagic + randomHex(8)
}

// NewTag returns a fresh 8 hex digit From tag.
func NewTag() string {
	return randomHex(4)
}

// NewCallID returns a globally unique Call-ID qualified by host.
func NewCallID(host string) string {
	if host == "" {
		return uuid.NewString()
	}
	return uuid.NewString() + "@" + host
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to uuid.
		u := uuid.New()
		copy(b, u[:])
	}
	return hex.EncodeToString(b)
}

// parseURI parses a URI that Config.Validate or the message parser has
// already accepted.
func parseURI(s string) sipgo.Uri {
	var uri sipgo.Uri
	_ = sipgo.ParseUri(s, &uri)
	return uri
}

// bracketHost wraps an IPv6 literal for use in a URI or Via.
func bracketHost(host string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]"
	}
	return host
}

// UserAgent describes the local party of a call.
type UserAgent struct {
	// Username is the user part of the From and Contact URIs.
	Username string
	// DisplayName is the optional display name in From.
	DisplayName string
	// Domain is the host part of the From URI.
	Domain string
	// Addr is the advertised signaling address used in Via and Contact.
	Addr *net.UDPAddr
	// Product is the User-Agent header value.
	Product string
}

// URI returns the address-of-record used in From.
func (ua UserAgent) URI() string {
	return fmt.Sprintf("sip:%s@%s", ua.Username, bracketHost(ua.Domain))
}

// ContactURI returns the URI at which this user agent receives requests.
func (ua UserAgent) ContactURI() string {
	return fmt.Sprintf("sip:%s@%s", ua.Username, net.JoinHostPort(ua.Addr.IP.String(), strconv.Itoa(ua.Addr.Port)))
}

func (ua UserAgent) via(branch string) *sipgo.ViaHeader {
	via := &sipgo.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            bracketHost(ua.Addr.IP.String()),
		Port:            ua.Addr.Port,
		Params:          sipgo.NewParams(),
	}
	via.Params.Add("branch", branch)
	return via
}

func (ua UserAgent) from(tag string) *sipgo.FromHeader {
	from := &sipgo.FromHeader{
		DisplayName: ua.DisplayName,
		Address:     parseURI(ua.URI()),
		Params:      sipgo.NewParams(),
	}
	if tag != "" {
		from.Params.Add("tag", tag)
	}
	return from
}

func (ua UserAgent) contact() *sipgo.ContactHeader {
	return &sipgo.ContactHeader{Address: parseURI(ua.ContactURI())}
}

func (ua UserAgent) product() string {
	if ua.Product == "" {
		return DefaultProduct
	}
	return ua.Product
}

func toHeader(uri, tag string) *sipgo.ToHeader {
	to := &sipgo.ToHeader{Address: parseURI(uri), Params: sipgo.NewParams()}
	if tag != "" {
		to.Params.Add("tag", tag)
	}
	return to
}

func callIDHeader(callID string) *sipgo.CallIDHeader {
	h := sipgo.CallIDHeader(callID)
	return &h
}

func cseqHeader(seq uint32, method string) *sipgo.CSeqHeader {
	return &sipgo.CSeqHeader{SeqNo: seq, MethodName: sipgo.RequestMethod(method)}
}

func maxForwardsHeader() *sipgo.MaxForwardsHeader {
	h := sipgo.MaxForwardsHeader(maxForwards)
	return &h
}

// setBody sets the body and makes sure Content-Length is written even
// for an empty body, as UDP framing requires.
func setBody(msg sipgo.Message, body []byte) {
	msg.SetBody(body)
	if msg.ContentLength() == nil {
		length := sipgo.ContentLengthHeader(len(body))
		msg.AppendHeader(&length)
	}
}

// NewInvite builds the INVITE for the dialog's current local sequence
// number, carrying body as an SDP offer.
func NewInvite(ua UserAgent, d *Dialog, branch string, body []byte) *Message {
	req := sipgo.NewRequest(sipgo.INVITE, parseURI(d.remoteURI))

	req.AppendHeader(ua.via(branch))
	req.AppendHeader(maxForwardsHeader())
	req.AppendHeader(ua.from(d.localTag))
	req.AppendHeader(toHeader(d.remoteURI, ""))
	req.AppendHeader(callIDHeader(d.callID))
	req.AppendHeader(cseqHeader(d.localSeq, MethodInvite))
	req.AppendHeader(ua.contact())
	req.AppendHeader(sipgo.NewHeader(HeaderAllow, allowedMethods))
	req.AppendHeader(sipgo.NewHeader(HeaderUserAgent, ua.product()))
	if len(body) > 0 {
		contentType := sipgo.ContentTypeHeader("application/sdp")
		req.AppendHeader(&contentType)
	}
	setBody(req, body)

	return NewRequestMessage(req)
}

// NewAckForFailure builds the ACK for a 3xx-6xx response to invite. It is
// part of the INVITE transaction: same branch, same CSeq number, To taken
// from the response so it carries the remote tag.
func NewAckForFailure(invite, resp *Message) *Message {
	seq, _, _ := invite.CSeq()
	inv := invite.Request
	ack := sipgo.NewRequest(sipgo.ACK, *inv.Recipient.Clone())

	if via := inv.Via(); via != nil {
		ack.AppendHeader(sipgo.HeaderClone(via))
	}
	ack.AppendHeader(maxForwardsHeader())
	if from := inv.From(); from != nil {
		ack.AppendHeader(sipgo.HeaderClone(from))
	}
	if to := resp.Response.To(); to != nil {
		ack.AppendHeader(sipgo.HeaderClone(to))
	}
	if callID := inv.CallID(); callID != nil {
		ack.AppendHeader(sipgo.HeaderClone(callID))
	}
	ack.AppendHeader(cseqHeader(seq, MethodAck))
	sipgo.CopyHeaders(HeaderRoute, inv, ack)
	setBody(ack, nil)

	return NewRequestMessage(ack)
}

// NewAck builds the ACK for a 2xx response. It is a separate transaction
// with its own branch, sent to the remote target along the route set, and
// reuses the INVITE's CSeq number.
func NewAck(ua UserAgent, d *Dialog, branch string) *Message {
	return newInDialogRequest(ua, d, MethodAck, d.inviteSeq, branch)
}

// NewBye builds a BYE using the dialog's next local sequence number.
func NewBye(ua UserAgent, d *Dialog, branch string) *Message {
	return newInDialogRequest(ua, d, MethodBye, d.NextLocalSeq(), branch)
}

func newInDialogRequest(ua UserAgent, d *Dialog, method string, seq uint32, branch string) *Message {
	req := sipgo.NewRequest(sipgo.RequestMethod(method), parseURI(d.RemoteTarget()))

	req.AppendHeader(ua.via(branch))
	req.AppendHeader(maxForwardsHeader())
	req.AppendHeader(ua.from(d.localTag))
	req.AppendHeader(toHeader(d.remoteURI, d.remoteTag))
	req.AppendHeader(callIDHeader(d.callID))
	req.AppendHeader(cseqHeader(seq, method))
	for _, route := range d.routeSet {
		req.AppendHeader(&sipgo.RouteHeader{Address: *route.Clone()})
	}
	req.AppendHeader(sipgo.NewHeader(HeaderUserAgent, ua.product()))
	setBody(req, nil)

	return NewRequestMessage(req)
}

// NewCancel builds a CANCEL for a pending invite. It matches the INVITE's
// transaction: same Request-URI, top Via, From, To, Call-ID and CSeq number.
func NewCancel(invite *Message) *Message {
	seq, _, _ := invite.CSeq()
	inv := invite.Request
	cancel := sipgo.NewRequest(sipgo.CANCEL, *inv.Recipient.Clone())

	if via := inv.Via(); via != nil {
		cancel.AppendHeader(sipgo.HeaderClone(via))
	}
	cancel.AppendHeader(maxForwardsHeader())
	if from := inv.From(); from != nil {
		cancel.AppendHeader(sipgo.HeaderClone(from))
	}
	if to := inv.To(); to != nil {
		cancel.AppendHeader(sipgo.HeaderClone(to))
	}
	if callID := inv.CallID(); callID != nil {
		cancel.AppendHeader(sipgo.HeaderClone(callID))
	}
	cancel.AppendHeader(cseqHeader(seq, MethodCancel))
	sipgo.CopyHeaders(HeaderRoute, inv, cancel)
	setBody(cancel, nil)

	return NewRequestMessage(cancel)
}

// NewResponse builds a response to req with the headers RFC 3261 section
// 8.2.6.2 requires. localTag is added to To when it has none.
func NewResponse(req *Message, code int, reason, localTag string) *Message {
	res := sipgo.NewResponseFromRequest(req.Request, sipgo.StatusCode(code), reason, nil)

	if to := res.To(); to != nil && localTag != "" {
		if to.Params == nil {
			to.Params = sipgo.NewParams()
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", localTag)
		}
	}
	setBody(res, nil)

	return NewResponseMessage(res)
}
