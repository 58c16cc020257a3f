// Package sip implements the user agent client side of an outbound SIP call
// over UDP.
//
// This file adapts sipgo's message types to the accessors the transaction
// and dialog state machines work with.
package sip

import (
	"bytes"
	"fmt"
	"strconv"

	sipgo "github.com/emiago/sipgo/sip"
	"github.com/opd-ai/phonecheck/failure"
)

// Common header names.
const (
	HeaderVia                = "Via"
	HeaderFrom               = "From"
	HeaderTo                 = "To"
	HeaderCallID             = "Call-ID"
	HeaderCSeq               = "CSeq"
	HeaderContact            = "Contact"
	HeaderMaxForwards        = "Max-Forwards"
	HeaderContentType        = "Content-Type"
	HeaderContentLength      = "Content-Length"
	HeaderUserAgent          = "User-Agent"
	HeaderAllow              = "Allow"
	HeaderRoute              = "Route"
	HeaderRecordRoute        = "Record-Route"
	HeaderWWWAuthenticate    = "WWW-Authenticate"
	HeaderProxyAuthenticate  = "Proxy-Authenticate"
	HeaderAuthorization      = "Authorization"
	HeaderProxyAuthorization = "Proxy-Authorization"
)

// Request methods used by the client.
const (
	MethodInvite  = "INVITE"
	MethodAck     = "ACK"
	MethodBye     = "BYE"
	MethodCancel  = "CANCEL"
	MethodOptions = "OPTIONS"
)

// Message is a SIP request or response. Exactly one of Request and
// Response is set. Messages are built fresh for every send and are not
// modified after Bytes is called.
type Message struct {
	Request  *sipgo.Request
	Response *sipgo.Response
}

// NewRequestMessage wraps a sipgo request.
func NewRequestMessage(req *sipgo.Request) *Message {
	return &Message{Request: req}
}

// NewResponseMessage wraps a sipgo response.
func NewResponseMessage(res *sipgo.Response) *Message {
	return &Message{Response: res}
}

func (m *Message) sip() sipgo.Message {
	if m.Request != nil {
		return m.Request
	}
	return m.Response
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool {
	return m.Request != nil
}

// IsResponse reports whether m is a response.
func (m *Message) IsResponse() bool {
	return m.Response != nil
}

// Method returns the request method, or "" for a response.
func (m *Message) Method() string {
	if m.Request == nil {
		return ""
	}
	return string(m.Request.Method)
}

// RequestURI returns the Request-URI, or "" for a response.
func (m *Message) RequestURI() string {
	if m.Request == nil {
		return ""
	}
	return m.Request.Recipient.String()
}

// StatusCode returns the response status, or 0 for a request.
func (m *Message) StatusCode() int {
	if m.Response == nil {
		return 0
	}
	return int(m.Response.StatusCode)
}

// Reason returns the response reason phrase.
func (m *Message) Reason() string {
	if m.Response == nil {
		return ""
	}
	return m.Response.Reason
}

// IsProvisional reports whether m is a 1xx response.
func (m *Message) IsProvisional() bool {
	code := m.StatusCode()
	return code >= 100 && code < 200
}

// IsSuccess reports whether m is a 2xx response.
func (m *Message) IsSuccess() bool {
	code := m.StatusCode()
	return code >= 200 && code < 300
}

// IsFailure reports whether m is a 3xx-6xx final response.
func (m *Message) IsFailure() bool {
	return m.StatusCode() >= 300
}

// Body returns the message body.
func (m *Message) Body() []byte {
	return m.sip().Body()
}

// Header returns the value of the first header named name, or "".
func (m *Message) Header(name string) string {
	h := m.sip().GetHeader(name)
	if h == nil {
		return ""
	}
	return h.Value()
}

// HeaderValues returns the values of every header named name, in order.
func (m *Message) HeaderValues(name string) []string {
	var out []string
	for _, h := range m.sip().GetHeaders(name) {
		out = append(out, h.Value())
	}
	return out
}

// SetHeader replaces every header named name with a single one.
func (m *Message) SetHeader(name, value string) {
	msg := m.sip()
	for msg.RemoveHeader(name) {
	}
	msg.AppendHeader(sipgo.NewHeader(name, value))
}

// AddHeader appends a header.
func (m *Message) AddHeader(name, value string) {
	m.sip().AppendHeader(sipgo.NewHeader(name, value))
}

// Bytes serializes m.
func (m *Message) Bytes() []byte {
	return []byte(m.sip().String())
}

// String returns the serialized message for logging.
func (m *Message) String() string {
	return m.sip().String()
}

// Summary returns the start line without the version, for log fields.
func (m *Message) Summary() string {
	if m.IsRequest() {
		return m.Method() + " " + m.RequestURI()
	}
	return strconv.Itoa(m.StatusCode()) + " " + m.Reason()
}

// CallID returns the Call-ID header value.
func (m *Message) CallID() string {
	if h := m.sip().CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// CSeq returns the sequence number and method of the CSeq header.
func (m *Message) CSeq() (uint32, string, error) {
	h := m.sip().CSeq()
	if h == nil {
		return 0, "", ErrBadCSeq
	}
	return h.SeqNo, string(h.MethodName), nil
}

// ViaBranch returns the branch parameter of the topmost Via.
func (m *Message) ViaBranch() string {
	via := m.sip().Via()
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

// FromTag returns the tag parameter of the From header.
func (m *Message) FromTag() string {
	from := m.sip().From()
	if from == nil {
		return ""
	}
	tag, _ := from.Params.Get("tag")
	return tag
}

// ToTag returns the tag parameter of the To header.
func (m *Message) ToTag() string {
	to := m.sip().To()
	if to == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

// Contact returns the URI of the first Contact header.
func (m *Message) Contact() string {
	contact := m.sip().Contact()
	if contact == nil {
		return ""
	}
	return contact.Address.String()
}

// ParseMessage parses one UDP datagram as a SIP message with sipgo's
// parser, then checks that the headers every transaction and dialog
// lookup relies on are present.
//
// Every error wraps failure.ErrMalformedMessage.
func ParseMessage(data []byte) (*Message, error) {
	msg, err := parseMessage(data)
	if err != nil {
		return nil, failure.Malformed("sip", err)
	}
	return msg, nil
}

func parseMessage(data []byte) (*Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyMessage
	}

	parsed, err := sipgo.NewParser().ParseSIP(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	var msg *Message
	switch v := parsed.(type) {
	case *sipgo.Request:
		msg = NewRequestMessage(v)
	case *sipgo.Response:
		if v.StatusCode < 100 || v.StatusCode > 699 {
			return nil, fmt.Errorf("%w: status %d", ErrBadStartLine, v.StatusCode)
		}
		msg = NewResponseMessage(v)
	default:
		return nil, ErrUnparseable
	}

	s := msg.sip()
	switch {
	case s.Via() == nil:
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderVia)
	case s.From() == nil:
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderFrom)
	case s.To() == nil:
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderTo)
	case s.CallID() == nil:
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderCallID)
	case s.CSeq() == nil:
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderCSeq)
	}

	if cl := s.ContentLength(); cl != nil && int(*cl) > len(s.Body()) {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrTruncatedBody, int(*cl), len(s.Body()))
	}
	return msg, nil
}
