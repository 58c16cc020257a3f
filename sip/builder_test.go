package sip

import (
	"net"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUA() UserAgent {
	return UserAgent{
		Username:    "alice",
		DisplayName: "Alice",
		Domain:      "example.com",
		Addr:        &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 5060},
		Product:     "phonecheck-test",
	}
}

func testDialog() *Dialog {
	return NewDialog("call-1@192.0.2.10", "1a2b3c4d", "sip:alice@example.com", "sip:1000@example.com", 1)
}

func reparse(t *testing.T, msg *Message) *Message {
	t.Helper()
	parsed, err := ParseMessage(msg.Bytes())
	require.NoError(t, err)
	return parsed
}

func TestIdentifiers(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^z9hG4bK[0-9a-f]{16}$`), NewBranch())
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), NewTag())
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f-]{36}@host$`), NewCallID("host"))
	assert.NotEqual(t, NewBranch(), NewBranch())
	assert.NotEqual(t, NewCallID("h"), NewCallID("h"))
}

func TestNewInvite(t *testing.T) {
	invite := reparse(t, NewInvite(testUA(), testDialog(), "z9hG4bKinvite", []byte("v=0\r\n")))

	assert.Equal(t, MethodInvite, invite.Method())
	assert.Equal(t, "sip:1000@example.com", invite.RequestURI())
	assert.Equal(t, "z9hG4bKinvite", invite.ViaBranch())
	assert.Equal(t, "192.0.2.10", invite.Request.Via().Host)
	assert.Equal(t, 5060, invite.Request.Via().Port)
	assert.Equal(t, "UDP", invite.Request.Via().Transport)
	assert.Equal(t, "70", invite.Header(HeaderMaxForwards))
	assert.Equal(t, "Alice", invite.Request.From().DisplayName)
	assert.Equal(t, "1a2b3c4d", invite.FromTag())
	assert.Empty(t, invite.ToTag())
	assert.Equal(t, "call-1@192.0.2.10", invite.CallID())
	assert.Equal(t, "sip:alice@192.0.2.10:5060", invite.Contact())
	assert.Equal(t, "application/sdp", invite.Header(HeaderContentType))
	assert.Equal(t, "INVITE, ACK, CANCEL, BYE", invite.Header(HeaderAllow))
	assert.Equal(t, "phonecheck-test", invite.Header(HeaderUserAgent))
	assert.Equal(t, "5", invite.Header(HeaderContentLength))
	assert.Equal(t, []byte("v=0\r\n"), invite.Body())

	seq, method, err := invite.CSeq()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, MethodInvite, method)
}

func TestNewInvite_EmptyBodyHasContentLength(t *testing.T) {
	invite := reparse(t, NewInvite(testUA(), testDialog(), "z9hG4bKinvite", nil))

	assert.Equal(t, "0", invite.Header(HeaderContentLength))
	assert.Empty(t, invite.Header(HeaderContentType))
	assert.Empty(t, invite.Body())
}

func assertCSeq(t *testing.T, msg *Message, wantSeq uint32, wantMethod string) {
	t.Helper()
	seq, method, err := msg.CSeq()
	require.NoError(t, err)
	assert.Equal(t, wantSeq, seq)
	assert.Equal(t, wantMethod, method)
}

// peerResponse builds a response as the PBX would send it to invite.
func peerResponse(t *testing.T, invite *Message, status, toTag string, extra ...string) *Message {
	t.Helper()
	seq, method, err := invite.CSeq()
	require.NoError(t, err)
	lines := []string{
		"SIP/2.0 " + status,
		"Via: SIP/2.0/UDP 192.0.2.10:5060;branch=" + invite.ViaBranch(),
		"From: <sip:alice@example.com>;tag=" + invite.FromTag(),
		"To: <sip:1000@example.com>;tag=" + toTag,
		"Call-ID: " + invite.CallID(),
		"CSeq: " + strconv.FormatUint(uint64(seq), 10) + " " + method,
	}
	return mustParse(t, "", append(lines, extra...)...)
}

func TestNewAckForFailure(t *testing.T) {
	invite := NewInvite(testUA(), testDialog(), "z9hG4bKinvite", nil)
	resp := peerResponse(t, invite, "486 Busy Here", "remote9")

	ack := reparse(t, NewAckForFailure(invite, resp))

	assert.Equal(t, MethodAck, ack.Method())
	assert.Equal(t, invite.RequestURI(), ack.RequestURI())
	assert.Equal(t, "z9hG4bKinvite", ack.ViaBranch())
	assertCSeq(t, ack, 1, MethodAck)
	assert.Equal(t, "remote9", ack.ToTag())
	assert.Equal(t, "1a2b3c4d", ack.FromTag())
	assert.Equal(t, invite.CallID(), ack.CallID())
	assert.Equal(t, "0", ack.Header(HeaderContentLength))
}

func confirmedDialog(t *testing.T) *Dialog {
	t.Helper()
	d := testDialog()
	invite := NewInvite(testUA(), d, "z9hG4bKinvite", nil)
	ok := peerResponse(t, invite, "200 OK", "remote9",
		"Contact: <sip:1000@198.51.100.7:5070>",
		"Record-Route: <sip:p1.example.com;lr>",
		"Record-Route: <sip:p2.example.com;lr>",
	)
	d.OnResponse(ok)
	require.Equal(t, DialogConfirmed, d.State())
	return d
}

func TestNewAck(t *testing.T) {
	d := confirmedDialog(t)

	ack := reparse(t, NewAck(testUA(), d, "z9hG4bKack"))

	assert.Equal(t, "sip:1000@198.51.100.7:5070", ack.RequestURI())
	assert.Equal(t, "z9hG4bKack", ack.ViaBranch())
	assertCSeq(t, ack, 1, MethodAck)
	assert.Equal(t, "remote9", ack.ToTag())

	routes := ack.HeaderValues(HeaderRoute)
	require.Len(t, routes, 2)
	assert.Contains(t, routes[0], "p2.example.com")
	assert.Contains(t, routes[1], "p1.example.com")
	assert.Equal(t, uint32(1), d.LocalSeq(), "ACK does not consume a sequence number")
}

func TestNewBye(t *testing.T) {
	d := confirmedDialog(t)

	bye := reparse(t, NewBye(testUA(), d, "z9hG4bKbye"))

	assert.Equal(t, MethodBye, bye.Method())
	assert.Equal(t, "sip:1000@198.51.100.7:5070", bye.RequestURI())
	assertCSeq(t, bye, 2, MethodBye)
	assert.Equal(t, "z9hG4bKbye", bye.ViaBranch())
	assert.Equal(t, "remote9", bye.ToTag())
	assert.Equal(t, "1a2b3c4d", bye.FromTag())
	assert.Len(t, bye.HeaderValues(HeaderRoute), 2)
	assert.Equal(t, uint32(2), d.LocalSeq())
}

func TestNewCancel(t *testing.T) {
	invite := NewInvite(testUA(), testDialog(), "z9hG4bKinvite", []byte("v=0\r\n"))

	cancel := reparse(t, NewCancel(invite))

	assert.Equal(t, MethodCancel, cancel.Method())
	assert.Equal(t, invite.RequestURI(), cancel.RequestURI())
	assert.Equal(t, "z9hG4bKinvite", cancel.ViaBranch())
	assertCSeq(t, cancel, 1, MethodCancel)
	assert.Equal(t, invite.FromTag(), cancel.FromTag())
	assert.Equal(t, invite.CallID(), cancel.CallID())
	assert.Empty(t, cancel.ToTag())
	assert.Empty(t, cancel.Body())
}

func TestNewResponse(t *testing.T) {
	tests := []struct {
		name    string
		to      string
		wantTag string
	}{
		{"keeps existing tag", "<sip:alice@example.com>;tag=1a2b3c4d", "1a2b3c4d"},
		{"adds local tag", "<sip:alice@example.com>", "local7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mustParse(t, "",
				"BYE sip:alice@192.0.2.10 SIP/2.0",
				"Via: SIP/2.0/UDP p1.example.com;branch=z9hG4bKp1",
				"Via: SIP/2.0/UDP uas.example.com;branch=z9hG4bKuas",
				"From: <sip:1000@example.com>;tag=remote9",
				"To: "+tt.to,
				"Call-ID: call-1",
				"CSeq: 7 BYE",
			)

			resp := reparse(t, NewResponse(req, 200, "OK", "local7"))

			assert.Equal(t, 200, resp.StatusCode())
			assert.Equal(t, "OK", resp.Reason())
			assert.Equal(t, req.HeaderValues(HeaderVia), resp.HeaderValues(HeaderVia))
			assert.Equal(t, "z9hG4bKp1", resp.ViaBranch())
			assert.Equal(t, "remote9", resp.FromTag())
			assert.Equal(t, tt.wantTag, resp.ToTag())
			assert.Equal(t, "call-1", resp.CallID())
			assertCSeq(t, resp, 7, MethodBye)
		})
	}
}

func TestUserAgent_IPv6(t *testing.T) {
	ua := testUA()
	ua.Addr = &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 5062}
	ua.DisplayName = ""

	assert.Equal(t, "sip:alice@[2001:db8::1]:5062", ua.ContactURI())
	assert.Equal(t, "[2001:db8::1]", ua.via("z9hG4bKv6").Host)

	from := ua.from("t")
	tag, ok := from.Params.Get("tag")
	assert.True(t, ok)
	assert.Equal(t, "t", tag)
	assert.Equal(t, "sip:alice@example.com", from.Address.String())
}
