package sip

import (
	"strconv"
	"strings"
	"testing"

	"github.com/opd-ai/phonecheck/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

// mustParse parses a message written as wire lines. The header block is
// terminated and Content-Length is added from body.
func mustParse(t *testing.T, body string, lines ...string) *Message {
	t.Helper()
	lines = append(lines, "Content-Length: "+strconv.Itoa(len(body)), "", body)
	msg, err := ParseMessage(crlf(lines...))
	require.NoError(t, err)
	return msg
}

// withHeader re-parses msg with every line of the named header replaced.
func withHeader(t *testing.T, msg *Message, name, value string) *Message {
	t.Helper()
	lines := strings.Split(string(msg.Bytes()), "\r\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), strings.ToLower(name)+":") {
			lines[i] = name + ": " + value
		}
	}
	out, err := ParseMessage([]byte(strings.Join(lines, "\r\n")))
	require.NoError(t, err)
	return out
}

var okResponse = crlf(
	"SIP/2.0 200 OK",
	"Via: SIP/2.0/UDP 192.0.2.10:5060;branch=z9hG4bK776asdhds",
	"Record-Route: <sip:p1.example.com;lr>",
	"Record-Route: <sip:p2.example.com;lr>",
	`From: "Alice" <sip:alice@example.com>;tag=1928301774`,
	"To: <sip:1000@example.com>;tag=a6c85cf",
	"Call-ID: a84b4c76e66710@192.0.2.10",
	"CSeq: 314159 INVITE",
	"Contact: <sip:1000@198.51.100.7:5070>",
	"Content-Type: application/sdp",
	"Content-Length: 5",
	"",
	"v=0\r\n",
)

func TestParseMessage_Response(t *testing.T) {
	msg, err := ParseMessage(okResponse)
	require.NoError(t, err)

	assert.True(t, msg.IsResponse())
	assert.False(t, msg.IsRequest())
	assert.True(t, msg.IsSuccess())
	assert.Equal(t, 200, msg.StatusCode())
	assert.Equal(t, "OK", msg.Reason())
	assert.Equal(t, "z9hG4bK776asdhds", msg.ViaBranch())
	assert.Equal(t, "1928301774", msg.FromTag())
	assert.Equal(t, "a6c85cf", msg.ToTag())
	assert.Equal(t, "a84b4c76e66710@192.0.2.10", msg.CallID())
	assert.Equal(t, "sip:1000@198.51.100.7:5070", msg.Contact())
	assert.Equal(t, []byte("v=0\r\n"), msg.Body())
	assert.Equal(t, "application/sdp", msg.Header(HeaderContentType))
	assert.Equal(t, "200 OK", msg.Summary())

	routes := msg.HeaderValues("record-route")
	require.Len(t, routes, 2)
	assert.Contains(t, routes[0], "p1.example.com")
	assert.Contains(t, routes[1], "p2.example.com")

	seq, method, err := msg.CSeq()
	require.NoError(t, err)
	assert.Equal(t, uint32(314159), seq)
	assert.Equal(t, MethodInvite, method)
}

func TestParseMessage_RequestWithCompactHeaders(t *testing.T) {
	data := crlf(
		"BYE sip:alice@192.0.2.10:5060 SIP/2.0",
		"v: SIP/2.0/UDP 198.51.100.7:5070;branch=z9hG4bKbye1",
		"f: <sip:1000@example.com>;tag=a6c85cf",
		"t: <sip:alice@example.com>;tag=1928301774",
		"i: a84b4c76e66710@192.0.2.10",
		"CSeq: 1 BYE",
		"l: 0",
		"",
		"",
	)

	msg, err := ParseMessage(data)
	require.NoError(t, err)

	assert.True(t, msg.IsRequest())
	assert.Equal(t, MethodBye, msg.Method())
	assert.Equal(t, "sip:alice@192.0.2.10:5060", msg.RequestURI())
	assert.Equal(t, "a84b4c76e66710@192.0.2.10", msg.CallID())
	assert.Equal(t, "1928301774", msg.ToTag())
	assert.Equal(t, "a6c85cf", msg.FromTag())
	assert.Equal(t, "z9hG4bKbye1", msg.ViaBranch())
	assert.Empty(t, msg.Body())
	assert.Equal(t, 0, msg.StatusCode())
}

func TestParseMessage_Malformed(t *testing.T) {
	valid := []string{
		"Via: SIP/2.0/UDP h;branch=z9hG4bKx",
		"From: <sip:a@b>;tag=1",
		"To: <sip:c@d>",
		"Call-ID: x",
		"CSeq: 1 INVITE",
	}
	without := func(skip int) []string {
		lines := []string{"SIP/2.0 200 OK"}
		for i, line := range valid {
			if i != skip {
				lines = append(lines, line)
			}
		}
		return append(lines, "Content-Length: 0", "", "")
	}

	tests := []struct {
		name string
		data []byte
		// wantErr is checked in addition to failure.ErrMalformedMessage.
		wantErr error
	}{
		{"empty", nil, ErrEmptyMessage},
		{"whitespace", []byte("\r\n\r\n"), ErrEmptyMessage},
		{"garbage", []byte("\x00\x01\x02"), nil},
		{"missing via", crlf(without(0)...), ErrMissingHeader},
		{"missing from", crlf(without(1)...), ErrMissingHeader},
		{"missing to", crlf(without(2)...), ErrMissingHeader},
		{"missing call-id", crlf(without(3)...), ErrMissingHeader},
		{"missing cseq", crlf(without(4)...), ErrMissingHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage(tt.data)

			assert.Nil(t, msg)
			assert.ErrorIs(t, err, failure.ErrMalformedMessage)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestMessage_SetHeaderReplacesAll(t *testing.T) {
	msg := mustParse(t, "",
		"OPTIONS sip:x@example.com SIP/2.0",
		"Via: SIP/2.0/UDP h:5060;branch=z9hG4bK1",
		"From: <sip:a@example.com>;tag=1",
		"To: <sip:x@example.com>",
		"Call-ID: opt-1",
		"CSeq: 1 OPTIONS",
		"X-Custom: first",
		"X-Custom: second",
	)

	assert.Equal(t, []string{"first", "second"}, msg.HeaderValues("x-custom"))

	msg.SetHeader("X-Custom", "only")
	assert.Equal(t, []string{"only"}, msg.HeaderValues("X-Custom"))

	msg.AddHeader("X-Custom", "again")
	assert.Equal(t, []string{"only", "again"}, msg.HeaderValues("X-Custom"))
	assert.Empty(t, msg.Header("X-Missing"))
}

func TestMessage_RoundTrip(t *testing.T) {
	msg, err := ParseMessage(okResponse)
	require.NoError(t, err)

	again, err := ParseMessage(msg.Bytes())
	require.NoError(t, err)

	assert.Equal(t, msg.StatusCode(), again.StatusCode())
	assert.Equal(t, msg.Body(), again.Body())
	assert.Equal(t, msg.CallID(), again.CallID())
	assert.Equal(t, msg.ViaBranch(), again.ViaBranch())
	assert.Equal(t, msg.FromTag(), again.FromTag())
	assert.Equal(t, msg.ToTag(), again.ToTag())
	assert.Equal(t, msg.Contact(), again.Contact())
	assert.Len(t, again.HeaderValues(HeaderRecordRoute), 2)
}
