package sip

import (
	"strings"

	sipgo "github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
)

// DialogState represents the lifecycle of a dialog.
type DialogState uint8

const (
	// DialogInit means the INVITE was sent and no dialog-forming response arrived.
	DialogInit DialogState = iota
	// DialogEarly means a provisional response carried a To tag.
	DialogEarly
	// DialogConfirmed means a 2xx was received and acknowledged.
	DialogConfirmed
	// DialogTerminated means the call ended or failed.
	DialogTerminated
)

// String returns a human-readable representation of the dialog state.
func (s DialogState) String() string {
	switch s {
	case DialogInit:
		return "init"
	case DialogEarly:
		return "early"
	case DialogConfirmed:
		return "confirmed"
	case DialogTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Dialog is the peer relationship of one call. It is the source of the
// tags, Call-ID and CSeq numbers used to build in-dialog requests.
//
// A Dialog is owned by the goroutine driving the Client and is not safe
// for concurrent use.
type Dialog struct {
	state DialogState

	callID    string
	localTag  string
	remoteTag string
	localURI  string
	remoteURI string

	remoteTarget string
	routeSet     []sipgo.Uri

	localSeq  uint32
	inviteSeq uint32
	remoteSeq uint32
}

// NewDialog creates a dialog in DialogInit for an INVITE from localURI to
// remoteURI, starting at CSeq initialSeq.
func NewDialog(callID, localTag, localURI, remoteURI string, initialSeq uint32) *Dialog {
	return &Dialog{
		state:     DialogInit,
		callID:    callID,
		localTag:  localTag,
		localURI:  localURI,
		remoteURI: remoteURI,
		localSeq:  initialSeq,
		inviteSeq: initialSeq,
	}
}

// OnResponse updates the dialog from a response to its INVITE.
func (d *Dialog) OnResponse(resp *Message) {
	if d.state == DialogTerminated || d.state == DialogConfirmed {
		return
	}

	switch {
	case resp.IsProvisional():
		if tag := resp.ToTag(); tag != "" && resp.StatusCode() > 100 {
			d.remoteTag = tag
			d.setState(DialogEarly)
		}

	case resp.IsSuccess():
		d.remoteTag = resp.ToTag()
		if contact := resp.Contact(); contact != "" {
			d.remoteTarget = contact
		}
		// The UAC route set is the Record-Route list in reverse order.
		routes := recordRoutes(resp)
		d.routeSet = d.routeSet[:0]
		for i := len(routes) - 1; i >= 0; i-- {
			d.routeSet = append(d.routeSet, routes[i])
		}
		if seq, _, err := resp.CSeq(); err == nil {
			d.inviteSeq = seq
		}
		d.setState(DialogConfirmed)

	case resp.IsFailure():
		d.setState(DialogTerminated)
	}
}

// OnRequest updates the dialog from an in-dialog request sent by the peer.
func (d *Dialog) OnRequest(req *Message) {
	if seq, _, err := req.CSeq(); err == nil && seq > d.remoteSeq {
		d.remoteSeq = seq
	}
	if req.Method() == MethodBye {
		d.setState(DialogTerminated)
	}
}

// Matches reports whether msg belongs to this dialog.
func (d *Dialog) Matches(msg *Message) bool {
	if msg.CallID() != d.callID {
		return false
	}
	if msg.IsRequest() {
		return msg.ToTag() == d.localTag
	}
	return msg.FromTag() == d.localTag
}

// NextLocalSeq increments and returns the local CSeq number. A re-sent
// INVITE (after a challenge) uses it too and becomes the INVITE sequence.
func (d *Dialog) NextLocalSeq() uint32 {
	d.localSeq++
	return d.localSeq
}

// BeginInvite advances the local sequence for a re-sent INVITE.
func (d *Dialog) BeginInvite() uint32 {
	d.inviteSeq = d.NextLocalSeq()
	return d.inviteSeq
}

// Terminate moves the dialog to DialogTerminated.
func (d *Dialog) Terminate() {
	d.setState(DialogTerminated)
}

func (d *Dialog) setState(state DialogState) {
	if d.state == state {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Dialog.setState",
		"call_id":  d.callID,
		"from":     d.state.String(),
		"to":       state.String(),
	}).Debug("Dialog state change")
	d.state = state
}

// State returns the current dialog state.
func (d *Dialog) State() DialogState {
	return d.state
}

// CallID returns the dialog's Call-ID.
func (d *Dialog) CallID() string {
	return d.callID
}

// LocalTag returns the From tag we generated.
func (d *Dialog) LocalTag() string {
	return d.localTag
}

// RemoteTag returns the peer's To tag, empty before an answer.
func (d *Dialog) RemoteTag() string {
	return d.remoteTag
}

// LocalSeq returns the CSeq number of the last request we built.
func (d *Dialog) LocalSeq() uint32 {
	return d.localSeq
}

// InviteSeq returns the CSeq number of the current INVITE.
func (d *Dialog) InviteSeq() uint32 {
	return d.inviteSeq
}

// RemoteTarget returns the Request-URI for in-dialog requests: the peer's
// Contact when known, otherwise the original target.
func (d *Dialog) RemoteTarget() string {
	if d.remoteTarget != "" {
		return d.remoteTarget
	}
	return d.remoteURI
}

// RouteSet returns the route set learned from Record-Route, each entry in
// name-addr form.
func (d *Dialog) RouteSet() []string {
	out := make([]string, 0, len(d.routeSet))
	for i := range d.routeSet {
		out = append(out, "<"+d.routeSet[i].String()+">")
	}
	return out
}

// recordRoutes returns the Record-Route URIs of resp in header order.
func recordRoutes(resp *Message) []sipgo.Uri {
	var routes []sipgo.Uri
	for _, h := range resp.Response.GetHeaders(HeaderRecordRoute) {
		if rr, ok := h.(*sipgo.RecordRouteHeader); ok {
			routes = append(routes, *rr.Address.Clone())
			continue
		}
		value := strings.TrimSpace(h.Value())
		value = strings.TrimSuffix(strings.TrimPrefix(value, "<"), ">")
		routes = append(routes, parseURI(value))
	}
	return routes
}
