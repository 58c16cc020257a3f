package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/phonecheck/failure"
	"github.com/opd-ai/phonecheck/transport"
	"github.com/sirupsen/logrus"
)

// DefaultPort is the SIP port used when a server address has none.
const DefaultPort = 5060

// DefaultByeTimeout bounds the best-effort BYE when the caller gives no
// deadline of its own.
const DefaultByeTimeout = 2 * time.Second

// Config holds the inputs of one outbound call. It is a snapshot: the
// client never reads configuration from anywhere else.
type Config struct {
	// Server is the address every request is sent to (registrar or
	// outbound proxy).
	Server *net.UDPAddr
	// Target is the Request-URI of the INVITE, e.g. sip:1000@pbx.example.com.
	Target string
	// Username and Password answer digest challenges. Username is also the
	// user part of From and Contact.
	Username string
	Password string
	// DisplayName is shown in From when set.
	DisplayName string
	// Domain is the From URI host. Defaults to the Target host.
	Domain string
	// Advertise overrides the Via and Contact address. Defaults to the
	// local socket address, with an unspecified IP replaced by the
	// outbound interface address.
	Advertise *net.UDPAddr
	// Product is the User-Agent header value.
	Product string
	// Timers holds the transaction timers. Zero fields take defaults.
	Timers TimerConfig
	// ByeTimeout bounds the BYE sent after an unusable answer.
	ByeTimeout time.Duration
	// TimeProvider is injected for tests. Nil uses the system clock.
	TimeProvider transport.TimeProvider
}

// Validate checks that the configuration can place a call.
func (c Config) Validate() error {
	if c.Server == nil {
		return fmt.Errorf("%w: server address is required", ErrInvalidConfig)
	}
	if !strings.HasPrefix(strings.ToLower(c.Target), "sip:") {
		return fmt.Errorf("%w: target %q is not a sip: URI", ErrInvalidConfig, c.Target)
	}
	if uriHost(c.Target) == "" {
		return fmt.Errorf("%w: target %q has no host", ErrInvalidConfig, c.Target)
	}
	return nil
}

// uriHost returns the host part of a sip: URI without port or parameters.
func uriHost(uri string) string {
	rest := uri
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.IndexAny(rest, ";?>"); i >= 0 {
		rest = rest[:i]
	}
	if host, _, err := net.SplitHostPort(rest); err == nil {
		return host
	}
	return strings.Trim(rest, "[]")
}

// Session is a confirmed call.
type Session struct {
	// Dialog holds the tags and sequence numbers of the call.
	Dialog *Dialog
	// Invite is the INVITE that was answered.
	Invite *Message
	// Answer is the 2xx response.
	Answer *Message
	// Ack is the 2xx ACK, re-sent when the answer is retransmitted.
	Ack *Message
	// Media is the negotiated remote media endpoint.
	Media *MediaAnswer
	// Attempts is the number of INVITE transactions used, including
	// authentication retries.
	Attempts int
}

// lingeringTx is a completed INVITE transaction still absorbing
// retransmitted failure responses until Timer D.
type lingeringTx struct {
	tx    *InviteTransaction
	until time.Time
}

// Client is a SIP user agent client for one outbound call over a UDP
// socket owned by the caller.
//
// All methods must be called from a single goroutine. The client's read
// loop is the only reader of the socket.
type Client struct {
	conn   net.PacketConn
	config Config
	ua     UserAgent
	auth   *Authenticator
	time   transport.TimeProvider

	datagrams chan transport.Datagram
	stopLoop  context.CancelFunc
	closeOnce sync.Once

	lingering []lingeringTx
}

// NewClient creates a client sending from conn.
//
// Parameters:
//   - conn: the bound SIP socket
//   - config: call configuration snapshot
//
// Returns:
//   - *Client: client with its read loop running
//   - error: if conn is nil or config is invalid
func NewClient(conn net.PacketConn, config Config) (*Client, error) {
	if conn == nil {
		return nil, transport.ErrNilConn
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.Timers = config.Timers.withDefaults()
	if config.ByeTimeout <= 0 {
		config.ByeTimeout = DefaultByeTimeout
	}

	advertise := config.Advertise
	if advertise == nil {
		local, _ := conn.LocalAddr().(*net.UDPAddr)
		advertise = transport.AdvertisableAddr(local, config.Server)
	}
	domain := config.Domain
	if domain == "" {
		domain = uriHost(config.Target)
	}
	username := config.Username
	if username == "" {
		username = "phonecheck"
	}

	loopCtx, stop := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		config: config,
		ua: UserAgent{
			Username:    username,
			DisplayName: config.DisplayName,
			Domain:      domain,
			Addr:        advertise,
			Product:     config.Product,
		},
		auth:      NewAuthenticator(config.Username, config.Password),
		time:      transport.GetTimeProvider(config.TimeProvider),
		datagrams: make(chan transport.Datagram, 16),
		stopLoop:  stop,
	}
	go transport.ReadLoop(loopCtx, conn, c.datagrams)

	logrus.WithFields(logrus.Fields{
		"function":  "NewClient",
		"server":    config.Server.String(),
		"target":    config.Target,
		"advertise": advertise.String(),
	}).Debug("SIP client created")

	return c, nil
}

// UserAgent returns the local party description used in requests.
func (c *Client) UserAgent() UserAgent {
	return c.ua
}

// Invite places the call and returns once it is confirmed.
//
// The offer advertises media as the RTP address. A 401 or 407 is answered
// once per challenge type with a fresh INVITE carrying credentials; being
// challenged again of the same type is an authentication failure. If ctx
// is cancelled while the call is ringing a CANCEL is sent.
//
// Errors are classified with the failure package: Rejected for final
// non-2xx responses, Timeout when Timer B expires, Authentication for
// failed challenges and Network for socket errors. Cancellation returns
// ctx.Err().
func (c *Client) Invite(ctx context.Context, media *net.UDPAddr) (*Session, error) {
	offer, err := BuildOffer(media, uint64(c.time.Now().Unix()))
	if err != nil {
		return nil, err
	}

	d := NewDialog(NewCallID(c.ua.Addr.IP.String()), NewTag(), c.ua.URI(), c.config.Target, 1)
	credentials := make(map[string]string)
	challenged := make(map[bool]bool)

	for attempt := 1; ; attempt++ {
		invite := NewInvite(c.ua, d, NewBranch(), offer)
		for _, name := range []string{HeaderProxyAuthorization, HeaderAuthorization} {
			if value, ok := credentials[name]; ok {
				invite.SetHeader(name, value)
			}
		}

		logrus.WithFields(logrus.Fields{
			"function": "Client.Invite",
			"call_id":  d.CallID(),
			"target":   c.config.Target,
			"cseq":     d.InviteSeq(),
			"attempt":  attempt,
		}).Info("Sending INVITE")

		resp, err := c.runInvite(ctx, invite, d)
		if err != nil {
			d.Terminate()
			return nil, err
		}

		if resp.IsSuccess() {
			return c.confirm(ctx, d, invite, resp, attempt)
		}

		if resp.StatusCode() == 401 || resp.StatusCode() == 407 {
			proxy := resp.StatusCode() == 407
			if challenged[proxy] {
				d.Terminate()
				logrus.WithFields(logrus.Fields{
					"function": "Client.Invite",
					"call_id":  d.CallID(),
					"status":   resp.StatusCode(),
				}).Error("Challenged again after authenticating")
				return nil, failure.Authentication(MethodInvite, resp.StatusCode(), resp.Reason(), ErrRepeatedChallenge)
			}
			challenged[proxy] = true

			name, value, err := c.answerChallenge(resp, invite)
			if err != nil {
				d.Terminate()
				return nil, err
			}
			credentials[name] = value
			d.BeginInvite()
			continue
		}

		d.Terminate()
		logrus.WithFields(logrus.Fields{
			"function": "Client.Invite",
			"call_id":  d.CallID(),
			"status":   resp.StatusCode(),
			"reason":   resp.Reason(),
			"category": Categorize(resp.StatusCode()).String(),
		}).Warn("Call rejected")
		return nil, failure.Rejected(MethodInvite, resp.StatusCode(), resp.Reason())
	}
}

// answerChallenge computes the credentials header for a 401/407.
func (c *Client) answerChallenge(resp, invite *Message) (string, string, error) {
	proxy := resp.StatusCode() == 407
	headerName := HeaderWWWAuthenticate
	if proxy {
		headerName = HeaderProxyAuthenticate
	}

	raw := resp.Header(headerName)
	if raw == "" {
		return "", "", failure.Authentication(MethodInvite, resp.StatusCode(), resp.Reason(), ErrMissingChallenge)
	}

	ch, err := ParseChallenge(raw, proxy)
	if err != nil {
		return "", "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Client.answerChallenge",
		"status":    resp.StatusCode(),
		"realm":     ch.Realm,
		"algorithm": ch.Algorithm,
		"stale":     ch.Stale,
	}).Info("Authentication challenge received")

	value, err := c.auth.Authorize(ch, MethodInvite, invite.RequestURI(), invite.Body())
	if err != nil {
		return "", "", err
	}
	return ch.ResponseHeader(), value, nil
}

// confirm acknowledges a 2xx and negotiates media.
func (c *Client) confirm(ctx context.Context, d *Dialog, invite, resp *Message, attempts int) (*Session, error) {
	d.OnResponse(resp)
	ack := NewAck(c.ua, d, NewBranch())
	if err := c.send(ack, c.config.Server); err != nil {
		d.Terminate()
		return nil, err
	}

	session := &Session{
		Dialog:   d,
		Invite:   invite,
		Answer:   resp,
		Ack:      ack,
		Attempts: attempts,
	}

	answer, err := ParseAnswer(resp.Body())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.confirm",
			"call_id":  d.CallID(),
			"error":    err.Error(),
		}).Error("Unusable SDP answer, hanging up")

		byeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ByeTimeout)
		defer cancel()
		_ = c.Bye(byeCtx, session)
		return nil, err
	}
	session.Media = answer

	logrus.WithFields(logrus.Fields{
		"function":     "Client.confirm",
		"call_id":      d.CallID(),
		"remote_tag":   d.RemoteTag(),
		"remote_media": answer.Addr.String(),
		"payload_type": answer.PayloadType,
	}).Info("Call answered")

	if !answer.Sends() {
		logrus.WithFields(logrus.Fields{
			"function":  "Client.confirm",
			"direction": answer.Direction,
		}).Warn("Answer does not intend to send media")
	}

	return session, nil
}

// runInvite drives one INVITE transaction to its final response.
func (c *Client) runInvite(ctx context.Context, invite *Message, d *Dialog) (*Message, error) {
	tx := NewInviteTransaction(invite, c.config.Timers)
	timers := newTxTimers(c.time)
	defer timers.stopAll()

	var final *Message
	apply := func(actions []Action) error {
		for _, a := range actions {
			switch a.Kind {
			case ActionSend:
				if err := c.send(a.Message, c.config.Server); err != nil {
					return err
				}
			case ActionStartTimer:
				timers.start(a.Timer, a.Duration)
			case ActionStopTimer:
				timers.stop(a.Timer)
			case ActionDeliver:
				if a.Message.IsProvisional() {
					d.OnResponse(a.Message)
					logrus.WithFields(logrus.Fields{
						"function": "Client.runInvite",
						"call_id":  d.CallID(),
						"response": a.Message.Summary(),
					}).Info("Provisional response")
					continue
				}
				final = a.Message
			case ActionFail:
				return a.Err
			}
		}
		return nil
	}

	if err := apply(tx.Start()); err != nil {
		return nil, err
	}

	for final == nil {
		var actions []Action
		select {
		case <-ctx.Done():
			if tx.State() == TxProceeding {
				c.cancelInvite(invite)
			}
			return nil, ctx.Err()

		case dg, ok := <-c.datagrams:
			if !ok {
				return nil, failure.Network(MethodInvite, ErrClientClosed)
			}
			msg := c.parse(dg)
			if msg == nil {
				continue
			}
			if msg.IsRequest() {
				c.rejectRequest(msg, dg.Addr)
				continue
			}
			if !tx.Matches(msg) {
				c.absorbStray(msg)
				continue
			}
			actions = tx.Handle(Event{Kind: EventResponse, Response: msg})

		case <-timers.C(TimerA):
			logrus.WithFields(logrus.Fields{
				"function": "Client.runInvite",
				"call_id":  d.CallID(),
				"interval": tx.Interval().String(),
			}).Debug("Retransmitting INVITE")
			actions = tx.Handle(Event{Kind: EventTimer, Timer: TimerA})

		case <-timers.C(TimerB):
			actions = tx.Handle(Event{Kind: EventTimer, Timer: TimerB})
		}

		if err := apply(actions); err != nil {
			return nil, err
		}
	}

	if tx.State() == TxCompleted {
		c.lingering = append(c.lingering, lingeringTx{tx: tx, until: c.time.Now().Add(c.config.Timers.TimerD)})
	}
	return final, nil
}

// absorbStray re-acknowledges retransmitted failure responses of
// completed transactions and drops everything else.
func (c *Client) absorbStray(msg *Message) {
	now := c.time.Now()
	live := c.lingering[:0]
	for _, l := range c.lingering {
		if now.After(l.until) {
			l.tx.Handle(Event{Kind: EventTimer, Timer: TimerD})
			continue
		}
		live = append(live, l)
	}
	c.lingering = live

	for _, l := range c.lingering {
		if !l.tx.Matches(msg) {
			continue
		}
		for _, a := range l.tx.Handle(Event{Kind: EventResponse, Response: msg}) {
			if a.Kind == ActionSend {
				_ = c.send(a.Message, c.config.Server)
			}
		}
		logrus.WithFields(logrus.Fields{
			"function": "Client.absorbStray",
			"branch":   l.tx.Branch(),
			"response": msg.Summary(),
		}).Debug("Re-acknowledged retransmitted final response")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.absorbStray",
		"response": msg.Summary(),
		"call_id":  msg.CallID(),
	}).Debug("Ignoring unmatched response")
}

// cancelInvite sends a best-effort CANCEL for a ringing INVITE.
func (c *Client) cancelInvite(invite *Message) {
	cancel := NewCancel(invite)
	if err := c.send(cancel, c.config.Server); err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Client.cancelInvite",
		"call_id":  invite.CallID(),
	}).Info("Sent CANCEL for ringing call")
}

// rejectRequest answers a request that arrives outside a dialog.
func (c *Client) rejectRequest(req *Message, from *net.UDPAddr) {
	if req.Method() == MethodAck {
		return
	}
	_ = c.send(NewResponse(req, 481, "Call/Transaction Does Not Exist", ""), c.replyAddr(from))
}

// Watch serves the confirmed dialog until ctx is done or the peer hangs
// up. It answers BYE with 200 OK and re-sends the ACK when the 2xx is
// retransmitted.
//
// Returns:
//   - nil when ctx is done
//   - ErrDialogTerminated when the peer sent BYE
//   - a failure.ErrNetworkFailure error if the read loop stopped
func (c *Client) Watch(ctx context.Context, s *Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case dg, ok := <-c.datagrams:
			if !ok {
				return failure.Network("watch", ErrClientClosed)
			}
			msg := c.parse(dg)
			if msg == nil {
				continue
			}
			if msg.IsRequest() {
				if c.serveInDialog(s, msg, dg.Addr) {
					return ErrDialogTerminated
				}
				continue
			}
			c.handleInDialogResponse(s, msg)
		}
	}
}

// serveInDialog answers a request during the call and reports whether it
// ended the dialog.
func (c *Client) serveInDialog(s *Session, req *Message, from *net.UDPAddr) bool {
	if req.Method() == MethodAck {
		return false
	}
	if !s.Dialog.Matches(req) {
		c.rejectRequest(req, from)
		return false
	}

	s.Dialog.OnRequest(req)
	switch req.Method() {
	case MethodBye:
		_ = c.send(NewResponse(req, 200, "OK", s.Dialog.LocalTag()), c.replyAddr(from))
		logrus.WithFields(logrus.Fields{
			"function": "Client.serveInDialog",
			"call_id":  s.Dialog.CallID(),
		}).Info("Remote party hung up")
		return true
	case MethodOptions:
		_ = c.send(NewResponse(req, 200, "OK", s.Dialog.LocalTag()), c.replyAddr(from))
	default:
		_ = c.send(NewResponse(req, 501, "Not Implemented", s.Dialog.LocalTag()), c.replyAddr(from))
	}
	return false
}

// handleInDialogResponse re-sends the ACK for a retransmitted 2xx.
func (c *Client) handleInDialogResponse(s *Session, resp *Message) {
	_, method, err := resp.CSeq()
	if err == nil && method == MethodInvite && resp.IsSuccess() && s.Dialog.Matches(resp) {
		_ = c.send(s.Ack, c.config.Server)
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleInDialogResponse",
			"call_id":  s.Dialog.CallID(),
		}).Debug("Re-sent ACK for retransmitted 2xx")
		return
	}
	c.absorbStray(resp)
}

// Bye ends the call. It is best effort: the BYE is retransmitted until a
// final response arrives, Timer F (64*T1) expires or ctx is done. The
// dialog is terminated whatever the outcome. Calling Bye after the peer
// hung up is a no-op.
func (c *Client) Bye(ctx context.Context, s *Session) error {
	if s == nil || s.Dialog.State() == DialogTerminated {
		return nil
	}

	bye := NewBye(c.ua, s.Dialog, NewBranch())
	branch := bye.ViaBranch()
	seq := s.Dialog.LocalSeq()
	s.Dialog.Terminate()

	interval := c.config.Timers.T1
	retransmit := c.time.NewTimer(interval)
	defer retransmit.Stop()
	timerF := c.time.NewTimer(64 * c.config.Timers.T1)
	defer timerF.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Client.Bye",
		"call_id":  s.Dialog.CallID(),
		"cseq":     seq,
	}).Info("Sending BYE")

	if err := c.send(bye, c.config.Server); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return failure.Timeout(MethodBye, ErrByeTimeout)

		case <-timerF.C:
			return failure.Timeout(MethodBye, ErrByeTimeout)

		case <-retransmit.C:
			_ = c.send(bye, c.config.Server)
			interval *= 2
			if interval > c.config.Timers.T2 {
				interval = c.config.Timers.T2
			}
			retransmit.Reset(interval)

		case dg, ok := <-c.datagrams:
			if !ok {
				return failure.Network(MethodBye, ErrClientClosed)
			}
			msg := c.parse(dg)
			if msg == nil {
				continue
			}
			if msg.IsRequest() {
				// A crossing BYE from the peer still gets its 200.
				if msg.Method() == MethodBye && s.Dialog.Matches(msg) {
					_ = c.send(NewResponse(msg, 200, "OK", s.Dialog.LocalTag()), c.replyAddr(dg.Addr))
				}
				continue
			}
			respSeq, method, err := msg.CSeq()
			if err != nil || method != MethodBye || respSeq != seq || msg.ViaBranch() != branch {
				continue
			}
			if msg.IsProvisional() {
				continue
			}

			logrus.WithFields(logrus.Fields{
				"function": "Client.Bye",
				"call_id":  s.Dialog.CallID(),
				"response": msg.Summary(),
			}).Info("BYE answered")
			return nil
		}
	}
}

// Close stops the read loop. The socket itself belongs to the caller.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.stopLoop()
		for range c.datagrams {
		}
	})
	return nil
}

// send serializes msg and writes it to addr.
func (c *Client) send(msg *Message, addr *net.UDPAddr) error {
	data := msg.Bytes()
	if _, err := c.conn.WriteTo(data, addr); err != nil {
		op := msg.Method()
		if op == "" {
			op = "response"
		}
		logrus.WithFields(logrus.Fields{
			"function": "Client.send",
			"message":  msg.Summary(),
			"to":       addr.String(),
			"error":    err.Error(),
		}).Error("Failed to send SIP message")
		return failure.Network(op, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.send",
		"message":  msg.Summary(),
		"to":       addr.String(),
		"size":     len(data),
	}).Debug("Sent SIP message")
	return nil
}

// parse decodes a datagram, logging and dropping malformed ones.
func (c *Client) parse(dg transport.Datagram) *Message {
	msg, err := ParseMessage(dg.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.parse",
			"from":     dg.Addr.String(),
			"size":     len(dg.Data),
			"error":    err.Error(),
		}).Warn("Dropping malformed SIP datagram")
		return nil
	}
	return msg
}

// replyAddr returns where to send a response: the request's source, or
// the server when the source is unknown.
func (c *Client) replyAddr(from *net.UDPAddr) *net.UDPAddr {
	if from != nil {
		return from
	}
	return c.config.Server
}

// txTimers holds the three transaction timers as stopped *time.Timer
// values so they can sit in a select.
type txTimers struct {
	timers [3]*time.Timer
}

func newTxTimers(tp transport.TimeProvider) *txTimers {
	tt := &txTimers{}
	for i := range tt.timers {
		tt.timers[i] = tp.NewTimer(time.Hour)
		transport.StopTimer(tt.timers[i])
	}
	return tt
}

func (tt *txTimers) start(id TimerID, d time.Duration) {
	transport.StopTimer(tt.timers[id])
	tt.timers[id].Reset(d)
}

func (tt *txTimers) stop(id TimerID) {
	transport.StopTimer(tt.timers[id])
}

func (tt *txTimers) stopAll() {
	for _, t := range tt.timers {
		t.Stop()
	}
}

// C returns the channel of timer id.
func (tt *txTimers) C(id TimerID) <-chan time.Time {
	return tt.timers[id].C
}

// IsRemoteHangup reports whether err means the peer ended the call.
func IsRemoteHangup(err error) bool {
	return errors.Is(err, ErrDialogTerminated)
}
