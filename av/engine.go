package av

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/phonecheck/av/audio"
	"github.com/opd-ai/phonecheck/av/rtp"
	"github.com/opd-ai/phonecheck/failure"
	"github.com/opd-ai/phonecheck/sip"
	"github.com/opd-ai/phonecheck/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Defaults applied by NewEngine to zero Options fields.
const (
	DefaultListenDuration   = 10 * time.Second
	DefaultMinAudioDuration = 500 * time.Millisecond
	DefaultRetryDelay       = 2 * time.Second
)

// Options is the configuration snapshot of one call. The engine reads
// nothing else: no environment, no files, no globals.
type Options struct {
	// Server is the SIP server as host[:port]; port defaults to 5060.
	Server string
	// Target is the number or user to call, or a full sip: URI. A bare
	// number is called at the server's host.
	Target string

	Username    string
	Password    string
	DisplayName string
	// Domain is the From URI host. Defaults to the target host.
	Domain string

	// STUNServer is host[:port] of a STUN server. Empty skips discovery.
	STUNServer string
	// STUNTimeout bounds each STUN attempt. Zero uses the client default.
	STUNTimeout time.Duration

	// BindAddress is the local IP for both sockets. Empty binds all
	// interfaces.
	BindAddress string
	// SIPPort and RTPPort select local ports. Zero picks ephemeral ports.
	SIPPort int
	RTPPort int

	// ListenDuration bounds media capture.
	ListenDuration time.Duration
	// MinAudioDuration is the least audio a successful call must capture.
	MinAudioDuration time.Duration

	// Timers holds the SIP transaction timers.
	Timers sip.TimerConfig
	// ByeTimeout bounds the best-effort BYE.
	ByeTimeout time.Duration

	// Jitter configures the media jitter buffer.
	Jitter rtp.JitterConfig
	// PunchCount and PunchInterval shape hole punching.
	PunchCount    int
	PunchInterval time.Duration
	// KeepaliveInterval sends media probes while listening. Zero disables.
	KeepaliveInterval time.Duration

	// RetryDelay separates the attempts of RunWithRetry.
	RetryDelay time.Duration

	// Thresholds grades stream quality. Nil uses the defaults.
	Thresholds *QualityThresholds

	// TimeProvider is injected for tests. Nil uses the system clock.
	TimeProvider transport.TimeProvider
}

// Validate checks that the options describe a call.
func (o Options) Validate() error {
	if o.Server == "" {
		return ErrMissingServer
	}
	if o.Target == "" {
		return ErrMissingTarget
	}
	if o.ListenDuration < 0 || o.MinAudioDuration < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidDuration)
	}
	if o.ListenDuration > 0 && o.MinAudioDuration > o.ListenDuration {
		return fmt.Errorf("%w: minimum audio %s exceeds listen window %s",
			ErrInvalidDuration, o.MinAudioDuration, o.ListenDuration)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.ListenDuration == 0 {
		o.ListenDuration = DefaultListenDuration
	}
	if o.MinAudioDuration == 0 {
		o.MinAudioDuration = DefaultMinAudioDuration
		if o.MinAudioDuration > o.ListenDuration {
			o.MinAudioDuration = o.ListenDuration
		}
	}
	if o.ByeTimeout <= 0 {
		o.ByeTimeout = sip.DefaultByeTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// targetURI turns a bare number into a sip: URI at the server host.
func targetURI(target string, server *net.UDPAddr, serverName string) string {
	if len(target) >= 4 && (target[:4] == "sip:" || target[:4] == "SIP:") {
		return target
	}
	host := serverName
	if h, _, err := net.SplitHostPort(serverName); err == nil {
		host = h
	}
	if host == "" {
		host = server.IP.String()
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	return "sip:" + target + "@" + host
}

// Engine places outbound test calls, one at a time.
//
// Run sequences resolve, STUN, INVITE, media capture and BYE. Signaling
// and media run as two goroutines that share only the confirmed session,
// the media-done signal and the call context.
type Engine struct {
	options Options
	nat     *transport.NATTraversal
	time    transport.TimeProvider

	mu            sync.RWMutex
	state         CallState
	running       bool
	stateCallback func(state CallState)
}

// NewEngine creates an engine for options.
//
// Parameters:
//   - options: call configuration snapshot; zero fields take defaults
//
// Returns:
//   - *Engine: engine ready to Run
//   - error: if options are invalid
func NewEngine(options Options) (*Engine, error) {
	if err := options.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewEngine",
			"error":    err.Error(),
		}).Error("Options validation failed")
		return nil, err
	}
	options = options.withDefaults()

	stunClient := transport.NewSTUNClient()
	if options.STUNTimeout > 0 {
		stunClient.SetTimeout(options.STUNTimeout)
	}
	stunClient.SetTimeProvider(options.TimeProvider)

	logrus.WithFields(logrus.Fields{
		"function":        "NewEngine",
		"server":          options.Server,
		"target":          options.Target,
		"stun_server":     options.STUNServer,
		"listen_duration": options.ListenDuration.String(),
	}).Debug("Call engine configured")

	return &Engine{
		options: options,
		nat:     transport.NewNATTraversal(stunClient),
		time:    transport.GetTimeProvider(options.TimeProvider),
		state:   CallStateIdle,
	}, nil
}

// SetStateCallback registers a function called on every state change.
// It runs on the engine's goroutine and must not block.
func (e *Engine) SetStateCallback(callback func(state CallState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateCallback = callback
}

// State returns the current call state.
func (e *Engine) State() CallState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Options returns the effective options after defaults.
func (e *Engine) Options() Options {
	return e.options
}

// LastMapping returns the most recent STUN discovery result, or nil.
func (e *Engine) LastMapping() *transport.Mapping {
	return e.nat.LastMapping()
}

func (e *Engine) setState(state CallState) {
	e.mu.Lock()
	old := e.state
	e.state = state
	callback := e.stateCallback
	e.mu.Unlock()

	if old == state {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Engine.setState",
		"from":     old.String(),
		"to":       state.String(),
	}).Debug("Call state change")
	if callback != nil {
		callback(state)
	}
}

// RunWithRetry runs a call and, when it fails with a transient error
// (network failure, timeout or a 5xx rejection), places it once more
// after RetryDelay with fresh sockets.
func (e *Engine) RunWithRetry(ctx context.Context) *Result {
	first := e.Run(ctx)
	if first.Err == nil || !failure.Retryable(first.Err) || ctx.Err() != nil {
		return first
	}

	logrus.WithFields(logrus.Fields{
		"function": "Engine.RunWithRetry",
		"error":    first.Err.Error(),
		"delay":    e.options.RetryDelay.String(),
	}).Warn("First attempt failed, retrying with fresh connection")

	delay := e.time.NewTimer(e.options.RetryDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return first
	case <-delay.C:
	}

	second := e.Run(ctx)
	second.Retried = true
	second.Warnings = append([]string{"first attempt failed: " + first.Err.Error()}, second.Warnings...)
	return second
}

// Run places one call and returns its outcome. It never panics and
// never returns nil.
//
// Cancelling ctx interrupts whichever step is in progress. Audio already
// captured is kept, and a bounded BYE is still sent when the call was
// answered.
func (e *Engine) Run(ctx context.Context) *Result {
	result := &Result{StartedAt: e.time.Now()}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		result.State = CallStateFailed
		result.Err = ErrEngineBusy
		return result
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		result.Elapsed = e.time.Now().Sub(result.StartedAt)
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.setState(result.State)
		e.logResult(result)
	}()

	e.run(ctx, result)
	return result
}

func (e *Engine) run(ctx context.Context, result *Result) {
	e.setState(CallStateResolving)

	server, err := transport.ResolveUDPAddr(e.options.Server, sip.DefaultPort)
	if err != nil {
		e.fail(ctx, result, failure.Network("resolve", err))
		return
	}

	sipConn, err := transport.ListenUDP(net.JoinHostPort(e.options.BindAddress, strconv.Itoa(e.options.SIPPort)))
	if err != nil {
		e.fail(ctx, result, failure.Network("bind sip", err))
		return
	}
	defer sipConn.Close()

	rtpConn, err := transport.ListenUDP(net.JoinHostPort(e.options.BindAddress, strconv.Itoa(e.options.RTPPort)))
	if err != nil {
		e.fail(ctx, result, failure.Network("bind rtp", err))
		return
	}
	defer rtpConn.Close()

	e.setState(CallStateDiscovering)
	local := transport.AdvertisableAddr(rtpConn.LocalAddr().(*net.UDPAddr), server)
	mapping := e.nat.Discover(ctx, rtpConn, local, e.options.STUNServer)
	result.LocalMedia = mapping.Local
	result.PublicMedia = mapping.Advertised()
	result.addWarning(mapping.Warning)
	if ctx.Err() != nil {
		e.fail(ctx, result, ctx.Err())
		return
	}

	client, err := sip.NewClient(sipConn, sip.Config{
		Server:       server,
		Target:       targetURI(e.options.Target, server, e.options.Server),
		Username:     e.options.Username,
		Password:     e.options.Password,
		DisplayName:  e.options.DisplayName,
		Domain:       e.options.Domain,
		Timers:       e.options.Timers,
		ByeTimeout:   e.options.ByeTimeout,
		TimeProvider: e.options.TimeProvider,
	})
	if err != nil {
		e.fail(ctx, result, err)
		return
	}
	defer client.Close()

	receiver, err := rtp.NewReceiver(rtpConn, rtp.ReceiverConfig{
		ListenDuration:    e.options.ListenDuration,
		Jitter:            e.options.Jitter,
		PunchCount:        e.options.PunchCount,
		PunchInterval:     e.options.PunchInterval,
		KeepaliveInterval: e.options.KeepaliveInterval,
		TimeProvider:      e.options.TimeProvider,
	})
	if err != nil {
		e.fail(ctx, result, err)
		return
	}

	session, capture, err := e.converse(ctx, client, receiver, result.PublicMedia, result)

	if session != nil {
		result.CallID = session.Dialog.CallID()
		result.Attempts = session.Attempts
		if session.Media != nil {
			result.RemoteMedia = session.Media.Addr
		}
		e.hangUp(ctx, client, session, result)
	}

	if capture != nil {
		result.Samples = capture.Samples
		result.Duration = capture.Duration()
		result.PayloadType = capture.PayloadType
		result.Stats = capture.Stats
		result.Dropped = capture.Dropped
		result.ForeignSource = capture.ForeignSource
		result.Punch = capture.Punch
		result.Punched = capture.Punched
		result.Quality = AssessQuality(capture.Stats, e.options.Thresholds)
		result.Level = audio.MeasureLevel(capture.Samples)
	}

	switch {
	case err != nil:
		e.fail(ctx, result, err)
	case ctx.Err() != nil:
		e.fail(ctx, result, ctx.Err())
	case session == nil:
		e.fail(ctx, result, ErrNoSession)
	case capture == nil:
		e.fail(ctx, result, failure.NoAudio("media receiver did not run"))
	default:
		if verr := capture.Validate(e.options.MinAudioDuration); verr != nil {
			e.fail(ctx, result, verr)
			return
		}
		if result.Level.Silent() {
			result.addWarning("captured audio is silent")
		}
		result.State = CallStateCompleted
	}
}

// converse runs signaling and media concurrently until the listen window
// ends, the peer hangs up or ctx is cancelled.
func (e *Engine) converse(ctx context.Context, client *sip.Client, receiver *rtp.Receiver,
	advertised *net.UDPAddr, result *Result,
) (*sip.Session, *rtp.Capture, error) {
	g, gctx := errgroup.WithContext(ctx)
	mediaCtx, stopMedia := context.WithCancel(gctx)
	defer stopMedia()
	watchCtx, stopWatch := context.WithCancel(gctx)
	defer stopWatch()

	confirmed := make(chan *sip.Session, 1)

	var (
		session      *sip.Session
		capture      *rtp.Capture
		remoteHangup bool
	)

	g.Go(func() error {
		defer close(confirmed)
		e.setState(CallStateInviting)

		s, err := client.Invite(gctx, advertised)
		if err != nil {
			return err
		}
		session = s
		confirmed <- s

		err = client.Watch(watchCtx, s)
		if sip.IsRemoteHangup(err) {
			remoteHangup = true
			stopMedia()
			return nil
		}
		return err
	})

	g.Go(func() error {
		defer stopWatch()

		s, ok := <-confirmed
		if !ok {
			return nil
		}
		e.setState(CallStateListening)

		if _, err := receiver.PunchHole(mediaCtx, s.Media.Addr); err != nil && mediaCtx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.converse",
				"remote":   s.Media.Addr.String(),
				"error":    err.Error(),
			}).Warn("Hole punching failed, listening anyway")
		}

		c, err := receiver.Receive(mediaCtx, s.Media.Addr)
		capture = c
		return err
	})

	err := g.Wait()
	result.RemoteHangup = remoteHangup
	if capture != nil && remoteHangup {
		// The peer ended the call; the capture is complete, not cancelled.
		capture.Cancelled = false
	}
	return session, capture, err
}

// hangUp sends a bounded best-effort BYE that survives cancellation of ctx.
func (e *Engine) hangUp(ctx context.Context, client *sip.Client, session *sip.Session, result *Result) {
	if session.Dialog.State() == sip.DialogTerminated {
		return
	}
	e.setState(CallStateHangingUp)

	byeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.options.ByeTimeout)
	defer cancel()

	if err := client.Bye(byeCtx, session); err != nil {
		result.addWarning("BYE not confirmed: " + err.Error())
	}
}

// fail records err as the call's outcome.
func (e *Engine) fail(ctx context.Context, result *Result, err error) {
	result.Err = err
	result.Kind = failure.KindOf(err)
	result.StatusCode = failure.StatusOf(err)

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		result.State = CallStateCancelled
		return
	}
	result.State = CallStateFailed
}

func (e *Engine) logResult(result *Result) {
	fields := logrus.Fields{
		"function": "Engine.Run",
		"state":    result.State.String(),
		"call_id":  result.CallID,
		"duration": result.Duration.String(),
		"elapsed":  result.Elapsed.String(),
		"warnings": len(result.Warnings),
	}
	if result.State == CallStateCancelled {
		logrus.WithFields(fields).Warn("Call cancelled")
		return
	}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
		fields["kind"] = result.Kind.String()
		logrus.WithFields(fields).Error("Call failed")
		return
	}
	fields["quality"] = result.Quality.Quality.String()
	logrus.WithFields(fields).Info("Call completed")
}
