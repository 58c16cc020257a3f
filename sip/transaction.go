package sip

import (
	"time"

	"github.com/opd-ai/phonecheck/failure"
	"github.com/sirupsen/logrus"
)

// TxState is the state of an INVITE client transaction.
type TxState uint8

const (
	// TxCalling means the INVITE is being retransmitted and no response arrived.
	TxCalling TxState = iota
	// TxProceeding means a provisional response arrived; retransmission stopped.
	TxProceeding
	// TxCompleted means a failure response was acknowledged and retransmits
	// of it are absorbed until Timer D fires.
	TxCompleted
	// TxTerminated means the transaction is finished.
	TxTerminated
)

// String returns a human-readable representation of the transaction state.
func (s TxState) String() string {
	switch s {
	case TxCalling:
		return "calling"
	case TxProceeding:
		return "proceeding"
	case TxCompleted:
		return "completed"
	case TxTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TimerID names a transaction timer.
type TimerID uint8

const (
	// TimerA drives INVITE retransmission.
	TimerA TimerID = iota
	// TimerB bounds the whole transaction.
	TimerB
	// TimerD bounds the wait for failure response retransmits.
	TimerD
)

// String returns the RFC 3261 timer name.
func (t TimerID) String() string {
	switch t {
	case TimerA:
		return "A"
	case TimerB:
		return "B"
	case TimerD:
		return "D"
	default:
		return "?"
	}
}

// ActionKind is a side effect requested by the transaction.
type ActionKind uint8

const (
	// ActionSend asks the caller to transmit Message.
	ActionSend ActionKind = iota
	// ActionStartTimer asks the caller to (re)arm Timer for Duration.
	ActionStartTimer
	// ActionStopTimer asks the caller to disarm Timer.
	ActionStopTimer
	// ActionDeliver passes a response up to the client.
	ActionDeliver
	// ActionFail reports a transaction failure in Err.
	ActionFail
)

// Action is one side effect of a transition.
type Action struct {
	Kind     ActionKind
	Message  *Message
	Timer    TimerID
	Duration time.Duration
	Err      error
}

// EventKind distinguishes transaction inputs.
type EventKind uint8

const (
	// EventResponse carries a received response.
	EventResponse EventKind = iota
	// EventTimer reports that Timer fired.
	EventTimer
)

// Event is one input to the transaction.
type Event struct {
	Kind     EventKind
	Response *Message
	Timer    TimerID
}

// TimerConfig holds the RFC 3261 timer values.
type TimerConfig struct {
	// T1 is the initial retransmit interval.
	T1 time.Duration
	// T2 caps the retransmit interval.
	T2 time.Duration
	// TimerB is the absolute INVITE transaction timeout.
	TimerB time.Duration
	// TimerD is how long failure response retransmits are absorbed.
	TimerD time.Duration
}

// DefaultTimerConfig returns T1 = 500 ms, T2 = 4 s, B = 64*T1 and D = 32 s.
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		T1:     500 * time.Millisecond,
		T2:     4 * time.Second,
		TimerB: 32 * time.Second,
		TimerD: 32 * time.Second,
	}
}

func (tc TimerConfig) withDefaults() TimerConfig {
	d := DefaultTimerConfig()
	if tc.T1 <= 0 {
		tc.T1 = d.T1
	}
	if tc.T2 <= 0 {
		tc.T2 = d.T2
	}
	if tc.TimerB <= 0 {
		tc.TimerB = d.TimerB
	}
	if tc.TimerD <= 0 {
		tc.TimerD = d.TimerD
	}
	return tc
}

// InviteTransaction is the INVITE client transaction state machine.
//
// It performs no I/O: Start and Handle return the actions the caller must
// carry out. Timer B runs from Start until a final response, including
// while proceeding, so a call that rings forever still ends.
type InviteTransaction struct {
	state    TxState
	request  *Message
	branch   string
	cseq     uint32
	timers   TimerConfig
	interval time.Duration
	ack      *Message
}

// NewInviteTransaction creates a transaction for invite.
func NewInviteTransaction(invite *Message, timers TimerConfig) *InviteTransaction {
	cseq, _, _ := invite.CSeq()
	return &InviteTransaction{
		state:   TxCalling,
		request: invite,
		branch:  invite.ViaBranch(),
		cseq:    cseq,
		timers:  timers.withDefaults(),
	}
}

// Start sends the INVITE and arms Timers A and B.
func (tx *InviteTransaction) Start() []Action {
	tx.interval = tx.timers.T1
	return []Action{
		{Kind: ActionSend, Message: tx.request},
		{Kind: ActionStartTimer, Timer: TimerA, Duration: tx.interval},
		{Kind: ActionStartTimer, Timer: TimerB, Duration: tx.timers.TimerB},
	}
}

// Matches reports whether resp belongs to this transaction: same top Via
// branch and same CSeq number with method INVITE.
func (tx *InviteTransaction) Matches(resp *Message) bool {
	if resp == nil || !resp.IsResponse() || resp.ViaBranch() != tx.branch {
		return false
	}
	seq, method, err := resp.CSeq()
	return err == nil && seq == tx.cseq && method == MethodInvite
}

// Handle applies ev and returns the resulting actions. Responses that do
// not match the transaction and timers that are stale for the current
// state produce no actions.
func (tx *InviteTransaction) Handle(ev Event) []Action {
	switch ev.Kind {
	case EventResponse:
		if !tx.Matches(ev.Response) {
			logrus.WithFields(logrus.Fields{
				"function": "InviteTransaction.Handle",
				"branch":   tx.branch,
				"response": ev.Response.Summary(),
			}).Debug("Ignoring response for another transaction")
			return nil
		}
		return tx.handleResponse(ev.Response)
	case EventTimer:
		return tx.handleTimer(ev.Timer)
	default:
		return nil
	}
}

func (tx *InviteTransaction) handleResponse(resp *Message) []Action {
	switch tx.state {
	case TxCalling, TxProceeding:
		switch {
		case resp.IsProvisional():
			var actions []Action
			if tx.state == TxCalling {
				actions = append(actions, Action{Kind: ActionStopTimer, Timer: TimerA})
			}
			tx.setState(TxProceeding)
			return append(actions, Action{Kind: ActionDeliver, Message: resp})

		case resp.IsSuccess():
			tx.setState(TxTerminated)
			return []Action{
				{Kind: ActionStopTimer, Timer: TimerA},
				{Kind: ActionStopTimer, Timer: TimerB},
				{Kind: ActionDeliver, Message: resp},
			}

		default:
			tx.ack = NewAckForFailure(tx.request, resp)
			tx.setState(TxCompleted)
			return []Action{
				{Kind: ActionStopTimer, Timer: TimerA},
				{Kind: ActionStopTimer, Timer: TimerB},
				{Kind: ActionSend, Message: tx.ack},
				{Kind: ActionStartTimer, Timer: TimerD, Duration: tx.timers.TimerD},
				{Kind: ActionDeliver, Message: resp},
			}
		}

	case TxCompleted:
		if resp.IsFailure() {
			return []Action{{Kind: ActionSend, Message: tx.ack}}
		}
	}
	return nil
}

func (tx *InviteTransaction) handleTimer(timer TimerID) []Action {
	switch {
	case timer == TimerA && tx.state == TxCalling:
		tx.interval *= 2
		if tx.interval > tx.timers.T2 {
			tx.interval = tx.timers.T2
		}
		return []Action{
			{Kind: ActionSend, Message: tx.request},
			{Kind: ActionStartTimer, Timer: TimerA, Duration: tx.interval},
		}

	case timer == TimerB && (tx.state == TxCalling || tx.state == TxProceeding):
		tx.setState(TxTerminated)
		return []Action{
			{Kind: ActionStopTimer, Timer: TimerA},
			{Kind: ActionFail, Err: failure.Timeout(MethodInvite, ErrTransactionTimeout)},
		}

	case timer == TimerD && tx.state == TxCompleted:
		tx.setState(TxTerminated)
	}
	return nil
}

func (tx *InviteTransaction) setState(state TxState) {
	if tx.state == state {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "InviteTransaction.setState",
		"branch":   tx.branch,
		"from":     tx.state.String(),
		"to":       state.String(),
	}).Debug("Transaction state change")
	tx.state = state
}

// State returns the current transaction state.
func (tx *InviteTransaction) State() TxState {
	return tx.state
}

// Branch returns the transaction's Via branch.
func (tx *InviteTransaction) Branch() string {
	return tx.branch
}

// Request returns the INVITE this transaction sends.
func (tx *InviteTransaction) Request() *Message {
	return tx.request
}

// Interval returns the current Timer A interval.
func (tx *InviteTransaction) Interval() time.Duration {
	return tx.interval
}
