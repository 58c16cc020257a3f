package sip

import (
	"testing"
	"time"

	"github.com/opd-ai/phonecheck/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransaction() (*InviteTransaction, *Message) {
	invite := NewInvite(testUA(), testDialog(), "z9hG4bKtx", nil)
	return NewInviteTransaction(invite, DefaultTimerConfig()), invite
}

func respond(tx *InviteTransaction, resp *Message) []Action {
	return tx.Handle(Event{Kind: EventResponse, Response: resp})
}

func fire(tx *InviteTransaction, id TimerID) []Action {
	return tx.Handle(Event{Kind: EventTimer, Timer: id})
}

func kinds(actions []Action) []ActionKind {
	out := make([]ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func sent(actions []Action) []*Message {
	var out []*Message
	for _, a := range actions {
		if a.Kind == ActionSend {
			out = append(out, a.Message)
		}
	}
	return out
}

func TestInviteTransaction_Start(t *testing.T) {
	tx, invite := newTestTransaction()

	actions := tx.Start()

	require.Len(t, actions, 3)
	assert.Equal(t, Action{Kind: ActionSend, Message: invite}, actions[0])
	assert.Equal(t, Action{Kind: ActionStartTimer, Timer: TimerA, Duration: 500 * time.Millisecond}, actions[1])
	assert.Equal(t, Action{Kind: ActionStartTimer, Timer: TimerB, Duration: 32 * time.Second}, actions[2])
	assert.Equal(t, TxCalling, tx.State())
	assert.Equal(t, "z9hG4bKtx", tx.Branch())
}

func TestInviteTransaction_RetransmitBackoff(t *testing.T) {
	tx, invite := newTestTransaction()
	tx.Start()

	var intervals []time.Duration
	for i := 0; i < 6; i++ {
		actions := fire(tx, TimerA)
		require.Len(t, actions, 2)
		assert.Same(t, invite, actions[0].Message)
		intervals = append(intervals, actions[1].Duration)
	}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}, intervals)
}

func TestInviteTransaction_ProvisionalStopsRetransmission(t *testing.T) {
	tx, invite := newTestTransaction()
	tx.Start()

	actions := respond(tx, NewResponse(invite, 180, "Ringing", "r1"))

	assert.Equal(t, []ActionKind{ActionStopTimer, ActionDeliver}, kinds(actions))
	assert.Equal(t, TimerA, actions[0].Timer)
	assert.Equal(t, TxProceeding, tx.State())
	assert.Empty(t, fire(tx, TimerA), "stale Timer A must not retransmit")

	actions = respond(tx, NewResponse(invite, 183, "Session Progress", "r1"))
	assert.Equal(t, []ActionKind{ActionDeliver}, kinds(actions))
}

func TestInviteTransaction_Success(t *testing.T) {
	tx, invite := newTestTransaction()
	tx.Start()
	ok := NewResponse(invite, 200, "OK", "r1")

	actions := respond(tx, ok)

	assert.Equal(t, []ActionKind{ActionStopTimer, ActionStopTimer, ActionDeliver}, kinds(actions))
	assert.Same(t, ok, actions[2].Message)
	assert.Equal(t, TxTerminated, tx.State())
	assert.Empty(t, sent(actions), "2xx ACK belongs to the dialog, not the transaction")
}

func TestInviteTransaction_FailureIsAcknowledged(t *testing.T) {
	tx, invite := newTestTransaction()
	tx.Start()
	busy := NewResponse(invite, 486, "Busy Here", "r1")

	actions := respond(tx, busy)

	assert.Equal(t, TxCompleted, tx.State())
	acks := sent(actions)
	require.Len(t, acks, 1)
	assert.Equal(t, MethodAck, acks[0].Method())
	assert.Equal(t, "z9hG4bKtx", acks[0].ViaBranch())
	assert.Equal(t, actions[len(actions)-1], Action{Kind: ActionDeliver, Message: busy})

	// A retransmitted final response only re-sends the ACK.
	again := respond(tx, busy)
	assert.Equal(t, []ActionKind{ActionSend}, kinds(again))
	assert.Same(t, acks[0], again[0].Message)
	assert.Equal(t, TxCompleted, tx.State())

	assert.Empty(t, fire(tx, TimerD))
	assert.Equal(t, TxTerminated, tx.State())
	assert.Empty(t, respond(tx, busy))
}

func TestInviteTransaction_TimerB(t *testing.T) {
	for _, ringing := range []bool{false, true} {
		tx, invite := newTestTransaction()
		tx.Start()
		if ringing {
			respond(tx, NewResponse(invite, 180, "Ringing", ""))
		}

		actions := fire(tx, TimerB)

		require.Len(t, actions, 2)
		assert.Equal(t, ActionFail, actions[1].Kind)
		assert.ErrorIs(t, actions[1].Err, failure.ErrTimeout)
		assert.ErrorIs(t, actions[1].Err, ErrTransactionTimeout)
		assert.Equal(t, TxTerminated, tx.State())
	}
}

func TestInviteTransaction_IgnoresOtherTransactions(t *testing.T) {
	tx, invite := newTestTransaction()
	tx.Start()

	ok := NewResponse(invite, 200, "OK", "r1")
	otherBranch := withHeader(t, ok, HeaderVia, "SIP/2.0/UDP 192.0.2.10:5060;branch=z9hG4bKother")
	otherSeq := withHeader(t, ok, HeaderCSeq, "2 INVITE")
	otherMethod := withHeader(t, ok, HeaderCSeq, "1 BYE")

	for _, resp := range []*Message{otherBranch, otherSeq, otherMethod} {
		assert.Empty(t, respond(tx, resp))
		assert.Equal(t, TxCalling, tx.State())
	}
}

func TestTimerConfig_Defaults(t *testing.T) {
	tc := TimerConfig{T1: 10 * time.Millisecond}.withDefaults()

	assert.Equal(t, 10*time.Millisecond, tc.T1)
	assert.Equal(t, 4*time.Second, tc.T2)
	assert.Equal(t, 32*time.Second, tc.TimerB)
	assert.Equal(t, 32*time.Second, tc.TimerD)
}
