package rtp

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BufferState is the receive window state of a JitterBuffer.
type BufferState uint8

const (
	// StateAwaitingFirstPacket means nothing has been inserted yet.
	StateAwaitingFirstPacket BufferState = iota
	// StateBuffering means packets are collected before the first release.
	StateBuffering
	// StateSteady means packets are released in sequence order.
	StateSteady
	// StateDrained means the buffer was flushed and accepts nothing more.
	StateDrained
)

// String returns a readable name for the state.
func (s BufferState) String() string {
	switch s {
	case StateAwaitingFirstPacket:
		return "awaiting_first_packet"
	case StateBuffering:
		return "buffering"
	case StateSteady:
		return "steady"
	case StateDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// InsertResult tells the caller what happened to an inserted packet.
type InsertResult uint8

const (
	// InsertBuffered means the packet is held for release.
	InsertBuffered InsertResult = iota
	// InsertDuplicate means the sequence number is already buffered.
	InsertDuplicate
	// InsertLate means the sequence number is behind next-expected.
	InsertLate
	// InsertAmbiguous means the packet is exactly half the sequence space
	// away from next-expected and cannot be ordered.
	InsertAmbiguous
	// InsertClosed means the buffer has been drained.
	InsertClosed
	// InsertOutOfWindow means the packet is outside the reorder window
	// around next-expected and was refused as a stray.
	InsertOutOfWindow
)

// String returns a readable name for the result.
func (r InsertResult) String() string {
	switch r {
	case InsertBuffered:
		return "buffered"
	case InsertDuplicate:
		return "duplicate"
	case InsertLate:
		return "late"
	case InsertAmbiguous:
		return "ambiguous"
	case InsertClosed:
		return "closed"
	case InsertOutOfWindow:
		return "out_of_window"
	default:
		return "unknown"
	}
}

// resyncRun is the number of consecutive out-of-window sequence numbers
// after which the sender is taken to have jumped and the buffer follows it.
const resyncRun = 3

// JitterConfig bounds the buffering behaviour.
type JitterConfig struct {
	// TargetDepth is the number of packets collected before the first release.
	TargetDepth int
	// MaxDelay is the longest a buffered packet waits behind a gap before the
	// gap is skipped. It also bounds the initial buffering phase.
	MaxDelay time.Duration
	// MaxPackets caps the buffer; above it gaps are skipped immediately.
	// Twice its value is the reorder window: packets that far or farther
	// from next-expected are refused unless a run of them shows a real jump.
	MaxPackets int
}

// DefaultJitterConfig returns a 3-packet target depth, 80 ms (4 packet
// intervals) maximum delay and 50-packet capacity.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		TargetDepth: 3,
		MaxDelay:    80 * time.Millisecond,
		MaxPackets:  50,
	}
}

// JitterStats counts what the buffer did with inserted packets.
type JitterStats struct {
	Received   int
	Released   int
	Duplicates int
	Late       int
	Ambiguous  int
	// OutOfWindow counts packets refused or evicted for lying outside the
	// reorder window.
	OutOfWindow int
	// Lost counts sequence numbers skipped over when releasing past a gap.
	Lost     int
	MaxDepth int
}

type bufferedPacket struct {
	packet  *Packet
	arrival time.Time
}

// JitterBuffer reorders packets by sequence number.
//
// Buffered sequence numbers always lie in the forward half-space of
// next-expected, so ordering them by forward distance from next-expected
// is a total order even across wraparound. Time is passed in explicitly so
// the buffer can be driven deterministically.
type JitterBuffer struct {
	mu sync.Mutex

	config         JitterConfig
	state          BufferState
	nextSeq        uint16
	order          []uint16
	packets        map[uint16]bufferedPacket
	bufferingSince time.Time
	stats          JitterStats

	// ready holds packets queued for release ahead of order after a resync.
	ready []*Packet
	// farRun and farNext track a run of consecutive out-of-window packets.
	farRun  int
	farNext uint16
}

// NewJitterBuffer creates a jitter buffer. Zero fields of config take the
// defaults from DefaultJitterConfig.
func NewJitterBuffer(config JitterConfig) *JitterBuffer {
	defaults := DefaultJitterConfig()
	if config.TargetDepth <= 0 {
		config.TargetDepth = defaults.TargetDepth
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MaxPackets <= 0 {
		config.MaxPackets = defaults.MaxPackets
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewJitterBuffer",
		"target_depth": config.TargetDepth,
		"max_delay":    config.MaxDelay.String(),
		"max_packets":  config.MaxPackets,
	}).Debug("Creating jitter buffer")

	return &JitterBuffer{
		config:  config,
		state:   StateAwaitingFirstPacket,
		packets: make(map[uint16]bufferedPacket),
	}
}

// Insert adds pkt, received at now, to the buffer.
//
// Duplicates, packets behind next-expected and packets exactly half the
// sequence space away are dropped and reported through the result. While
// still buffering (nothing released yet) a packet that precedes the current
// anchor within the window moves the anchor back instead of being treated
// as late.
//
// A packet at least 2*MaxPackets ahead of next-expected (or that far
// behind it while buffering) is refused as InsertOutOfWindow, so one stray
// sequence number cannot pull next-expected away from the stream. Only
// resyncRun consecutive such packets move the buffer to the new position.
func (jb *JitterBuffer) Insert(pkt *Packet, now time.Time) InsertResult {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if jb.state == StateDrained {
		return InsertClosed
	}

	jb.stats.Received++
	seq := pkt.SequenceNumber

	if jb.state == StateAwaitingFirstPacket {
		jb.state = StateBuffering
		jb.nextSeq = seq
		jb.bufferingSince = now
		jb.store(pkt, now)
		return InsertBuffered
	}

	if _, exists := jb.packets[seq]; exists {
		jb.stats.Duplicates++
		return InsertDuplicate
	}

	if seq != jb.nextSeq {
		switch {
		case IsBefore(seq, jb.nextSeq):
			if !jb.inWindow(seq, jb.nextSeq) && jb.state == StateBuffering {
				if !jb.followJump(seq) {
					return InsertOutOfWindow
				}
				break
			}
			if jb.canReanchor(seq) {
				jb.reanchor(seq)
				break
			}
			jb.stats.Late++
			return InsertLate
		case !IsBefore(jb.nextSeq, seq):
			jb.stats.Ambiguous++
			return InsertAmbiguous
		case !jb.inWindow(jb.nextSeq, seq):
			if !jb.followJump(seq) {
				return InsertOutOfWindow
			}
		}
	}

	jb.farRun = 0
	jb.store(pkt, now)
	return InsertBuffered
}

// inWindow reports whether to is less than the reorder window ahead of
// from. The window is wider than MaxPackets so overflow skipping still
// applies inside it.
func (jb *JitterBuffer) inWindow(from, to uint16) bool {
	return int(Distance(from, to)) < 2*jb.config.MaxPackets
}

// followJump handles a packet outside the window. A lone stray is refused
// and counted. On the resyncRun-th consecutive sequence number the buffer
// follows the sender: packets already released stay released, buffered
// ones are queued for release (or discarded if nothing was released yet)
// and next-expected moves to seq.
func (jb *JitterBuffer) followJump(seq uint16) bool {
	if jb.farRun > 0 && seq == jb.farNext {
		jb.farRun++
	} else {
		jb.farRun = 1
	}
	jb.farNext = seq + 1

	if jb.farRun < resyncRun {
		jb.stats.OutOfWindow++
		logrus.WithFields(logrus.Fields{
			"function": "JitterBuffer.followJump",
			"sequence": seq,
			"expected": jb.nextSeq,
			"run":      jb.farRun,
		}).Debug("Refusing packet outside the reorder window")
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "JitterBuffer.followJump",
		"from":     jb.nextSeq,
		"to":       seq,
		"buffered": len(jb.order),
	}).Info("Sequence jump confirmed, resynchronizing")

	if jb.state == StateBuffering {
		jb.stats.OutOfWindow += len(jb.order)
		jb.order = jb.order[:0]
		clear(jb.packets)
		jb.nextSeq = seq
		return true
	}

	for len(jb.order) > 0 {
		if front := jb.order[0]; front != jb.nextSeq {
			jb.skipTo(front, false)
		}
		jb.ready = append(jb.ready, jb.take())
	}
	jb.skipTo(seq, false)
	return true
}

// reanchor moves next-expected back to seq and evicts buffered packets
// that are no longer within the window of it.
func (jb *JitterBuffer) reanchor(seq uint16) {
	jb.nextSeq = seq
	for n := len(jb.order); n > 0 && !jb.inWindow(seq, jb.order[n-1]); n = len(jb.order) {
		evicted := jb.order[n-1]
		jb.order = jb.order[:n-1]
		delete(jb.packets, evicted)
		jb.stats.OutOfWindow++

		logrus.WithFields(logrus.Fields{
			"function": "JitterBuffer.reanchor",
			"anchor":   seq,
			"evicted":  evicted,
		}).Debug("Evicting packet outside the reorder window")
	}
}

// canReanchor reports whether seq may become the new next-expected value.
// Only possible before the first release, and only if every buffered
// packet stays in the forward half-space of seq.
func (jb *JitterBuffer) canReanchor(seq uint16) bool {
	if jb.state != StateBuffering {
		return false
	}
	if len(jb.order) == 0 {
		return true
	}
	last := jb.order[len(jb.order)-1]
	return IsBefore(seq, last)
}

// store inserts pkt keeping order sorted by forward distance from nextSeq.
func (jb *JitterBuffer) store(pkt *Packet, now time.Time) {
	seq := pkt.SequenceNumber
	idx, _ := slices.BinarySearchFunc(jb.order, seq, func(e, target uint16) int {
		return cmp.Compare(Distance(jb.nextSeq, e), Distance(jb.nextSeq, target))
	})
	jb.order = slices.Insert(jb.order, idx, seq)
	jb.packets[seq] = bufferedPacket{packet: pkt, arrival: now}

	if len(jb.order) > jb.stats.MaxDepth {
		jb.stats.MaxDepth = len(jb.order)
	}
}

// Pop releases the next packet if one is due at now.
//
// The packet matching next-expected is released as soon as it is present.
// When next-expected is missing and the longest-waiting buffered packet has
// waited MaxDelay (or the buffer holds more than MaxPackets), the gap is
// skipped: next-expected jumps to the lowest buffered sequence number and
// the skipped numbers are counted as lost.
func (jb *JitterBuffer) Pop(now time.Time) (*Packet, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	return jb.pop(now)
}

func (jb *JitterBuffer) pop(now time.Time) (*Packet, bool) {
	if jb.state == StateDrained {
		return nil, false
	}
	if len(jb.ready) > 0 {
		pkt := jb.ready[0]
		jb.ready = jb.ready[1:]
		jb.stats.Released++
		return pkt, true
	}
	if len(jb.order) == 0 {
		return nil, false
	}

	if jb.state == StateBuffering {
		if len(jb.order) < jb.config.TargetDepth && now.Sub(jb.bufferingSince) < jb.config.MaxDelay {
			return nil, false
		}
		jb.state = StateSteady
	}

	front := jb.order[0]
	if front != jb.nextSeq {
		overflow := len(jb.order) > jb.config.MaxPackets
		if !overflow && now.Sub(jb.oldestArrival()) < jb.config.MaxDelay {
			return nil, false
		}
		jb.skipTo(front, overflow)
	}

	return jb.release(), true
}

// skipTo advances next-expected across a gap.
func (jb *JitterBuffer) skipTo(seq uint16, overflow bool) {
	lost := int(Distance(jb.nextSeq, seq))
	jb.stats.Lost += lost

	logrus.WithFields(logrus.Fields{
		"function": "JitterBuffer.skipTo",
		"from":     jb.nextSeq,
		"to":       seq,
		"lost":     lost,
		"overflow": overflow,
	}).Debug("Skipping sequence gap")

	jb.nextSeq = seq
}

// release removes and returns the front packet, which must equal nextSeq.
func (jb *JitterBuffer) release() *Packet {
	jb.stats.Released++
	return jb.take()
}

// take removes the front packet and advances next-expected past it.
func (jb *JitterBuffer) take() *Packet {
	seq := jb.order[0]
	jb.order = jb.order[1:]
	entry := jb.packets[seq]
	delete(jb.packets, seq)

	jb.nextSeq = seq + 1
	return entry.packet
}

// oldestArrival returns the earliest arrival time among buffered packets.
func (jb *JitterBuffer) oldestArrival() time.Time {
	var oldest time.Time
	for _, seq := range jb.order {
		arrival := jb.packets[seq].arrival
		if oldest.IsZero() || arrival.Before(oldest) {
			oldest = arrival
		}
	}
	return oldest
}

// Drain releases every packet that is due at now, in sequence order.
func (jb *JitterBuffer) Drain(now time.Time) []*Packet {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	var out []*Packet
	for {
		pkt, ok := jb.pop(now)
		if !ok {
			return out
		}
		out = append(out, pkt)
	}
}

// Flush releases everything still buffered in sequence order, skipping
// gaps, and moves the buffer to StateDrained.
func (jb *JitterBuffer) Flush() []*Packet {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	out := make([]*Packet, 0, len(jb.ready)+len(jb.order))
	out = append(out, jb.ready...)
	jb.stats.Released += len(jb.ready)
	jb.ready = nil
	for len(jb.order) > 0 {
		if front := jb.order[0]; front != jb.nextSeq {
			jb.skipTo(front, false)
		}
		out = append(out, jb.release())
	}
	jb.state = StateDrained
	return out
}

// NextDeadline returns when Pop may next release a packet without further
// inserts. ok is false when the buffer is empty.
func (jb *JitterBuffer) NextDeadline() (deadline time.Time, ok bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if jb.state == StateDrained {
		return time.Time{}, false
	}
	if len(jb.ready) > 0 {
		return time.Time{}, true
	}
	if len(jb.order) == 0 {
		return time.Time{}, false
	}
	if jb.state == StateBuffering {
		return jb.bufferingSince.Add(jb.config.MaxDelay), true
	}
	if jb.order[0] == jb.nextSeq {
		return time.Time{}, true
	}
	return jb.oldestArrival().Add(jb.config.MaxDelay), true
}

// Len returns the number of packets awaiting release.
func (jb *JitterBuffer) Len() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.ready) + len(jb.order)
}

// NextExpected returns the next sequence number to be released.
func (jb *JitterBuffer) NextExpected() uint16 {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.nextSeq
}

// State returns the current receive window state.
func (jb *JitterBuffer) State() BufferState {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.state
}

// Stats returns a snapshot of the buffer counters.
func (jb *JitterBuffer) Stats() JitterStats {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.stats
}
