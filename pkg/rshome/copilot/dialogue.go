package copilot

import (
	"math"
	"sync/atomic"

	"github.com/narrensicher/rshome/pkg/rshome/channels"
	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

// MaxDialogueTurns is the longest dialogue Start accepts.
const MaxDialogueTurns = math.MaxInt32

// Dialogue is the countdown behind dialogue mode. Zero means idle; n > 0
// means the next n inbound messages get a reply regardless of mentions.
type Dialogue struct {
	remaining atomic.Int32
}

// Start moves from idle to dialogue mode with n turns. It fails with
// ErrAlreadyActive if a dialogue is running; dialogues do not stack.
func (d *Dialogue) Start(n int) error {
	if n <= 0 {
		return faults.Invalid("dialogue length must be positive, got %d", n)
	}
	if n > MaxDialogueTurns {
		return faults.Invalid("dialogue length %d exceeds %d", n, MaxDialogueTurns)
	}
	if !d.remaining.CompareAndSwap(0, int32(n)) {
		return faults.ErrAlreadyActive
	}
	return nil
}

// Consume takes one turn if a dialogue is running and reports whether it did.
func (d *Dialogue) Consume() bool {
	for {
		cur := d.remaining.Load()
		if cur <= 0 {
			return false
		}
		if d.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Remaining returns the turns left.
func (d *Dialogue) Remaining() int {
	return int(d.remaining.Load())
}

// Stop ends a running dialogue and returns the turns it cancelled.
func (d *Dialogue) Stop() int {
	return int(d.remaining.Swap(0))
}

// Decision is the outcome of the response policy for one event.
type Decision struct {
	Respond bool
	Reason  string
}

// Reasons reported by Policy.
const (
	ReasonSelf     = "self"
	ReasonMention  = "mention"
	ReasonReply    = "reply"
	ReasonDirect   = "direct"
	ReasonDialogue = "dialogue"
	ReasonIdle     = "idle"
)

// Policy decides whether an inbound message deserves a reply.
type Policy struct {
	dialogue *Dialogue
}

// NewPolicy creates a policy backed by d.
func NewPolicy(d *Dialogue) *Policy {
	return &Policy{dialogue: d}
}

// ShouldRespond applies the policy. A running dialogue is consumed by every non-self
// message, including ones that would get a reply anyway.
func (p *Policy) ShouldRespond(ev channels.InboundEvent) Decision {
	if ev.IsFromSelf {
		return Decision{Reason: ReasonSelf}
	}
	consumed := p.dialogue.Consume()

	switch {
	case ev.MentionsSelf:
		return Decision{Respond: true, Reason: ReasonMention}
	case ev.ReplyToSelf:
		return Decision{Respond: true, Reason: ReasonReply}
	case ev.IsDirect:
		return Decision{Respond: true, Reason: ReasonDirect}
	case consumed:
		return Decision{Respond: true, Reason: ReasonDialogue}
	}
	return Decision{Reason: ReasonIdle}
}
