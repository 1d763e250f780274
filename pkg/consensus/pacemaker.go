package consensus

import (
	"time"

	"github.com/uhyunpark/hypershard/pkg/types"
	"github.com/uhyunpark/hypershard/pkg/util"
)

type PacemakerTimers struct {
	// ProposalTimeout is how long a validator waits for the next proposal.
	ProposalTimeout time.Duration
	// Delta is added per consecutive timeout.
	Delta time.Duration
}

type PacemakerState uint8

const (
	PacemakerIdle PacemakerState = iota
	PacemakerAwaitingProposal
	PacemakerAwaitingVotes
	PacemakerViewTimeout
)

func (s PacemakerState) String() string {
	switch s {
	case PacemakerIdle:
		return "idle"
	case PacemakerAwaitingProposal:
		return "awaiting_proposal"
	case PacemakerAwaitingVotes:
		return "awaiting_votes"
	case PacemakerViewTimeout:
		return "view_timeout"
	default:
		return "unknown"
	}
}

// maxBackoffSteps caps the linear timeout growth.
const maxBackoffSteps = 8

// Pacemaker tracks the height this node expects next and the single view
// timer. It is owned by the engine goroutine. The timer only runs while
// there is work to drive, so an idle network does not churn through views.
type Pacemaker struct {
	Timers PacemakerTimers
	Clock  util.Clock

	state    PacemakerState
	height   types.Height
	timeouts int
	timer    util.Timer
}

func NewPacemaker(timers PacemakerTimers, clock util.Clock, next types.Height) *Pacemaker {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Pacemaker{Timers: timers, Clock: clock, height: next}
}

func (p *Pacemaker) State() PacemakerState { return p.state }

// Height is the next height this node expects a proposal for.
func (p *Pacemaker) Height() types.Height { return p.height }

func (p *Pacemaker) Armed() bool { return p.timer != nil }

// C is nil while disarmed, so selecting on it blocks.
func (p *Pacemaker) C() <-chan time.Time {
	if p.timer == nil {
		return nil
	}
	return p.timer.C()
}

func (p *Pacemaker) timeout() time.Duration {
	steps := p.timeouts
	if steps > maxBackoffSteps {
		steps = maxBackoffSteps
	}
	return p.Timers.ProposalTimeout + time.Duration(steps)*p.Timers.Delta
}

// Arm starts the timer if it is not already running.
func (p *Pacemaker) Arm(state PacemakerState) {
	p.state = state
	if p.timer != nil {
		return
	}
	p.timer = p.Clock.NewTimer(p.timeout())
}

func (p *Pacemaker) Disarm() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.state = PacemakerIdle
}

// OnProposal moves past h and restarts the view clock.
func (p *Pacemaker) OnProposal(h types.Height) {
	if h+1 > p.height {
		p.height = h + 1
	}
	p.timeouts = 0
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.state = PacemakerAwaitingProposal
}

// OnTimeout gives up on the current height and returns the new one.
func (p *Pacemaker) OnTimeout() types.Height {
	p.timer = nil
	p.timeouts++
	p.height++
	p.state = PacemakerViewTimeout
	return p.height
}

// JumpTo follows a quorum of new views to a higher height.
func (p *Pacemaker) JumpTo(h types.Height) {
	if h > p.height {
		p.height = h
	}
}
