package types

// Decision is a transaction outcome.
type Decision uint8

const (
	DecisionUnknown Decision = iota
	DecisionCommit
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionCommit:
		return "commit"
	case DecisionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// And combines two outcomes: any abort aborts.
func (d Decision) And(o Decision) Decision {
	if d == DecisionAbort || o == DecisionAbort {
		return DecisionAbort
	}
	if d == DecisionUnknown || o == DecisionUnknown {
		return DecisionUnknown
	}
	return DecisionCommit
}

// QuorumDecision is what a vote or certificate says about a block.
type QuorumDecision uint8

const (
	QuorumAccept QuorumDecision = iota + 1
	QuorumReject
)

func (d QuorumDecision) String() string {
	switch d {
	case QuorumAccept:
		return "accept"
	case QuorumReject:
		return "reject"
	default:
		return "invalid"
	}
}

func (d QuorumDecision) Valid() bool { return d == QuorumAccept || d == QuorumReject }
