package consensus

import (
	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/hypershard/pkg/substate"
	"github.com/uhyunpark/hypershard/pkg/types"
)

// validateBlock checks b's commands against committed pipeline state and
// the uncommitted chain below it. A block whose only fault is a decision
// this node disagrees with earns a Reject vote; anything else is
// malformed.
func (e *Engine) validateBlock(b, parent *types.Block) (*blockDiff, types.QuorumDecision, error) {
	var parentQC *types.QuorumCertificate
	if b.Justify.BlockID == parent.ID {
		parentQC = b.Justify
	}
	links, err := e.uncommittedChain(parent, parentQC)
	if err != nil {
		return nil, 0, err
	}
	view, err := e.viewOf(links)
	if err != nil {
		return nil, 0, err
	}
	pending := true
	if !b.HasCommands() {
		if pending, err = e.tailPending(parent, nil); err != nil {
			return nil, 0, err
		}
	}
	if err := b.CheckShape(pending); err != nil {
		return nil, 0, errors.Mark(err, ErrMalformedMessage)
	}
	if len(b.Commands) > e.cfg.MaxBlockCommands {
		return nil, 0, malformed("%d commands exceed the limit", len(b.Commands))
	}
	if view.endEpoch && b.HasCommands() {
		return nil, 0, malformed("commands after an uncommitted end_epoch")
	}
	var fee uint64
	seen := make(map[types.ForeignProposalRef]struct{})
	for _, cmd := range b.Commands {
		switch cmd.Kind {
		case types.CmdForeignProposal:
			ref := *cmd.Foreign
			if _, used := view.foreign[ref]; used {
				return nil, 0, malformed("foreign proposal %s already in the chain", ref.BlockID.Short())
			}
			if _, dup := seen[ref]; dup {
				return nil, 0, malformed("foreign proposal %s twice", ref.BlockID.Short())
			}
			seen[ref] = struct{}{}
			if !e.foreign.has(ref) {
				return nil, 0, malformed("unknown foreign proposal %s", ref.BlockID.Short())
			}
		case types.CmdEndEpoch:
			if e.cfg.Epochs.CurrentEpoch() <= b.Epoch {
				return nil, 0, malformed("end_epoch before the epoch ended")
			}
		default:
			if view.inFlight(cmd.Atom.ID) {
				return nil, 0, malformed("transaction %s already in the chain", cmd.Atom.ID.Short())
			}
			fee += cmd.Atom.LeaderFee
		}
	}
	if fee != b.TotalLeaderFee {
		return nil, 0, malformed("total leader fee %d, commands sum to %d", b.TotalLeaderFee, fee)
	}

	decision := types.QuorumAccept
	cs := substate.NewChangeSet(view.overlay)
	check := func(cmd types.Command, tx *types.Transaction, local []types.Requirement) error {
		atom := cmd.Atom
		rec := e.pool[atom.ID]
		switch cmd.Kind {
		case types.CmdPrepare, types.CmdLocalOnly:
			if rec != nil && rec.Stage != types.StageNew {
				return malformed("%s for %s at stage %s", cmd.Kind, atom.ID.Short(), rec.Stage)
			}
			if tx.IsLocalOnly(e.layout, e.group) != (cmd.Kind == types.CmdLocalOnly) {
				return malformed("%s for %s has the wrong scope", cmd.Kind, atom.ID.Short())
			}
			exec, ok := e.cfg.Mempool.Decision(atom.ID)
			if !ok {
				exec = types.DecisionCommit
			}
			d, err := localDecision(tx, exec, local, cs)
			if err != nil {
				if errors.Is(err, ErrPledgeConflict) {
					return malformed("%s for %s conflicts: %v", cmd.Kind, atom.ID.Short(), err)
				}
				return err
			}
			want := &types.TransactionAtom{ID: atom.ID, Decision: atom.Decision, Fee: tx.Fee}
			if cmd.Kind == types.CmdLocalOnly && atom.Decision == types.DecisionCommit {
				want.LeaderFee = tx.Fee
			}
			if cmd.Kind == types.CmdPrepare {
				want.Groups = tx.InvolvedGroups(e.layout)
			}
			if !want.Equal(atom) {
				return malformed("%s for %s has unexpected fields", cmd.Kind, atom.ID.Short())
			}
			if d != atom.Decision {
				e.log.Infow("decision_mismatch", "tx", atom.ID.Short(), "proposed", atom.Decision.String(), "local", d.String())
				decision = types.QuorumReject
			}
		case types.CmdLocalPrepared, types.CmdAccept:
			if rec == nil {
				return malformed("%s for unknown %s", cmd.Kind, atom.ID.Short())
			}
			want, ok := nextPhase(rec, tx, e.layout)
			if !ok || want.Kind != cmd.Kind {
				return malformed("%s for %s not ready", cmd.Kind, atom.ID.Short())
			}
			if want.Atom.Decision != atom.Decision {
				e.log.Infow("decision_mismatch", "tx", atom.ID.Short(), "proposed", atom.Decision.String(), "local", want.Atom.Decision.String())
				decision = types.QuorumReject
			} else if !want.Atom.Equal(atom) {
				return malformed("%s for %s has unexpected fields", cmd.Kind, atom.ID.Short())
			}
		}
		return nil
	}
	if err := e.applyCommands(b.Commands, cs, check); err != nil {
		if errors.Is(err, ErrPledgeConflict) && !errors.Is(err, ErrMalformedMessage) {
			err = errors.Mark(err, ErrMalformedMessage)
		}
		return nil, 0, err
	}
	return diffOf(cs), decision, nil
}
