package types

import (
	"bytes"
	"sort"
)

type CommandKind uint8

const (
	CmdForeignProposal CommandKind = iota + 1
	CmdPrepare
	CmdLocalPrepared
	CmdAccept
	CmdLocalOnly
	CmdEndEpoch
)

func (k CommandKind) String() string {
	switch k {
	case CmdForeignProposal:
		return "foreign_proposal"
	case CmdPrepare:
		return "prepare"
	case CmdLocalPrepared:
		return "local_prepared"
	case CmdAccept:
		return "accept"
	case CmdLocalOnly:
		return "local_only"
	case CmdEndEpoch:
		return "end_epoch"
	default:
		return "unknown"
	}
}

// ForeignProposalRef names a block certified by another shard group.
type ForeignProposalRef struct {
	ShardGroup ShardGroup
	BlockID    BlockID
}

// Command is a closed tagged variant: atom kinds set Atom, foreign
// proposals set Foreign, end_epoch sets neither.
type Command struct {
	Kind    CommandKind
	Atom    *TransactionAtom
	Foreign *ForeignProposalRef
}

func PrepareCmd(a *TransactionAtom) Command       { return Command{Kind: CmdPrepare, Atom: a} }
func LocalPreparedCmd(a *TransactionAtom) Command { return Command{Kind: CmdLocalPrepared, Atom: a} }
func AcceptCmd(a *TransactionAtom) Command        { return Command{Kind: CmdAccept, Atom: a} }
func LocalOnlyCmd(a *TransactionAtom) Command     { return Command{Kind: CmdLocalOnly, Atom: a} }
func EndEpochCmd() Command                        { return Command{Kind: CmdEndEpoch} }

func ForeignProposalCmd(g ShardGroup, id BlockID) Command {
	return Command{Kind: CmdForeignProposal, Foreign: &ForeignProposalRef{ShardGroup: g, BlockID: id}}
}

// WellFormed checks the variant carries exactly the payload its kind needs.
func (c Command) WellFormed() bool {
	switch c.Kind {
	case CmdPrepare, CmdLocalPrepared, CmdAccept, CmdLocalOnly:
		return c.Atom != nil && c.Foreign == nil
	case CmdForeignProposal:
		return c.Foreign != nil && c.Atom == nil
	case CmdEndEpoch:
		return c.Atom == nil && c.Foreign == nil
	default:
		return false
	}
}

// TransactionID is the atom's id; ok is false for non-atom commands.
func (c Command) TransactionID() (TransactionID, bool) {
	if c.Atom == nil {
		return TransactionID{}, false
	}
	return c.Atom.ID, true
}

type commandHashing struct {
	Kind    uint8
	Atom    []atomHashing
	Foreign []foreignRefHashing
}

type foreignRefHashing struct {
	ShardGroup uint32
	BlockID    BlockID
}

func (c Command) Hash() Hash {
	h := commandHashing{Kind: uint8(c.Kind)}
	if c.Atom != nil {
		h.Atom = []atomHashing{c.Atom.hashing()}
	}
	if c.Foreign != nil {
		h.Foreign = []foreignRefHashing{{ShardGroup: uint32(c.Foreign.ShardGroup), BlockID: c.Foreign.BlockID}}
	}
	return hashRLP("cmd", h)
}

// commandLess is the canonical in-block order: foreign proposals first so
// their evidence is visible to later atoms, atoms by transaction id, and
// end_epoch last.
func commandLess(a, b Command) bool {
	ra, rb := orderRank(a.Kind), orderRank(b.Kind)
	if ra != rb {
		return ra < rb
	}
	switch {
	case a.Foreign != nil && b.Foreign != nil:
		if a.Foreign.ShardGroup != b.Foreign.ShardGroup {
			return a.Foreign.ShardGroup < b.Foreign.ShardGroup
		}
		return bytes.Compare(a.Foreign.BlockID[:], b.Foreign.BlockID[:]) < 0
	case a.Atom != nil && b.Atom != nil:
		if c := bytes.Compare(a.Atom.ID[:], b.Atom.ID[:]); c != 0 {
			return c < 0
		}
		return a.Kind < b.Kind
	}
	return false
}

func orderRank(k CommandKind) int {
	switch k {
	case CmdForeignProposal:
		return 0
	case CmdEndEpoch:
		return 2
	default:
		return 1
	}
}

func SortCommands(cmds []Command) {
	sort.SliceStable(cmds, func(i, j int) bool { return commandLess(cmds[i], cmds[j]) })
}

// CommandsSorted reports whether cmds are in canonical order with no
// transaction or foreign proposal appearing twice.
func CommandsSorted(cmds []Command) bool {
	for i := 1; i < len(cmds); i++ {
		if !commandLess(cmds[i-1], cmds[i]) {
			return false
		}
	}
	seenTx := make(map[TransactionID]struct{})
	for _, c := range cmds {
		if id, ok := c.TransactionID(); ok {
			if _, dup := seenTx[id]; dup {
				return false
			}
			seenTx[id] = struct{}{}
		}
	}
	return true
}
