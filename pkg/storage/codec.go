package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/uhyunpark/hypershard/pkg/types"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func heightKey(h types.Height) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(h))
	return k[:]
}

// keys:
//
//	b:<block id>        block
//	q:<block id>        certificate for the block
//	t:<tx id>           transaction body
//	h:<height BE>       committed block id
//	cm                  last committed id + height
//	s:<address>         substate
//	p:<address>         pledge
//	ss                  safety state
//	f:<group BE><id>    foreign proposal
//	tp:<tx id>          pool record
//	tr:<tx id>          retired transaction marker
func kBlock(id types.BlockID) []byte           { return append([]byte("b:"), id[:]...) }
func kQC(id types.BlockID) []byte              { return append([]byte("q:"), id[:]...) }
func kTx(id types.TransactionID) []byte        { return append([]byte("t:"), id[:]...) }
func kHeight(h types.Height) []byte            { return append([]byte("h:"), heightKey(h)...) }
func kCommitted() []byte                       { return []byte("cm") }
func kSubstate(a types.SubstateAddress) []byte { return append([]byte("s:"), a[:]...) }
func kPledge(a types.SubstateAddress) []byte   { return append([]byte("p:"), a[:]...) }
func kSafety() []byte                          { return []byte("ss") }
func kPool(id types.TransactionID) []byte      { return append([]byte("tp:"), id[:]...) }
func kRetired(id types.TransactionID) []byte   { return append([]byte("tr:"), id[:]...) }

func kForeign(ref types.ForeignProposalRef) []byte {
	var g [4]byte
	binary.BigEndian.PutUint32(g[:], uint32(ref.ShardGroup))
	k := append([]byte("f:"), g[:]...)
	return append(k, ref.BlockID[:]...)
}

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

type committedMarker struct {
	ID     types.BlockID
	Height types.Height
}
