package types

import (
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/blake2b"
)

// hashRLP hashes the canonical RLP encoding of v under a domain tag. Only
// RLP-friendly shapes (uints, byte arrays, slices, structs) may be passed.
func hashRLP(domain string, v any) Hash {
	enc, err := rlp.EncodeToBytes(v)
	if err != nil {
		// every caller passes a fixed hashing struct; failure is a programming error
		panic("rlp encode " + domain + ": " + err.Error())
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(domain))
	h.Write(enc)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// MerkleRoot folds leaves pairwise with blake2b. An odd node is promoted
// unchanged. The root of no leaves is the zero hash.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return Hash{}
	}
	level := append([]Hash(nil), leaves...)
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			var buf [64]byte
			copy(buf[:32], level[i][:])
			copy(buf[32:], level[i+1][:])
			next = append(next, blake2b.Sum256(buf[:]))
		}
		level = next
	}
	return level[0]
}

// HashBytes hashes a list of byte strings under a domain tag.
func HashBytes(domain string, parts ...[]byte) Hash {
	return hashRLP(domain, parts)
}
