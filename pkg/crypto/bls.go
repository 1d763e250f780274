package crypto

import (
	"encoding/hex"

	bls "github.com/cloudflare/circl/sign/bls"
	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]
type BLSSignature = []byte

var ErrBadPublicKey = errors.New("invalid BLS public key")

// BLSSigner holds a validator's signing key.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewBLSSignerFromSeed derives a key from an arbitrary seed. The seed is
// stretched with blake2b so short operator seeds still meet KeyGen's
// 32-byte input requirement.
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	ikm := blake2b.Sum256(append([]byte("hypershard/bls/"), seed...))
	sk, err := bls.KeyGen[scheme](ikm[:], nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "bls keygen")
	}
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

// PubkeyBytes is the compressed public key as stored in committee records.
func (s *BLSSigner) PubkeyBytes() []byte {
	b, err := s.pk.MarshalBinary()
	if err != nil {
		return nil
	}
	return b
}

func (s *BLSSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

func ParsePubkey(b []byte) (*BLSPubKey, error) {
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "unmarshal"), ErrBadPublicKey)
	}
	if !pk.Validate() {
		return nil, ErrBadPublicKey
	}
	return pk, nil
}

func ParsePubkeyHex(s string) (*BLSPubKey, []byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "hex"), ErrBadPublicKey)
	}
	pk, err := ParsePubkey(b)
	return pk, b, err
}

func Verify(pk *BLSPubKey, sigBytes, msg []byte) bool {
	if pk == nil || len(sigBytes) == 0 {
		return false
	}
	return bls.Verify(pk, msg, bls.Signature(sigBytes))
}
