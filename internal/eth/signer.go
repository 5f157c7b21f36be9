package eth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const SignatureLen = 65

var (
	ErrInvalidSigner            = errors.New("eth: invalid signer")
	ErrInvalidSignatureEncoding = errors.New("eth: invalid signature encoding")
)

// Signer signs 32-byte digests for a single address.
//
// Production signers may be backed by KMS/HSM; tests and local dev can use LocalSigner.
type Signer interface {
	Address() common.Address
	SignDigest(digest common.Hash) ([]byte, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &LocalSigner{key: key, addr: addr}
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignDigest(digest common.Hash) ([]byte, error) {
	if s.key == nil {
		return nil, ErrInvalidSigner
	}
	return SignDigest(s.key, digest)
}

// SignDigest signs digest and returns a 65-byte signature: r(32) || s(32) || v(1).
//
// v is normalized to 27/28; s is always in the lower half of the curve order.
func SignDigest(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidSigner
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("eth: sign digest: %w", err)
	}
	if len(sig) != SignatureLen {
		return nil, fmt.Errorf("eth: unexpected signature length %d", len(sig))
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// RecoverSigner recovers the address that produced sig over digest.
//
// sig must be 65 bytes with v in {0,1,27,28}, 0 < r < N and 0 < s <= N/2.
// Anything else fails with ErrInvalidSignatureEncoding.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLen {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignatureEncoding, len(sig))
	}

	// go-ethereum expects v in {0,1}.
	s := make([]byte, SignatureLen)
	copy(s, sig)
	switch s[64] {
	case 0, 1:
	case 27, 28:
		s[64] -= 27
	default:
		return common.Address{}, fmt.Errorf("%w: bad v %d", ErrInvalidSignatureEncoding, sig[64])
	}

	r := new(big.Int).SetBytes(s[:32])
	sv := new(big.Int).SetBytes(s[32:64])
	if !crypto.ValidateSignatureValues(s[64], r, sv, true) {
		return common.Address{}, fmt.Errorf("%w: r or s out of range", ErrInvalidSignatureEncoding)
	}

	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignatureEncoding, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
