package authmsg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

const (
	// These MUST match the EIP-712 domain of the deployed ledger contract.
	EIP712DomainName    = "StealthPay"
	EIP712DomainVersion = "1"

	withdrawOnBehalfType = "WithdrawOnBehalf(address acceptor,address asset,address relayer,uint256 relayerFee,address hookTarget,bytes hookPayload)"
)

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	eip712NameHash       = crypto.Keccak256Hash([]byte(EIP712DomainName))
	eip712VersionHash    = crypto.Keccak256Hash([]byte(EIP712DomainVersion))

	withdrawOnBehalfTypeHash = crypto.Keccak256Hash([]byte(withdrawOnBehalfType))

	ErrUnsignedKind = errors.New("authmsg: message kind is not signed")
)

// Kind selects the message shape for an operation.
type Kind uint8

const (
	// KindNone is the register-as-signing-key placeholder; it carries no message.
	KindNone Kind = iota
	// KindDirect withdrawals are authorized by the caller's identity.
	KindDirect
	KindWithdrawOnBehalf
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDirect:
		return "withdraw"
	case KindWithdrawOnBehalf:
		return "withdraw-on-behalf"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Signed reports whether messages of kind k carry a digest.
func (k Kind) Signed() bool { return k == KindWithdrawOnBehalf }

// Domain binds a message to one chain and one ledger deployment.
type Domain struct {
	ChainID        uint64         `json:"chainId"`
	LedgerContract common.Address `json:"ledgerContract"`
}

// WithdrawOnBehalf is the signed authorization a relayer redeems.
//
// A nil HookTarget is encoded as the zero address and a nil HookPayload as empty bytes.
type WithdrawOnBehalf struct {
	Acceptor    common.Address
	Asset       common.Address
	Relayer     common.Address
	RelayerFee  *uint256.Int
	HookTarget  *common.Address
	HookPayload []byte
}

// Digest computes the EIP-712 digest of m under d:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func Digest(d Domain, m WithdrawOnBehalf) common.Hash {
	domainSep := domainSeparator(d)
	sh := structHash(m)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSep[:], sh[:])
}

// DigestFor returns the digest for kind. Only KindWithdrawOnBehalf is signed.
func DigestFor(kind Kind, d Domain, m WithdrawOnBehalf) (common.Hash, error) {
	if !kind.Signed() {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnsignedKind, kind)
	}
	return Digest(d, m), nil
}

// PayloadHash is keccak256 of the hook payload. Nil and empty hash the same.
func PayloadHash(payload []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	var out common.Hash
	h.Sum(out[:0])
	return out
}

func domainSeparator(d Domain) common.Hash {
	// abi.encode(bytes32,bytes32,bytes32,uint256,address)
	b := make([]byte, 0, 32*5)
	b = append(b, eip712DomainTypeHash[:]...)
	b = append(b, eip712NameHash[:]...)
	b = append(b, eip712VersionHash[:]...)
	b = append(b, encodeUint256FromUint64(d.ChainID)...)
	b = append(b, encodeAddress(d.LedgerContract)...)
	return crypto.Keccak256Hash(b)
}

func structHash(m WithdrawOnBehalf) common.Hash {
	var hookTarget common.Address
	if m.HookTarget != nil {
		hookTarget = *m.HookTarget
	}
	payloadHash := PayloadHash(m.HookPayload)

	// abi.encode(bytes32,address,address,address,uint256,address,bytes32)
	b := make([]byte, 0, 32*7)
	b = append(b, withdrawOnBehalfTypeHash[:]...)
	b = append(b, encodeAddress(m.Acceptor)...)
	b = append(b, encodeAddress(m.Asset)...)
	b = append(b, encodeAddress(m.Relayer)...)
	b = append(b, encodeUint256(m.RelayerFee)...)
	b = append(b, encodeAddress(hookTarget)...)
	b = append(b, payloadHash[:]...)
	return crypto.Keccak256Hash(b)
}

func encodeUint256(v *uint256.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	out := v.Bytes32()
	return out[:]
}

func encodeUint256FromUint64(v uint64) []byte {
	var out [32]byte
	binary.BigEndian.PutUint64(out[24:], v)
	return out[:]
}

func encodeAddress(a common.Address) []byte {
	var out [32]byte
	copy(out[12:], a[:])
	return out[:]
}
