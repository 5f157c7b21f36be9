package idempotency

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const (
	chainDepositPrefixV1   = "spayment.deposit.chain.v1"
	requestDepositPrefixV1 = "spayment.deposit.request.v1"
)

// ChainDepositID computes the canonical id of a deposit observed on chain:
//
//	keccak256("spayment.deposit.chain.v1" || chainIdBE64 || txHash || logIndexBE64)
//
// Redelivered events map to the same id, so the ledger credits them once.
func ChainDepositID(chainID uint64, txHash common.Hash, logIndex uint64) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(chainDepositPrefixV1))

	var b [8]byte
	binary.BigEndian.PutUint64(b[:], chainID)
	_, _ = h.Write(b[:])
	_, _ = h.Write(txHash[:])
	binary.BigEndian.PutUint64(b[:], logIndex)
	_, _ = h.Write(b[:])

	return common.BytesToHash(h.Sum(nil))
}

// RequestDepositID derives a deposit id from a client-supplied request id.
func RequestDepositID(requestID uuid.UUID) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(requestDepositPrefixV1))
	_, _ = h.Write(requestID[:])
	return common.BytesToHash(h.Sum(nil))
}
