package ledger

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidInput        = errors.New("ledger: invalid input")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrArithmeticOverflow  = errors.New("ledger: arithmetic overflow")
	ErrTransferFailed      = errors.New("ledger: transfer failed")
)

// NativeAsset is the sentinel asset handle for the chain's native currency.
var NativeAsset = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// Store drivers selectable by the binaries.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Key identifies one balance entry.
type Key struct {
	Identity common.Address
	Asset    common.Address
}

// Transfer is the record written by the transfer primitive. It becomes visible
// together with the debit that funded it, or not at all.
type Transfer struct {
	ID        uuid.UUID
	Asset     common.Address
	From      common.Address
	To        common.Address
	Amount    *uint256.Int
	CreatedAt time.Time
}

func cloneTransfer(t Transfer) Transfer {
	if t.Amount != nil {
		t.Amount = t.Amount.Clone()
	}
	return t
}

// CheckedAdd returns a+b or ErrArithmeticOverflow if the sum wraps 2^256.
func CheckedAdd(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b or ErrInsufficientBalance if b > a.
func CheckedSub(a, b *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrInsufficientBalance
	}
	return diff, nil
}
