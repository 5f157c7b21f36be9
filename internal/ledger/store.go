package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Tx is the view of the ledger inside one atomic unit.
//
// Every mutation made through a Tx is discarded if the enclosing Update
// returns an error.
type Tx interface {
	Balance(ctx context.Context, identity, asset common.Address) (*uint256.Int, error)
	Credit(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error
	Debit(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error

	// Transfer moves amount of asset out of the ledger to the external account
	// to. Funds must already have been debited from from.
	Transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) (Transfer, error)

	// MarkApplied records ref as applied. It returns false if ref was
	// already recorded by an earlier committed unit.
	MarkApplied(ctx context.Context, ref common.Hash) (bool, error)
}

// Store owns every balance entry.
//
// Semantics:
// - Credit fails with ErrArithmeticOverflow if the entry would wrap 2^256.
// - Debit fails with ErrInsufficientBalance if amount exceeds the entry; the entry is unchanged on failure.
// - Update runs fn with all-or-nothing semantics; operations against one store are totally ordered.
type Store interface {
	Balance(ctx context.Context, identity, asset common.Address) (*uint256.Int, error)
	Credit(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error
	Debit(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error
	Update(ctx context.Context, fn func(tx Tx) error) error

	// ListTransfers returns up to limit transfers to `to`, newest first.
	ListTransfers(ctx context.Context, to common.Address, limit int) ([]Transfer, error)
	Received(ctx context.Context, to, asset common.Address) (*uint256.Int, error)
}
