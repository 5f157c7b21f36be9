package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// MemoryStore is an in-memory ledger intended for unit tests and single-process usage.
// It is safe for concurrent use; one mutex provides the total order across operations.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	balances  map[Key]*uint256.Int
	transfers []Transfer
	applied   map[common.Hash]struct{}
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		balances: make(map[Key]*uint256.Int),
		applied:  make(map[common.Hash]struct{}),
	}
}

func (s *MemoryStore) Balance(_ context.Context, identity, asset common.Address) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.balanceLocked(Key{Identity: identity, Asset: asset}), nil
}

func (s *MemoryStore) Credit(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.Credit(ctx, identity, asset, amount)
	})
}

func (s *MemoryStore) Debit(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.Debit(ctx, identity, asset, amount)
	})
}

// Update runs fn while holding the store lock. fn must only use tx; calling
// other MemoryStore methods from inside fn deadlocks.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if fn == nil {
		return fmt.Errorf("%w: nil update func", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s, pending: make(map[Key]*uint256.Int), applied: make(map[common.Hash]struct{})}
	if err := fn(tx); err != nil {
		return err
	}

	for k, v := range tx.pending {
		s.balances[k] = v
	}
	s.transfers = append(s.transfers, tx.transfers...)
	for ref := range tx.applied {
		s.applied[ref] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) ListTransfers(_ context.Context, to common.Address, limit int) ([]Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Transfer, 0, limit)
	for i := len(s.transfers) - 1; i >= 0; i-- {
		t := s.transfers[i]
		if t.To != to {
			continue
		}
		out = append(out, cloneTransfer(t))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Received(_ context.Context, to, asset common.Address) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := new(uint256.Int)
	for _, t := range s.transfers {
		if t.To != to || t.Asset != asset {
			continue
		}
		sum, err := CheckedAdd(total, t.Amount)
		if err != nil {
			return nil, err
		}
		total = sum
	}
	return total, nil
}

func (s *MemoryStore) balanceLocked(k Key) *uint256.Int {
	v, ok := s.balances[k]
	if !ok {
		return new(uint256.Int)
	}
	return v.Clone()
}

type memoryTx struct {
	s *MemoryStore

	pending   map[Key]*uint256.Int
	transfers []Transfer
	applied   map[common.Hash]struct{}
}

func (t *memoryTx) Balance(_ context.Context, identity, asset common.Address) (*uint256.Int, error) {
	return t.balance(Key{Identity: identity, Asset: asset}).Clone(), nil
}

func (t *memoryTx) Credit(_ context.Context, identity, asset common.Address, amount *uint256.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrInvalidInput)
	}
	k := Key{Identity: identity, Asset: asset}
	next, err := CheckedAdd(t.balance(k), amount)
	if err != nil {
		return err
	}
	t.pending[k] = next
	return nil
}

func (t *memoryTx) Debit(_ context.Context, identity, asset common.Address, amount *uint256.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrInvalidInput)
	}
	k := Key{Identity: identity, Asset: asset}
	next, err := CheckedSub(t.balance(k), amount)
	if err != nil {
		return err
	}
	t.pending[k] = next
	return nil
}

func (t *memoryTx) Transfer(_ context.Context, asset, from, to common.Address, amount *uint256.Int) (Transfer, error) {
	if amount == nil {
		return Transfer{}, fmt.Errorf("%w: nil amount", ErrInvalidInput)
	}
	if to == (common.Address{}) {
		return Transfer{}, fmt.Errorf("%w: zero recipient", ErrTransferFailed)
	}
	tr := Transfer{
		ID:        uuid.New(),
		Asset:     asset,
		From:      from,
		To:        to,
		Amount:    amount.Clone(),
		CreatedAt: t.s.now().UTC(),
	}
	t.transfers = append(t.transfers, tr)
	return cloneTransfer(tr), nil
}

func (t *memoryTx) MarkApplied(_ context.Context, ref common.Hash) (bool, error) {
	if _, ok := t.s.applied[ref]; ok {
		return false, nil
	}
	if _, ok := t.applied[ref]; ok {
		return false, nil
	}
	t.applied[ref] = struct{}{}
	return true, nil
}

func (t *memoryTx) balance(k Key) *uint256.Int {
	if v, ok := t.pending[k]; ok {
		return v
	}
	return t.s.balanceLocked(k)
}

var _ Store = (*MemoryStore)(nil)
