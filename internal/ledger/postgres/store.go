package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stealthpay/spayment/internal/ledger"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, identity, asset common.Address) (*uint256.Int, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return selectBalance(ctx, s.pool, identity, asset, false)
}

func (s *Store) Credit(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error {
	return s.Update(ctx, func(tx ledger.Tx) error {
		return tx.Credit(ctx, identity, asset, amount)
	})
}

func (s *Store) Debit(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error {
	return s.Update(ctx, func(tx ledger.Tx) error {
		return tx.Debit(ctx, identity, asset, amount)
	})
}

// Update runs fn inside one database transaction. Entries touched through the
// Tx are locked with SELECT ... FOR UPDATE until commit or rollback.
func (s *Store) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil update func", ledger.ErrInvalidInput)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) ListTransfers(ctx context.Context, to common.Address, limit int) ([]ledger.Transfer, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT transfer_id, asset, from_identity, to_address, amount::text, created_at
		FROM ledger_transfers
		WHERE to_address = $1
		ORDER BY seq DESC
		LIMIT $2
	`, to.Bytes(), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list transfers: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Transfer, 0, limit)
	for rows.Next() {
		var (
			id        uuid.UUID
			assetRaw  []byte
			fromRaw   []byte
			toRaw     []byte
			amountStr string
			createdAt time.Time
		)
		if err := rows.Scan(&id, &assetRaw, &fromRaw, &toRaw, &amountStr, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan transfer row: %w", err)
		}
		asset, err := to20(assetRaw)
		if err != nil {
			return nil, err
		}
		from, err := to20(fromRaw)
		if err != nil {
			return nil, err
		}
		toAddr, err := to20(toRaw)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount(amountStr)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.Transfer{
			ID:        id,
			Asset:     asset,
			From:      from,
			To:        toAddr,
			Amount:    amount,
			CreatedAt: createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: list transfers rows: %w", err)
	}
	return out, nil
}

func (s *Store) Received(ctx context.Context, to, asset common.Address) (*uint256.Int, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM ledger_transfers
		WHERE to_address = $1 AND asset = $2
	`, to.Bytes(), asset.Bytes()).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: sum transfers: %w", err)
	}
	return parseAmount(total)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func selectBalance(ctx context.Context, q querier, identity, asset common.Address, forUpdate bool) (*uint256.Int, error) {
	query := `
		SELECT amount::text
		FROM ledger_balances
		WHERE identity = $1 AND asset = $2
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var amount string
	err := q.QueryRow(ctx, query, identity.Bytes(), asset.Bytes()).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(uint256.Int), nil
		}
		return nil, fmt.Errorf("ledger/postgres: get balance: %w", err)
	}
	return parseAmount(amount)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Balance(ctx context.Context, identity, asset common.Address) (*uint256.Int, error) {
	return selectBalance(ctx, t.tx, identity, asset, true)
}

func (t *pgTx) Credit(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ledger.ErrInvalidInput)
	}
	cur, err := t.lockEntry(ctx, identity, asset)
	if err != nil {
		return err
	}
	next, err := ledger.CheckedAdd(cur, amount)
	if err != nil {
		return err
	}
	return t.setEntry(ctx, identity, asset, next)
}

func (t *pgTx) Debit(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ledger.ErrInvalidInput)
	}
	cur, err := selectBalance(ctx, t.tx, identity, asset, true)
	if err != nil {
		return err
	}
	next, err := ledger.CheckedSub(cur, amount)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	return t.setEntry(ctx, identity, asset, next)
}

func (t *pgTx) Transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) (ledger.Transfer, error) {
	if amount == nil {
		return ledger.Transfer{}, fmt.Errorf("%w: nil amount", ledger.ErrInvalidInput)
	}
	if to == (common.Address{}) {
		return ledger.Transfer{}, fmt.Errorf("%w: zero recipient", ledger.ErrTransferFailed)
	}

	tr := ledger.Transfer{
		ID:     uuid.New(),
		Asset:  asset,
		From:   from,
		To:     to,
		Amount: amount.Clone(),
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO ledger_transfers (transfer_id, asset, from_identity, to_address, amount, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, now())
		RETURNING created_at
	`, tr.ID, asset.Bytes(), from.Bytes(), to.Bytes(), amount.Dec()).Scan(&tr.CreatedAt)
	if err != nil {
		return ledger.Transfer{}, fmt.Errorf("%w: insert transfer: %v", ledger.ErrTransferFailed, err)
	}
	tr.CreatedAt = tr.CreatedAt.UTC()
	return tr, nil
}

func (t *pgTx) MarkApplied(ctx context.Context, ref common.Hash) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_applied_refs (ref, applied_at)
		VALUES ($1, now())
		ON CONFLICT (ref) DO NOTHING
	`, ref.Bytes())
	if err != nil {
		return false, fmt.Errorf("ledger/postgres: mark applied: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// lockEntry creates the entry if needed and locks it; absent rows cannot be
// locked by FOR UPDATE alone.
func (t *pgTx) lockEntry(ctx context.Context, identity, asset common.Address) (*uint256.Int, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_balances (identity, asset, amount, created_at, updated_at)
		VALUES ($1, $2, 0, now(), now())
		ON CONFLICT (identity, asset) DO NOTHING
	`, identity.Bytes(), asset.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: ensure entry: %w", err)
	}
	return selectBalance(ctx, t.tx, identity, asset, true)
}

func (t *pgTx) setEntry(ctx context.Context, identity, asset common.Address, amount *uint256.Int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE ledger_balances
		SET amount = $3::numeric, updated_at = now()
		WHERE identity = $1 AND asset = $2
	`, identity.Bytes(), asset.Bytes(), amount.Dec())
	if err != nil {
		return fmt.Errorf("ledger/postgres: update balance: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("ledger/postgres: update balance: %d rows affected", tag.RowsAffected())
	}
	return nil
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q out of range", ledger.ErrArithmeticOverflow, s)
	}
	return v, nil
}

func to20(b []byte) (common.Address, error) {
	if len(b) != 20 {
		return common.Address{}, fmt.Errorf("ledger/postgres: expected 20 bytes, got %d", len(b))
	}
	return common.BytesToAddress(b), nil
}

var _ ledger.Store = (*Store)(nil)
