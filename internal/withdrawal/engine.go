package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stealthpay/spayment/internal/authmsg"
	"github.com/stealthpay/spayment/internal/eth"
	"github.com/stealthpay/spayment/internal/hook"
	"github.com/stealthpay/spayment/internal/ledger"
)

var (
	ErrInvalidConfig       = errors.New("withdrawal: invalid config")
	ErrInvalidRequest      = errors.New("withdrawal: invalid request")
	ErrInvalidSignature    = errors.New("withdrawal: invalid signature")
	ErrUnauthorizedRelayer = errors.New("withdrawal: unauthorized relayer")
	ErrFeeExceedsBalance   = errors.New("withdrawal: relayer fee exceeds balance")
)

// HookInvoker performs the optional post-withdrawal callback.
type HookInvoker interface {
	Invoke(ctx context.Context, target *common.Address, rec hook.Record) (bool, error)
}

type Config struct {
	Domain authmsg.Domain

	Now func() time.Time
}

// DirectRequest sweeps the caller's own balance. The caller is the stealth identity.
type DirectRequest struct {
	Acceptor    common.Address
	Asset       common.Address
	HookTarget  *common.Address
	HookPayload []byte
}

// OnBehalfRequest is a signed withdrawal redeemed by Relayer.
type OnBehalfRequest struct {
	StealthIdentity common.Address
	Acceptor        common.Address
	Asset           common.Address
	Relayer         common.Address
	RelayerFee      *uint256.Int
	HookTarget      *common.Address
	HookPayload     []byte
	Signature       []byte
}

// Message returns the authorization the stealth identity must have signed.
func (r OnBehalfRequest) Message() authmsg.WithdrawOnBehalf {
	return authmsg.WithdrawOnBehalf{
		Acceptor:    r.Acceptor,
		Asset:       r.Asset,
		Relayer:     r.Relayer,
		RelayerFee:  r.RelayerFee,
		HookTarget:  r.HookTarget,
		HookPayload: r.HookPayload,
	}
}

type Result struct {
	ReceiptID       uuid.UUID
	Kind            authmsg.Kind
	StealthIdentity common.Address
	Acceptor        common.Address
	Asset           common.Address
	Relayer         common.Address
	// Amount is what the acceptor received.
	Amount      *uint256.Int
	RelayerFee  *uint256.Int
	HookTarget  *common.Address
	HookCalled  bool
	Transfers   []ledger.Transfer
	CompletedAt time.Time
}

// Engine settles withdrawals against a ledger. Each withdrawal is one
// ledger.Update: balance read, single debit, transfers and the hook call
// commit together or not at all.
//
// Hooks run while the ledger unit is open and must not call back into the
// same store.
type Engine struct {
	cfg   Config
	store ledger.Store
	hooks HookInvoker
	log   *slog.Logger
}

func New(cfg Config, store ledger.Store, hooks HookInvoker, log *slog.Logger) (*Engine, error) {
	if cfg.Domain.ChainID == 0 {
		return nil, fmt.Errorf("%w: Domain.ChainID must be non-zero", ErrInvalidConfig)
	}
	if cfg.Domain.LedgerContract == (common.Address{}) {
		return nil, fmt.Errorf("%w: Domain.LedgerContract must be non-zero", ErrInvalidConfig)
	}
	if store == nil || hooks == nil {
		return nil, fmt.Errorf("%w: nil store/hooks", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return &Engine{cfg: cfg, store: store, hooks: hooks, log: log}, nil
}

func (e *Engine) Domain() authmsg.Domain { return e.cfg.Domain }

// Digest is the meta-withdraw digest for req under the engine's domain.
func (e *Engine) Digest(req OnBehalfRequest) (common.Hash, error) {
	return authmsg.DigestFor(authmsg.KindWithdrawOnBehalf, e.cfg.Domain, req.Message())
}

// WithdrawDirect moves the caller's entire balance of req.Asset to req.Acceptor.
// A zero balance is a successful no-op: nothing is transferred and the hook is
// not called.
func (e *Engine) WithdrawDirect(ctx context.Context, caller common.Address, req DirectRequest) (Result, error) {
	if caller == (common.Address{}) {
		return Result{}, fmt.Errorf("%w: zero caller", ErrInvalidRequest)
	}

	res := Result{
		ReceiptID:       uuid.New(),
		Kind:            authmsg.KindDirect,
		StealthIdentity: caller,
		Acceptor:        req.Acceptor,
		Asset:           req.Asset,
		Amount:          new(uint256.Int),
		RelayerFee:      new(uint256.Int),
		HookTarget:      copyAddress(req.HookTarget),
	}

	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		bal, err := tx.Balance(ctx, caller, req.Asset)
		if err != nil {
			return err
		}
		if bal.IsZero() {
			return nil
		}
		if err := tx.Debit(ctx, caller, req.Asset, bal); err != nil {
			return err
		}
		tr, err := tx.Transfer(ctx, req.Asset, caller, req.Acceptor, bal)
		if err != nil {
			return err
		}
		res.Amount = bal
		res.Transfers = []ledger.Transfer{tr}

		called, err := e.hooks.Invoke(ctx, req.HookTarget, hook.Record{
			Amount:          bal.Clone(),
			StealthIdentity: caller,
			Acceptor:        req.Acceptor,
			Asset:           req.Asset,
			RelayerFee:      new(uint256.Int),
			Payload:         req.HookPayload,
		})
		res.HookCalled = called
		return err
	})
	if err != nil {
		e.log.Warn("direct withdrawal failed", "stealth", caller.Hex(), "asset", req.Asset.Hex(), "err", err)
		return Result{}, err
	}

	res.CompletedAt = e.cfg.Now().UTC()
	if res.Amount.IsZero() {
		e.log.Info("direct withdrawal of empty balance", "stealth", caller.Hex(), "asset", req.Asset.Hex())
		return res, nil
	}
	e.log.Info("direct withdrawal committed",
		"receipt", res.ReceiptID.String(),
		"stealth", caller.Hex(),
		"asset", req.Asset.Hex(),
		"acceptor", req.Acceptor.Hex(),
		"amount", res.Amount.Dec(),
		"hook", res.HookCalled,
	)
	return res, nil
}

// WithdrawOnBehalf redeems a signed authorization submitted by caller. Checks
// run in order: caller must be the named relayer, the signature must recover
// to req.StealthIdentity, the balance must be non-zero and cover the fee.
// Replaying a redeemed authorization finds an empty balance.
func (e *Engine) WithdrawOnBehalf(ctx context.Context, caller common.Address, req OnBehalfRequest) (Result, error) {
	if req.Relayer == (common.Address{}) || req.Relayer != caller {
		return Result{}, fmt.Errorf("%w: caller %s, relayer %s", ErrUnauthorizedRelayer, caller.Hex(), req.Relayer.Hex())
	}
	if req.StealthIdentity == (common.Address{}) {
		return Result{}, fmt.Errorf("%w: zero stealth identity", ErrInvalidRequest)
	}
	fee := new(uint256.Int)
	if req.RelayerFee != nil {
		fee = req.RelayerFee.Clone()
	}

	digest, err := e.Digest(req)
	if err != nil {
		return Result{}, err
	}
	signer, err := eth.RecoverSigner(digest, req.Signature)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if signer != req.StealthIdentity {
		return Result{}, fmt.Errorf("%w: recovered %s", ErrInvalidSignature, signer.Hex())
	}

	res := Result{
		ReceiptID:       uuid.New(),
		Kind:            authmsg.KindWithdrawOnBehalf,
		StealthIdentity: req.StealthIdentity,
		Acceptor:        req.Acceptor,
		Asset:           req.Asset,
		Relayer:         req.Relayer,
		RelayerFee:      fee,
		HookTarget:      copyAddress(req.HookTarget),
	}

	err = e.store.Update(ctx, func(tx ledger.Tx) error {
		bal, err := tx.Balance(ctx, req.StealthIdentity, req.Asset)
		if err != nil {
			return err
		}
		if bal.IsZero() {
			return fmt.Errorf("%w: nothing to withdraw", ledger.ErrInsufficientBalance)
		}
		if fee.Gt(bal) {
			return fmt.Errorf("%w: fee %s, balance %s", ErrFeeExceedsBalance, fee.Dec(), bal.Dec())
		}
		toAcceptor := new(uint256.Int).Sub(bal, fee)

		if err := tx.Debit(ctx, req.StealthIdentity, req.Asset, bal); err != nil {
			return err
		}
		tr, err := tx.Transfer(ctx, req.Asset, req.StealthIdentity, req.Acceptor, toAcceptor)
		if err != nil {
			return err
		}
		res.Transfers = []ledger.Transfer{tr}
		if !fee.IsZero() {
			tr, err := tx.Transfer(ctx, req.Asset, req.StealthIdentity, req.Relayer, fee)
			if err != nil {
				return err
			}
			res.Transfers = append(res.Transfers, tr)
		}
		res.Amount = toAcceptor

		called, err := e.hooks.Invoke(ctx, req.HookTarget, hook.Record{
			Amount:          toAcceptor.Clone(),
			StealthIdentity: req.StealthIdentity,
			Acceptor:        req.Acceptor,
			Asset:           req.Asset,
			Relayer:         req.Relayer,
			RelayerFee:      fee.Clone(),
			Payload:         req.HookPayload,
		})
		res.HookCalled = called
		return err
	})
	if err != nil {
		e.log.Warn("withdrawal on behalf failed",
			"stealth", req.StealthIdentity.Hex(),
			"relayer", req.Relayer.Hex(),
			"asset", req.Asset.Hex(),
			"err", err,
		)
		return Result{}, err
	}

	res.CompletedAt = e.cfg.Now().UTC()
	e.log.Info("withdrawal on behalf committed",
		"receipt", res.ReceiptID.String(),
		"stealth", req.StealthIdentity.Hex(),
		"relayer", req.Relayer.Hex(),
		"asset", req.Asset.Hex(),
		"acceptor", req.Acceptor.Hex(),
		"amount", res.Amount.Dec(),
		"fee", fee.Dec(),
		"hook", res.HookCalled,
	)
	return res, nil
}

// copyAddress returns nil for a target that names no hook.
func copyAddress(a *common.Address) *common.Address {
	if hook.IsNoTarget(a) {
		return nil
	}
	v := *a
	return &v
}
