package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrHookInvocationFailed = errors.New("hook: invocation failed")
	ErrUnknownTarget        = errors.New("hook: unknown target")
	ErrInvalidConfig        = errors.New("hook: invalid config")
)

// Record is the fixed-shape call record handed to a hook after a withdrawal.
// Field order mirrors onWithdraw(amount, stealth, acceptor, asset, relayer, relayerFee, payload).
type Record struct {
	// Amount is what the acceptor actually received.
	Amount          *uint256.Int
	StealthIdentity common.Address
	Acceptor        common.Address
	Asset           common.Address
	// Relayer is the zero address for direct withdrawals.
	Relayer    common.Address
	RelayerFee *uint256.Int
	Payload    []byte
}

// NormalizePayload maps an empty payload to nil and copies anything else.
func NormalizePayload(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	return append([]byte(nil), p...)
}

// Hook is an external callee that reacts to a completed withdrawal. An error
// aborts the withdrawal.
type Hook interface {
	OnWithdraw(ctx context.Context, rec Record) error
}

// Resolver maps a hook target address to a callable hook.
type Resolver interface {
	Resolve(target common.Address) (Hook, bool)
}

// Registry is a static Resolver.
type Registry struct {
	mu    sync.RWMutex
	hooks map[common.Address]Hook
}

func NewRegistry() *Registry {
	return &Registry{hooks: make(map[common.Address]Hook)}
}

func (r *Registry) Register(target common.Address, h Hook) error {
	if target == (common.Address{}) {
		return fmt.Errorf("%w: zero target", ErrInvalidConfig)
	}
	if h == nil {
		return fmt.Errorf("%w: nil hook", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[target]; ok {
		return fmt.Errorf("%w: target %s already registered", ErrInvalidConfig, target)
	}
	r.hooks[target] = h
	return nil
}

func (r *Registry) Resolve(target common.Address) (Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[target]
	return h, ok
}

// IsNoTarget reports whether target names no hook. Nil and the zero address
// sign to the same digest, so both mean "do not call".
func IsNoTarget(target *common.Address) bool {
	return target == nil || *target == (common.Address{})
}

// Invoker performs the single optional hook call of a withdrawal.
type Invoker struct {
	resolver Resolver
	log      *slog.Logger
}

func NewInvoker(resolver Resolver, log *slog.Logger) (*Invoker, error) {
	if resolver == nil {
		return nil, fmt.Errorf("%w: nil resolver", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return &Invoker{resolver: resolver, log: log}, nil
}

// Invoke calls the hook registered at target with rec. A nil or zero target
// means "do not call" and returns (false, nil). Every failure, including an
// unknown target, wraps ErrHookInvocationFailed. There is no retry.
func (i *Invoker) Invoke(ctx context.Context, target *common.Address, rec Record) (bool, error) {
	if IsNoTarget(target) {
		return false, nil
	}
	h, ok := i.resolver.Resolve(*target)
	if !ok {
		return false, fmt.Errorf("%w: %w %s", ErrHookInvocationFailed, ErrUnknownTarget, target.Hex())
	}

	rec.Payload = NormalizePayload(rec.Payload)
	if err := h.OnWithdraw(ctx, rec); err != nil {
		i.log.Warn("hook call failed", "target", target.Hex(), "stealth", rec.StealthIdentity.Hex(), "err", err)
		return true, fmt.Errorf("%w: %s: %v", ErrHookInvocationFailed, target.Hex(), err)
	}
	return true, nil
}
