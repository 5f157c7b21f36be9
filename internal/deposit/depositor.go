package deposit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stealthpay/spayment/internal/idempotency"
	"github.com/stealthpay/spayment/internal/ledger"
	"github.com/stealthpay/spayment/internal/queue"
)

var (
	ErrInvalidConfig  = errors.New("deposit: invalid config")
	ErrInvalidDeposit = errors.New("deposit: invalid deposit")
	ErrTollMismatch   = errors.New("deposit: toll mismatch")
	ErrUnauthorized   = errors.New("deposit: unauthorized")
)

const DefaultAnnouncementTopic = "spayment.deposits.announced.v1"

// TollAccount holds accrued tolls. It has no private key, so the only way out
// is CollectTolls.
var TollAccount = common.BytesToAddress(crypto.Keccak256([]byte("spayment.toll-account")))

// Config is fixed at construction. Toll is charged in the native asset on
// every deposit and accrues to TollAccount until TollCollector sweeps it to
// TollReceiver.
type Config struct {
	Toll          *uint256.Int
	TollCollector common.Address
	TollReceiver  common.Address

	AnnouncementTopic string

	Now func() time.Time
}

// SendRequest is one deposit to a stealth identity.
//
// For the native asset Amount includes the toll and must exceed it. For any
// other asset TollPaid must equal the toll and Amount must be non-zero.
type SendRequest struct {
	// DepositID deduplicates redelivered deposits. Zero assigns a fresh id.
	DepositID common.Hash

	Receiver   common.Address
	Asset      common.Address
	Amount     *uint256.Int
	TollPaid   *uint256.Int
	PKx        common.Hash
	Ciphertext common.Hash
}

type Receipt struct {
	DepositID common.Hash
	Receiver  common.Address
	Asset     common.Address
	// Credited is what the stealth identity received, net of any toll.
	Credited  *uint256.Int
	Toll      *uint256.Int
	Duplicate bool

	Announcement Announcement
}

// Depositor credits stealth identities and broadcasts announcements.
type Depositor struct {
	cfg      Config
	store    ledger.Store
	producer queue.Producer
	log      *slog.Logger
}

func New(cfg Config, store ledger.Store, producer queue.Producer, log *slog.Logger) (*Depositor, error) {
	if cfg.Toll == nil {
		cfg.Toll = new(uint256.Int)
	}
	cfg.Toll = cfg.Toll.Clone()
	if cfg.TollCollector == (common.Address{}) {
		return nil, fmt.Errorf("%w: TollCollector must be non-zero", ErrInvalidConfig)
	}
	if cfg.TollReceiver == (common.Address{}) {
		return nil, fmt.Errorf("%w: TollReceiver must be non-zero", ErrInvalidConfig)
	}
	if cfg.TollCollector == TollAccount || cfg.TollReceiver == TollAccount {
		return nil, fmt.Errorf("%w: toll account cannot collect or receive tolls", ErrInvalidConfig)
	}
	cfg.AnnouncementTopic = strings.TrimSpace(cfg.AnnouncementTopic)
	if cfg.AnnouncementTopic == "" {
		cfg.AnnouncementTopic = DefaultAnnouncementTopic
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if store == nil || producer == nil {
		return nil, fmt.Errorf("%w: nil store/producer", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return &Depositor{cfg: cfg, store: store, producer: producer, log: log}, nil
}

// Toll returns the configured toll.
func (d *Depositor) Toll() *uint256.Int { return d.cfg.Toll.Clone() }

func (d *Depositor) TollCollector() common.Address { return d.cfg.TollCollector }

func (d *Depositor) TollReceiver() common.Address { return d.cfg.TollReceiver }

// Send applies one deposit. Credit, toll accrual and the announcement publish
// happen in one ledger unit; a failed publish leaves no credit behind. A
// deposit whose id was already applied returns Duplicate and changes nothing.
func (d *Depositor) Send(ctx context.Context, req SendRequest) (Receipt, error) {
	if req.Receiver == (common.Address{}) {
		return Receipt{}, fmt.Errorf("%w: zero receiver", ErrInvalidDeposit)
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return Receipt{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidDeposit)
	}

	credited, err := d.netOfToll(req)
	if err != nil {
		return Receipt{}, err
	}

	id := req.DepositID
	if id == (common.Hash{}) {
		id = idempotency.RequestDepositID(uuid.New())
	}
	rcpt := Receipt{
		DepositID:    id,
		Receiver:     req.Receiver,
		Asset:        req.Asset,
		Credited:     credited,
		Toll:         d.cfg.Toll.Clone(),
		Announcement: newAnnouncement(id, req.Receiver, req.Asset, credited, req.PKx, req.Ciphertext),
	}
	payload, err := rcpt.Announcement.marshal()
	if err != nil {
		return Receipt{}, err
	}

	err = d.store.Update(ctx, func(tx ledger.Tx) error {
		first, err := tx.MarkApplied(ctx, id)
		if err != nil {
			return err
		}
		if !first {
			rcpt.Duplicate = true
			return nil
		}
		if err := tx.Credit(ctx, req.Receiver, req.Asset, credited); err != nil {
			return err
		}
		if !d.cfg.Toll.IsZero() {
			if err := tx.Credit(ctx, TollAccount, ledger.NativeAsset, d.cfg.Toll); err != nil {
				return err
			}
		}
		if err := d.producer.Publish(ctx, queue.Record{
			Topic:   d.cfg.AnnouncementTopic,
			Key:     req.Receiver.Bytes(),
			Value:   payload,
			Headers: map[string]string{queue.HeaderEventVersion: announcementVersion},
		}); err != nil {
			return fmt.Errorf("deposit: publish announcement: %w", err)
		}
		return nil
	})
	if err != nil {
		d.log.Warn("deposit failed", "deposit_id", id.Hex(), "receiver", req.Receiver.Hex(), "err", err)
		return Receipt{}, err
	}

	if rcpt.Duplicate {
		d.log.Info("deposit already applied", "deposit_id", id.Hex())
		return rcpt, nil
	}
	d.log.Info("deposit applied",
		"deposit_id", id.Hex(),
		"receiver", req.Receiver.Hex(),
		"asset", req.Asset.Hex(),
		"amount", credited.Dec(),
	)
	return rcpt, nil
}

func (d *Depositor) netOfToll(req SendRequest) (*uint256.Int, error) {
	if req.Asset == ledger.NativeAsset {
		if !req.Amount.Gt(d.cfg.Toll) {
			return nil, fmt.Errorf("%w: native amount %s must exceed toll %s", ErrTollMismatch, req.Amount.Dec(), d.cfg.Toll.Dec())
		}
		return new(uint256.Int).Sub(req.Amount, d.cfg.Toll), nil
	}

	paid := req.TollPaid
	if paid == nil {
		paid = new(uint256.Int)
	}
	if !paid.Eq(d.cfg.Toll) {
		return nil, fmt.Errorf("%w: paid %s, toll %s", ErrTollMismatch, paid.Dec(), d.cfg.Toll.Dec())
	}
	return req.Amount.Clone(), nil
}

// CollectTolls sweeps every accrued toll to the configured receiver. Only the
// toll collector may call it. Nothing accrued is a no-op returning zero.
func (d *Depositor) CollectTolls(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	if caller != d.cfg.TollCollector {
		return nil, fmt.Errorf("%w: caller %s is not the toll collector", ErrUnauthorized, caller.Hex())
	}

	swept := new(uint256.Int)
	err := d.store.Update(ctx, func(tx ledger.Tx) error {
		bal, err := tx.Balance(ctx, TollAccount, ledger.NativeAsset)
		if err != nil {
			return err
		}
		if bal.IsZero() {
			return nil
		}
		if err := tx.Debit(ctx, TollAccount, ledger.NativeAsset, bal); err != nil {
			return err
		}
		if _, err := tx.Transfer(ctx, ledger.NativeAsset, TollAccount, d.cfg.TollReceiver, bal); err != nil {
			return err
		}
		swept = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !swept.IsZero() {
		d.log.Info("tolls collected", "receiver", d.cfg.TollReceiver.Hex(), "amount", swept.Dec())
	}
	return swept, nil
}
