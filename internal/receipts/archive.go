package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stealthpay/spayment/internal/blobstore"
	"github.com/stealthpay/spayment/internal/withdrawal"
)

const documentVersion = "withdrawal.receipt.v1"

var (
	ErrInvalidConfig   = errors.New("receipts: invalid config")
	ErrAlreadyArchived = errors.New("receipts: already archived")
	ErrNotFound        = errors.New("receipts: not found")
)

// Document is the archived form of one committed withdrawal.
type Document struct {
	Version         string     `json:"version"`
	ReceiptID       string     `json:"receiptId"`
	Kind            string     `json:"kind"`
	StealthIdentity string     `json:"stealthIdentity"`
	Acceptor        string     `json:"acceptor"`
	Asset           string     `json:"asset"`
	Relayer         string     `json:"relayer,omitempty"`
	Amount          string     `json:"amount"`
	RelayerFee      string     `json:"relayerFee"`
	HookTarget      string     `json:"hookTarget,omitempty"`
	HookCalled      bool       `json:"hookCalled"`
	Transfers       []Transfer `json:"transfers"`
	CompletedAt     time.Time  `json:"completedAt"`
}

type Transfer struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func NewDocument(res withdrawal.Result) Document {
	doc := Document{
		Version:         documentVersion,
		ReceiptID:       res.ReceiptID.String(),
		Kind:            res.Kind.String(),
		StealthIdentity: res.StealthIdentity.Hex(),
		Acceptor:        res.Acceptor.Hex(),
		Asset:           res.Asset.Hex(),
		Amount:          "0",
		RelayerFee:      "0",
		HookCalled:      res.HookCalled,
		Transfers:       make([]Transfer, 0, len(res.Transfers)),
		CompletedAt:     res.CompletedAt.UTC(),
	}
	if res.Relayer != (common.Address{}) {
		doc.Relayer = res.Relayer.Hex()
	}
	if res.Amount != nil {
		doc.Amount = res.Amount.Dec()
	}
	if res.RelayerFee != nil {
		doc.RelayerFee = res.RelayerFee.Dec()
	}
	if res.HookTarget != nil {
		doc.HookTarget = res.HookTarget.Hex()
	}
	for _, tr := range res.Transfers {
		doc.Transfers = append(doc.Transfers, Transfer{
			ID:     tr.ID.String(),
			From:   tr.From.Hex(),
			To:     tr.To.Hex(),
			Amount: tr.Amount.Dec(),
		})
	}
	return doc
}

// Archive keeps write-once withdrawal receipts in a blob store.
type Archive struct {
	store blobstore.Store
}

func NewArchive(store blobstore.Store) (*Archive, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidConfig)
	}
	return &Archive{store: store}, nil
}

func Key(id uuid.UUID) string {
	return "withdrawals/" + id.String() + ".json"
}

// Put archives res under its receipt id. A receipt id is written at most once.
func (a *Archive) Put(ctx context.Context, res withdrawal.Result) (string, error) {
	if res.ReceiptID == uuid.Nil {
		return "", fmt.Errorf("receipts: nil receipt id")
	}
	key := Key(res.ReceiptID)
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s", ErrAlreadyArchived, res.ReceiptID)
	}

	doc := NewDocument(res)
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("receipts: marshal: %w", err)
	}
	if err := a.store.Put(ctx, key, payload, blobstore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"kind":    doc.Kind,
			"stealth": doc.StealthIdentity,
			"asset":   doc.Asset,
		},
	}); err != nil {
		return "", err
	}
	return key, nil
}

func (a *Archive) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	obj, err := a.store.Get(ctx, Key(id))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(obj.Data, &doc); err != nil {
		return Document{}, fmt.Errorf("receipts: decode %s: %w", id, err)
	}
	return doc, nil
}
