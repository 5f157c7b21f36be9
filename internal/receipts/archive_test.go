package receipts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stealthpay/spayment/internal/authmsg"
	"github.com/stealthpay/spayment/internal/blobstore"
	"github.com/stealthpay/spayment/internal/ledger"
	"github.com/stealthpay/spayment/internal/withdrawal"
)

func testResult() withdrawal.Result {
	hookTarget := common.HexToAddress("0x00000000000000000000000000000000000000d4")
	stealth := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	acceptor := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	relayer := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	return withdrawal.Result{
		ReceiptID:       uuid.MustParse("5f0c6c3e-8a1b-4d52-9a57-0e1f2a3b4c5d"),
		Kind:            authmsg.KindWithdrawOnBehalf,
		StealthIdentity: stealth,
		Acceptor:        acceptor,
		Asset:           ledger.NativeAsset,
		Relayer:         relayer,
		Amount:          uint256.NewInt(98),
		RelayerFee:      uint256.NewInt(2),
		HookTarget:      &hookTarget,
		HookCalled:      true,
		Transfers: []ledger.Transfer{
			{ID: uuid.New(), Asset: ledger.NativeAsset, From: stealth, To: acceptor, Amount: uint256.NewInt(98)},
			{ID: uuid.New(), Asset: ledger.NativeAsset, From: stealth, To: relayer, Amount: uint256.NewInt(2)},
		},
		CompletedAt: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC),
	}
}

func newTestArchive(t *testing.T) (*Archive, blobstore.Store) {
	t.Helper()
	store, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	a, err := NewArchive(store)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	return a, store
}

func TestArchive_PutThenGet(t *testing.T) {
	t.Parallel()

	a, store := newTestArchive(t)
	ctx := context.Background()
	res := testResult()

	key, err := a.Put(ctx, res)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "withdrawals/5f0c6c3e-8a1b-4d52-9a57-0e1f2a3b4c5d.json" {
		t.Fatalf("key: got %q", key)
	}
	obj, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if obj.ContentType != "application/json" || obj.Metadata["kind"] != "withdraw-on-behalf" {
		t.Fatalf("unexpected object headers: %q %v", obj.ContentType, obj.Metadata)
	}

	doc, err := a.Get(ctx, res.ReceiptID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Version != documentVersion || doc.Amount != "98" || doc.RelayerFee != "2" ||
		doc.Relayer != res.Relayer.Hex() || doc.HookTarget != res.HookTarget.Hex() || !doc.HookCalled {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if len(doc.Transfers) != 2 || doc.Transfers[1].To != res.Relayer.Hex() || doc.Transfers[1].Amount != "2" {
		t.Fatalf("unexpected transfers: %+v", doc.Transfers)
	}
	if !doc.CompletedAt.Equal(res.CompletedAt) {
		t.Fatalf("completedAt: got %v want %v", doc.CompletedAt, res.CompletedAt)
	}
}

func TestArchive_WriteOnce(t *testing.T) {
	t.Parallel()

	a, _ := newTestArchive(t)
	res := testResult()
	if _, err := a.Put(context.Background(), res); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := a.Put(context.Background(), res); !errors.Is(err, ErrAlreadyArchived) {
		t.Fatalf("expected ErrAlreadyArchived, got %v", err)
	}
}

func TestArchive_GetMissing(t *testing.T) {
	t.Parallel()

	a, _ := newTestArchive(t)
	if _, err := a.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewDocument_DirectOmitsRelayer(t *testing.T) {
	t.Parallel()

	res := testResult()
	res.Kind = authmsg.KindDirect
	res.Relayer = common.Address{}
	res.RelayerFee = new(uint256.Int)
	res.HookTarget = nil
	res.Transfers = res.Transfers[:1]

	doc := NewDocument(res)
	if doc.Kind != "withdraw" || doc.Relayer != "" || doc.HookTarget != "" || doc.RelayerFee != "0" {
		t.Fatalf("unexpected document: %+v", doc)
	}
}
