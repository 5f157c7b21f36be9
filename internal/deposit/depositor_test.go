package deposit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stealthpay/spayment/internal/ledger"
	"github.com/stealthpay/spayment/internal/queue"
)

var (
	testStealth   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testToken     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testCollector = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	testReceiver  = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

func fixedNow() time.Time { return time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC) }

func newTestDepositor(t *testing.T, toll uint64) (*Depositor, *ledger.MemoryStore, *queue.MemoryProducer) {
	t.Helper()
	store := ledger.NewMemoryStore(fixedNow)
	p := queue.NewMemoryProducer()
	d, err := New(Config{
		Toll:          uint256.NewInt(toll),
		TollCollector: testCollector,
		TollReceiver:  testReceiver,
		Now:           fixedNow,
	}, store, p, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, store, p
}

func mustBalance(t *testing.T, s ledger.Store, identity, asset common.Address) uint64 {
	t.Helper()
	b, err := s.Balance(context.Background(), identity, asset)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b.Uint64()
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore(nil)
	p := queue.NewMemoryProducer()

	if _, err := New(Config{TollReceiver: testReceiver}, store, p, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing collector: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{TollCollector: testCollector}, store, p, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing receiver: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{TollCollector: testCollector, TollReceiver: testReceiver}, nil, p, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{TollCollector: TollAccount, TollReceiver: testReceiver}, store, p, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("toll account as collector: expected ErrInvalidConfig, got %v", err)
	}
}

func TestDepositor_TollIsImmutable(t *testing.T) {
	t.Parallel()

	toll := uint256.NewInt(10)
	d, err := New(Config{Toll: toll, TollCollector: testCollector, TollReceiver: testReceiver}, ledger.NewMemoryStore(nil), queue.NewMemoryProducer(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	toll.SetUint64(99)
	got := d.Toll()
	got.SetUint64(77)
	if d.Toll().Uint64() != 10 {
		t.Fatalf("toll: got %s want 10", d.Toll().Dec())
	}
}

func TestSend_TokenDepositCreditsAndAnnounces(t *testing.T) {
	t.Parallel()

	d, store, p := newTestDepositor(t, 10)
	ctx := context.Background()

	pkx := common.HexToHash("0x1111")
	ct := common.HexToHash("0x2222")
	rcpt, err := d.Send(ctx, SendRequest{
		Receiver:   testStealth,
		Asset:      testToken,
		Amount:     uint256.NewInt(100),
		TollPaid:   uint256.NewInt(10),
		PKx:        pkx,
		Ciphertext: ct,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rcpt.Duplicate || rcpt.Credited.Uint64() != 100 || rcpt.DepositID == (common.Hash{}) {
		t.Fatalf("unexpected receipt: %+v", rcpt)
	}
	if got := mustBalance(t, store, testStealth, testToken); got != 100 {
		t.Fatalf("stealth balance: got %d want 100", got)
	}
	if got := mustBalance(t, store, TollAccount, ledger.NativeAsset); got != 10 {
		t.Fatalf("accrued toll: got %d want 10", got)
	}

	recs := p.Records(DefaultAnnouncementTopic)
	if len(recs) != 1 {
		t.Fatalf("announcements: got %d want 1", len(recs))
	}
	if !bytes.Equal(recs[0].Key, testStealth.Bytes()) {
		t.Fatalf("announcement key: got %x", recs[0].Key)
	}
	if v := recs[0].Headers[queue.HeaderEventVersion]; v != "deposits.announced.v1" {
		t.Fatalf("event-version header: got %q", v)
	}
	var ann Announcement
	if err := json.Unmarshal(recs[0].Value, &ann); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ann.Receiver != testStealth.Hex() || ann.Amount != "100" || ann.Asset != testToken.Hex() ||
		ann.PKx != pkx.Hex() || ann.Ciphertext != ct.Hex() || ann.DepositID != rcpt.DepositID.Hex() {
		t.Fatalf("unexpected announcement: %+v", ann)
	}
}

func TestSend_NativeDepositNetsToll(t *testing.T) {
	t.Parallel()

	d, store, _ := newTestDepositor(t, 10)
	ctx := context.Background()

	rcpt, err := d.Send(ctx, SendRequest{
		Receiver: testStealth,
		Asset:    ledger.NativeAsset,
		Amount:   uint256.NewInt(110),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rcpt.Credited.Uint64() != 100 {
		t.Fatalf("credited: got %s want 100", rcpt.Credited.Dec())
	}
	if got := mustBalance(t, store, testStealth, ledger.NativeAsset); got != 100 {
		t.Fatalf("stealth balance: got %d want 100", got)
	}

	if _, err := d.Send(ctx, SendRequest{Receiver: testStealth, Asset: ledger.NativeAsset, Amount: uint256.NewInt(10)}); !errors.Is(err, ErrTollMismatch) {
		t.Fatalf("amount == toll: expected ErrTollMismatch, got %v", err)
	}
}

func TestSend_RejectsBadDeposits(t *testing.T) {
	t.Parallel()

	d, store, p := newTestDepositor(t, 10)

	cases := []struct {
		name string
		req  SendRequest
		want error
	}{
		{name: "zero receiver", req: SendRequest{Asset: testToken, Amount: uint256.NewInt(1), TollPaid: uint256.NewInt(10)}, want: ErrInvalidDeposit},
		{name: "zero amount", req: SendRequest{Receiver: testStealth, Asset: testToken, Amount: new(uint256.Int), TollPaid: uint256.NewInt(10)}, want: ErrInvalidDeposit},
		{name: "nil amount", req: SendRequest{Receiver: testStealth, Asset: testToken, TollPaid: uint256.NewInt(10)}, want: ErrInvalidDeposit},
		{name: "toll short", req: SendRequest{Receiver: testStealth, Asset: testToken, Amount: uint256.NewInt(1), TollPaid: uint256.NewInt(9)}, want: ErrTollMismatch},
		{name: "toll over", req: SendRequest{Receiver: testStealth, Asset: testToken, Amount: uint256.NewInt(1), TollPaid: uint256.NewInt(11)}, want: ErrTollMismatch},
		{name: "toll missing", req: SendRequest{Receiver: testStealth, Asset: testToken, Amount: uint256.NewInt(1)}, want: ErrTollMismatch},
	}
	for _, tc := range cases {
		if _, err := d.Send(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if got := mustBalance(t, store, testStealth, testToken); got != 0 {
		t.Fatalf("stealth balance: got %d want 0", got)
	}
	if n := len(p.Records(DefaultAnnouncementTopic)); n != 0 {
		t.Fatalf("announcements: got %d want 0", n)
	}
}

func TestSend_RedeliveredDepositCreditsOnce(t *testing.T) {
	t.Parallel()

	d, store, p := newTestDepositor(t, 0)
	ctx := context.Background()

	req := SendRequest{
		DepositID: common.HexToHash("0xfeed"),
		Receiver:  testStealth,
		Asset:     testToken,
		Amount:    uint256.NewInt(5),
	}
	for i := 0; i < 3; i++ {
		rcpt, err := d.Send(ctx, req)
		if err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
		if rcpt.Duplicate != (i > 0) {
			t.Fatalf("Send #%d: duplicate got %v", i, rcpt.Duplicate)
		}
	}
	if got := mustBalance(t, store, testStealth, testToken); got != 5 {
		t.Fatalf("stealth balance: got %d want 5", got)
	}
	if n := len(p.Records(DefaultAnnouncementTopic)); n != 1 {
		t.Fatalf("announcements: got %d want 1", n)
	}
}

func TestSend_PublishFailureLeavesNoCredit(t *testing.T) {
	t.Parallel()

	d, store, p := newTestDepositor(t, 10)
	p.FailWith(errors.New("broker down"))

	req := SendRequest{
		DepositID: common.HexToHash("0xbeef"),
		Receiver:  testStealth,
		Asset:     testToken,
		Amount:    uint256.NewInt(5),
		TollPaid:  uint256.NewInt(10),
	}
	if _, err := d.Send(context.Background(), req); err == nil {
		t.Fatalf("expected publish error")
	}
	if got := mustBalance(t, store, testStealth, testToken); got != 0 {
		t.Fatalf("stealth balance: got %d want 0", got)
	}
	if got := mustBalance(t, store, TollAccount, ledger.NativeAsset); got != 0 {
		t.Fatalf("accrued toll: got %d want 0", got)
	}

	// The id was not consumed; a retry after recovery applies the deposit.
	p.FailWith(nil)
	rcpt, err := d.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rcpt.Duplicate {
		t.Fatalf("retry reported duplicate")
	}
}

func TestCollectTolls(t *testing.T) {
	t.Parallel()

	d, store, _ := newTestDepositor(t, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.Send(ctx, SendRequest{Receiver: testStealth, Asset: testToken, Amount: uint256.NewInt(1), TollPaid: uint256.NewInt(10)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if _, err := d.CollectTolls(ctx, testStealth); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	swept, err := d.CollectTolls(ctx, testCollector)
	if err != nil {
		t.Fatalf("CollectTolls: %v", err)
	}
	if swept.Uint64() != 30 {
		t.Fatalf("swept: got %s want 30", swept.Dec())
	}
	received, err := store.Received(ctx, testReceiver, ledger.NativeAsset)
	if err != nil {
		t.Fatalf("Received: %v", err)
	}
	if received.Uint64() != 30 {
		t.Fatalf("receiver got %s want 30", received.Dec())
	}
	if got := mustBalance(t, store, TollAccount, ledger.NativeAsset); got != 0 {
		t.Fatalf("accrued toll after sweep: got %d want 0", got)
	}

	if got := mustBalance(t, store, testCollector, ledger.NativeAsset); got != 0 {
		t.Fatalf("collector balance: got %d want 0", got)
	}

	swept, err = d.CollectTolls(ctx, testCollector)
	if err != nil {
		t.Fatalf("CollectTolls (empty): %v", err)
	}
	if !swept.IsZero() {
		t.Fatalf("second sweep: got %s want 0", swept.Dec())
	}
}
