package authmsg

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

var (
	testDomain = Domain{
		ChainID:        8453,
		LedgerContract: common.HexToAddress("0x0000000000000000000000000000000000001234"),
	}
	testHook = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

func testMessage() WithdrawOnBehalf {
	hook := testHook
	return WithdrawOnBehalf{
		Acceptor:    common.HexToAddress("0x00000000000000000000000000000000000000c3"),
		Asset:       common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		Relayer:     common.HexToAddress("0x00000000000000000000000000000000000000e5"),
		RelayerFee:  uint256.NewInt(2),
		HookTarget:  &hook,
		HookPayload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
}

func TestDigest_MatchesTypedDataHash(t *testing.T) {
	t.Parallel()

	m := testMessage()
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"WithdrawOnBehalf": {
				{Name: "acceptor", Type: "address"},
				{Name: "asset", Type: "address"},
				{Name: "relayer", Type: "address"},
				{Name: "relayerFee", Type: "uint256"},
				{Name: "hookTarget", Type: "address"},
				{Name: "hookPayload", Type: "bytes"},
			},
		},
		PrimaryType: "WithdrawOnBehalf",
		Domain: apitypes.TypedDataDomain{
			Name:              EIP712DomainName,
			Version:           EIP712DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(testDomain.ChainID)),
			VerifyingContract: testDomain.LedgerContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"acceptor":    m.Acceptor.Hex(),
			"asset":       m.Asset.Hex(),
			"relayer":     m.Relayer.Hex(),
			"relayerFee":  m.RelayerFee.Dec(),
			"hookTarget":  m.HookTarget.Hex(),
			"hookPayload": hexutil.Bytes(m.HookPayload),
		},
	}

	want, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		t.Fatalf("TypedDataAndHash: %v", err)
	}
	got := Digest(testDomain, m)
	if !bytes.Equal(got[:], want) {
		t.Fatalf("digest mismatch: got %s want %x", got, want)
	}
}

func TestDigest_BindsEveryField(t *testing.T) {
	t.Parallel()

	base := Digest(testDomain, testMessage())
	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	cases := []struct {
		name   string
		domain func(*Domain)
		msg    func(*WithdrawOnBehalf)
	}{
		{name: "chain id", domain: func(d *Domain) { d.ChainID++ }},
		{name: "ledger contract", domain: func(d *Domain) { d.LedgerContract = other }},
		{name: "acceptor", msg: func(m *WithdrawOnBehalf) { m.Acceptor = other }},
		{name: "asset", msg: func(m *WithdrawOnBehalf) { m.Asset = other }},
		{name: "relayer", msg: func(m *WithdrawOnBehalf) { m.Relayer = other }},
		{name: "relayer fee", msg: func(m *WithdrawOnBehalf) { m.RelayerFee = uint256.NewInt(3) }},
		{name: "hook target", msg: func(m *WithdrawOnBehalf) { m.HookTarget = &other }},
		{name: "no hook target", msg: func(m *WithdrawOnBehalf) { m.HookTarget = nil }},
		{name: "hook payload", msg: func(m *WithdrawOnBehalf) { m.HookPayload = []byte{0xde, 0xad, 0xbe, 0xee} }},
		{name: "no hook payload", msg: func(m *WithdrawOnBehalf) { m.HookPayload = nil }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := testDomain
			m := testMessage()
			if tc.domain != nil {
				tc.domain(&d)
			}
			if tc.msg != nil {
				tc.msg(&m)
			}
			if Digest(d, m) == base {
				t.Fatalf("digest unchanged after substituting %s", tc.name)
			}
		})
	}
}

func TestDigest_NilAndEmptyPayloadAgree(t *testing.T) {
	t.Parallel()

	a := testMessage()
	a.HookPayload = nil
	b := testMessage()
	b.HookPayload = []byte{}

	if Digest(testDomain, a) != Digest(testDomain, b) {
		t.Fatalf("nil and empty payload produced different digests")
	}
}

func TestDigest_NilFeeEncodesAsZero(t *testing.T) {
	t.Parallel()

	a := testMessage()
	a.RelayerFee = nil
	b := testMessage()
	b.RelayerFee = new(uint256.Int)

	if Digest(testDomain, a) != Digest(testDomain, b) {
		t.Fatalf("nil and zero fee produced different digests")
	}
}

func TestDigestFor_RejectsUnsignedKinds(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{KindNone, KindDirect} {
		if _, err := DigestFor(k, testDomain, testMessage()); !errors.Is(err, ErrUnsignedKind) {
			t.Fatalf("%s: expected ErrUnsignedKind, got %v", k, err)
		}
	}

	got, err := DigestFor(KindWithdrawOnBehalf, testDomain, testMessage())
	if err != nil {
		t.Fatalf("DigestFor: %v", err)
	}
	if got != Digest(testDomain, testMessage()) {
		t.Fatalf("DigestFor mismatch")
	}
}
