package hook

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Event is the JSON form of a Record delivered to out-of-process hooks.
type Event struct {
	Version         string `json:"version"`
	Target          string `json:"target"`
	Amount          string `json:"amount"`
	StealthIdentity string `json:"stealth_identity"`
	Acceptor        string `json:"acceptor"`
	Asset           string `json:"asset"`
	Relayer         string `json:"relayer"`
	RelayerFee      string `json:"relayer_fee"`
	Payload         string `json:"payload,omitempty"`
	Calldata        string `json:"calldata"`
}

const eventVersion = "hook.v1"

// NewEvent builds the wire form of rec for target, including the ABI calldata.
func NewEvent(target common.Address, rec Record) (Event, error) {
	calldata, err := EncodeOnWithdrawCalldata(rec)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		Version:         eventVersion,
		Target:          target.Hex(),
		Amount:          decimal(rec.Amount),
		StealthIdentity: rec.StealthIdentity.Hex(),
		Acceptor:        rec.Acceptor.Hex(),
		Asset:           rec.Asset.Hex(),
		Relayer:         rec.Relayer.Hex(),
		RelayerFee:      decimal(rec.RelayerFee),
		Calldata:        hexutil.Encode(calldata),
	}
	if len(rec.Payload) > 0 {
		ev.Payload = hexutil.Encode(rec.Payload)
	}
	return ev, nil
}

// record parses the event back into a call record.
func (ev Event) record() (Record, error) {
	if ev.Version != eventVersion {
		return Record{}, fmt.Errorf("hook: unsupported event version %q", ev.Version)
	}
	amount, err := uint256.FromDecimal(ev.Amount)
	if err != nil {
		return Record{}, fmt.Errorf("hook: parse amount: %w", err)
	}
	fee, err := uint256.FromDecimal(ev.RelayerFee)
	if err != nil {
		return Record{}, fmt.Errorf("hook: parse relayer fee: %w", err)
	}
	var payload []byte
	if ev.Payload != "" {
		payload, err = hexutil.Decode(ev.Payload)
		if err != nil {
			return Record{}, fmt.Errorf("hook: parse payload: %w", err)
		}
	}
	for _, a := range []string{ev.StealthIdentity, ev.Acceptor, ev.Asset, ev.Relayer} {
		if !common.IsHexAddress(a) {
			return Record{}, fmt.Errorf("hook: invalid address %q", a)
		}
	}
	return Record{
		Amount:          amount,
		StealthIdentity: common.HexToAddress(ev.StealthIdentity),
		Acceptor:        common.HexToAddress(ev.Acceptor),
		Asset:           common.HexToAddress(ev.Asset),
		Relayer:         common.HexToAddress(ev.Relayer),
		RelayerFee:      fee,
		Payload:         NormalizePayload(payload),
	}, nil
}

func marshalEvent(target common.Address, rec Record) ([]byte, error) {
	ev, err := NewEvent(target, rec)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("hook: marshal event: %w", err)
	}
	return b, nil
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
