package hook

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/holiman/uint256"
)

const onWithdrawABIJSON = `[
  {
    "type": "function",
    "name": "onWithdraw",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "amount", "type": "uint256"},
      {"name": "stealthAddr", "type": "address"},
      {"name": "acceptor", "type": "address"},
      {"name": "asset", "type": "address"},
      {"name": "relayer", "type": "address"},
      {"name": "relayerFee", "type": "uint256"},
      {"name": "data", "type": "bytes"}
    ],
    "outputs": []
  }
]`

var (
	initOnce sync.Once
	initErr  error

	hookABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		hookABI, err = abi.JSON(strings.NewReader(onWithdrawABIJSON))
		if err != nil {
			initErr = fmt.Errorf("hook: parse onWithdraw ABI: %w", err)
		}
	})
	return initErr
}

// EncodeOnWithdrawCalldata packs rec as onWithdraw(uint256,address,address,address,address,uint256,bytes).
func EncodeOnWithdrawCalldata(rec Record) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	b, err := hookABI.Pack("onWithdraw",
		toBig(rec.Amount),
		rec.StealthIdentity,
		rec.Acceptor,
		rec.Asset,
		rec.Relayer,
		toBig(rec.RelayerFee),
		payload,
	)
	if err != nil {
		return nil, fmt.Errorf("hook: pack onWithdraw: %w", err)
	}
	return b, nil
}

// onWithdrawSelector is the 4-byte selector of onWithdraw.
func onWithdrawSelector() ([4]byte, error) {
	var out [4]byte
	if err := initABI(); err != nil {
		return out, err
	}
	copy(out[:], hookABI.Methods["onWithdraw"].ID)
	return out, nil
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
