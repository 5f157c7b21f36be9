package api

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

func parseAddress(raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseAddressInto(raw string, dst *common.Address) bool {
	a, ok := parseAddress(raw)
	if ok {
		*dst = a
	}
	return ok
}

// parseHookTarget leaves dst nil for an empty string or the zero address.
func parseHookTarget(raw string, dst **common.Address) bool {
	if strings.TrimSpace(raw) == "" {
		return true
	}
	a, ok := parseAddress(raw)
	if !ok {
		return false
	}
	if a == (common.Address{}) {
		return true
	}
	*dst = &a
	return true
}

// parseAmountInto accepts a base-10 integer below 2^256.
func parseAmountInto(raw string, dst **uint256.Int) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return false
	}
	*dst = v
	return true
}

// parseOptionalHash accepts an empty string or exactly 32 0x-prefixed bytes.
func parseOptionalHash(raw string, dst *common.Hash) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return false
	}
	*dst = common.BytesToHash(b)
	return true
}

// parseHexBytes accepts an empty string or 0x-prefixed hex.
func parseHexBytes(raw string, dst *[]byte) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return false
	}
	*dst = b
	return true
}
