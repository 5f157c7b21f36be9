package eth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidPrivateKey = errors.New("eth: invalid private key")

// ParsePrivateKeyHex parses one secp256k1 private key (32 bytes hex, optional 0x prefix).
//
// The returned error is sanitized and must not include key material.
func ParsePrivateKeyHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPrivateKey)
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return key, nil
}

// ParsePrivateKeysHexList parses one or more secp256k1 private keys from a comma-separated hex string.
func ParsePrivateKeysHexList(s string) ([]*ecdsa.PrivateKey, error) {
	parts := strings.Split(s, ",")
	var out []*ecdsa.PrivateKey
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key, err := ParsePrivateKeyHex(p)
		if err != nil {
			return nil, fmt.Errorf("%w: index %d", ErrInvalidPrivateKey, i)
		}
		out = append(out, key)
	}
	if len(out) == 0 {
		return nil, ErrInvalidPrivateKey
	}
	return out, nil
}
