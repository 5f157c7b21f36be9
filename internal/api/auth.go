package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenBinding maps one bearer token to the account it acts as. The bound
// address is the caller every mutating endpoint authorizes against.
type TokenBinding struct {
	Token  string
	Caller common.Address
}

// ParseTokenBindings parses "token=0xaddr" pairs separated by commas or
// newlines.
func ParseTokenBindings(raw string) ([]TokenBinding, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' || r == '\r' })
	out := make([]TokenBinding, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		token, addr, ok := strings.Cut(f, "=")
		token, addr = strings.TrimSpace(token), strings.TrimSpace(addr)
		if !ok || token == "" {
			return nil, fmt.Errorf("%w: malformed token binding", ErrInvalidConfig)
		}
		if !common.IsHexAddress(addr) || common.HexToAddress(addr) == (common.Address{}) {
			return nil, fmt.Errorf("%w: token binding has invalid address %q", ErrInvalidConfig, addr)
		}
		if _, dup := seen[token]; dup {
			return nil, fmt.Errorf("%w: duplicate token binding", ErrInvalidConfig)
		}
		seen[token] = struct{}{}
		out = append(out, TokenBinding{Token: token, Caller: common.HexToAddress(addr)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no token bindings", ErrInvalidConfig)
	}
	return out, nil
}

type authenticator struct {
	bindings []TokenBinding
}

// caller resolves the bearer token on r. Every binding is compared so lookup
// time does not depend on which token matched.
func (a authenticator) caller(r *http.Request) (common.Address, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return common.Address{}, false
	}
	got := []byte(strings.TrimSpace(strings.TrimPrefix(header, prefix)))
	if len(got) == 0 {
		return common.Address{}, false
	}

	var (
		found  common.Address
		wasHit bool
	)
	for _, b := range a.bindings {
		if subtle.ConstantTimeCompare(got, []byte(b.Token)) == 1 {
			found, wasHit = b.Caller, true
		}
	}
	return found, wasHit
}
