package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/stealthpay/spayment/internal/authmsg"
	"github.com/stealthpay/spayment/internal/eth"
	"github.com/stealthpay/spayment/internal/ledger"
)

type authorization struct {
	StealthIdentity string `json:"stealthIdentity"`
	Acceptor        string `json:"acceptor"`
	Asset           string `json:"asset"`
	Relayer         string `json:"relayer"`
	RelayerFee      string `json:"relayerFee"`
	HookTarget      string `json:"hookTarget,omitempty"`
	HookPayload     string `json:"hookPayload,omitempty"`
	Digest          string `json:"digest"`
	Signature       string `json:"signature"`
}

type output struct {
	Version        string          `json:"version"`
	ChainID        uint64          `json:"chainId"`
	LedgerContract string          `json:"ledgerContract"`
	Authorizations []authorization `json:"authorizations"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("meta-sign", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	chainID := fs.Uint64("chain-id", 0, "chain id of the signing domain (required)")
	ledgerContract := fs.String("ledger-contract", "", "ledger contract address of the signing domain (required)")
	keysHex := fs.String("stealth-keys-hex", "", "comma-separated stealth private keys; one authorization per key")
	keysFile := fs.String("stealth-keys-file", "", "file with comma or newline separated stealth private keys")
	acceptor := fs.String("acceptor", "", "destination of the withdrawn funds (required)")
	asset := fs.String("asset", ledger.NativeAsset.Hex(), "asset address; defaults to the native asset")
	relayer := fs.String("relayer", "", "relayer allowed to redeem the authorization (required)")
	relayerFee := fs.String("relayer-fee", "0", "relayer fee in base units")
	hookTarget := fs.String("hook-target", "", "optional post-withdrawal hook target")
	hookPayload := fs.String("hook-payload", "", "optional 0x-prefixed hook payload")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chainID == 0 {
		return errors.New("--chain-id is required")
	}
	if strings.TrimSpace(*keysHex) != "" && strings.TrimSpace(*keysFile) != "" {
		return errors.New("use only one of --stealth-keys-hex or --stealth-keys-file")
	}

	domain := authmsg.Domain{ChainID: *chainID}
	var err error
	if domain.LedgerContract, err = requireAddress("ledger-contract", *ledgerContract); err != nil {
		return err
	}

	var msg authmsg.WithdrawOnBehalf
	if msg.Acceptor, err = requireAddress("acceptor", *acceptor); err != nil {
		return err
	}
	if msg.Asset, err = requireAddress("asset", *asset); err != nil {
		return err
	}
	if msg.Relayer, err = requireAddress("relayer", *relayer); err != nil {
		return err
	}
	if msg.Relayer == (common.Address{}) {
		return errors.New("--relayer must be non-zero")
	}
	if msg.RelayerFee, err = uint256.FromDecimal(strings.TrimSpace(*relayerFee)); err != nil {
		return fmt.Errorf("--relayer-fee: %w", err)
	}
	if v := strings.TrimSpace(*hookTarget); v != "" {
		target, err := requireAddress("hook-target", v)
		if err != nil {
			return err
		}
		if target != (common.Address{}) {
			msg.HookTarget = &target
		}
	}
	if v := strings.TrimSpace(*hookPayload); v != "" {
		if msg.HookPayload, err = hexutil.Decode(v); err != nil {
			return fmt.Errorf("--hook-payload: %w", err)
		}
	}

	rawKeys := *keysHex
	if path := strings.TrimSpace(*keysFile); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read --stealth-keys-file: %w", err)
		}
		rawKeys = strings.ReplaceAll(string(b), "\n", ",")
	}
	if strings.TrimSpace(rawKeys) == "" {
		return errors.New("--stealth-keys-hex or --stealth-keys-file is required")
	}
	keys, err := eth.ParsePrivateKeysHexList(rawKeys)
	if err != nil {
		return err
	}

	digest, err := authmsg.DigestFor(authmsg.KindWithdrawOnBehalf, domain, msg)
	if err != nil {
		return err
	}
	out := output{
		Version:        "spayment.metasign.v1",
		ChainID:        domain.ChainID,
		LedgerContract: domain.LedgerContract.Hex(),
		Authorizations: make([]authorization, 0, len(keys)),
	}
	for _, key := range keys {
		signer := eth.NewLocalSigner(key)
		sig, err := signer.SignDigest(digest)
		if err != nil {
			return err
		}
		a := authorization{
			StealthIdentity: signer.Address().Hex(),
			Acceptor:        msg.Acceptor.Hex(),
			Asset:           msg.Asset.Hex(),
			Relayer:         msg.Relayer.Hex(),
			RelayerFee:      msg.RelayerFee.Dec(),
			Digest:          digest.Hex(),
			Signature:       hexutil.Encode(sig),
		}
		if msg.HookTarget != nil {
			a.HookTarget = msg.HookTarget.Hex()
		}
		if len(msg.HookPayload) > 0 {
			a.HookPayload = hexutil.Encode(msg.HookPayload)
		}
		out.Authorizations = append(out.Authorizations, a)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func requireAddress(flagName, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, fmt.Errorf("--%s is required", flagName)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("--%s must be a valid hex address", flagName)
	}
	return common.HexToAddress(raw), nil
}
