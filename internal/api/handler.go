package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stealthpay/spayment/internal/authmsg"
	"github.com/stealthpay/spayment/internal/deposit"
	"github.com/stealthpay/spayment/internal/ledger"
	"github.com/stealthpay/spayment/internal/receipts"
	"github.com/stealthpay/spayment/internal/withdrawal"
)

var ErrInvalidConfig = errors.New("api: invalid config")

const (
	defaultTransferLimit = 50
	maxTransferLimit     = 500
)

type Ledger interface {
	Balance(ctx context.Context, identity, asset common.Address) (*uint256.Int, error)
	ListTransfers(ctx context.Context, to common.Address, limit int) ([]ledger.Transfer, error)
	Received(ctx context.Context, to, asset common.Address) (*uint256.Int, error)
}

type Withdrawals interface {
	Domain() authmsg.Domain
	Digest(req withdrawal.OnBehalfRequest) (common.Hash, error)
	WithdrawDirect(ctx context.Context, caller common.Address, req withdrawal.DirectRequest) (withdrawal.Result, error)
	WithdrawOnBehalf(ctx context.Context, caller common.Address, req withdrawal.OnBehalfRequest) (withdrawal.Result, error)
}

type Deposits interface {
	Toll() *uint256.Int
	TollCollector() common.Address
	Send(ctx context.Context, req deposit.SendRequest) (deposit.Receipt, error)
	CollectTolls(ctx context.Context, caller common.Address) (*uint256.Int, error)
}

// ReceiptArchive stores committed withdrawals. Optional.
type ReceiptArchive interface {
	Put(ctx context.Context, res withdrawal.Result) (string, error)
	Get(ctx context.Context, id uuid.UUID) (receipts.Document, error)
}

type Config struct {
	Tokens []TokenBinding

	// Depositors may credit stealth identities through POST /v1/deposits.
	// Empty disables the route for every caller.
	Depositors []common.Address

	// MaxBodyBytes limits request sizes. Defaults to 1 MiB.
	MaxBodyBytes int64

	// RequestTimeout bounds each mutating call, hooks included. Defaults to 30s.
	RequestTimeout time.Duration

	RateLimitPerSecond float64
	RateLimitBurst     int
	RateLimitMaxKeys   int
	TrustProxy         bool

	Log *slog.Logger
	Now func() time.Time
}

type Services struct {
	Ledger      Ledger
	Withdrawals Withdrawals
	Deposits    Deposits
	Receipts    ReceiptArchive
}

func NewHandler(cfg Config, svc Services) (http.Handler, error) {
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("%w: no token bindings", ErrInvalidConfig)
	}
	for _, b := range cfg.Tokens {
		if b.Caller == deposit.TollAccount {
			return nil, fmt.Errorf("%w: token bound to the toll account", ErrInvalidConfig)
		}
	}
	depositors := make(map[common.Address]struct{}, len(cfg.Depositors))
	for _, a := range cfg.Depositors {
		if a == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero depositor", ErrInvalidConfig)
		}
		depositors[a] = struct{}{}
	}
	if svc.Ledger == nil || svc.Withdrawals == nil || svc.Deposits == nil {
		return nil, fmt.Errorf("%w: nil services", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxKeys <= 0 {
		cfg.RateLimitMaxKeys = 10_000
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:        cfg,
		svc:        svc,
		auth:       authenticator{bindings: append([]TokenBinding(nil), cfg.Tokens...)},
		depositors: depositors,
		limiter:    newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.RateLimitMaxKeys),
		log:        cfg.Log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("GET /v1/balances/{identity}/{asset}", h.handleBalance)
	mux.HandleFunc("GET /v1/transfers/{address}", h.handleTransfers)
	mux.HandleFunc("POST /v1/deposits", h.authed(h.handleDeposit))
	mux.HandleFunc("POST /v1/withdrawals/direct", h.authed(h.handleWithdrawDirect))
	mux.HandleFunc("POST /v1/withdrawals/on-behalf", h.authed(h.handleWithdrawOnBehalf))
	mux.HandleFunc("POST /v1/withdrawals/on-behalf/digest", h.handleOnBehalfDigest)
	mux.HandleFunc("GET /v1/withdrawals/{receiptId}", h.handleReceipt)
	mux.HandleFunc("POST /v1/tolls/collect", h.authed(h.handleCollectTolls))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !h.limiter.Allow(clientKey(r, h.cfg.TrustProxy), h.cfg.Now().UTC()) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody("rate_limited"))
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg        Config
	svc        Services
	auth       authenticator
	depositors map[common.Address]struct{}
	limiter    *rateLimiter
	log        *slog.Logger
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller common.Address)

func (h *handler) authed(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := h.auth.caller(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
		defer cancel()
		next(w, r.WithContext(ctx), caller)
	}
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	d := h.svc.Withdrawals.Domain()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        "v1",
		"chainId":        strconv.FormatUint(d.ChainID, 10),
		"ledgerContract": d.LedgerContract.Hex(),
		"eip712Name":     authmsg.EIP712DomainName,
		"eip712Version":  authmsg.EIP712DomainVersion,
		"nativeAsset":    ledger.NativeAsset.Hex(),
		"toll":           h.svc.Deposits.Toll().Dec(),
		"tollCollector":  h.svc.Deposits.TollCollector().Hex(),
		"tollAccount":    deposit.TollAccount.Hex(),
	})
}

func (h *handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	identity, ok := parseAddress(r.PathValue("identity"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_identity"))
		return
	}
	asset, ok := parseAddress(r.PathValue("asset"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_asset"))
		return
	}
	bal, err := h.svc.Ledger.Balance(r.Context(), identity, asset)
	if err != nil {
		h.writeError(w, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"identity": identity.Hex(),
		"asset":    asset.Hex(),
		"balance":  bal.Dec(),
	})
}

type transferView struct {
	ID        string    `json:"id"`
	Asset     string    `json:"asset"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *handler) handleTransfers(w http.ResponseWriter, r *http.Request) {
	to, ok := parseAddress(r.PathValue("address"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_address"))
		return
	}
	limit := defaultTransferLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxTransferLimit {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid_limit"))
			return
		}
		limit = n
	}

	transfers, err := h.svc.Ledger.ListTransfers(r.Context(), to, limit)
	if err != nil {
		h.writeError(w, "list transfers", err)
		return
	}
	views := make([]transferView, 0, len(transfers))
	for _, t := range transfers {
		views = append(views, transferView{
			ID:        t.ID.String(),
			Asset:     t.Asset.Hex(),
			From:      t.From.Hex(),
			To:        t.To.Hex(),
			Amount:    t.Amount.Dec(),
			CreatedAt: t.CreatedAt.UTC(),
		})
	}
	resp := map[string]any{
		"version":   "v1",
		"address":   to.Hex(),
		"transfers": views,
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("asset")); raw != "" {
		asset, ok := parseAddress(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid_asset"))
			return
		}
		total, err := h.svc.Ledger.Received(r.Context(), to, asset)
		if err != nil {
			h.writeError(w, "received", err)
			return
		}
		resp["asset"] = asset.Hex()
		resp["received"] = total.Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

type depositRequestBody struct {
	DepositID  string `json:"depositId,omitempty"`
	Receiver   string `json:"receiver"`
	Asset      string `json:"asset,omitempty"`
	Amount     string `json:"amount"`
	TollPaid   string `json:"tollPaid,omitempty"`
	PKx        string `json:"pkx,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
}

// handleDeposit credits a stealth identity from an off-ledger payment. No
// ledger balance funds it, so only configured depositors may call it.
func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request, caller common.Address) {
	if _, ok := h.depositors[caller]; !ok {
		h.log.Info("deposit rejected", "code", "unauthorized", "caller", caller.Hex())
		writeJSON(w, http.StatusForbidden, errorBody("unauthorized"))
		return
	}
	body, ok := decodeJSONBody[depositRequestBody](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}

	req := deposit.SendRequest{Asset: ledger.NativeAsset}
	var fieldErr string
	switch {
	case !parseOptionalHash(body.DepositID, &req.DepositID):
		fieldErr = "invalid_deposit_id"
	case !parseAddressInto(body.Receiver, &req.Receiver):
		fieldErr = "invalid_receiver"
	case body.Asset != "" && !parseAddressInto(body.Asset, &req.Asset):
		fieldErr = "invalid_asset"
	case !parseAmountInto(body.Amount, &req.Amount):
		fieldErr = "invalid_amount"
	case body.TollPaid != "" && !parseAmountInto(body.TollPaid, &req.TollPaid):
		fieldErr = "invalid_toll_paid"
	case !parseOptionalHash(body.PKx, &req.PKx):
		fieldErr = "invalid_pkx"
	case !parseOptionalHash(body.Ciphertext, &req.Ciphertext):
		fieldErr = "invalid_ciphertext"
	}
	if fieldErr != "" {
		writeJSON(w, http.StatusBadRequest, errorBody(fieldErr))
		return
	}

	rcpt, err := h.svc.Deposits.Send(r.Context(), req)
	if err != nil {
		h.writeError(w, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"depositId":    rcpt.DepositID.Hex(),
		"receiver":     rcpt.Receiver.Hex(),
		"asset":        rcpt.Asset.Hex(),
		"credited":     rcpt.Credited.Dec(),
		"toll":         rcpt.Toll.Dec(),
		"duplicate":    rcpt.Duplicate,
		"announcement": rcpt.Announcement,
	})
}

type directRequestBody struct {
	Acceptor    string `json:"acceptor"`
	Asset       string `json:"asset"`
	HookTarget  string `json:"hookTarget,omitempty"`
	HookPayload string `json:"hookPayload,omitempty"`
}

func (h *handler) handleWithdrawDirect(w http.ResponseWriter, r *http.Request, caller common.Address) {
	body, ok := decodeJSONBody[directRequestBody](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	var req withdrawal.DirectRequest
	var fieldErr string
	switch {
	case !parseAddressInto(body.Acceptor, &req.Acceptor):
		fieldErr = "invalid_acceptor"
	case !parseAddressInto(body.Asset, &req.Asset):
		fieldErr = "invalid_asset"
	case !parseHookTarget(body.HookTarget, &req.HookTarget):
		fieldErr = "invalid_hook_target"
	case !parseHexBytes(body.HookPayload, &req.HookPayload):
		fieldErr = "invalid_hook_payload"
	}
	if fieldErr != "" {
		writeJSON(w, http.StatusBadRequest, errorBody(fieldErr))
		return
	}

	res, err := h.svc.Withdrawals.WithdrawDirect(r.Context(), caller, req)
	if err != nil {
		h.writeError(w, "direct withdrawal", err)
		return
	}
	h.writeResult(w, r, res)
}

type onBehalfRequestBody struct {
	StealthIdentity string `json:"stealthIdentity"`
	Acceptor        string `json:"acceptor"`
	Asset           string `json:"asset"`
	Relayer         string `json:"relayer"`
	RelayerFee      string `json:"relayerFee"`
	HookTarget      string `json:"hookTarget,omitempty"`
	HookPayload     string `json:"hookPayload,omitempty"`
	Signature       string `json:"signature,omitempty"`
}

func (b onBehalfRequestBody) parse() (withdrawal.OnBehalfRequest, string) {
	var req withdrawal.OnBehalfRequest
	switch {
	case !parseAddressInto(b.StealthIdentity, &req.StealthIdentity):
		return req, "invalid_stealth_identity"
	case !parseAddressInto(b.Acceptor, &req.Acceptor):
		return req, "invalid_acceptor"
	case !parseAddressInto(b.Asset, &req.Asset):
		return req, "invalid_asset"
	case !parseAddressInto(b.Relayer, &req.Relayer):
		return req, "invalid_relayer"
	case !parseAmountInto(b.RelayerFee, &req.RelayerFee):
		return req, "invalid_relayer_fee"
	case !parseHookTarget(b.HookTarget, &req.HookTarget):
		return req, "invalid_hook_target"
	case !parseHexBytes(b.HookPayload, &req.HookPayload):
		return req, "invalid_hook_payload"
	case !parseHexBytes(b.Signature, &req.Signature):
		return req, "invalid_signature_hex"
	}
	return req, ""
}

func (h *handler) handleWithdrawOnBehalf(w http.ResponseWriter, r *http.Request, caller common.Address) {
	body, ok := decodeJSONBody[onBehalfRequestBody](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	req, fieldErr := body.parse()
	if fieldErr == "" && len(req.Signature) == 0 {
		fieldErr = "missing_signature"
	}
	if fieldErr != "" {
		writeJSON(w, http.StatusBadRequest, errorBody(fieldErr))
		return
	}

	res, err := h.svc.Withdrawals.WithdrawOnBehalf(r.Context(), caller, req)
	if err != nil {
		h.writeError(w, "withdrawal on behalf", err)
		return
	}
	h.writeResult(w, r, res)
}

// handleOnBehalfDigest returns the digest a stealth identity signs to authorize
// a relayer. It never touches the ledger.
func (h *handler) handleOnBehalfDigest(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[onBehalfRequestBody](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	req, fieldErr := body.parse()
	if fieldErr != "" {
		writeJSON(w, http.StatusBadRequest, errorBody(fieldErr))
		return
	}
	digest, err := h.svc.Withdrawals.Digest(req)
	if err != nil {
		h.writeError(w, "digest", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"kind":    authmsg.KindWithdrawOnBehalf.String(),
		"digest":  digest.Hex(),
	})
}

func (h *handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	if h.svc.Receipts == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("receipts_unavailable"))
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue("receiptId")))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_receipt_id"))
		return
	}
	doc, err := h.svc.Receipts.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, "get receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"receipt": doc,
	})
}

func (h *handler) handleCollectTolls(w http.ResponseWriter, r *http.Request, caller common.Address) {
	swept, err := h.svc.Deposits.CollectTolls(r.Context(), caller)
	if err != nil {
		h.writeError(w, "collect tolls", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"swept":   swept.Dec(),
	})
}

// writeResult answers a committed withdrawal. Archiving happens after commit;
// a failed archive is logged and reported but does not undo the withdrawal.
func (h *handler) writeResult(w http.ResponseWriter, r *http.Request, res withdrawal.Result) {
	resp := map[string]any{
		"version": "v1",
		"receipt": receipts.NewDocument(res),
	}
	if h.svc.Receipts != nil {
		key, err := h.svc.Receipts.Put(r.Context(), res)
		if err != nil {
			h.log.Warn("archive receipt", "receipt", res.ReceiptID.String(), "err", err)
			resp["archived"] = false
		} else {
			resp["archived"] = true
			resp["archiveKey"] = key
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) writeError(w http.ResponseWriter, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(op, "err", err)
	} else {
		h.log.Info(op+" rejected", "code", code, "err", err)
	}
	writeJSON(w, status, errorBody(code))
}

func errorBody(code string) map[string]any {
	return map[string]any{"version": "v1", "error": code}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request, maxBytes int64) (T, bool) {
	var out T
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_json"))
		return out, false
	}
	// Reject trailing garbage.
	if dec.More() {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_json"))
		return out, false
	}
	return out, true
}
