package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/stealthpay/spayment/internal/deposit"
	"github.com/stealthpay/spayment/internal/hook"
	"github.com/stealthpay/spayment/internal/ledger"
	"github.com/stealthpay/spayment/internal/receipts"
	"github.com/stealthpay/spayment/internal/withdrawal"
)

// errorCodes is checked in order; the first match wins. Hook failures come
// first because they wrap whatever the callee returned.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{hook.ErrHookInvocationFailed, http.StatusBadGateway, "hook_invocation_failed"},
	{withdrawal.ErrUnauthorizedRelayer, http.StatusForbidden, "unauthorized_relayer"},
	{withdrawal.ErrInvalidSignature, http.StatusForbidden, "invalid_signature"},
	{deposit.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{withdrawal.ErrFeeExceedsBalance, http.StatusConflict, "fee_exceeds_balance"},
	{ledger.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{ledger.ErrArithmeticOverflow, http.StatusConflict, "arithmetic_overflow"},
	{ledger.ErrTransferFailed, http.StatusUnprocessableEntity, "transfer_failed"},
	{deposit.ErrTollMismatch, http.StatusBadRequest, "toll_mismatch"},
	{deposit.ErrInvalidDeposit, http.StatusBadRequest, "invalid_deposit"},
	{withdrawal.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{ledger.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{receipts.ErrNotFound, http.StatusNotFound, "not_found"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
	{context.Canceled, http.StatusRequestTimeout, "canceled"},
}

// statusFor maps err to an HTTP status and a stable error code without
// exposing the error text.
func statusFor(err error) (int, string) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}
