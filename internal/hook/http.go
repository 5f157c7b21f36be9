package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type HTTPOption func(*HTTPHook) error

func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(h *HTTPHook) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		h.hc = hc
		return nil
	}
}

func WithAuthToken(token string) HTTPOption {
	return func(h *HTTPHook) error {
		h.authToken = strings.TrimSpace(token)
		return nil
	}
}

// HTTPHook delivers the call record as a JSON Event to a webhook endpoint.
// Any non-2xx response fails the withdrawal.
type HTTPHook struct {
	target       common.Address
	endpoint     *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewHTTPHook(target common.Address, endpoint string, opts ...HTTPOption) (*HTTPHook, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("%w: missing endpoint", ErrInvalidConfig)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parse endpoint: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}

	h := &HTTPHook{
		target:       target,
		endpoint:     u,
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 64 << 10,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *HTTPHook) OnWithdraw(ctx context.Context, rec Record) error {
	b, err := marshalEvent(h.target, rec)
	if err != nil {
		return err
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint.String(), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("hook: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if h.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.hc.Do(r)
	if err != nil {
		return fmt.Errorf("hook: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxRespBytes))
	if err != nil {
		return fmt.Errorf("hook: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		} else {
			var er struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &er) == nil && er.Error != "" {
				msg = er.Error
			}
		}
		return fmt.Errorf("hook: status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
