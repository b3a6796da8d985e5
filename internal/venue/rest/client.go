// Package rest is an execution venue spoken over HTTP JSON. Orders carry an
// Idempotency-Key header so retried submissions never create a second order;
// fills and rejections arrive on the venue's websocket report channel.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/simplearb/internal/backoff"
	"github.com/alanyoungcy/simplearb/internal/crypto"
	"github.com/alanyoungcy/simplearb/internal/domain"
)

// Wallet authentication headers, sent when the venue is configured with a
// private key.
const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletTimestamp = "X-Wallet-Timestamp"
	HeaderWalletSignature = "X-Wallet-Signature"
)

type orderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Instrument    string          `json:"instrument"`
	Side          domain.Side     `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	Expiration    int64           `json:"expiration,omitempty"`
	Maker         string          `json:"maker,omitempty"`
	Signature     string          `json:"signature,omitempty"`
}

type orderResponse struct {
	OrderID    string    `json:"order_id"`
	AcceptedAt time.Time `json:"accepted_at"`
	Error      string    `json:"error"`
}

// Client implements domain.ExecutionVenue and domain.BalanceProvider.
type Client struct {
	name       string
	baseURL    string
	reportsURL string
	httpClient *http.Client
	hmacAuth   *crypto.HMACAuth
	signer     *crypto.Signer
	policy     backoff.Policy
	reports    chan domain.ExecutionReport
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHMAC signs every request with API credentials.
func WithHMAC(auth *crypto.HMACAuth) Option {
	return func(c *Client) { c.hmacAuth = auth }
}

// WithSigner signs orders and sessions with a wallet key.
func WithSigner(s *crypto.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithBackoff sets the report stream reconnect policy.
func WithBackoff(p backoff.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// New creates a client for the venue at baseURL. reportsURL is the websocket
// report channel; when empty no reports are consumed.
func New(name, baseURL, reportsURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		name:       name,
		baseURL:    baseURL,
		reportsURL: reportsURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		policy:     backoff.Default,
		reports:    make(chan domain.ExecutionReport, 256),
		logger:     logger.With(slog.String("component", "rest_venue"), slog.String("venue", name)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Venue returns the venue name.
func (c *Client) Venue() string { return c.name }

// Reports returns the asynchronous report channel fed by RunReports.
func (c *Client) Reports() <-chan domain.ExecutionReport { return c.reports }

// Submit posts intent. A 409 for an already-known key is treated as an
// acknowledgement of the original order.
func (c *Client) Submit(ctx context.Context, intent domain.OrderIntent) (domain.Ack, error) {
	req := orderRequest{
		ClientOrderID: intent.IdempotencyKey,
		Instrument:    intent.Instrument,
		Side:          intent.Side,
		Price:         intent.Price,
		Size:          intent.Size,
	}
	if !intent.Deadline.IsZero() {
		req.Expiration = intent.Deadline.Unix()
	}
	if c.signer != nil {
		side := 0
		if intent.Side == domain.SideSell {
			side = 1
		}
		req.Maker = c.signer.Address().Hex()
		sig, err := c.signer.SignOrder(crypto.OrderPayload{
			Maker:          req.Maker,
			IdempotencyKey: req.ClientOrderID,
			Instrument:     req.Instrument,
			Side:           side,
			Price:          req.Price,
			Size:           req.Size,
			Expiration:     req.Expiration,
		})
		if err != nil {
			return domain.Ack{}, fmt.Errorf("rest: sign order: %w: %w", domain.ErrSigningFailed, err)
		}
		req.Signature = sig
	}

	status, body, err := c.do(ctx, http.MethodPost, "/orders", req, intent.IdempotencyKey)
	if err != nil {
		return domain.Ack{}, fmt.Errorf("rest: submit %s: %w", intent.IdempotencyKey, err)
	}

	var resp orderResponse
	_ = json.Unmarshal(body, &resp)
	switch {
	case status == http.StatusConflict, status >= 200 && status < 300:
		if resp.OrderID == "" {
			return domain.Ack{}, fmt.Errorf("rest: submit %s: response without order id", intent.IdempotencyKey)
		}
		at := resp.AcceptedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		return domain.Ack{IdempotencyKey: intent.IdempotencyKey, VenueOrderID: resp.OrderID, AcceptedAt: at}, nil
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		reason := resp.Error
		if reason == "" {
			reason = string(body)
		}
		return domain.Ack{}, &domain.RejectedError{Venue: c.name, Reason: reason}
	default:
		return domain.Ack{}, fmt.Errorf("rest: submit %s: %w", intent.IdempotencyKey, statusError(status, body))
	}
}

// Cancel cancels the order for key. Orders the venue does not know are
// already gone and reported as success.
func (c *Client) Cancel(ctx context.Context, key string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(key), nil, "")
	if err != nil {
		return fmt.Errorf("rest: cancel %s: %w", key, err)
	}
	if status == http.StatusNotFound || (status >= 200 && status < 300) {
		return nil
	}
	return fmt.Errorf("rest: cancel %s: %w", key, statusError(status, body))
}

// Balance returns the venue's available collateral.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/balance", nil, "")
	if err != nil {
		return decimal.Zero, fmt.Errorf("rest: balance: %w", err)
	}
	if status < 200 || status >= 300 {
		return decimal.Zero, fmt.Errorf("rest: balance: %w", statusError(status, body))
	}
	var resp struct {
		Available decimal.Decimal `json:"available"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("rest: decode balance: %w", err)
	}
	return resp.Available, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string) (int, []byte, error) {
	var (
		reader  io.Reader
		payload []byte
	)
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	hdr, err := c.authHeaders(method, path, string(payload))
	if err != nil {
		return 0, nil, err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// authHeaders returns the HMAC and wallet headers for one request.
func (c *Client) authHeaders(method, path, body string) (http.Header, error) {
	h := make(http.Header)
	if c.hmacAuth != nil {
		for k, v := range c.hmacAuth.Headers(method, path, body) {
			h.Set(k, v)
		}
	}
	if c.signer != nil {
		ts := time.Now().Unix()
		sig, err := c.signer.SignAuth(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrSigningFailed, err)
		}
		h.Set(HeaderWalletAddress, c.signer.Address().Hex())
		h.Set(HeaderWalletTimestamp, strconv.FormatInt(ts, 10))
		h.Set(HeaderWalletSignature, sig)
	}
	return h, nil
}

// statusError maps non-2xx status codes to domain errors.
func statusError(status int, body []byte) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	default:
		return errors.New("HTTP " + strconv.Itoa(status) + ": " + string(body))
	}
}
