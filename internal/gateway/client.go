package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/payledger/internal/errs"
	"github.com/and161185/payledger/internal/metrics"
	"github.com/and161185/payledger/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxErrorBody = 512

// Client talks to a PayPal-shaped REST API. It holds no per-order state and is safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	retries      int
	backoff      time.Duration
	logger       *zap.SugaredLogger
	newRequestID func() string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) { client.httpClient = c }
}

func WithBackoff(d time.Duration) Option {
	return func(client *Client) { client.backoff = d }
}

func WithRequestIDs(fn func() string) Option {
	return func(client *Client) { client.newRequestID = fn }
}

func NewClient(baseURL string, timeout time.Duration, retries int, logger *zap.SugaredLogger, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		retries:      retries,
		backoff:      200 * time.Millisecond,
		logger:       logger,
		newRequestID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorize exchanges a client id/secret pair for a bearer token.
func (c *Client) Authorize(ctx context.Context, creds model.ClientCredentials) (string, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return "", fmt.Errorf("%w: missing client credentials", errs.ErrAuth)
	}

	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     c.baseURL + tokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := cfg.Token(ctx)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("token", "error").Inc()
		return "", fmt.Errorf("%w: %w", errs.ErrAuth, err)
	}
	metrics.GatewayRequestsTotal.WithLabelValues("token", "200").Inc()

	return token.AccessToken, nil
}

// CreateAndCapture creates an order and captures it. One request id covers both calls
// and every transport retry, so the processor can deduplicate them.
func (c *Client) CreateAndCapture(ctx context.Context, units []model.PurchaseUnit, instrument model.Card, creds model.ClientCredentials) (model.CaptureResult, error) {
	token, err := c.Authorize(ctx, creds)
	if err != nil {
		return model.CaptureResult{}, err
	}

	requestID := c.newRequestID()
	log := c.logger.With("request_id", requestID)

	order := createOrderRequest{
		Intent:        "CAPTURE",
		PurchaseUnits: toWireUnits(units),
		PaymentSource: paymentSource{Card: toWireCard(instrument)},
	}

	var created createOrderResponse
	if err := c.do(ctx, "create_order", http.MethodPost, ordersPath, token, requestID, order, &created); err != nil {
		return model.CaptureResult{}, fmt.Errorf("%w: %w", errs.ErrOrderCreation, err)
	}
	if created.ID == "" {
		return model.CaptureResult{}, fmt.Errorf("%w: processor returned no order id", errs.ErrOrderCreation)
	}
	log.Infow("payment order created", "order_id", created.ID, "status", created.Status)

	var captured captureResponse
	capturePath := ordersPath + "/" + created.ID + "/capture"
	if err := c.do(ctx, "capture_order", http.MethodPost, capturePath, token, requestID, struct{}{}, &captured); err != nil {
		return model.CaptureResult{}, fmt.Errorf("%w: order %s: %w", errs.ErrCapture, created.ID, err)
	}
	if captured.Status != statusCompleted {
		return model.CaptureResult{}, fmt.Errorf("%w: order %s status %q", errs.ErrCapture, created.ID, captured.Status)
	}

	result := model.CaptureResult{
		OrderID: created.ID,
		Status:  captured.Status,
		Amount:  capturedAmount(captured, units),
	}
	log.Infow("payment captured", "order_id", result.OrderID, "amount", model.FormatMoney(result.Amount))

	return result, nil
}

func capturedAmount(resp captureResponse, units []model.PurchaseUnit) decimal.Decimal {
	total := decimal.Zero
	seen := false
	for _, pu := range resp.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			v, err := decimal.NewFromString(c.Amount.Value)
			if err != nil {
				continue
			}
			total = total.Add(v)
			seen = true
		}
	}
	if seen {
		return total
	}
	for _, u := range units {
		total = total.Add(u.Amount.Value)
	}
	return total
}

// GetBalance returns the processor-side balances of the account behind creds.
func (c *Client) GetBalance(ctx context.Context, creds model.ClientCredentials) (model.ProcessorBalance, error) {
	token, err := c.Authorize(ctx, creds)
	if err != nil {
		return model.ProcessorBalance{}, err
	}

	var balance model.ProcessorBalance
	if err := c.do(ctx, "balances", http.MethodGet, balancesPath, token, "", nil, &balance); err != nil {
		return model.ProcessorBalance{}, fmt.Errorf("get balances: %w", err)
	}

	return balance, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d: %s", e.code, e.body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func (c *Client) do(ctx context.Context, operation, method, path, token, requestID string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.Warnw("retrying processor call", "operation", operation, "attempt", attempt, "error", lastErr)
		}

		wait, err := c.send(ctx, operation, method, path, token, requestID, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && !retryable(se.code) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == c.retries {
			break
		}

		if wait <= 0 {
			wait = c.backoff * time.Duration(attempt+1)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
		case <-time.After(wait):
		}
	}

	return lastErr
}

// send performs one attempt. The returned duration is a server-requested delay (Retry-After).
func (c *Client) send(ctx context.Context, operation, method, path, token, requestID string, payload []byte, out any) (time.Duration, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set(requestIDHeader, requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(operation, "error").Inc()
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	metrics.GatewayRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var wait time.Duration
		if retry := resp.Header.Get("Retry-After"); retry != "" {
			if sec, err := strconv.Atoi(retry); err == nil {
				wait = time.Duration(sec) * time.Second
			}
		}
		return wait, &statusError{code: resp.StatusCode, body: "too many requests"}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, &statusError{code: resp.StatusCode, body: string(snippet)}
	}

	if out == nil {
		return 0, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}

	return 0, nil
}
