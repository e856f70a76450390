// Package gateway holds PaymentGateway adapters: a JSON-over-HTTP client for
// a real payment rail and an in-process sandbox.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// HTTPConfig configures an HTTP gateway
type HTTPConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPGateway talks to a payment provider over JSON:
//
//	POST {base}/payments  -> {"status": "accepted"|"rejected", "reference", "message"}
//	GET  {base}/balance   -> {"available": "123.45"}
//
// A 4xx or "rejected" answer is a definite rejection. Transport errors and
// 5xx answers leave the outcome unknown and surface as errors.
type HTTPGateway struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

var _ port.PaymentGateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates an HTTP gateway client
func NewHTTPGateway(cfg HTTPConfig, logger *zap.Logger) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway %s: base_url is required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &HTTPGateway{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

// Name returns the configured gateway name
func (g *HTTPGateway) Name() string {
	return g.cfg.Name
}

type paymentRequest struct {
	PayeeID        string `json:"payee_id"`
	Method         string `json:"method"`
	Account        string `json:"account"`
	BankName       string `json:"bank_name,omitempty"`
	Amount         string `json:"amount"`
	Memo           string `json:"memo"`
	IdempotencyKey string `json:"idempotency_key"`
}

type paymentResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

type balanceResponse struct {
	Available decimal.Decimal `json:"available"`
}

// Dispatch sends one payment
func (g *HTTPGateway) Dispatch(ctx context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
	body, err := json.Marshal(paymentRequest{
		PayeeID:        req.PayeeID,
		Method:         string(req.Method),
		Account:        req.Account,
		BankName:       req.BankName,
		Amount:         req.Amount.StringFixed(2),
		Memo:           req.Memo,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	g.authorize(httpReq)

	status, raw, err := g.do(httpReq)
	if err != nil {
		g.logger.Warn("Payment dispatch failed",
			zap.String("gateway", g.cfg.Name),
			zap.String("payee_id", req.PayeeID),
			zap.Error(err))
		return nil, err
	}

	if status >= 500 {
		return nil, fmt.Errorf("gateway %s returned %d: %s", g.cfg.Name, status, truncate(raw, 200))
	}

	var resp paymentResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil && status < 300 {
			return nil, fmt.Errorf("failed to parse gateway response: %w", err)
		}
	}

	result := &port.PaymentResult{
		Success:           status < 300 && strings.EqualFold(resp.Status, "accepted"),
		ProviderReference: resp.Reference,
		RawResponse:       string(raw),
	}

	g.logger.Info("Payment dispatched",
		zap.String("gateway", g.cfg.Name),
		zap.String("payee_id", req.PayeeID),
		zap.Int("http_status", status),
		zap.Bool("success", result.Success),
		zap.String("reference", resp.Reference))

	return result, nil
}

// CheckBalance returns the available float on the provider account
func (g *HTTPGateway) CheckBalance(ctx context.Context) (decimal.Decimal, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/balance", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	g.authorize(httpReq)

	status, raw, err := g.do(httpReq)
	if err != nil {
		return decimal.Zero, err
	}
	if status != http.StatusOK {
		return decimal.Zero, fmt.Errorf("gateway %s balance returned %d: %s", g.cfg.Name, status, truncate(raw, 200))
	}

	var resp balanceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance response: %w", err)
	}
	return resp.Available, nil
}

func (g *HTTPGateway) authorize(req *http.Request) {
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
}

func (g *HTTPGateway) do(req *http.Request) (int, []byte, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway %s request failed: %w", g.cfg.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
