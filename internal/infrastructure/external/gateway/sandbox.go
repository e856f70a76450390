package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
)

// Sandbox is an in-process gateway with a float balance. It accepts every
// payment it can cover, rejects accounts on its reject list and replays the
// earlier answer for a repeated idempotency key.
type Sandbox struct {
	name   string
	logger *zap.Logger

	mu      sync.Mutex
	balance decimal.Decimal
	reject  map[string]bool
	seen    map[string]*port.PaymentResult
}

var _ port.PaymentGateway = (*Sandbox)(nil)

// NewSandbox creates a sandbox gateway holding balance
func NewSandbox(name string, balance decimal.Decimal, logger *zap.Logger) *Sandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{
		name:    name,
		logger:  logger,
		balance: balance,
		reject:  make(map[string]bool),
		seen:    make(map[string]*port.PaymentResult),
	}
}

// Name returns the gateway name
func (s *Sandbox) Name() string {
	return s.name
}

// RejectAccount makes every payment to account fail
func (s *Sandbox) RejectAccount(account string) {
	s.mu.Lock()
	s.reject[account] = true
	s.mu.Unlock()
}

// Dispatch settles the payment against the sandbox balance
func (s *Sandbox) Dispatch(ctx context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.seen[req.IdempotencyKey]; ok && prev.Success {
		c := *prev
		return &c, nil
	}

	var result *port.PaymentResult
	switch {
	case s.reject[req.Account]:
		result = &port.PaymentResult{RawResponse: `{"status":"rejected","message":"account blocked"}`}
	case req.Amount.GreaterThan(s.balance):
		result = &port.PaymentResult{RawResponse: `{"status":"rejected","message":"insufficient float"}`}
	default:
		s.balance = s.balance.Sub(req.Amount)
		ref := fmt.Sprintf("SBX-%s", uuid.NewString()[:8])
		result = &port.PaymentResult{
			Success:           true,
			ProviderReference: ref,
			RawResponse:       fmt.Sprintf(`{"status":"accepted","reference":%q}`, ref),
		}
	}
	s.seen[req.IdempotencyKey] = result

	s.logger.Debug("Sandbox payment",
		zap.String("gateway", s.name),
		zap.String("payee_id", req.PayeeID),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.Bool("success", result.Success))

	c := *result
	return &c, nil
}

// CheckBalance returns the remaining sandbox balance
func (s *Sandbox) CheckBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}
