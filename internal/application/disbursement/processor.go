// Package disbursement pays out the line items of a payroll instance in
// processing through the configured payment gateways.
package disbursement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kingsway/backoffice-workflow/internal/application/dispatcher"
	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/application/process/payroll"
	"github.com/kingsway/backoffice-workflow/internal/application/workflow"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/domain/event"
	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// Config holds the processor settings
type Config struct {
	Workers         int
	RatePerSecond   float64
	Burst           int
	DispatchTimeout time.Duration
	Window          payroll.Window
	SystemActor     string
}

// Summary is the aggregate state of an instance's line items
type Summary struct {
	InstanceID    string                     `json:"instance_id"`
	Stage         domainwf.Stage             `json:"stage"`
	Succeeded     int                        `json:"succeeded"`
	Failed        int                        `json:"failed"`
	PendingManual int                        `json:"pending_manual"`
	Pending       int                        `json:"pending"`
	Dispatched    int                        `json:"dispatched"`
	TotalAmount   decimal.Decimal            `json:"total_amount"`
	PaidAmount    decimal.Decimal            `json:"paid_amount"`
	Interrupted   bool                       `json:"interrupted"`
	Items         []*entity.DisbursementItem `json:"items"`
}

// Processor dispatches payroll line items. Runs on one instance are
// serialised; runs on different instances proceed in parallel.
type Processor struct {
	engine     workflow.Engine
	items      port.DisbursementRepository
	gateways   map[entity.Method]port.PaymentGateway
	dispatcher dispatcher.Dispatcher
	cfg        Config
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

// Option configures the processor
type Option func(*Processor)

// WithDispatcher publishes settlement events
func WithDispatcher(d dispatcher.Dispatcher) Option {
	return func(p *Processor) {
		p.dispatcher = d
	}
}

// WithLogger sets the processor logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithClock overrides the time source used for the window check
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor creates a processor over the gateways keyed by the method they serve
func NewProcessor(engine workflow.Engine, items port.DisbursementRepository, gateways map[entity.Method]port.PaymentGateway, cfg Config, opts ...Option) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.Window == (payroll.Window{}) {
		cfg.Window = payroll.DefaultWindow
	}
	if cfg.SystemActor == "" {
		cfg.SystemActor = "system"
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	p := &Processor{
		engine:   engine,
		items:    items,
		gateways: gateways,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   zap.NewNop(),
		now:      time.Now,
		running:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Disburse dispatches every pending item of a payroll instance in processing
// and moves the instance to completed or partial once no item is left pending
func (p *Processor) Disburse(ctx context.Context, instanceID string) (*Summary, error) {
	inst, err := p.payrollInstance(ctx, instanceID, payroll.StageProcessing)
	if err != nil {
		return nil, err
	}
	if now := p.now(); !p.cfg.Window.Contains(now) {
		return nil, &domainwf.Error{
			Kind:        domainwf.ErrValidationFailed,
			Message:     fmt.Sprintf("disbursement is only allowed on %s of the month, today is day %d", p.cfg.Window, now.Day()),
			InstanceID:  inst.ID,
			ProcessType: inst.ProcessType,
		}
	}
	period, err := payroll.PeriodOf(inst.Payload)
	if err != nil {
		return nil, err
	}

	release, err := p.acquire(inst.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	items, err := p.items.ListByInstance(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disbursement items: %w", err)
	}
	if len(items) == 0 {
		return nil, &domainwf.Error{Kind: domainwf.ErrValidationFailed, Message: "instance has no disbursement items", InstanceID: inst.ID}
	}

	pending := make([]*entity.DisbursementItem, 0, len(items))
	required := decimal.Zero
	for _, it := range items {
		if it.Status != entity.ItemPending {
			continue
		}
		pending = append(pending, it)
		if _, ok := p.gateways[it.Method]; ok && it.Method.UsesGateway() {
			required = required.Add(it.Amount)
		}
	}
	if err := p.checkBalance(ctx, inst.ID, required); err != nil {
		return nil, err
	}

	p.logger.Info("Disbursement started",
		zap.String("instance_id", inst.ID),
		zap.Int("pending", len(pending)),
		zap.String("required", required.StringFixed(2)))

	p.run(ctx, inst, period, pending)

	return p.settle(ctx, inst.ID)
}

// RetryFailedItem re-dispatches one failed item with the same idempotency key
func (p *Processor) RetryFailedItem(ctx context.Context, instanceID, payeeID string) (*entity.ItemOutcome, error) {
	inst, err := p.payrollInstance(ctx, instanceID, payroll.StageProcessing, payroll.StagePartial)
	if err != nil {
		return nil, err
	}
	period, err := payroll.PeriodOf(inst.Payload)
	if err != nil {
		return nil, err
	}

	item, err := p.items.GetByPayee(ctx, inst.ID, payeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load disbursement item: %w", err)
	}
	if item == nil {
		return nil, &domainwf.Error{
			Kind:       domainwf.ErrNotFound,
			Message:    fmt.Sprintf("payee %s has no disbursement item", payeeID),
			InstanceID: inst.ID,
			PayeeID:    payeeID,
		}
	}
	if item.Status != entity.ItemFailed {
		return nil, &domainwf.Error{
			Kind:       domainwf.ErrValidationFailed,
			Message:    fmt.Sprintf("only failed items can be retried, item is %s", item.Status),
			InstanceID: inst.ID,
			PayeeID:    payeeID,
			ItemID:     item.ID,
		}
	}

	release, err := p.acquire(inst.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, ok := p.gateways[item.Method]; ok && item.Method.UsesGateway() {
		if err := p.checkBalance(ctx, inst.ID, item.Amount); err != nil {
			return nil, err
		}
	}

	ok, err := p.items.BeginRetry(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to begin retry: %w", err)
	}
	if !ok {
		return nil, &domainwf.Error{
			Kind:       domainwf.ErrValidationFailed,
			Message:    "item is no longer failed",
			InstanceID: inst.ID,
			PayeeID:    payeeID,
			ItemID:     item.ID,
		}
	}
	item.RetryCount++

	p.logger.Info("Retrying failed disbursement item",
		zap.String("instance_id", inst.ID),
		zap.String("payee_id", payeeID),
		zap.Int("retry_count", item.RetryCount))

	outcome := p.settleItem(ctx, inst, period, item)

	if _, err := p.settle(ctx, inst.ID); err != nil {
		return &outcome, err
	}
	return &outcome, nil
}

// Summary returns the aggregate of an instance's items without changing them
func (p *Processor) Summary(ctx context.Context, instanceID string) (*Summary, error) {
	inst, err := p.engine.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	items, err := p.items.ListByInstance(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disbursement items: %w", err)
	}
	return summarize(inst, items), nil
}

// run feeds pending items through the worker pool. Items not yet started
// when ctx is cancelled stay pending.
func (p *Processor) run(ctx context.Context, inst *entity.WorkflowInstance, period entity.PayrollPeriod, pending []*entity.DisbursementItem) {
	jobs := make(chan *entity.DisbursementItem)
	var wg sync.WaitGroup

	workers := p.cfg.Workers
	if workers > len(pending) {
		workers = len(pending)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				if item.Method.UsesGateway() {
					if err := p.limiter.Wait(ctx); err != nil {
						continue
					}
				}
				if ctx.Err() != nil {
					continue
				}
				p.dispatch(ctx, inst, period, item)
			}
		}()
	}

	for _, item := range pending {
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- item:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
}

// dispatch claims a pending item and settles it
func (p *Processor) dispatch(ctx context.Context, inst *entity.WorkflowInstance, period entity.PayrollPeriod, item *entity.DisbursementItem) {
	ok, err := p.items.MarkDispatched(ctx, item.ID)
	if err != nil {
		p.logger.Error("Failed to mark item dispatched",
			zap.String("instance_id", inst.ID),
			zap.Int64("item_id", item.ID),
			zap.Error(err))
		return
	}
	if !ok {
		return
	}
	p.settleItem(ctx, inst, period, item)
}

// settleItem routes a dispatched item and records its outcome. The record
// is written even if ctx was cancelled during the call.
func (p *Processor) settleItem(ctx context.Context, inst *entity.WorkflowInstance, period entity.PayrollPeriod, item *entity.DisbursementItem) entity.ItemOutcome {
	outcome := p.route(ctx, period, item)

	recorded, err := p.items.RecordOutcome(context.WithoutCancel(ctx), item.ID, outcome)
	switch {
	case err != nil:
		p.logger.Error("Failed to record dispatch outcome",
			zap.String("instance_id", inst.ID),
			zap.String("payee_id", item.PayeeID),
			zap.String("status", string(outcome.Status)),
			zap.Error(err))
	case !recorded:
		p.logger.Warn("Dispatch outcome not recorded, item moved concurrently",
			zap.String("instance_id", inst.ID),
			zap.String("payee_id", item.PayeeID))
	default:
		p.logger.Info("Disbursement item settled",
			zap.String("instance_id", inst.ID),
			zap.String("payee_id", item.PayeeID),
			zap.String("status", string(outcome.Status)),
			zap.String("reason", outcome.FailureReason))
	}

	p.publish(ctx, event.TypeItemSettled, inst, map[string]interface{}{
		"payee_id": item.PayeeID,
		"method":   string(item.Method),
		"status":   string(outcome.Status),
		"amount":   item.Amount.StringFixed(2),
		"reason":   outcome.FailureReason,
	})
	return outcome
}

// route decides the outcome of one item, calling its gateway if it has one
func (p *Processor) route(ctx context.Context, period entity.PayrollPeriod, item *entity.DisbursementItem) entity.ItemOutcome {
	if item.Method == entity.MethodManual {
		return entity.ItemOutcome{Status: entity.ItemPendingManual}
	}

	gw, ok := p.gateways[item.Method]
	if !ok || gw == nil {
		return entity.ItemOutcome{Status: entity.ItemFailed, FailureReason: entity.ReasonNoGateway}
	}

	account, err := PayeeAccount(item)
	if err != nil {
		return entity.ItemOutcome{Status: entity.ItemFailed, FailureReason: entity.ReasonInvalidAccount, RawResponse: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DispatchTimeout)
	defer cancel()

	res, err := gw.Dispatch(callCtx, port.PaymentRequest{
		PayeeID:        item.PayeeID,
		Method:         item.Method,
		Account:        account,
		BankName:       item.BankName,
		Amount:         item.Amount,
		Memo:           Memo(period),
		IdempotencyKey: item.IdempotencyKey(),
	})
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)):
		return entity.ItemOutcome{Status: entity.ItemFailed, FailureReason: entity.ReasonTimeout, RawResponse: err.Error()}
	case err != nil:
		return entity.ItemOutcome{Status: entity.ItemFailed, FailureReason: entity.ReasonGatewayTransport, RawResponse: err.Error()}
	case res == nil || !res.Success:
		raw := ""
		if res != nil {
			raw = res.RawResponse
		}
		return entity.ItemOutcome{Status: entity.ItemFailed, FailureReason: entity.ReasonGatewayRejected, RawResponse: raw}
	default:
		return entity.ItemOutcome{Status: entity.ItemSucceeded, ProviderReference: res.ProviderReference, RawResponse: res.RawResponse}
	}
}

// settle aggregates the items and requests completed or partial once
// nothing is pending or in flight
func (p *Processor) settle(ctx context.Context, instanceID string) (*Summary, error) {
	detached := context.WithoutCancel(ctx)

	inst, err := p.engine.Get(detached, instanceID)
	if err != nil {
		return nil, err
	}
	items, err := p.items.ListByInstance(detached, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disbursement items: %w", err)
	}
	sum := summarize(inst, items)

	if sum.Pending > 0 || sum.Dispatched > 0 {
		sum.Interrupted = true
		p.logger.Warn("Disbursement interrupted",
			zap.String("instance_id", instanceID),
			zap.Int("pending", sum.Pending),
			zap.Int("dispatched", sum.Dispatched))
		return sum, nil
	}

	target := payroll.StageCompleted
	if sum.Failed > 0 {
		target = payroll.StagePartial
	}
	if inst.CurrentStage != target && (inst.CurrentStage == payroll.StageProcessing || (inst.CurrentStage == payroll.StagePartial && target == payroll.StageCompleted)) {
		res, err := p.engine.Transition(detached, workflow.TransitionRequest{
			InstanceID: instanceID,
			ToStage:    target,
			ActorID:    p.cfg.SystemActor,
			PayloadDelta: map[string]interface{}{
				"disbursement": map[string]interface{}{
					"succeeded":      sum.Succeeded,
					"failed":         sum.Failed,
					"pending_manual": sum.PendingManual,
					"paid_amount":    sum.PaidAmount.StringFixed(2),
				},
			},
		})
		if err != nil {
			return sum, fmt.Errorf("failed to move instance to %s: %w", target, err)
		}
		sum.Stage = res.Instance.CurrentStage
	}

	p.logger.Info("Disbursement finished",
		zap.String("instance_id", instanceID),
		zap.String("stage", sum.Stage.String()),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("pending_manual", sum.PendingManual))

	p.publish(ctx, event.TypeDisbursementFinished, inst, map[string]interface{}{
		"stage":          sum.Stage.String(),
		"succeeded":      sum.Succeeded,
		"failed":         sum.Failed,
		"pending_manual": sum.PendingManual,
	})
	return sum, nil
}

// checkBalance compares the combined balance of every configured gateway
// against the amount about to be paid
func (p *Processor) checkBalance(ctx context.Context, instanceID string, required decimal.Decimal) error {
	if !required.IsPositive() {
		return nil
	}

	available := decimal.Zero
	seen := make(map[string]bool, len(p.gateways))
	for _, gw := range p.gateways {
		if gw == nil || seen[gw.Name()] {
			continue
		}
		seen[gw.Name()] = true
		bal, err := gw.CheckBalance(ctx)
		if err != nil {
			return &domainwf.Error{
				Kind:       domainwf.ErrGatewayFailure,
				Message:    fmt.Sprintf("balance check on %s failed", gw.Name()),
				InstanceID: instanceID,
				Cause:      err,
			}
		}
		available = available.Add(bal)
	}

	if available.LessThan(required) {
		p.logger.Warn("Insufficient gateway balance",
			zap.String("instance_id", instanceID),
			zap.String("required", required.StringFixed(2)),
			zap.String("available", available.StringFixed(2)))
		return &domainwf.Error{
			Kind:       domainwf.ErrInsufficientFunds,
			Message:    fmt.Sprintf("required %s, available %s", required.StringFixed(2), available.StringFixed(2)),
			InstanceID: instanceID,
			Required:   &required,
			Available:  &available,
		}
	}
	return nil
}

// payrollInstance loads an instance and checks it is a payroll in one of the stages
func (p *Processor) payrollInstance(ctx context.Context, instanceID string, stages ...domainwf.Stage) (*entity.WorkflowInstance, error) {
	inst, err := p.engine.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.ProcessType != payroll.ProcessType {
		return nil, &domainwf.Error{
			Kind:        domainwf.ErrValidationFailed,
			Message:     fmt.Sprintf("%s instances have no disbursements", inst.ProcessType),
			InstanceID:  inst.ID,
			ProcessType: inst.ProcessType,
		}
	}
	for _, s := range stages {
		if inst.CurrentStage == s {
			return inst, nil
		}
	}
	return nil, &domainwf.Error{
		Kind:        domainwf.ErrValidationFailed,
		Message:     fmt.Sprintf("instance is in %s, disbursement needs %v", inst.CurrentStage, stages),
		InstanceID:  inst.ID,
		ProcessType: inst.ProcessType,
		FromStage:   inst.CurrentStage,
	}
}

// acquire takes the per-instance run lock
func (p *Processor) acquire(instanceID string) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, busy := p.running[instanceID]; busy {
		return nil, &domainwf.Error{
			Kind:       domainwf.ErrValidationFailed,
			Message:    "a disbursement run is already active for this instance",
			InstanceID: instanceID,
		}
	}
	p.running[instanceID] = struct{}{}

	return func() {
		p.mu.Lock()
		delete(p.running, instanceID)
		p.mu.Unlock()
	}, nil
}

func (p *Processor) publish(ctx context.Context, t event.Type, inst *entity.WorkflowInstance, payload map[string]interface{}) {
	if p.dispatcher == nil {
		return
	}
	p.dispatcher.DispatchAsync(ctx, event.NewEvent(t, inst.ID, inst.ProcessType.String(), payload))
}

func summarize(inst *entity.WorkflowInstance, items []*entity.DisbursementItem) *Summary {
	s := &Summary{
		InstanceID:  inst.ID,
		Stage:       inst.CurrentStage,
		TotalAmount: decimal.Zero,
		PaidAmount:  decimal.Zero,
		Items:       items,
	}
	for _, it := range items {
		s.TotalAmount = s.TotalAmount.Add(it.Amount)
		switch it.Status {
		case entity.ItemSucceeded:
			s.Succeeded++
			s.PaidAmount = s.PaidAmount.Add(it.Amount)
		case entity.ItemFailed:
			s.Failed++
		case entity.ItemPendingManual:
			s.PendingManual++
		case entity.ItemPending:
			s.Pending++
		case entity.ItemDispatched:
			s.Dispatched++
		}
	}
	return s
}
