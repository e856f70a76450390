// Package payroll defines the monthly payroll approval process. Salary lines
// are computed on entering draft and one disbursement item per line is
// materialised on entering processing.
package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/application/workflow"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// ProcessType identifies payroll instances
const ProcessType domainwf.ProcessType = "payroll"

// ReferenceType is the reference kind of a payroll instance
const ReferenceType = "payroll_period"

// Stages
const (
	StageDraft           domainwf.Stage = "draft"
	StagePendingApproval domainwf.Stage = "pending_approval"
	StageApproved        domainwf.Stage = "approved"
	StageProcessing      domainwf.Stage = "processing"
	StageCompleted       domainwf.Stage = "completed"
	StagePartial         domainwf.Stage = "partial"
	StageRejected        domainwf.Stage = "rejected"
	StageCancelled       domainwf.Stage = "cancelled"
)

// Capabilities
const (
	CapManage  = "manage-payroll"
	CapApprove = "approve-payroll"
	CapProcess = "process-disbursements"
)

// Definition returns the payroll process definition
func Definition() *domainwf.Definition {
	b := domainwf.NewBuilder(ProcessType).
		Initial(StageDraft).
		Stages(StageDraft, StagePendingApproval, StageApproved, StageProcessing,
			StageCompleted, StagePartial, StageRejected, StageCancelled).
		Status(StageCompleted, domainwf.StatusCompleted).
		Status(StagePartial, domainwf.StatusPartial).
		Status(StageRejected, domainwf.StatusRejected).
		Status(StageCancelled, domainwf.StatusCancelled).
		StartCapability(CapManage)

	b.Configure(StageDraft).
		Permit(StagePendingApproval, CapManage).
		Permit(StageCancelled, CapManage)
	b.Configure(StagePendingApproval).
		Permit(StageApproved, CapApprove).
		Permit(StageRejected, CapApprove).
		Permit(StageDraft, CapManage).
		Permit(StageCancelled, CapManage)
	b.Configure(StageApproved).
		Permit(StageProcessing, CapProcess).
		Permit(StageCancelled, CapApprove)
	b.Configure(StageProcessing).
		Permit(StageCompleted, CapProcess).
		Permit(StagePartial, CapProcess)
	b.Configure(StagePartial).
		Permit(StageProcessing, CapProcess).
		Permit(StageCompleted, CapProcess)
	b.Configure(StageRejected).Permit(StageDraft, CapManage)

	return domainwf.MustBuild(b)
}

// Config holds the payroll process settings
type Config struct {
	Window         Window
	NotifyContacts []port.Contact
}

// Payroll carries the collaborators the payroll guards and hooks call
type Payroll struct {
	compensation port.CompensationSource
	items        port.DisbursementRepository
	messenger    port.Messenger
	cfg          Config
	logger       *zap.Logger
	now          func() time.Time
}

// New creates the payroll process behaviour
func New(compensation port.CompensationSource, items port.DisbursementRepository, messenger port.Messenger, cfg Config, logger *zap.Logger) *Payroll {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window == (Window{}) {
		cfg.Window = DefaultWindow
	}
	return &Payroll{
		compensation: compensation,
		items:        items,
		messenger:    messenger,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// Window returns the configured disbursement window
func (p *Payroll) Window() Window {
	return p.cfg.Window
}

// Process bundles the definition with guards and hooks
func (p *Payroll) Process() workflow.Process {
	hooks := map[domainwf.Stage]workflow.HookFunc{
		StageDraft:      p.onDraft,
		StageProcessing: p.onProcessing,
	}
	for _, s := range []domainwf.Stage{StagePendingApproval, StageApproved, StageRejected, StageCompleted, StagePartial} {
		hooks[s] = p.notifyHook(s)
	}

	return workflow.Process{
		Definition: Definition(),
		Prepare:    p.prepare,
		Guards: map[domainwf.Stage]workflow.GuardFunc{
			StagePendingApproval: p.guardSubmit,
			StageApproved:        p.guardApprove,
			StageRejected:        p.guardReject,
			StageCompleted:       p.guardCompleted,
			StagePartial:         p.guardPartial,
		},
		Hooks: hooks,
	}
}

func (p *Payroll) prepare(_ context.Context, req *workflow.StartRequest) error {
	period, err := PeriodOf(req.Payload)
	if err != nil {
		return err
	}
	req.ReferenceType = ReferenceType
	req.ReferenceID = period.Key()
	return nil
}

func (p *Payroll) guardSubmit(_ context.Context, inst *entity.WorkflowInstance, _ map[string]interface{}) error {
	lines, err := LinesOf(inst.Payload)
	if err != nil {
		return domainwf.ValidationFailed("salary lines are malformed: %v", err)
	}
	if len(lines) == 0 {
		return domainwf.ValidationFailed("payroll has no salary lines")
	}
	return nil
}

func (p *Payroll) guardApprove(_ context.Context, inst *entity.WorkflowInstance, _ map[string]interface{}) error {
	totals, err := TotalsOf(inst.Payload)
	if err != nil {
		return domainwf.ValidationFailed("payroll totals are malformed: %v", err)
	}
	if !totals.Net.IsPositive() {
		return domainwf.ValidationFailed("payroll net total must be positive, got %s", totals.Net)
	}
	return nil
}

func (p *Payroll) guardReject(_ context.Context, _ *entity.WorkflowInstance, delta map[string]interface{}) error {
	if domainwf.PayloadString(delta, "reason") == "" {
		return domainwf.ValidationFailed("a rejection reason is required")
	}
	return nil
}

func (p *Payroll) guardCompleted(ctx context.Context, inst *entity.WorkflowInstance, _ map[string]interface{}) error {
	counts, err := p.items.CountByStatus(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to count disbursement items: %w", err)
	}
	if n := counts[entity.ItemFailed]; n > 0 {
		return domainwf.ValidationFailed("%d disbursement items have failed", n)
	}
	if n := counts[entity.ItemPending] + counts[entity.ItemDispatched]; n > 0 {
		return domainwf.ValidationFailed("%d disbursement items are not settled", n)
	}
	return nil
}

func (p *Payroll) guardPartial(ctx context.Context, inst *entity.WorkflowInstance, _ map[string]interface{}) error {
	counts, err := p.items.CountByStatus(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to count disbursement items: %w", err)
	}
	if counts[entity.ItemFailed] == 0 {
		return domainwf.ValidationFailed("no disbursement item has failed")
	}
	return nil
}

// onDraft computes the salary lines of the period
func (p *Payroll) onDraft(ctx context.Context, inst *entity.WorkflowInstance) (map[string]interface{}, error) {
	period, err := PeriodOf(inst.Payload)
	if err != nil {
		return nil, err
	}
	comps, err := p.compensation.ListCompensation(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to list compensation: %w", err)
	}

	lines := make([]Line, 0, len(comps))
	for _, c := range comps {
		method, err := entity.ParseMethod(c.PreferredMethod)
		if err != nil {
			p.logger.Warn("Unknown payment method, paying manually",
				zap.String("instance_id", inst.ID),
				zap.String("payee_id", c.PayeeID),
				zap.String("method", c.PreferredMethod))
			method = entity.MethodManual
		}
		lines = append(lines, Calculate(c, method))
	}
	totals := Sum(lines)

	p.logger.Info("Payroll computed",
		zap.String("instance_id", inst.ID),
		zap.String("period", period.Key()),
		zap.Int("payees", len(lines)),
		zap.String("net", totals.Net.StringFixed(2)))

	return map[string]interface{}{
		"lines":       lines,
		"totals":      totals,
		"payee_count": len(lines),
	}, nil
}

// onProcessing materialises one pending item per payable line. Re-entry
// from partial leaves existing items alone.
func (p *Payroll) onProcessing(ctx context.Context, inst *entity.WorkflowInstance) (map[string]interface{}, error) {
	lines, err := LinesOf(inst.Payload)
	if err != nil {
		return nil, err
	}

	items := make([]*entity.DisbursementItem, 0, len(lines))
	for _, l := range lines {
		if !l.Net.IsPositive() {
			p.logger.Warn("Skipping line with nothing to pay",
				zap.String("instance_id", inst.ID),
				zap.String("payee_id", l.PayeeID),
				zap.String("net", l.Net.String()))
			continue
		}
		items = append(items, &entity.DisbursementItem{
			InstanceID: inst.ID,
			PayeeID:    l.PayeeID,
			PayeeName:  l.PayeeName,
			Account:    l.Account,
			BankName:   l.BankName,
			Amount:     l.Net,
			Method:     l.Method,
			Status:     entity.ItemPending,
		})
	}

	inserted, err := p.items.CreateBatch(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("failed to create disbursement items: %w", err)
	}
	all, err := p.items.ListByInstance(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disbursement items: %w", err)
	}

	p.logger.Info("Disbursement items materialised",
		zap.String("instance_id", inst.ID),
		zap.Int("inserted", inserted),
		zap.Int("total", len(all)))

	delta := map[string]interface{}{"disbursement_items": len(all)}
	if _, ok := inst.Payload["processing_started_at"]; !ok {
		delta["processing_started_at"] = p.now().UTC().Format(time.RFC3339)
	}
	return delta, nil
}

func (p *Payroll) notifyHook(stage domainwf.Stage) workflow.HookFunc {
	return func(ctx context.Context, inst *entity.WorkflowInstance) (map[string]interface{}, error) {
		key := string(stage) + "_notified"
		if len(p.cfg.NotifyContacts) == 0 || p.messenger == nil {
			return map[string]interface{}{key: 0}, nil
		}

		msg := stageMessage(stage, inst)
		sent := 0
		for _, c := range p.cfg.NotifyContacts {
			ok, err := p.messenger.Notify(ctx, c, msg)
			if err != nil || !ok {
				p.logger.Warn("Payroll notification not delivered",
					zap.String("instance_id", inst.ID),
					zap.String("stage", stage.String()),
					zap.String("contact", c.Name),
					zap.Error(err))
				continue
			}
			sent++
		}
		return map[string]interface{}{key: sent}, nil
	}
}

func stageMessage(stage domainwf.Stage, inst *entity.WorkflowInstance) string {
	label := inst.ReferenceID
	if period, err := PeriodOf(inst.Payload); err == nil {
		label = period.Label()
	}
	net := "0.00"
	if totals, err := TotalsOf(inst.Payload); err == nil {
		net = totals.Net.StringFixed(2)
	}

	switch stage {
	case StagePendingApproval:
		return fmt.Sprintf("Payroll for %s (net %s) is awaiting approval.", label, net)
	case StageApproved:
		return fmt.Sprintf("Payroll for %s has been approved for disbursement.", label)
	case StageRejected:
		return fmt.Sprintf("Payroll for %s was rejected: %s", label, domainwf.PayloadString(inst.Payload, "reason"))
	case StageCompleted:
		return fmt.Sprintf("All salaries for %s have been paid.", label)
	case StagePartial:
		return fmt.Sprintf("Salary disbursement for %s finished with failures. Review and retry the failed payments.", label)
	default:
		return fmt.Sprintf("Payroll for %s moved to %s.", label, stage)
	}
}

// PeriodOf reads month and year from a payload
func PeriodOf(p map[string]interface{}) (entity.PayrollPeriod, error) {
	period := entity.PayrollPeriod{
		Year:  int(domainwf.PayloadInt(p, "year")),
		Month: int(domainwf.PayloadInt(p, "month")),
	}
	if !period.Valid() {
		return period, domainwf.ValidationFailed("month (1-12) and year are required")
	}
	return period, nil
}

// LinesOf decodes the salary lines of a payload; none yields an empty slice
func LinesOf(p map[string]interface{}) ([]Line, error) {
	if _, ok := p["lines"]; !ok {
		return nil, nil
	}
	var lines []Line
	if err := domainwf.DecodePayload(p, "lines", &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// TotalsOf decodes the payroll totals of a payload
func TotalsOf(p map[string]interface{}) (Totals, error) {
	t := Totals{Gross: decimal.Zero, Deductions: decimal.Zero, Net: decimal.Zero}
	if _, ok := p["totals"]; !ok {
		return t, nil
	}
	if err := domainwf.DecodePayload(p, "totals", &t); err != nil {
		return t, err
	}
	return t, nil
}
