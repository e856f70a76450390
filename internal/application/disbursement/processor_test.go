package disbursement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/dispatcher"
	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/application/process/payroll"
	"github.com/kingsway/backoffice-workflow/internal/application/workflow"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/persistence/memory"
)

type allowAll struct{}

func (allowAll) Authorized(context.Context, string, string) (bool, error) { return true, nil }

// mockGateway records dispatches and answers through dispatchFunc
type mockGateway struct {
	name         string
	balance      decimal.Decimal
	balanceErr   error
	dispatchFunc func(ctx context.Context, req port.PaymentRequest) (*port.PaymentResult, error)

	mu    sync.Mutex
	calls []port.PaymentRequest
}

func (m *mockGateway) Name() string { return m.name }

func (m *mockGateway) CheckBalance(context.Context) (decimal.Decimal, error) {
	return m.balance, m.balanceErr
}

func (m *mockGateway) Dispatch(ctx context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.dispatchFunc != nil {
		return m.dispatchFunc(ctx, req)
	}
	return &port.PaymentResult{Success: true, ProviderReference: "REF-" + req.PayeeID, RawResponse: `{"ok":true}`}, nil
}

func (m *mockGateway) callsFor(payeeID string) []port.PaymentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []port.PaymentRequest
	for _, c := range m.calls {
		if c.PayeeID == payeeID {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockGateway) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var (
	april   = entity.PayrollPeriod{Year: 2026, Month: 4}
	payday  = time.Date(2026, 4, 25, 9, 0, 0, 0, time.UTC)
	midweek = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
)

type harness struct {
	engine    workflow.Engine
	store     *memory.Store
	processor *Processor
	gateway   *mockGateway
}

type harnessOpts struct {
	cfg        Config
	clock      time.Time
	gateways   map[entity.Method]port.PaymentGateway
	dispatcher dispatcher.Dispatcher
}

func newHarness(t *testing.T, comps []entity.Compensation, gw *mockGateway, o harnessOpts) *harness {
	t.Helper()
	store := memory.NewStore()
	store.Records().PutCompensation(april, comps)

	proc := payroll.New(store.Records(), store.Disbursements(), nil, payroll.Config{}, zap.NewNop()).Process()
	engineOpts := []workflow.EngineOption{workflow.WithLogger(zap.NewNop())}
	if o.dispatcher != nil {
		engineOpts = append(engineOpts, workflow.WithDispatcher(o.dispatcher))
	}
	engine, err := workflow.NewEngine(store.Instances(), store.Transitions(), store, allowAll{}, []workflow.Process{proc}, engineOpts...)
	require.NoError(t, err)

	gateways := o.gateways
	if gateways == nil {
		gateways = map[entity.Method]port.PaymentGateway{
			entity.MethodGatewayA: gw,
			entity.MethodGatewayB: gw,
		}
	}
	clock := o.clock
	if clock.IsZero() {
		clock = payday
	}
	processor := NewProcessor(engine, store.Disbursements(), gateways, o.cfg,
		WithLogger(zap.NewNop()),
		WithClock(func() time.Time { return clock }))

	return &harness{engine: engine, store: store, processor: processor, gateway: gw}
}

func mobileStaff() []entity.Compensation {
	return []entity.Compensation{
		{PayeeID: "t-1", PayeeName: "Amina", BasicSalary: decimal.NewFromInt(50000), PreferredMethod: "mpesa", Account: "0712345678"},
		{PayeeID: "t-2", PayeeName: "Brian", BasicSalary: decimal.NewFromInt(30000), PreferredMethod: "mpesa", Account: "722000000"},
		{PayeeID: "t-3", PayeeName: "Chebet", BasicSalary: decimal.NewFromInt(20000), PreferredMethod: "mpesa", Account: "254733000000"},
	}
}

func richGateway() *mockGateway {
	return &mockGateway{name: "gateway-a", balance: decimal.NewFromInt(1000000)}
}

// toProcessing drives a fresh payroll through approval into processing
func (h *harness) toProcessing(t *testing.T) *entity.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	res, err := h.engine.Start(ctx, workflow.StartRequest{
		ProcessType: payroll.ProcessType,
		ActorID:     "bursar",
		Payload:     map[string]interface{}{"month": 4, "year": 2026},
	})
	require.NoError(t, err)
	id := res.Instance.ID

	for _, s := range []domainwf.Stage{payroll.StagePendingApproval, payroll.StageApproved, payroll.StageProcessing} {
		res, err = h.engine.Transition(ctx, workflow.TransitionRequest{InstanceID: id, ToStage: s, ActorID: "bursar"})
		require.NoError(t, err)
		require.False(t, res.Degraded(), "hook on %s: %v", s, res.HookErr)
	}
	return res.Instance
}

func (h *harness) item(t *testing.T, instanceID, payeeID string) *entity.DisbursementItem {
	t.Helper()
	it, err := h.store.Disbursements().GetByPayee(context.Background(), instanceID, payeeID)
	require.NoError(t, err)
	require.NotNil(t, it)
	return it
}

func (h *harness) stage(t *testing.T, instanceID string) domainwf.Stage {
	t.Helper()
	inst, err := h.engine.Get(context.Background(), instanceID)
	require.NoError(t, err)
	return inst.CurrentStage
}

func TestDisburse_PartialThenRetryCompletes(t *testing.T) {
	gw := richGateway()
	var failOnce sync.Once
	gw.dispatchFunc = func(_ context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
		failed := false
		if req.PayeeID == "t-2" {
			failOnce.Do(func() { failed = true })
		}
		if failed {
			return &port.PaymentResult{Success: false, RawResponse: `{"error":"recipient unreachable"}`}, nil
		}
		return &port.PaymentResult{Success: true, ProviderReference: "REF-" + req.PayeeID}, nil
	}
	h := newHarness(t, mobileStaff(), gw, harnessOpts{})
	inst := h.toProcessing(t)
	ctx := context.Background()

	sum, err := h.processor.Disburse(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.StagePartial, sum.Stage)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.False(t, sum.Interrupted)
	assert.Equal(t, payroll.StagePartial, h.stage(t, inst.ID))

	assert.Equal(t, entity.ItemSucceeded, h.item(t, inst.ID, "t-1").Status)
	assert.Equal(t, entity.ItemSucceeded, h.item(t, inst.ID, "t-3").Status)
	failed := h.item(t, inst.ID, "t-2")
	assert.Equal(t, entity.ItemFailed, failed.Status)
	assert.Equal(t, 0, failed.RetryCount)
	assert.Equal(t, entity.ReasonGatewayRejected, failed.FailureReason)
	assert.Contains(t, failed.RawResponse, "recipient unreachable")

	outcome, err := h.processor.RetryFailedItem(ctx, inst.ID, "t-2")
	require.NoError(t, err)
	assert.Equal(t, entity.ItemSucceeded, outcome.Status)
	assert.Equal(t, "REF-t-2", outcome.ProviderReference)

	retried := h.item(t, inst.ID, "t-2")
	assert.Equal(t, entity.ItemSucceeded, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, payroll.StageCompleted, h.stage(t, inst.ID))

	calls := gw.callsFor("t-2")
	require.Len(t, calls, 2)
	assert.Equal(t, inst.ID+":t-2", calls[0].IdempotencyKey)
	assert.Equal(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)
	assert.Len(t, gw.callsFor("t-1"), 1, "succeeded payee is paid once")

	v, err := h.engine.VerifyHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, v.Consistent, v.Problem)
}

func TestDisburse_AllSucceed(t *testing.T) {
	gw := richGateway()
	h := newHarness(t, mobileStaff(), gw, harnessOpts{cfg: Config{Workers: 2}})
	inst := h.toProcessing(t)

	sum, err := h.processor.Disburse(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.StageCompleted, sum.Stage)
	assert.Equal(t, 3, sum.Succeeded)
	assert.True(t, sum.PaidAmount.Equal(sum.TotalAmount))

	first := gw.callsFor("t-1")
	require.Len(t, first, 1)
	assert.Equal(t, "254712345678", first[0].Account)
	assert.Equal(t, "Salary payment for April 2026", first[0].Memo)
	assert.Equal(t, "254722000000", gw.callsFor("t-2")[0].Account)
	assert.Equal(t, "254733000000", gw.callsFor("t-3")[0].Account)

	inst, err = h.engine.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domainwf.StatusCompleted, inst.Status)
}

func TestDisburse_InsufficientFunds(t *testing.T) {
	gw := &mockGateway{name: "gateway-a", balance: decimal.NewFromInt(100)}
	h := newHarness(t, mobileStaff(), gw, harnessOpts{})
	inst := h.toProcessing(t)

	_, err := h.processor.Disburse(context.Background(), inst.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domainwf.ErrInsufficientFunds)
	assert.Equal(t, "INSUFFICIENT_FUNDS", domainwf.Code(err))

	we, ok := domainwf.AsError(err)
	require.True(t, ok)
	require.NotNil(t, we.Required)
	require.NotNil(t, we.Available)
	assert.True(t, we.Available.Equal(decimal.NewFromInt(100)))
	assert.True(t, we.Required.GreaterThan(*we.Available))

	items, err := h.store.Disbursements().ListByInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, entity.ItemPending, it.Status)
	}
	assert.Zero(t, gw.callCount())
	assert.Equal(t, payroll.StageProcessing, h.stage(t, inst.ID))
}

func TestDisburse_BalanceCheckFailure(t *testing.T) {
	gw := &mockGateway{name: "gateway-a", balanceErr: errors.New("connection refused")}
	h := newHarness(t, mobileStaff(), gw, harnessOpts{})
	inst := h.toProcessing(t)

	_, err := h.processor.Disburse(context.Background(), inst.ID)
	assert.ErrorIs(t, err, domainwf.ErrGatewayFailure)
	assert.Zero(t, gw.callCount())
}

func TestDisburse_Timeout(t *testing.T) {
	gw := richGateway()
	gw.dispatchFunc = func(ctx context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
		if req.PayeeID == "t-1" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &port.PaymentResult{Success: true, ProviderReference: "REF-" + req.PayeeID}, nil
	}
	h := newHarness(t, mobileStaff(), gw, harnessOpts{cfg: Config{DispatchTimeout: 20 * time.Millisecond}})
	inst := h.toProcessing(t)

	sum, err := h.processor.Disburse(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.StagePartial, sum.Stage)

	it := h.item(t, inst.ID, "t-1")
	assert.Equal(t, entity.ItemFailed, it.Status)
	assert.Equal(t, entity.ReasonTimeout, it.FailureReason)
}

func TestDisburse_TransportErrorFailsItem(t *testing.T) {
	gw := richGateway()
	gw.dispatchFunc = func(_ context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
		return nil, errors.New("connection reset by peer")
	}
	h := newHarness(t, mobileStaff()[:1], gw, harnessOpts{})
	inst := h.toProcessing(t)

	sum, err := h.processor.Disburse(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	it := h.item(t, inst.ID, "t-1")
	assert.Equal(t, entity.ReasonGatewayTransport, it.FailureReason)
	assert.Contains(t, it.RawResponse, "reset by peer")
}

func TestDisburse_ManualItems(t *testing.T) {
	gw := richGateway()
	staff := []entity.Compensation{
		{PayeeID: "c-1", PayeeName: "Cook", BasicSalary: decimal.NewFromInt(15000), PreferredMethod: "cash"},
		{PayeeID: "t-1", PayeeName: "Amina", BasicSalary: decimal.NewFromInt(50000), PreferredMethod: "mpesa", Account: "0712345678"},
	}
	h := newHarness(t, staff, gw, harnessOpts{})
	inst := h.toProcessing(t)

	sum, err := h.processor.Disburse(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PendingManual)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, payroll.StageCompleted, sum.Stage)
	assert.Equal(t, entity.ItemPendingManual, h.item(t, inst.ID, "c-1").Status)
	assert.Empty(t, gw.callsFor("c-1"))
}

func TestDisburse_InvalidAccounts(t *testing.T) {
	gw := richGateway()
	staff := []entity.Compensation{
		{PayeeID: "t-1", BasicSalary: decimal.NewFromInt(30000), PreferredMethod: "mpesa", Account: "12345"},
		{PayeeID: "t-2", BasicSalary: decimal.NewFromInt(30000), PreferredMethod: "bank", Account: "0011223344"},
		{PayeeID: "t-3", BasicSalary: decimal.NewFromInt(30000), PreferredMethod: "bank", Account: "0011223355", BankName: "Equity"},
	}
	h := newHarness(t, staff, gw, harnessOpts{})
	inst := h.toProcessing(t)

	sum, err := h.processor.Disburse(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, payroll.StagePartial, sum.Stage)

	for _, payee := range []string{"t-1", "t-2"} {
		it := h.item(t, inst.ID, payee)
		assert.Equal(t, entity.ItemFailed, it.Status)
		assert.Equal(t, entity.ReasonInvalidAccount, it.FailureReason)
		assert.Empty(t, gw.callsFor(payee))
	}
	bank := gw.callsFor("t-3")
	require.Len(t, bank, 1)
	assert.Equal(t, "Equity", bank[0].BankName)
}

func TestDisburse_NoGatewayConfigured(t *testing.T) {
	gw := richGateway()
	staff := []entity.Compensation{
		{PayeeID: "t-1", BasicSalary: decimal.NewFromInt(30000), PreferredMethod: "bank", Account: "0011223344", BankName: "KCB"},
	}
	h := newHarness(t, staff, gw, harnessOpts{gateways: map[entity.Method]port.PaymentGateway{entity.MethodGatewayA: gw}})
	inst := h.toProcessing(t)

	sum, err := h.processor.Disburse(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, entity.ReasonNoGateway, h.item(t, inst.ID, "t-1").FailureReason)
}

func TestDisburse_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("outside window", func(t *testing.T) {
		gw := richGateway()
		h := newHarness(t, mobileStaff(), gw, harnessOpts{clock: midweek})
		inst := h.toProcessing(t)

		_, err := h.processor.Disburse(ctx, inst.ID)
		assert.ErrorIs(t, err, domainwf.ErrValidationFailed)
		assert.Zero(t, gw.callCount())
		assert.Equal(t, payroll.StageProcessing, h.stage(t, inst.ID))
	})

	t.Run("wrong stage", func(t *testing.T) {
		h := newHarness(t, mobileStaff(), richGateway(), harnessOpts{})
		res, err := h.engine.Start(ctx, workflow.StartRequest{
			ProcessType: payroll.ProcessType, ActorID: "bursar",
			Payload: map[string]interface{}{"month": 4, "year": 2026},
		})
		require.NoError(t, err)

		_, err = h.processor.Disburse(ctx, res.Instance.ID)
		assert.ErrorIs(t, err, domainwf.ErrValidationFailed)
	})

	t.Run("unknown instance", func(t *testing.T) {
		h := newHarness(t, mobileStaff(), richGateway(), harnessOpts{})
		_, err := h.processor.Disburse(ctx, "missing")
		assert.ErrorIs(t, err, domainwf.ErrNotFound)
	})

	t.Run("run already active", func(t *testing.T) {
		gw := richGateway()
		started := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		gw.dispatchFunc = func(_ context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
			once.Do(func() { close(started) })
			<-release
			return &port.PaymentResult{Success: true, ProviderReference: "REF-" + req.PayeeID}, nil
		}
		h := newHarness(t, mobileStaff(), gw, harnessOpts{})
		inst := h.toProcessing(t)

		done := make(chan error, 1)
		go func() {
			_, err := h.processor.Disburse(ctx, inst.ID)
			done <- err
		}()
		<-started

		_, err := h.processor.Disburse(ctx, inst.ID)
		assert.ErrorIs(t, err, domainwf.ErrValidationFailed)

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, payroll.StageCompleted, h.stage(t, inst.ID))
	})
}

func TestDisburse_CancellationStopsNewItems(t *testing.T) {
	gw := richGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.dispatchFunc = func(callCtx context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
		cancel()
		if callCtx.Err() != nil {
			return nil, callCtx.Err()
		}
		return &port.PaymentResult{Success: true, ProviderReference: "REF-" + req.PayeeID}, nil
	}
	h := newHarness(t, mobileStaff(), gw, harnessOpts{cfg: Config{Workers: 1}})
	inst := h.toProcessing(t)

	sum, err := h.processor.Disburse(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Equal(t, 1, sum.Succeeded, "in-flight call is not aborted")
	assert.Equal(t, 2, sum.Pending)
	assert.Equal(t, 1, gw.callCount())
	assert.Equal(t, payroll.StageProcessing, h.stage(t, inst.ID))

	sum, err = h.processor.Disburse(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, payroll.StageCompleted, sum.Stage)
}

func TestRetryFailedItem_Errors(t *testing.T) {
	gw := richGateway()
	gw.dispatchFunc = func(_ context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
		if req.PayeeID == "t-2" {
			return &port.PaymentResult{Success: false, RawResponse: "declined"}, nil
		}
		return &port.PaymentResult{Success: true, ProviderReference: "REF-" + req.PayeeID}, nil
	}
	h := newHarness(t, mobileStaff(), gw, harnessOpts{})
	inst := h.toProcessing(t)
	ctx := context.Background()

	_, err := h.processor.Disburse(ctx, inst.ID)
	require.NoError(t, err)

	t.Run("unknown payee", func(t *testing.T) {
		_, err := h.processor.RetryFailedItem(ctx, inst.ID, "t-99")
		assert.ErrorIs(t, err, domainwf.ErrNotFound)
		we, ok := domainwf.AsError(err)
		require.True(t, ok)
		assert.Equal(t, "t-99", we.PayeeID)
	})

	t.Run("succeeded item is never re-dispatched", func(t *testing.T) {
		_, err := h.processor.RetryFailedItem(ctx, inst.ID, "t-1")
		assert.ErrorIs(t, err, domainwf.ErrValidationFailed)
		assert.Len(t, gw.callsFor("t-1"), 1)
	})

	t.Run("failing again keeps partial", func(t *testing.T) {
		outcome, err := h.processor.RetryFailedItem(ctx, inst.ID, "t-2")
		require.NoError(t, err)
		assert.Equal(t, entity.ItemFailed, outcome.Status)
		assert.Equal(t, 1, h.item(t, inst.ID, "t-2").RetryCount)
		assert.Equal(t, payroll.StagePartial, h.stage(t, inst.ID))
	})
}

func TestSummary_ReadOnly(t *testing.T) {
	gw := richGateway()
	h := newHarness(t, mobileStaff(), gw, harnessOpts{})
	inst := h.toProcessing(t)

	sum, err := h.processor.Summary(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Pending)
	assert.Len(t, sum.Items, 3)
	assert.Equal(t, payroll.StageProcessing, sum.Stage)
	assert.Zero(t, gw.callCount())
}

func TestSubscribeAutoDispatch(t *testing.T) {
	gw := richGateway()
	d := dispatcher.NewDispatcher()
	h := newHarness(t, mobileStaff(), gw, harnessOpts{dispatcher: d})
	SubscribeAutoDispatch(d, h.processor, zap.NewNop())

	inst := h.toProcessing(t)
	require.NoError(t, d.Close())

	assert.Equal(t, payroll.StageCompleted, h.stage(t, inst.ID))
	assert.Equal(t, 3, gw.callCount())
}
