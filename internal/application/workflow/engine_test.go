package workflow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/persistence/memory"
)

const (
	reviewProcess domainwf.ProcessType = "review"

	stageDraft    domainwf.Stage = "draft"
	stageReview   domainwf.Stage = "review"
	stageApproved domainwf.Stage = "approved"
	stageRejected domainwf.Stage = "rejected"
)

// mockOracle grants capabilities per actor
type mockOracle struct {
	authorizedFunc func(ctx context.Context, actorID, capability string) (bool, error)
}

func (m *mockOracle) Authorized(ctx context.Context, actorID, capability string) (bool, error) {
	if m.authorizedFunc != nil {
		return m.authorizedFunc(ctx, actorID, capability)
	}
	return true, nil
}

func grants(table map[string][]string) *mockOracle {
	return &mockOracle{authorizedFunc: func(_ context.Context, actorID, capability string) (bool, error) {
		for _, c := range table[actorID] {
			if c == capability {
				return true, nil
			}
		}
		return false, nil
	}}
}

// racingInstances holds the first n GetByID callers until all have read
type racingInstances struct {
	port.InstanceRepository
	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func (r *racingInstances) GetByID(ctx context.Context, id string) (*entity.WorkflowInstance, error) {
	inst, err := r.InstanceRepository.GetByID(ctx, id)

	r.mu.Lock()
	gate := r.release
	if gate != nil {
		r.waiting--
		if r.waiting == 0 {
			close(gate)
			r.release = nil
		}
	}
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return inst, err
}

// busyInstances fails the first n UpdateState calls with ErrStorageBusy
type busyInstances struct {
	port.InstanceRepository
	mu    sync.Mutex
	fails int
}

func (b *busyInstances) UpdateState(ctx context.Context, inst *entity.WorkflowInstance, expected int64) error {
	b.mu.Lock()
	if b.fails > 0 {
		b.fails--
		b.mu.Unlock()
		return domainwf.ErrStorageBusy
	}
	b.mu.Unlock()
	return b.InstanceRepository.UpdateState(ctx, inst, expected)
}

func reviewDefinition() *domainwf.Definition {
	b := domainwf.NewBuilder(reviewProcess).
		Initial(stageDraft).
		Stages(stageDraft, stageReview, stageApproved, stageRejected).
		Status(stageApproved, domainwf.StatusCompleted).
		Status(stageRejected, domainwf.StatusRejected).
		StartCapability("author").
		MergeList("items", domainwf.ListRule{Mode: domainwf.ListUpsert, Key: "id"})
	b.Configure(stageDraft).Permit(stageReview, "author")
	b.Configure(stageReview).
		Permit(stageApproved, "approve").
		Permit(stageRejected, "approve").
		Permit(stageDraft, "author")
	b.Configure(stageRejected).Permit(stageDraft, "author")
	return domainwf.MustBuild(b)
}

type fixture struct {
	engine Engine
	store  *memory.Store
}

func newFixture(t *testing.T, proc Process, oracle port.PermissionOracle, wrap func(port.InstanceRepository) port.InstanceRepository) *fixture {
	t.Helper()
	store := memory.NewStore()
	var instances port.InstanceRepository = store.Instances()
	if wrap != nil {
		instances = wrap(instances)
	}
	if proc.Definition == nil {
		proc.Definition = reviewDefinition()
	}
	e, err := NewEngine(instances, store.Transitions(), store, oracle, []Process{proc},
		WithLogger(zap.NewNop()),
		WithRetry(5, time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	return &fixture{engine: e, store: store}
}

var defaultGrants = map[string][]string{
	"alice": {"author"},
	"bob":   {"approve"},
	"root":  {"author", "approve"},
}

func (f *fixture) start(t *testing.T, ref string) *entity.WorkflowInstance {
	t.Helper()
	res, err := f.engine.Start(context.Background(), StartRequest{
		ProcessType:   reviewProcess,
		ReferenceType: "doc",
		ReferenceID:   ref,
		ActorID:       "alice",
		Payload:       map[string]interface{}{"title": "T"},
	})
	require.NoError(t, err)
	return res.Instance
}

func TestEngine_Start(t *testing.T) {
	t.Run("creates instance in initial stage", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")

		assert.NotEmpty(t, inst.ID)
		assert.Equal(t, stageDraft, inst.CurrentStage)
		assert.Equal(t, domainwf.StatusInProgress, inst.Status)
		assert.Equal(t, int64(1), inst.Version)
		assert.Equal(t, "alice", inst.CreatedBy)

		history, err := f.engine.History(context.Background(), inst.ID)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("rejects second active instance for the same reference", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		first := f.start(t, "d-1")

		_, err := f.engine.Start(context.Background(), StartRequest{
			ProcessType: reviewProcess, ReferenceType: "doc", ReferenceID: "d-1", ActorID: "alice",
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, domainwf.ErrDuplicateInstance)
		assert.ErrorIs(t, err, domainwf.ErrValidationFailed)

		all, err := f.engine.List(context.Background(), port.InstanceFilter{ReferenceID: "d-1"})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, first.ID, all[0].ID)
	})

	t.Run("allows a new instance once the previous one completed", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")
		ctx := context.Background()
		_, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "alice"})
		require.NoError(t, err)
		_, err = f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageApproved, ActorID: "bob"})
		require.NoError(t, err)

		f.start(t, "d-1")
	})

	t.Run("requires start capability", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		_, err := f.engine.Start(context.Background(), StartRequest{
			ProcessType: reviewProcess, ReferenceType: "doc", ReferenceID: "d-1", ActorID: "bob",
		})
		assert.ErrorIs(t, err, domainwf.ErrUnauthorized)
	})

	t.Run("unknown process type", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		_, err := f.engine.Start(context.Background(), StartRequest{
			ProcessType: "missing", ReferenceType: "doc", ReferenceID: "d-1", ActorID: "alice",
		})
		assert.ErrorIs(t, err, domainwf.ErrUndefinedProcess)
	})

	t.Run("prepare sets the reference", func(t *testing.T) {
		proc := Process{Prepare: func(_ context.Context, req *StartRequest) error {
			title := domainwf.PayloadString(req.Payload, "title")
			if title == "" {
				return domainwf.ValidationFailed("title is required")
			}
			req.ReferenceType, req.ReferenceID = "doc", "title:"+title
			return nil
		}}
		f := newFixture(t, proc, grants(defaultGrants), nil)

		res, err := f.engine.Start(context.Background(), StartRequest{
			ProcessType: reviewProcess, ActorID: "alice", Payload: map[string]interface{}{"title": "plan"},
		})
		require.NoError(t, err)
		assert.Equal(t, "title:plan", res.Instance.ReferenceID)

		_, err = f.engine.Start(context.Background(), StartRequest{ProcessType: reviewProcess, ActorID: "alice"})
		assert.ErrorIs(t, err, domainwf.ErrValidationFailed)
	})

	t.Run("runs the initial stage hook", func(t *testing.T) {
		proc := Process{Hooks: map[domainwf.Stage]HookFunc{
			stageDraft: func(_ context.Context, inst *entity.WorkflowInstance) (map[string]interface{}, error) {
				return map[string]interface{}{"drafted": true}, nil
			},
		}}
		f := newFixture(t, proc, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")

		assert.Equal(t, true, inst.Payload["drafted"])
		assert.Equal(t, int64(2), inst.Version)
	})
}

func TestEngine_Transition(t *testing.T) {
	ctx := context.Background()

	t.Run("applies edge and records it", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")

		res, err := f.engine.Transition(ctx, TransitionRequest{
			InstanceID:   inst.ID,
			ToStage:      stageReview,
			ActorID:      "alice",
			PayloadDelta: map[string]interface{}{"note": "ready", "count": 2},
		})
		require.NoError(t, err)
		assert.False(t, res.Degraded())
		assert.Equal(t, stageReview, res.Instance.CurrentStage)
		assert.Equal(t, int64(2), res.Instance.Version)
		assert.Equal(t, "T", res.Instance.Payload["title"])
		assert.Equal(t, 2.0, res.Instance.Payload["count"])

		stored, err := f.engine.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, res.Instance.Payload, stored.Payload)

		history, err := f.engine.History(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, entity.TransitionApplied, history[0].Result)
		assert.Equal(t, stageDraft, history[0].FromStage)
		assert.Equal(t, stageReview, history[0].ToStage)
		assert.Equal(t, "alice", history[0].ActorID)
		assert.Equal(t, "ready", history[0].Data["note"])
	})

	t.Run("maps target stage to status", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")
		_, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "alice"})
		require.NoError(t, err)

		res, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageRejected, ActorID: "bob"})
		require.NoError(t, err)
		assert.Equal(t, domainwf.StatusRejected, res.Instance.Status)

		res, err = f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageDraft, ActorID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, domainwf.StatusInProgress, res.Instance.Status)
	})

	t.Run("merges list by identifier", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		res, err := f.engine.Start(ctx, StartRequest{
			ProcessType: reviewProcess, ReferenceType: "doc", ReferenceID: "d-1", ActorID: "alice",
			Payload: map[string]interface{}{"items": []interface{}{
				map[string]interface{}{"id": "a", "v": 1},
				map[string]interface{}{"id": "b", "v": 1},
			}},
		})
		require.NoError(t, err)

		res, err = f.engine.Transition(ctx, TransitionRequest{
			InstanceID: res.Instance.ID, ToStage: stageReview, ActorID: "alice",
			PayloadDelta: map[string]interface{}{"items": []interface{}{
				map[string]interface{}{"id": "b", "v": 2},
			}},
		})
		require.NoError(t, err)

		items := domainwf.PayloadList(res.Instance.Payload, "items")
		require.Len(t, items, 2)
		assert.Equal(t, 1.0, items[0].(map[string]interface{})["v"])
		assert.Equal(t, 2.0, items[1].(map[string]interface{})["v"])
	})

	t.Run("typed deltas merge like decoded ones", func(t *testing.T) {
		type item struct {
			ID string `json:"id"`
			V  int    `json:"v"`
		}
		deltas := []struct {
			name  string
			items interface{}
		}{
			{"slice of maps", []map[string]interface{}{{"id": "b", "v": 2}}},
			{"slice of structs", []item{{ID: "b", V: 2}}},
		}
		for _, tt := range deltas {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture(t, Process{}, grants(defaultGrants), nil)
				res, err := f.engine.Start(ctx, StartRequest{
					ProcessType: reviewProcess, ReferenceType: "doc", ReferenceID: "d-1", ActorID: "alice",
					Payload: map[string]interface{}{
						"items": []interface{}{
							map[string]interface{}{"id": "a", "v": 1},
							map[string]interface{}{"id": "b", "v": 1},
						},
						"meta": map[string]interface{}{"owner": "alice", "tag": "x"},
					},
				})
				require.NoError(t, err)

				res, err = f.engine.Transition(ctx, TransitionRequest{
					InstanceID: res.Instance.ID, ToStage: stageReview, ActorID: "alice",
					PayloadDelta: map[string]interface{}{
						"items": tt.items,
						"meta":  map[string]string{"tag": "y"},
					},
				})
				require.NoError(t, err)

				items := domainwf.PayloadList(res.Instance.Payload, "items")
				require.Len(t, items, 2, "an upsert of one item keeps the other")
				assert.Equal(t, 1.0, items[0].(map[string]interface{})["v"])
				assert.Equal(t, 2.0, items[1].(map[string]interface{})["v"])

				meta, ok := res.Instance.Payload["meta"].(map[string]interface{})
				require.True(t, ok)
				assert.Equal(t, map[string]interface{}{"owner": "alice", "tag": "y"}, meta)
			})
		}
	})

	t.Run("typed hook delta merges by identifier", func(t *testing.T) {
		proc := Process{Hooks: map[domainwf.Stage]HookFunc{
			stageReview: func(context.Context, *entity.WorkflowInstance) (map[string]interface{}, error) {
				return map[string]interface{}{"items": []map[string]interface{}{{"id": "a", "checked": true}}}, nil
			},
		}}
		f := newFixture(t, proc, grants(defaultGrants), nil)
		res, err := f.engine.Start(ctx, StartRequest{
			ProcessType: reviewProcess, ReferenceType: "doc", ReferenceID: "d-1", ActorID: "alice",
			Payload: map[string]interface{}{"items": []interface{}{
				map[string]interface{}{"id": "a", "v": 1},
				map[string]interface{}{"id": "b", "v": 1},
			}},
		})
		require.NoError(t, err)

		res, err = f.engine.Transition(ctx, TransitionRequest{InstanceID: res.Instance.ID, ToStage: stageReview, ActorID: "alice"})
		require.NoError(t, err)
		require.False(t, res.Degraded())

		items := domainwf.PayloadList(res.Instance.Payload, "items")
		require.Len(t, items, 2)
		assert.Equal(t, map[string]interface{}{"id": "a", "v": 1.0, "checked": true}, items[0])
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		_, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: "missing", ToStage: stageReview, ActorID: "alice"})
		assert.ErrorIs(t, err, domainwf.ErrNotFound)
		assert.Equal(t, "NOT_FOUND", domainwf.Code(err))
	})

	t.Run("invalid edge is rejected and recorded", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")

		_, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageApproved, ActorID: "root"})
		require.Error(t, err)
		assert.ErrorIs(t, err, domainwf.ErrInvalidTransition)
		we, ok := domainwf.AsError(err)
		require.True(t, ok)
		assert.Equal(t, stageDraft, we.FromStage)
		assert.Equal(t, stageApproved, we.ToStage)

		history, _ := f.engine.History(ctx, inst.ID)
		require.Len(t, history, 1)
		assert.Equal(t, entity.TransitionRejectedInvalidEdge, history[0].Result)

		stored, _ := f.engine.Get(ctx, inst.ID)
		assert.Equal(t, stageDraft, stored.CurrentStage)
		assert.Equal(t, int64(1), stored.Version)
	})

	t.Run("missing capability is rejected and recorded", func(t *testing.T) {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")

		_, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "bob"})
		require.Error(t, err)
		assert.ErrorIs(t, err, domainwf.ErrUnauthorized)
		we, ok := domainwf.AsError(err)
		require.True(t, ok)
		assert.Equal(t, "author", we.Capability)

		history, _ := f.engine.History(ctx, inst.ID)
		require.Len(t, history, 1)
		assert.Equal(t, entity.TransitionRejectedPermission, history[0].Result)

		stored, _ := f.engine.Get(ctx, inst.ID)
		assert.Equal(t, stageDraft, stored.CurrentStage)
	})

	t.Run("oracle error propagates", func(t *testing.T) {
		oracleErr := errors.New("directory down")
		oracle := &mockOracle{authorizedFunc: func(context.Context, string, string) (bool, error) {
			return false, oracleErr
		}}
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")

		e, err := NewEngine(f.store.Instances(), f.store.Transitions(), f.store, oracle, []Process{{Definition: reviewDefinition()}})
		require.NoError(t, err)
		_, err = e.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "alice"})
		assert.ErrorIs(t, err, oracleErr)
	})

	t.Run("guard failure leaves instance untouched", func(t *testing.T) {
		proc := Process{Guards: map[domainwf.Stage]GuardFunc{
			stageRejected: func(_ context.Context, inst *entity.WorkflowInstance, delta map[string]interface{}) error {
				if domainwf.PayloadString(delta, "reason") == "" {
					return domainwf.ValidationFailed("reason is required")
				}
				return nil
			},
		}}
		f := newFixture(t, proc, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")
		_, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "alice"})
		require.NoError(t, err)

		_, err = f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageRejected, ActorID: "bob"})
		require.Error(t, err)
		assert.ErrorIs(t, err, domainwf.ErrValidationFailed)

		stored, _ := f.engine.Get(ctx, inst.ID)
		assert.Equal(t, stageReview, stored.CurrentStage)

		res, err := f.engine.Transition(ctx, TransitionRequest{
			InstanceID: inst.ID, ToStage: stageRejected, ActorID: "bob",
			PayloadDelta: map[string]interface{}{"reason": "incomplete"},
		})
		require.NoError(t, err)
		assert.Equal(t, "incomplete", res.Instance.Payload["reason"])
	})

	t.Run("hook failure yields degraded result without rollback", func(t *testing.T) {
		hookErr := errors.New("records service unavailable")
		proc := Process{Hooks: map[domainwf.Stage]HookFunc{
			stageReview: func(context.Context, *entity.WorkflowInstance) (map[string]interface{}, error) {
				return nil, hookErr
			},
		}}
		f := newFixture(t, proc, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")

		res, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "alice"})
		require.NoError(t, err)
		assert.True(t, res.Degraded())
		assert.ErrorIs(t, res.HookErr, hookErr)

		stored, _ := f.engine.Get(ctx, inst.ID)
		assert.Equal(t, stageReview, stored.CurrentStage)
	})

	t.Run("hook payload is persisted", func(t *testing.T) {
		proc := Process{Hooks: map[domainwf.Stage]HookFunc{
			stageReview: func(_ context.Context, inst *entity.WorkflowInstance) (map[string]interface{}, error) {
				return map[string]interface{}{"entered_from": "draft", "title": inst.Payload["title"]}, nil
			},
		}}
		f := newFixture(t, proc, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")

		res, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, "draft", res.Instance.Payload["entered_from"])

		stored, _ := f.engine.Get(ctx, inst.ID)
		assert.Equal(t, "draft", stored.Payload["entered_from"])
		assert.Equal(t, int64(3), stored.Version)
	})

	t.Run("retries busy storage", func(t *testing.T) {
		var busy *busyInstances
		f := newFixture(t, Process{}, grants(defaultGrants), func(r port.InstanceRepository) port.InstanceRepository {
			busy = &busyInstances{InstanceRepository: r}
			return busy
		})
		inst := f.start(t, "d-1")
		busy.fails = 2

		res, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, stageReview, res.Instance.CurrentStage)

		history, _ := f.engine.History(ctx, inst.ID)
		assert.Len(t, history, 1)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var busy *busyInstances
		f := newFixture(t, Process{}, grants(defaultGrants), func(r port.InstanceRepository) port.InstanceRepository {
			busy = &busyInstances{InstanceRepository: r}
			return busy
		})
		inst := f.start(t, "d-1")
		busy.fails = 100

		_, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "alice"})
		assert.ErrorIs(t, err, domainwf.ErrStorageBusy)
		assert.Equal(t, "CONFLICT", domainwf.Code(err))
	})
}

func TestEngine_RejectsEveryUndeclaredPair(t *testing.T) {
	def := reviewDefinition()
	ctx := context.Background()

	for _, from := range def.Stages() {
		for _, to := range def.Stages() {
			if _, ok := def.Edge(from, to); ok {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				f := newFixture(t, Process{}, grants(defaultGrants), nil)
				inst := f.start(t, "d-1")
				moveTo(t, f.engine, inst.ID, def, from)

				_, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: to, ActorID: "root"})
				assert.ErrorIs(t, err, domainwf.ErrInvalidTransition)

				stored, _ := f.engine.Get(ctx, inst.ID)
				assert.Equal(t, from, stored.CurrentStage)
			})
		}
	}
}

// moveTo walks the shortest declared path from the initial stage to target
func moveTo(t *testing.T, e Engine, id string, def *domainwf.Definition, target domainwf.Stage) {
	t.Helper()
	prev := map[domainwf.Stage]domainwf.Stage{}
	seen := map[domainwf.Stage]bool{def.Initial(): true}
	queue := []domainwf.Stage{def.Initial()}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		edges, _ := def.Edges(cur)
		for _, edge := range edges {
			if !seen[edge.To] {
				seen[edge.To] = true
				prev[edge.To] = cur
				queue = append(queue, edge.To)
			}
		}
	}

	var path []domainwf.Stage
	for s := target; s != def.Initial(); s = prev[s] {
		path = append([]domainwf.Stage{s}, path...)
	}
	for _, s := range path {
		_, err := e.Transition(context.Background(), TransitionRequest{
			InstanceID: id, ToStage: s, ActorID: "root",
			PayloadDelta: map[string]interface{}{"reason": "walk"},
		})
		require.NoError(t, err)
	}
}

func TestEngine_ConcurrentTransitionsFromSameStage(t *testing.T) {
	var racing *racingInstances
	f := newFixture(t, Process{}, grants(defaultGrants), func(r port.InstanceRepository) port.InstanceRepository {
		racing = &racingInstances{InstanceRepository: r}
		return racing
	})
	inst := f.start(t, "d-1")
	_, err := f.engine.Transition(context.Background(), TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "alice"})
	require.NoError(t, err)

	racing.mu.Lock()
	racing.waiting = 2
	racing.release = make(chan struct{})
	racing.mu.Unlock()

	targets := []domainwf.Stage{stageApproved, stageRejected}
	results := make([]*Result, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to domainwf.Stage) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Transition(context.Background(), TransitionRequest{
				InstanceID: inst.ID, ToStage: to, ActorID: "bob",
			})
		}(i, to)
	}
	wg.Wait()

	winners := 0
	var winnerStage domainwf.Stage
	for i := range targets {
		if errs[i] == nil {
			winners++
			winnerStage = results[i].Instance.CurrentStage
		}
	}
	require.Equal(t, 1, winners)

	for i := range targets {
		if errs[i] == nil {
			continue
		}
		assert.ErrorIs(t, errs[i], domainwf.ErrInvalidTransition)
		we, ok := domainwf.AsError(errs[i])
		require.True(t, ok)
		assert.Equal(t, winnerStage, we.FromStage)
	}

	stored, _ := f.engine.Get(context.Background(), inst.ID)
	assert.Equal(t, winnerStage, stored.CurrentStage)

	v, err := f.engine.VerifyHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.True(t, v.Consistent, v.Problem)
}

func TestEngine_ReplayMatchesCurrentStage(t *testing.T) {
	def := reviewDefinition()
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for run := 0; run < 20; run++ {
		f := newFixture(t, Process{}, grants(defaultGrants), nil)
		inst := f.start(t, "d-1")

		for step := 0; step < 12; step++ {
			stored, err := f.engine.Get(ctx, inst.ID)
			require.NoError(t, err)
			stages := def.Stages()
			to := stages[rng.Intn(len(stages))]
			actor := []string{"alice", "bob", "root"}[rng.Intn(3)]
			_, _ = f.engine.Transition(ctx, TransitionRequest{InstanceID: stored.ID, ToStage: to, ActorID: actor})
		}

		v, err := f.engine.VerifyHistory(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, v.Consistent, v.Problem)

		stored, _ := f.engine.Get(ctx, inst.ID)
		history, _ := f.engine.History(ctx, inst.ID)
		replayed, err := domainwf.Replay(def, entity.AppliedSteps(history))
		require.NoError(t, err)
		assert.Equal(t, stored.CurrentStage, replayed)
		assert.Equal(t, int64(len(entity.AppliedSteps(history))+1), stored.Version)
	}
}

func TestEngine_AvailableTransitions(t *testing.T) {
	f := newFixture(t, Process{}, grants(defaultGrants), nil)
	inst := f.start(t, "d-1")
	ctx := context.Background()
	_, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: inst.ID, ToStage: stageReview, ActorID: "alice"})
	require.NoError(t, err)

	tests := []struct {
		actor string
		want  []domainwf.Stage
	}{
		{"alice", []domainwf.Stage{stageDraft}},
		{"bob", []domainwf.Stage{stageApproved, stageRejected}},
		{"root", []domainwf.Stage{stageApproved, stageRejected, stageDraft}},
		{"nobody", nil},
	}
	for _, tt := range tests {
		t.Run(tt.actor, func(t *testing.T) {
			edges, err := f.engine.AvailableTransitions(ctx, inst.ID, tt.actor)
			require.NoError(t, err)
			var got []domainwf.Stage
			for _, e := range edges {
				got = append(got, e.To)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_VerifyHistoryDetectsDrift(t *testing.T) {
	f := newFixture(t, Process{}, grants(defaultGrants), nil)
	inst := f.start(t, "d-1")
	ctx := context.Background()

	// Move the stored stage without a transition record
	drifted := inst.Clone()
	drifted.CurrentStage = stageReview
	require.NoError(t, f.store.Instances().UpdateState(ctx, drifted, inst.Version))

	v, err := f.engine.VerifyHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, v.Consistent)
	assert.Equal(t, stageDraft, v.ReplayedStage)
	assert.Equal(t, stageReview, v.CurrentStage)
}

func TestEngine_List(t *testing.T) {
	f := newFixture(t, Process{}, grants(defaultGrants), nil)
	ctx := context.Background()
	f.start(t, "d-1")
	second := f.start(t, "d-2")
	_, err := f.engine.Transition(ctx, TransitionRequest{InstanceID: second.ID, ToStage: stageReview, ActorID: "alice"})
	require.NoError(t, err)

	all, err := f.engine.List(ctx, port.InstanceFilter{ProcessType: reviewProcess})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	inReview, err := f.engine.List(ctx, port.InstanceFilter{Stage: stageReview})
	require.NoError(t, err)
	require.Len(t, inReview, 1)
	assert.Equal(t, second.ID, inReview[0].ID)

	_, err = f.engine.List(ctx, port.InstanceFilter{ProcessType: "missing"})
	assert.ErrorIs(t, err, domainwf.ErrUndefinedProcess)

	_, err = f.engine.List(ctx, port.InstanceFilter{Status: "weird"})
	assert.ErrorIs(t, err, domainwf.ErrValidationFailed)
}
