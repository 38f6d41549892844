// Package flow drives a task through the staged run pipeline: receive,
// context loading, LLM node selection and planning, the policy gate, the
// approval interlock, step execution, commit, and completion. Stages share
// one run scope and communicate through tagged edges; every event goes
// through the persist-before-emit helper so subscribers never see an update
// the event log does not already hold.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/executor"
	"github.com/aetherhq/aether/pkg/hydrator"
	"github.com/aetherhq/aether/pkg/index"
	"github.com/aetherhq/aether/pkg/metrics"
	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/planner"
	"github.com/aetherhq/aether/pkg/policy"
	"github.com/aetherhq/aether/pkg/registry"
	"github.com/aetherhq/aether/pkg/storage"
	"github.com/aetherhq/aether/pkg/tools"
)

// Flat cost fallbacks for LLM stages without a per-1k token rate.
const (
	selectNodesFlatCost = 5
	buildPlanFlatCost   = 10
)

// RegistryLoader resolves the effective action/policy catalog for a task.
type RegistryLoader interface {
	LoadFor(task *models.TaskInput) (*models.Registry, error)
}

// Deps are the collaborators one engine runs against.
type Deps struct {
	Store    storage.Store
	Registry RegistryLoader
	Tenants  registry.TenantLoader
	Trees    index.Provider
	Hydrator hydrator.Hydrator
	Planner  planner.Planner
	Tools    tools.Runner
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Engine executes the run pipeline for one task at a time. It is safe for
// concurrent use; all run state lives in per-call scopes.
type Engine struct {
	deps Deps
	exec *executor.Executor
	log  *slog.Logger
}

// New builds an engine and checks that every required collaborator is set.
func New(deps Deps) (*Engine, error) {
	var missing []string
	if deps.Store == nil {
		missing = append(missing, "store")
	}
	if deps.Registry == nil {
		missing = append(missing, "registry")
	}
	if deps.Tenants == nil {
		missing = append(missing, "tenants")
	}
	if deps.Trees == nil {
		missing = append(missing, "trees")
	}
	if deps.Hydrator == nil {
		missing = append(missing, "hydrator")
	}
	if deps.Planner == nil {
		missing = append(missing, "planner")
	}
	if deps.Tools == nil {
		missing = append(missing, "tools")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("flow engine missing dependencies: %v", missing)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		deps: deps,
		exec: executor.New(deps.Store, deps.Tools, deps.Logger),
		log:  deps.Logger,
	}, nil
}

type stageID string

const (
	stageReceive         stageID = "receive"
	stageLoadTenant      stageID = "load_tenant"
	stageLoadRegistry    stageID = "load_registry"
	stageLoadTrees       stageID = "load_trees"
	stageSelectNodes     stageID = "select_nodes"
	stageHydrate         stageID = "hydrate"
	stagePlan            stageID = "plan"
	stageGate            stageID = "gate"
	stageRequestApproval stageID = "request_approval"
	stageWaitApproval    stageID = "wait_approval"
	stageExecute         stageID = "execute"
	stageCommit          stageID = "commit"
	stageComplete        stageID = "complete"
)

type edge string

const (
	edgeDefault      edge = "default"
	edgeFatal        edge = "fatal"
	edgeOK           edge = "ok"
	edgeNeedApproval edge = "need_approval"
	edgeApproved     edge = "approved"
	edgeDenied       edge = "denied"
	edgeTimeout      edge = "timeout"
	edgeFailed       edge = "failed"
	edgeDone         edge = "done"
)

// transitions is the pipeline graph. A tag with no entry falls back to the
// stage's default edge. Approved re-entries loop back through the gate,
// where the latched grant admits the plan without a second request.
var transitions = map[stageID]map[edge]stageID{
	stageReceive:         {edgeDefault: stageLoadTenant, edgeFatal: stageComplete},
	stageLoadTenant:      {edgeDefault: stageLoadRegistry},
	stageLoadRegistry:    {edgeDefault: stageLoadTrees},
	stageLoadTrees:       {edgeDefault: stageSelectNodes},
	stageSelectNodes:     {edgeDefault: stageHydrate, edgeFatal: stageComplete},
	stageHydrate:         {edgeDefault: stagePlan},
	stagePlan:            {edgeDefault: stageGate, edgeFatal: stageComplete},
	stageGate:            {edgeOK: stageExecute, edgeNeedApproval: stageRequestApproval, edgeFatal: stageComplete},
	stageRequestApproval: {edgeDefault: stageWaitApproval},
	stageWaitApproval:    {edgeApproved: stageGate, edgeDenied: stageComplete, edgeTimeout: stageComplete},
	stageExecute:         {edgeDefault: stageCommit, edgeFailed: stageCommit},
	stageCommit:          {edgeDefault: stageComplete},
}

// runScope is the state shared by the stages of one run.
type runScope struct {
	task   *models.TaskInput
	run    *models.Run
	tenant *models.TenantContext
	reg    *models.Registry
	trees  []models.ContextTree

	nodeList []string
	pack     *models.ContextPack
	plan     *models.Plan
	gate     *policy.GateResult

	approvalID      string
	approvalGranted bool

	stepResults []models.StepResult

	// Terminal outcome staged for the complete stage. Empty finalState
	// means the default completed/failed computation applies.
	finalState models.RunState
	finalMsg   string
	finalMeta  map[string]any

	sink func(events.Event)
}

// terminate stages the terminal status the complete stage will emit.
func (rs *runScope) terminate(state models.RunState, msg string, meta map[string]any) {
	rs.finalState = state
	rs.finalMsg = msg
	rs.finalMeta = meta
}

// roles returns the caller roles: task-scoped when present, else the
// tenant's configured roles.
func (rs *runScope) roles() []string {
	if len(rs.task.Roles) > 0 {
		return rs.task.Roles
	}
	if rs.tenant != nil {
		return rs.tenant.Roles
	}
	return nil
}

// tenantLimits returns the tenant budget limits, never nil.
func (rs *runScope) tenantLimits() models.Limits {
	if rs.tenant != nil && rs.tenant.Limits != nil {
		return rs.tenant.Limits
	}
	return models.Limits{}
}

// Execute drives the task through the pipeline, pushing every persisted
// event into sink. It returns an error only when the run aborted without a
// terminal status (storage failure, simulated crash); re-submitting the
// task replays the run through the idempotency cache.
func (e *Engine) Execute(ctx context.Context, task *models.TaskInput, sink func(events.Event)) error {
	if task == nil || task.TaskID == "" || task.TenantID == "" {
		return fmt.Errorf("task requires task_id and tenant_id")
	}
	rs := &runScope{task: task, sink: sink}

	cur := stageReceive
	for {
		tag, err := e.runStage(ctx, rs, cur)
		if err != nil {
			return fmt.Errorf("stage %s: %w", cur, err)
		}
		if tag == edgeDone {
			return nil
		}
		next, ok := transitions[cur][tag]
		if !ok {
			next = transitions[cur][edgeDefault]
		}
		if next == "" {
			return fmt.Errorf("stage %s: no transition for edge %q", cur, tag)
		}
		cur = next
	}
}

// TaskSendSubscribe starts the run and returns its event stream. The
// channel closes when the run reaches a terminal status or aborts; aborts
// are logged, and the caller observes them as a stream without a terminal
// status event.
func (e *Engine) TaskSendSubscribe(ctx context.Context, task *models.TaskInput) <-chan events.Event {
	ch := make(chan events.Event, 64)
	go func() {
		defer close(ch)
		sink := func(ev events.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		if err := e.Execute(ctx, task, sink); err != nil {
			e.log.Error("run aborted", "task_id", task.TaskID, "error", err)
		}
	}()
	return ch
}

func (e *Engine) runStage(ctx context.Context, rs *runScope, id stageID) (edge, error) {
	switch id {
	case stageReceive:
		return e.receive(ctx, rs)
	case stageLoadTenant:
		return e.loadTenant(ctx, rs)
	case stageLoadRegistry:
		return e.loadRegistry(ctx, rs)
	case stageLoadTrees:
		return e.loadTrees(ctx, rs)
	case stageSelectNodes:
		return e.selectNodes(ctx, rs)
	case stageHydrate:
		return e.hydrate(ctx, rs)
	case stagePlan:
		return e.buildPlan(ctx, rs)
	case stageGate:
		return e.gate(ctx, rs)
	case stageRequestApproval:
		return e.requestApproval(ctx, rs)
	case stageWaitApproval:
		return e.waitApproval(ctx, rs)
	case stageExecute:
		return e.execute(ctx, rs)
	case stageCommit:
		return e.commit(ctx, rs)
	case stageComplete:
		return e.complete(ctx, rs)
	}
	return "", fmt.Errorf("unknown stage %s", id)
}

// emit persists the event, then forwards the sequenced copy to the
// subscriber. Persistence failures abort the run.
func (e *Engine) emit(ctx context.Context, rs *runScope, ev events.Event) error {
	persisted, err := e.deps.Store.PersistUpdate(ctx, rs.run.RunID, ev)
	if err != nil {
		return fmt.Errorf("persisting %s: %w", ev.Type(), err)
	}
	e.deps.Metrics.EventsPersisted.Inc()
	if rs.sink != nil {
		rs.sink(persisted)
	}
	return nil
}

func (e *Engine) status(ctx context.Context, rs *runScope, state models.RunState, msg string, meta map[string]any) error {
	return e.emit(ctx, rs, events.NewStatus(rs.task.TaskID, rs.run.RunID, state, msg, meta))
}

func (e *Engine) artifact(ctx context.Context, rs *runScope, artifactType string, payload any) error {
	return e.emit(ctx, rs, events.NewArtifact(rs.task.TaskID, rs.run.RunID, artifactType, payload))
}
