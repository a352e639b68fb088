package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/smithers-ai/smithers/internal/approvals"
	"github.com/smithers-ai/smithers/internal/artifacts"
	"github.com/smithers-ai/smithers/internal/backend"
	"github.com/smithers-ai/smithers/internal/backend/workspace"
	"github.com/smithers-ai/smithers/internal/effects"
	"github.com/smithers-ai/smithers/internal/errs"
	"github.com/smithers-ai/smithers/internal/events"
	"github.com/smithers-ai/smithers/internal/identity"
	"github.com/smithers-ai/smithers/internal/lease"
	"github.com/smithers-ai/smithers/internal/logging"
	"github.com/smithers-ai/smithers/internal/metrics"
	"github.com/smithers-ai/smithers/internal/node"
	"github.com/smithers-ai/smithers/internal/purity"
	"github.com/smithers-ai/smithers/internal/queue"
	"github.com/smithers-ai/smithers/internal/repo"
	"github.com/smithers-ai/smithers/internal/serialize"
	"github.com/smithers-ai/smithers/internal/store"
)

// runningTask is the engine's in-memory view of one live task.
type runningTask struct {
	TaskID   string
	NodeID   identity.NodeID
	Handlers *node.Handlers
	Cancel   context.CancelFunc
}

// completion is one item delivered asynchronously from a task's stream.
type completion struct {
	TaskID   string
	NodeID   identity.NodeID
	Progress *node.ProgressChunk
	Result   *node.Result
	Err      error
}

// Config bundles every tunable the tick loop consults.
type Config struct {
	FrameThrottle      time.Duration
	IdleTimeout        time.Duration
	FrameStormThreshold int
	FrameStormHistory  int
	MaxFramesPerRun    int
	LeaseConfig        lease.Config
	OrphanPolicy       lease.OrphanPolicy
	MaxTaskRetries     int
	Stop               StopConditions
	EffectOptions      []effects.Option
}

// DefaultConfig matches the spec's defaults: 250ms throttle, 3-signature
// frame-storm threshold, retry orphan policy.
func DefaultConfig() Config {
	return Config{
		FrameThrottle:       250 * time.Millisecond,
		IdleTimeout:         0,
		FrameStormThreshold: 3,
		FrameStormHistory:   64,
		LeaseConfig:         lease.DefaultConfig(),
		OrphanPolicy:        lease.PolicyRetry,
		MaxTaskRetries:      3,
	}
}

// Engine drives one execution's tick loop to quiescence.
type Engine struct {
	db          *sqlx.DB
	repo        *repo.Repo
	executionID string

	durable  *store.DurableStore
	volatile *store.VolatileStore

	tracker         *purity.Tracker
	guardedDurable  *purity.GuardedStore
	guardedVolatile *purity.GuardedStore

	component Component
	effects   *effects.Registry
	leaseMgr  *lease.Manager
	cancelMgr *lease.CancellationHandler
	dispatch  *events.Dispatcher
	approvals *approvals.Store
	artifacts *artifacts.Store
	fs        *workspace.FileSurface
	fsRoot    string
	fsWatcher *workspace.Watcher
	fsNudged  int32
	backendExec backend.Executor
	logger    *logging.Logger

	cfg   Config
	storm *frameStormGuard

	previous           identity.Annotated
	previousSerialized string
	frameSeq           int64

	runningByNode map[identity.NodeID]*runningTask
	tasksByID     map[string]*runningTask
	completions   chan completion

	now        func() time.Time
	startedAt  time.Time
	lastFrame  time.Time
	stopReason string
	idleSince  time.Time
	sleep      func(time.Duration)
	paused     int32
	metrics    *metrics.Metrics
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithNow(fn func() time.Time) Option    { return func(e *Engine) { e.now = fn } }
func WithSleep(fn func(time.Duration)) Option { return func(e *Engine) { e.sleep = fn } }
func WithLogger(l *logging.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithBackend(b backend.Executor) Option { return func(e *Engine) { e.backendExec = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithWorkspace wires ctx.FS to a FileSurface rooted at root, with w as its
// watcher (nil disables change notification). Resolved after every Option
// has run, so it always picks up a WithLogger passed alongside it
// regardless of argument order.
func WithWorkspace(root string, w *workspace.Watcher) Option {
	return func(e *Engine) {
		e.fsRoot = root
		e.fsWatcher = w
	}
}

// New builds an Engine bound to one execution. db already has migrations
// applied (see store.Open); durable is a DurableStore already scoped to
// executionID.
func New(db *sqlx.DB, durable *store.DurableStore, executionID, ownerID string, component Component, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		db:            db,
		repo:          repo.New(db),
		executionID:   executionID,
		durable:       durable,
		volatile:      store.NewVolatile(),
		tracker:       purity.NewTracker(),
		component:     component,
		effects:       effects.New(cfg.EffectOptions...),
		leaseMgr:      lease.New(ownerID, cfg.LeaseConfig),
		cancelMgr:     lease.NewCancellationHandler(),
		approvals:     approvals.New(),
		artifacts:     artifacts.New(),
		backendExec:   backend.ExecutorFunc(noopExecutor),
		logger:        logging.Default(),
		cfg:           cfg,
		storm:         newFrameStormGuard(cfg.FrameStormThreshold, cfg.FrameStormHistory, cfg.MaxFramesPerRun),
		previous:      identity.EmptyAnnotated,
		runningByNode: make(map[identity.NodeID]*runningTask),
		tasksByID:     make(map[string]*runningTask),
		completions:   make(chan completion, 256),
		now:           time.Now,
		sleep:         time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fsRoot != "" {
		if fs, err := workspace.New(e.fsRoot, e.fsWatcher, e.logger); err == nil {
			e.fs = fs
			if e.fsWatcher != nil {
				e.fsWatcher.SetOnChange(func() { atomic.StoreInt32(&e.fsNudged, 1) })
			}
		}
	}
	e.guardedDurable = purity.NewGuardedStore(e.durable, e.tracker)
	e.guardedVolatile = purity.NewGuardedStore(e.volatile, e.tracker)
	e.dispatch = events.New(e.durable, e.volatile)
	return e
}

func noopExecutor(ctx context.Context, req backend.Request) (<-chan backend.StreamItem, error) {
	ch := make(chan backend.StreamItem, 1)
	ch <- backend.StreamItem{Result: &node.Result{Status: "completed"}}
	close(ch)
	return ch, nil
}

// RecoverOrphans should be called once at startup, before Run, to sweep
// tasks left running by a crashed prior process.
func (e *Engine) RecoverOrphans() error {
	rows, err := e.repo.RunningTasksWithExpiredLeases(e.executionID, e.now())
	if err != nil {
		return err
	}
	candidates := make([]lease.Record, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, lease.Record{
			TaskID: row.ID, Status: lease.StatusRunning, RetryCount: row.RetryCount, ExpiresAt: e.now().Add(-time.Second),
		})
	}
	actions := lease.RecoverOrphans(candidates, e.cfg.OrphanPolicy, e.cfg.MaxTaskRetries, e.now())
	for _, a := range actions {
		if a.EmitRetryTask {
			if err := e.repo.IncrementTaskRetry(a.TaskID); err != nil {
				return err
			}
			_ = e.repo.InsertEvent(e.executionID, "task.retried", map[string]any{"task_id": a.TaskID, "retry_count": a.RetryCount})
		} else {
			if err := e.repo.UpdateTaskStatus(a.TaskID, string(a.NewStatus)); err != nil {
				return err
			}
			_ = e.repo.InsertEvent(e.executionID, "task.orphaned", map[string]any{"task_id": a.TaskID})
		}
	}
	return nil
}

// Run drives the tick loop until quiescence, a fatal error, or ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = e.now()
	e.lastFrame = e.startedAt.Add(-e.cfg.FrameThrottle)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for atomic.LoadInt32(&e.paused) == 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				e.sleep(25 * time.Millisecond)
			}
		}

		if wait := e.cfg.FrameThrottle - e.now().Sub(e.lastFrame); wait > 0 {
			e.sleep(wait)
		}

		quiescent, err := e.tick(ctx)
		if err != nil {
			e.fail(err)
			return err
		}
		if quiescent {
			if e.stopReason != "" {
				return e.finish("failed", e.stopReason)
			}
			return e.finish("completed", "")
		}
	}
}

func (e *Engine) fail(cause error) {
	for _, rt := range e.runningByNode {
		e.cancelMgr.RequestCancel(rt.TaskID)
		rt.Cancel()
	}
	_ = e.repo.FinishExecution(e.executionID, "failed", cause.Error())
	_ = e.repo.InsertEvent(e.executionID, "execution.failed", map[string]any{"error": cause.Error()})
}

func (e *Engine) finish(status, reason string) error {
	for _, rt := range e.runningByNode {
		rt.Cancel()
	}
	if err := e.repo.FinishExecution(e.executionID, status, reason); err != nil {
		return err
	}
	if status == "failed" {
		return errs.New(errs.CodeInternal, "execution stopped: "+reason, 500)
	}
	return nil
}

// tick runs exactly one frame through all seven phases.
func (e *Engine) tick(ctx context.Context) (bool, error) {
	e.lastFrame = e.now()
	frameID := e.frameSeq + 1
	frameNow := e.lastFrame

	// --- 1. Snapshot ---
	cctx := &Context{
		State: e.guardedDurable, V: e.guardedVolatile, DBHandle: e.db,
		FrameID: frameID, Approvals: e.approvals, Artifacts: e.artifacts, FS: e.fs, nowFn: func() time.Time { return frameNow },
	}

	// --- 2. Render ---
	var tree node.Node
	e.tracker.RunAsPhase(purity.PhaseRender, func() {
		tree = e.component(cctx)
	})

	// --- 3. Reconcile ---
	ann, warnings := identity.AssignTree(tree)
	for _, w := range warnings {
		e.logger.WithFields(map[string]interface{}{"node_id": w.NodeID, "message": w.Message}).Warn("plan linter warning")
	}
	runningTaskIDs := make(map[identity.NodeID]bool, len(e.runningByNode))
	for id := range e.runningByNode {
		runningTaskIDs[id] = true
	}
	rec := identity.Reconcile(ann, e.previous, runningTaskIDs)
	for _, id := range rec.Unmounted {
		if rt, ok := e.runningByNode[id]; ok {
			e.cancelMgr.RequestCancel(rt.TaskID)
		}
	}
	mounted := identity.Flatten(ann)
	mountedBool := make(map[identity.NodeID]bool, len(mounted))
	for id := range mounted {
		mountedBool[id] = true
	}

	// --- 4. Commit ---
	serialized := serialize.Tree(ann)
	frameChanged := serialized != e.previousSerialized
	if frameChanged {
		mountedIDsJSON, _ := json.Marshal(mountedIDList(mounted))
		if err := e.repo.InsertFrame(e.executionID, frameID, serialized, string(mountedIDsJSON), "", ""); err != nil {
			return false, err
		}
		e.frameSeq = frameID
	} else {
		frameID = e.frameSeq
	}

	durableQ := queue.New()
	volatileQ := queue.New()

	// --- 5. Execute ---
	e.drainCompletions(frameID, mountedBool, durableQ, volatileQ)

	for _, id := range rec.NewlyMounted {
		annNode, ok := mounted[id]
		if !ok || !annNode.Node.Type.IsRunnable() || e.stopReason != "" {
			continue
		}
		if counters, err := e.repo.ExecutionCounters(e.executionID); err == nil {
			stats := statsFromCounters(counters, e.startedAt, e.now(), e.maxTaskRetrySeen())
			stats.FrameCount = e.frameSeq
			if reason := e.cfg.Stop.Evaluate(stats); reason != "" {
				e.stopReason = reason
				if e.metrics != nil {
					e.metrics.RecordStop(reason)
				}
				for _, rt := range e.runningByNode {
					e.cancelMgr.RequestCancel(rt.TaskID)
				}
				continue
			}
		}
		e.startTask(ctx, id, annNode)
	}

	// --- 6. Post-commit effects ---
	if err := e.runEffects(frameID, ann); err != nil {
		return false, err
	}

	// --- 7. Flush ---
	stateChanged, err := e.flush(frameID, durableQ, volatileQ)
	if err != nil {
		return false, err
	}

	// Frame-storm guard.
	stateHash := hashSnapshot(e.durable.Snapshot(), e.volatile.Snapshot())
	if err := e.storm.Check(frameSignature{planHash: serialize.Hash(ann), stateHash: stateHash}); err != nil {
		return false, err
	}

	// Stop conditions.
	counters, err := e.repo.ExecutionCounters(e.executionID)
	if err == nil {
		stats := statsFromCounters(counters, e.startedAt, e.now(), e.maxTaskRetrySeen())
		stats.FrameCount = e.frameSeq
		if reason := e.cfg.Stop.Evaluate(stats); reason != "" && e.stopReason == "" {
			e.stopReason = reason
			if e.metrics != nil {
				e.metrics.RecordStop(reason)
			}
			for _, rt := range e.runningByNode {
				e.cancelMgr.RequestCancel(rt.TaskID)
			}
		}
	}

	if e.metrics != nil {
		e.metrics.RecordFrame(e.executionID, e.now().Sub(e.lastFrame))
		e.metrics.SetActiveTasks(e.executionID, len(e.runningByNode))
	}

	e.previous = ann
	e.previousSerialized = serialized

	holds := len(e.runningByNode) == 0 &&
		!e.durable.HasPending() && !e.volatile.HasPending() &&
		!frameChanged && !stateChanged &&
		len(e.approvals.Pending()) == 0 &&
		!atomic.CompareAndSwapInt32(&e.fsNudged, 1, 0)

	if !holds {
		e.idleSince = time.Time{}
		return false, nil
	}
	if e.idleSince.IsZero() {
		e.idleSince = e.now()
	}
	return e.now().Sub(e.idleSince) >= e.cfg.IdleTimeout, nil
}

func (e *Engine) maxTaskRetrySeen() int {
	tasks, err := e.repo.ListTasks(e.executionID)
	if err != nil {
		return 0
	}
	max := 0
	for _, t := range tasks {
		if t.RetryCount > max {
			max = t.RetryCount
		}
	}
	return max
}

func mountedIDList(m map[identity.NodeID]identity.Annotated) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, string(id))
	}
	return out
}

func hashSnapshot(durable, volatile map[string]any) string {
	raw, err := json.Marshal(struct {
		D map[string]any `json:"d"`
		V map[string]any `json:"v"`
	}{durable, volatile})
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// drainCompletions processes every completion delivered since the last
// frame: terminal results/errors dispatch handlers (or are skipped as
// stale if the node has since unmounted); progress chunks dispatch
// on_progress. Staged writes merge into the frame's durable/volatile
// queues in delivery order.
func (e *Engine) drainCompletions(frameID int64, mounted map[identity.NodeID]bool, durableQ, volatileQ *queue.Queue) {
	for {
		select {
		case c := <-e.completions:
			e.handleCompletion(frameID, mounted, c, durableQ, volatileQ)
		default:
			return
		}
	}
}

func (e *Engine) handleCompletion(frameID int64, mounted map[identity.NodeID]bool, c completion, durableQ, volatileQ *queue.Queue) {
	rt, known := e.tasksByID[c.TaskID]

	if c.Progress != nil {
		if known {
			staged, volStaged, _ := e.dispatch.DispatchProgress(frameID, c.TaskID, c.NodeID, mounted, rt.Handlers, *c.Progress)
			addAll(durableQ, staged)
			addAll(volatileQ, volStaged)
		}
		return
	}

	// Terminal: either Result or Err.
	status := "completed"
	var result node.Result
	if c.Err != nil {
		status = "failed"
		result = node.Result{Status: status, Error: c.Err.Error()}
	} else if c.Result != nil {
		result = *c.Result
		status = result.Status
		if status == "" {
			status = "completed"
		}
	}

	_ = e.repo.UpdateTaskStatus(c.TaskID, status)
	e.leaseMgr.ReleaseLease(c.TaskID)
	e.cancelMgr.Forget(c.TaskID)
	delete(e.tasksByID, c.TaskID)
	delete(e.runningByNode, c.NodeID)

	if !known {
		return
	}

	if status == "cancelled" {
		return // cancellation is not an error; handlers never fire
	}

	if c.Err != nil || status == "failed" {
		staged, volStaged, _ := e.dispatch.DispatchError(frameID, c.TaskID, c.NodeID, mounted, rt.Handlers, fmt.Errorf("%s", result.Error))
		addAll(durableQ, staged)
		addAll(volatileQ, volStaged)
		return
	}

	staged, volStaged, _ := e.dispatch.DispatchFinished(frameID, c.TaskID, c.NodeID, mounted, rt.Handlers, result)
	addAll(durableQ, staged)
	addAll(volatileQ, volStaged)
}

func addAll(q *queue.Queue, actions []queue.Action) {
	for _, a := range actions {
		q.Add(a)
	}
}

func (e *Engine) startTask(ctx context.Context, id identity.NodeID, ann identity.Annotated) {
	taskID := uuid.NewString()
	if !e.leaseMgr.AcquireLease(taskID) {
		return
	}
	if err := e.repo.InsertTask(taskID, e.executionID, string(id)); err != nil {
		e.logger.WithFields(map[string]interface{}{"task_id": taskID, "error": err.Error()}).Error("failed to persist task row")
		return
	}
	_ = e.repo.SetTaskLease(taskID, e.leaseMgr.OwnerID, e.now().Add(e.cfg.LeaseConfig.LeaseDuration))

	taskCtx, cancel := context.WithCancel(ctx)
	e.leaseMgr.RunHeartbeatLoop(taskCtx, taskID)

	rt := &runningTask{TaskID: taskID, NodeID: id, Handlers: ann.Node.Handlers, Cancel: cancel}
	e.runningByNode[id] = rt
	e.tasksByID[taskID] = rt

	req := backend.Request{
		NodeID: string(id), ExecutionID: e.executionID,
		Prompt: stringAttr(ann.Node.Attrs, "prompt"),
		Model:  stringAttr(ann.Node.Attrs, "model"),
	}

	go e.runTask(taskCtx, taskID, id, req)
}

func stringAttr(attrs map[string]any, key string) string {
	v, _ := attrs[key].(string)
	return v
}

func (e *Engine) runTask(ctx context.Context, taskID string, nodeID identity.NodeID, req backend.Request) {
	ch, err := e.backendExec.Execute(ctx, req)
	if err != nil {
		e.completions <- completion{TaskID: taskID, NodeID: nodeID, Err: err}
		return
	}
	cancelSig := e.cancelMgr.Signal(taskID)
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return
			}
			if item.Progress != nil {
				e.completions <- completion{TaskID: taskID, NodeID: nodeID, Progress: item.Progress}
			}
			if item.Result != nil {
				e.completions <- completion{TaskID: taskID, NodeID: nodeID, Result: item.Result}
				return
			}
		case <-cancelSig:
			cancelled := node.Result{Status: "cancelled"}
			e.completions <- completion{TaskID: taskID, NodeID: nodeID, Result: &cancelled}
			return
		}
	}
}

// runEffects walks the mounted tree for effect nodes and runs due setups,
// then cleanups for unmounted/superseded effects. Setup and cleanup bodies
// frequently close over the render Context and write state directly, so
// the whole pass runs under PhaseEffects — one of the three phases the
// render purity guard allows direct writes in.
func (e *Engine) runEffects(frameID int64, ann identity.Annotated) error {
	e.effects.BeginFrame()
	mountedEffectIDs := make(map[string]bool)
	var walkErr error

	e.tracker.RunAsPhase(purity.PhaseEffects, func() {
		var walk func(identity.Annotated) error
		walk = func(a identity.Annotated) error {
			if a.Node.Type == node.TypeEffect {
				effectID, _ := a.Node.Attrs["effect_id"].(string)
				deps, _ := a.Node.Attrs["deps"].([]any)
				setupRaw, _ := a.Node.Attrs["setup"].(func() func())
				mountedEffectIDs[effectID] = true
				if setupRaw != nil && e.effects.ShouldRun(effectID, deps) {
					if err := e.effects.RecordRun(effectID, deps, func() effects.Cleanup {
						return effects.Cleanup(setupRaw())
					}); err != nil {
						return err
					}
					if e.metrics != nil {
						e.metrics.RecordEffectRun(e.executionID, effectID)
					}
				}
			}
			for _, child := range a.Children {
				if err := walk(child); err != nil {
					return err
				}
			}
			return nil
		}
		if walkErr = walk(ann); walkErr != nil {
			return
		}

		for _, cleanupErr := range e.effects.CleanupUnmounted(mountedEffectIDs) {
			e.logger.WithFields(map[string]interface{}{"error": cleanupErr.Error()}).Warn("effect cleanup on unmount failed")
		}
		for _, cleanupErr := range e.effects.RunPendingCleanups() {
			e.logger.WithFields(map[string]interface{}{"error": cleanupErr.Error()}).Warn("effect cleanup failed")
		}
	})

	return walkErr
}

func (e *Engine) flush(frameID int64, durableQ, volatileQ *queue.Queue) (bool, error) {
	changed := false

	if durableQ.Len() > 0 {
		e.durable.SetFrameContext(frameID, "")
		e.durable.Enqueue(durableQ.ToStoreOps())
	}
	if e.durable.HasPending() {
		if err := e.durable.Commit(); err != nil {
			return false, err
		}
		changed = true
	}

	if volatileQ.Len() > 0 {
		e.volatile.Enqueue(volatileQ.ToStoreOps())
	}
	if e.volatile.HasPending() {
		if err := e.volatile.Commit(); err != nil {
			return false, err
		}
		changed = true
	}

	return changed, nil
}
