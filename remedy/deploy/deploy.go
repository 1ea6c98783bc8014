// Package deploy pushes approved patch candidates onto production assets
// and undoes partial work when an apply fails.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/anomaly"
	"github.com/RemedyScan/go-core/remedy/config"
	"github.com/RemedyScan/go-core/remedy/fault"
	"github.com/RemedyScan/go-core/remedy/metrics"
	"github.com/RemedyScan/go-core/remedy/records"
	"github.com/RemedyScan/go-core/remedy/scheduler"
)

// SystemActor is the audit actor for orchestrator-driven transitions.
const SystemActor = "system"

// Executor performs the per-asset mechanics of a deployment. Implementations
// classify their errors through the fault package: transient errors are
// retried, permanent errors are not.
type Executor interface {
	// Snapshot captures the asset's pre-patch state and returns a reference
	// Revert can restore from.
	Snapshot(ctx context.Context, asset string) (stateRef string, err error)
	Apply(ctx context.Context, asset, contentRef string) error
	Revert(ctx context.Context, asset, stateRef string) error
	// Probe checks asset health after an apply.
	Probe(ctx context.Context, asset string) error
}

// Watcher runs an observation window over freshly patched assets and reports
// whether they look stable. The anomaly monitor satisfies this.
type Watcher interface {
	Observe(ctx context.Context, assets []string) (anomaly.Report, error)
}

// Orchestrator executes deployments for approved candidates.
type Orchestrator struct {
	store records.Store
	exec  Executor
	cfg   config.DeployConfig
	locks *scheduler.KeyedMutex
	watch Watcher

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewOrchestrator wires an orchestrator over the record store and executor.
func NewOrchestrator(store records.Store, exec Executor, cfg config.DeployConfig) *Orchestrator {
	return &Orchestrator{
		store:   store,
		exec:    exec,
		cfg:     cfg,
		locks:   scheduler.NewKeyedMutex(),
		running: make(map[string]context.CancelFunc),
	}
}

// SetWatcher installs the observation gate a canary rollout runs between the
// canary batch and the remainder. Without a watcher the canary gates on
// per-asset probes only.
func (o *Orchestrator) SetWatcher(w Watcher) {
	o.watch = w
}

// Deploy rolls the candidate's content onto the given assets using the
// chosen strategy. Calling Deploy again for a candidate whose deployment
// already SUCCEEDED is a no-op returning the existing record; a deployment
// still in flight is a conflict.
func (o *Orchestrator) Deploy(ctx context.Context, cand *remedy.PatchCandidate, assets []string, strategy remedy.Strategy) (*remedy.DeploymentRecord, error) {
	if len(assets) == 0 {
		return nil, fault.Validationf("deploy.Deploy", "no target assets")
	}
	if !remedy.ValidStrategy(strategy) {
		return nil, fault.Validationf("deploy.Deploy", "unknown strategy %q", strategy)
	}
	if cand.State != remedy.CandidateApproved {
		return nil, fault.Validationf("deploy.Deploy", "candidate %s is %s, not APPROVED", cand.ID, cand.State)
	}

	o.locks.Lock(cand.ID)
	defer o.locks.Unlock(cand.ID)

	if prior, err := o.latestForCandidate(ctx, cand.ID); err != nil {
		return nil, err
	} else if prior != nil {
		switch prior.State {
		case remedy.DeploySucceeded:
			slog.Info("Deployment already succeeded, skipping", "candidate", cand.ID, "deployment", prior.ID)
			return prior, nil
		case remedy.DeployPending, remedy.DeployInProgress:
			return nil, fault.Conflict("deploy.Deploy",
				fmt.Errorf("deployment %s for candidate %s still in flight", prior.ID, cand.ID))
		}
	}

	dep := &remedy.DeploymentRecord{
		ID:          uuid.NewString(),
		CandidateID: cand.ID,
		Fingerprint: cand.Fingerprint,
		Assets:      append([]string(nil), assets...),
		Strategy:    strategy,
		State:       remedy.DeployPending,
		StartedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateDeployment(ctx, dep, &remedy.AuditEntry{
		Entity:   "deployment",
		EntityID: dep.ID,
		Actor:    SystemActor,
		ToState:  string(remedy.DeployPending),
		Reason:   fmt.Sprintf("%s deployment of candidate %s to %d assets", strategy, cand.ID, len(assets)),
	}); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.running[dep.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.running, dep.ID)
		o.mu.Unlock()
	}()

	return o.run(runCtx, dep, cand.ContentRef)
}

// Cancel aborts an in-flight deployment. The apply loop stops at the next
// asset boundary and every asset already touched is reverted, leaving the
// deployment ROLLED_BACK. Cancelling a deployment that is not in flight is a
// conflict.
func (o *Orchestrator) Cancel(depID, reason string) error {
	o.mu.Lock()
	cancel, ok := o.running[depID]
	o.mu.Unlock()
	if !ok {
		return fault.Conflict("deploy.Cancel",
			fmt.Errorf("deployment %s is not in flight", depID))
	}
	slog.Warn("Deployment cancelled by operator", "deployment", depID, "reason", reason)
	cancel()
	return nil
}

// run drives a PENDING deployment to a terminal state.
func (o *Orchestrator) run(ctx context.Context, dep *remedy.DeploymentRecord, contentRef string) (*remedy.DeploymentRecord, error) {
	dep, err := o.setState(ctx, dep.ID, remedy.DeployInProgress, "starting apply", nil)
	if err != nil {
		return nil, err
	}

	snapshots := make(map[string]string, len(dep.Assets))
	applyErr := o.applyStrategy(ctx, dep, contentRef, snapshots)

	if applyErr == nil {
		dep, err = o.setState(ctx, dep.ID, remedy.DeploySucceeded, "all assets applied and healthy", finish())
		if err != nil {
			return nil, err
		}
		metrics.Deployments.WithLabelValues("succeeded", string(dep.Strategy)).Inc()
		slog.Info("Deployment succeeded", "deployment", dep.ID, "assets", len(dep.Assets))
		return dep, nil
	}

	// Partial failure: restore every asset that was touched, newest first.
	// Terminal bookkeeping runs on a fresh context; the run's own context may
	// be exactly what was cancelled.
	bg := context.Background()
	cur, gerr := o.store.GetDeployment(bg, dep.ID)
	if gerr != nil {
		return nil, gerr
	}
	revertErr := o.revertApplied(cur.Applied, snapshots)

	if revertErr != nil {
		dep, err = o.setState(bg, dep.ID, remedy.DeployFailed,
			fmt.Sprintf("apply failed (%v) and rollback incomplete (%v); manual intervention required", applyErr, revertErr),
			finish())
		if err != nil {
			return nil, err
		}
		metrics.Deployments.WithLabelValues("failed", string(dep.Strategy)).Inc()
		return dep, fmt.Errorf("deployment %s failed and rollback incomplete: %w", dep.ID, applyErr)
	}

	compID, cerr := o.recordCompensation(bg, cur, "apply_failure")
	if cerr != nil {
		return nil, cerr
	}
	dep, err = o.setState(bg, dep.ID, remedy.DeployRolledBack,
		fmt.Sprintf("apply failed, %d assets reverted: %v", len(cur.Applied), applyErr),
		func(d *remedy.DeploymentRecord) {
			d.RollbackRef = compID
			now := time.Now().UTC()
			d.EndedAt = &now
		})
	if err != nil {
		return nil, err
	}
	metrics.Deployments.WithLabelValues("rolled_back", string(dep.Strategy)).Inc()
	metrics.Rollbacks.WithLabelValues("apply_failure").Inc()
	slog.Warn("Deployment rolled back", "deployment", dep.ID, "error", applyErr)
	return dep, fmt.Errorf("deployment %s rolled back: %w", dep.ID, applyErr)
}

// applyStrategy fans the apply out according to the deployment strategy.
func (o *Orchestrator) applyStrategy(ctx context.Context, dep *remedy.DeploymentRecord, contentRef string, snapshots map[string]string) error {
	switch dep.Strategy {
	case remedy.StrategyRolling:
		return o.applySequential(ctx, dep, contentRef, dep.Assets, snapshots)

	case remedy.StrategyCanary:
		n := int(math.Ceil(o.cfg.CanaryFraction * float64(len(dep.Assets))))
		if n < 1 {
			n = 1
		}
		if n > len(dep.Assets) {
			n = len(dep.Assets)
		}
		if err := o.applySequential(ctx, dep, contentRef, dep.Assets[:n], snapshots); err != nil {
			return fmt.Errorf("canary batch: %w", err)
		}
		if err := o.observeCanary(ctx, dep, dep.Assets[:n]); err != nil {
			return err
		}
		slog.Info("Canary batch healthy, continuing", "deployment", dep.ID, "canary", n)
		return o.applyConcurrent(ctx, dep, contentRef, dep.Assets[n:], snapshots)

	case remedy.StrategyBlueGreen:
		// Bring the whole green side up first, then gate on a full health
		// pass before the deployment counts as committed.
		if err := o.applyConcurrent(ctx, dep, contentRef, dep.Assets, snapshots); err != nil {
			return err
		}
		for _, asset := range dep.Assets {
			pctx, cancel := context.WithTimeout(ctx, o.cfg.AssetTimeout)
			err := o.exec.Probe(pctx, asset)
			cancel()
			if err != nil {
				return fmt.Errorf("green gate probe on %s: %w", asset, err)
			}
		}
		return nil

	case remedy.StrategyDirect:
		return o.applyConcurrent(ctx, dep, contentRef, dep.Assets, snapshots)
	}
	return fault.Validationf("deploy.applyStrategy", "unknown strategy %q", dep.Strategy)
}

// observeCanary holds the rollout while the watcher runs an observation
// window over the canary batch. The remainder is touched only after the
// window comes back clean; an anomaly here rolls back just the canary
// fraction.
func (o *Orchestrator) observeCanary(ctx context.Context, dep *remedy.DeploymentRecord, canary []string) error {
	if o.watch == nil {
		return nil
	}
	report, err := o.watch.Observe(ctx, canary)
	if err != nil {
		return fmt.Errorf("canary observation: %w", err)
	}
	if !report.Stable {
		return fault.Permanent("deploy.observeCanary",
			fmt.Errorf("anomaly on canary asset %s: %s", report.Asset, report.Reason))
	}
	slog.Info("Canary observation clean", "deployment", dep.ID, "canary", len(canary), "samples", report.Samples)
	return nil
}

// applySequential applies assets one at a time, stopping at the first error.
func (o *Orchestrator) applySequential(ctx context.Context, dep *remedy.DeploymentRecord, contentRef string, assets []string, snapshots map[string]string) error {
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return fault.Transient("deploy.applySequential", fmt.Errorf("deployment cancelled: %w", err))
		}
		if err := o.applyAsset(ctx, dep, contentRef, asset, snapshots); err != nil {
			return err
		}
	}
	return nil
}

// applyConcurrent applies assets in parallel, bounded by MaxConcurrency.
// The first error wins; remaining workers finish their current asset and
// their successes still land in the Applied list so rollback covers them.
func (o *Orchestrator) applyConcurrent(ctx context.Context, dep *remedy.DeploymentRecord, contentRef string, assets []string, snapshots map[string]string) error {
	if len(assets) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrency))
	errc := make(chan error, len(assets))
	snapc := make(chan remedy.AssetSnapshot, len(assets))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A failing worker cancels runCtx, which also fails the Acquire below, so
	// the drain must count launched goroutines rather than assets.
	launched := 0
	var acquireErr error
	for _, asset := range assets {
		if err := sem.Acquire(runCtx, 1); err != nil {
			acquireErr = fault.Transient("deploy.applyConcurrent", fmt.Errorf("deployment cancelled: %w", err))
			break
		}
		launched++
		go func(asset string) {
			defer sem.Release(1)
			local := make(map[string]string, 1)
			err := o.applyAsset(runCtx, dep, contentRef, asset, local)
			for a, ref := range local {
				snapc <- remedy.AssetSnapshot{Asset: a, StateRef: ref}
			}
			if err != nil {
				errc <- err
				cancel()
				return
			}
			errc <- nil
		}(asset)
	}

	var first error
	for i := 0; i < launched; i++ {
		if err := <-errc; err != nil && first == nil {
			first = err
		}
	}
	if first == nil {
		first = acquireErr
	}
	close(snapc)
	for snap := range snapc {
		snapshots[snap.Asset] = snap.StateRef
	}
	return first
}

// applyAsset runs the snapshot/apply/probe sequence for one asset, retrying
// transient failures with exponential backoff. On success the asset is
// appended to the deployment's Applied list before returning.
func (o *Orchestrator) applyAsset(ctx context.Context, dep *remedy.DeploymentRecord, contentRef, asset string, snapshots map[string]string) error {
	backoff := scheduler.Backoff{Base: o.cfg.BackoffBase, Cap: o.cfg.BackoffCap}

	attempts, err := scheduler.Retry(ctx, o.cfg.MaxRetries, backoff, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, o.cfg.AssetTimeout)
		defer cancel()

		ref, err := o.exec.Snapshot(actx, asset)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", asset, err)
		}
		snapshots[asset] = ref

		if err := o.exec.Apply(actx, asset, contentRef); err != nil {
			return fmt.Errorf("apply %s: %w", asset, err)
		}
		if err := o.exec.Probe(actx, asset); err != nil {
			// The patch is on but the asset is unhealthy. Restore it before
			// surfacing the failure so a retry starts from clean state.
			if rerr := o.exec.Revert(actx, asset, ref); rerr != nil {
				slog.Error("Revert after failed probe failed", "asset", asset, "error", rerr)
			}
			return fmt.Errorf("probe %s: %w", asset, err)
		}
		return nil
	})

	if _, uerr := records.TransitionDeployment(ctx, o.store, dep.ID,
		func(d *remedy.DeploymentRecord) (*remedy.AuditEntry, error) {
			if d.Attempts < attempts {
				d.Attempts = attempts
			}
			if err == nil {
				d.Applied = append(d.Applied, asset)
			}
			return nil, nil
		}); uerr != nil && err == nil {
		err = uerr
	}

	if err != nil {
		slog.Warn("Asset apply failed", "deployment", dep.ID, "asset", asset, "attempts", attempts, "error", err)
		return err
	}
	slog.Debug("Asset applied", "deployment", dep.ID, "asset", asset, "attempts", attempts)
	return nil
}

// revertApplied restores applied assets newest-first using background
// contexts: rollback must proceed even when the deployment's own context is
// the thing that was cancelled.
func (o *Orchestrator) revertApplied(applied []string, snapshots map[string]string) error {
	var firstErr error
	for i := len(applied) - 1; i >= 0; i-- {
		asset := applied[i]
		ref, ok := snapshots[asset]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("no snapshot recorded for %s", asset)
			}
			continue
		}
		rctx, cancel := context.WithTimeout(context.Background(), o.cfg.AssetTimeout)
		err := o.exec.Revert(rctx, asset, ref)
		cancel()
		if err != nil {
			slog.Error("Revert failed", "asset", asset, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("revert %s: %w", asset, err)
			}
		}
	}
	return firstErr
}

// RollBack reverts a SUCCEEDED deployment, typically on the anomaly
// monitor's signal. Applied assets are restored newest-first; the executor
// resolves the deployment-scoped revert reference to its stored snapshots.
func (o *Orchestrator) RollBack(ctx context.Context, depID, trigger, reason string) (*remedy.DeploymentRecord, error) {
	o.locks.Lock(depID)
	defer o.locks.Unlock(depID)

	dep, err := o.store.GetDeployment(ctx, depID)
	if err != nil {
		return nil, err
	}
	if dep.State != remedy.DeploySucceeded {
		return nil, fault.Conflict("deploy.RollBack",
			fmt.Errorf("deployment %s is %s, not SUCCEEDED", depID, dep.State))
	}

	var firstErr error
	for i := len(dep.Applied) - 1; i >= 0; i-- {
		asset := dep.Applied[i]
		rctx, cancel := context.WithTimeout(ctx, o.cfg.AssetTimeout)
		err := o.exec.Revert(rctx, asset, "deploy:"+depID)
		cancel()
		if err != nil {
			slog.Error("Revert failed during rollback", "deployment", depID, "asset", asset, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return nil, fmt.Errorf("rolling back deployment %s: %w", depID, firstErr)
	}

	compID, err := o.recordCompensation(ctx, dep, trigger)
	if err != nil {
		return nil, err
	}
	dep, err = o.setState(ctx, depID, remedy.DeployRolledBack, reason,
		func(d *remedy.DeploymentRecord) {
			d.RollbackRef = compID
			now := time.Now().UTC()
			d.EndedAt = &now
		})
	if err != nil {
		return nil, err
	}
	metrics.Rollbacks.WithLabelValues(trigger).Inc()
	slog.Warn("Deployment rolled back", "deployment", depID, "trigger", trigger, "reason", reason)
	return dep, nil
}

// recordCompensation appends the deployment record of a completed revert
// pass. History is append-only: the original keeps its Applied list and the
// undo becomes a deployment of its own, linked both ways through RollbackRef
// and RevertOf. Assets are listed newest-first, the order they were
// restored in.
func (o *Orchestrator) recordCompensation(ctx context.Context, orig *remedy.DeploymentRecord, trigger string) (string, error) {
	reverted := make([]string, 0, len(orig.Applied))
	for i := len(orig.Applied) - 1; i >= 0; i-- {
		reverted = append(reverted, orig.Applied[i])
	}

	now := time.Now().UTC()
	comp := &remedy.DeploymentRecord{
		ID:          uuid.NewString(),
		CandidateID: orig.CandidateID,
		Fingerprint: orig.Fingerprint,
		Assets:      reverted,
		Strategy:    orig.Strategy,
		State:       remedy.DeploySucceeded,
		Applied:     append([]string(nil), reverted...),
		RevertOf:    orig.ID,
		StartedAt:   now,
		EndedAt:     &now,
	}
	if err := o.store.CreateDeployment(ctx, comp, &remedy.AuditEntry{
		Entity:   "deployment",
		EntityID: comp.ID,
		Actor:    SystemActor,
		ToState:  string(remedy.DeploySucceeded),
		Reason:   fmt.Sprintf("compensating revert of deployment %s (%s)", orig.ID, trigger),
	}); err != nil {
		return "", err
	}
	return comp.ID, nil
}

// latestForCandidate returns the most recent forward deployment for the
// candidate, or nil when none exists. Compensating records never count as
// the candidate's deployment.
func (o *Orchestrator) latestForCandidate(ctx context.Context, candID string) (*remedy.DeploymentRecord, error) {
	deps, err := o.store.ListDeployments(ctx, candID)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var latest *remedy.DeploymentRecord
	for _, d := range deps {
		if d.RevertOf != "" {
			continue
		}
		if latest == nil || d.StartedAt.After(latest.StartedAt) {
			latest = d
		}
	}
	return latest, nil
}

func (o *Orchestrator) setState(ctx context.Context, depID string, to remedy.DeploymentState, reason string, extra func(*remedy.DeploymentRecord)) (*remedy.DeploymentRecord, error) {
	return records.TransitionDeployment(ctx, o.store, depID,
		func(d *remedy.DeploymentRecord) (*remedy.AuditEntry, error) {
			from := d.State
			d.State = to
			if extra != nil {
				extra(d)
			}
			return &remedy.AuditEntry{
				Entity:    "deployment",
				EntityID:  depID,
				Actor:     SystemActor,
				FromState: string(from),
				ToState:   string(to),
				Reason:    reason,
			}, nil
		})
}

func finish() func(*remedy.DeploymentRecord) {
	return func(d *remedy.DeploymentRecord) {
		now := time.Now().UTC()
		d.EndedAt = &now
	}
}
