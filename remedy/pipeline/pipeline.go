// Package pipeline wires the remediation stages into one engine: findings
// come in from the scanner queue, records advance through patch generation,
// twin testing, approval, deployment and the observation window, and
// lifecycle events go back out on the event queue.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/anomaly"
	"github.com/RemedyScan/go-core/remedy/config"
	"github.com/RemedyScan/go-core/remedy/deploy"
	"github.com/RemedyScan/go-core/remedy/fault"
	"github.com/RemedyScan/go-core/remedy/ingest"
	"github.com/RemedyScan/go-core/remedy/lifecycle"
	"github.com/RemedyScan/go-core/remedy/queue"
	"github.com/RemedyScan/go-core/remedy/records"
	"github.com/RemedyScan/go-core/remedy/scheduler"
	"github.com/RemedyScan/go-core/remedy/twin"
)

// TargetResolver maps a vulnerability record to the production assets a
// deployment must cover. The default resolver targets the record's own
// asset.
type TargetResolver interface {
	Resolve(ctx context.Context, rec *remedy.VulnerabilityRecord) ([]string, error)
}

// TargetResolverFunc adapts a function to the TargetResolver interface.
type TargetResolverFunc func(ctx context.Context, rec *remedy.VulnerabilityRecord) ([]string, error)

// Resolve implements TargetResolver.
func (f TargetResolverFunc) Resolve(ctx context.Context, rec *remedy.VulnerabilityRecord) ([]string, error) {
	return f(ctx, rec)
}

// Event is published on the event queue after notable transitions.
type Event struct {
	Type        string    `json:"type"`
	Fingerprint string    `json:"fingerprint"`
	EntityID    string    `json:"entity_id,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Engine drives findings through the full remediation flow.
type Engine struct {
	cfg       config.Config
	store     records.Store
	ingestor  *ingest.Ingestor
	lifecycle *lifecycle.Manager
	gate      *twin.Gate
	orch      *deploy.Orchestrator
	monitor   *anomaly.Monitor
	generator lifecycle.Generator
	targets   TargetResolver
	pool      *scheduler.Pool
}

// NewEngine assembles an engine from its stage components.
func NewEngine(
	cfg config.Config,
	store records.Store,
	ingestor *ingest.Ingestor,
	lc *lifecycle.Manager,
	gate *twin.Gate,
	orch *deploy.Orchestrator,
	monitor *anomaly.Monitor,
	generator lifecycle.Generator,
	targets TargetResolver,
) *Engine {
	if targets == nil {
		targets = TargetResolverFunc(func(_ context.Context, rec *remedy.VulnerabilityRecord) ([]string, error) {
			return []string{rec.Asset}, nil
		})
	}
	if orch != nil && monitor != nil {
		// Canary rollouts hold at the canary batch for an observation window.
		orch.SetWatcher(monitor)
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		ingestor:  ingestor,
		lifecycle: lc,
		gate:      gate,
		orch:      orch,
		monitor:   monitor,
		generator: generator,
		targets:   targets,
		pool:      scheduler.NewPool(cfg.Scheduler.Workers, cfg.Scheduler.QueueSize),
	}
}

// Run starts the worker pool and consumes the finding queue until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	defer e.pool.Stop()

	slog.Info("Pipeline running",
		"workers", e.cfg.Scheduler.Workers,
		"finding_queue", e.cfg.Queue.FindingQueue)

	queue.Listen(ctx, e.cfg.Queue.URL, e.cfg.Queue.FindingQueue, func(msg string) {
		e.HandleFinding(ctx, msg)
	})
	return nil
}

// HandleFinding parses one queue message and submits it to the worker pool.
// Malformed messages are logged and dropped; the queue is not a validation
// boundary worth crashing over.
func (e *Engine) HandleFinding(ctx context.Context, msg string) {
	var f remedy.Finding
	if err := json.Unmarshal([]byte(msg), &f); err != nil {
		slog.Warn("Dropping malformed finding message", "error", err)
		return
	}

	err := e.pool.Submit(scheduler.Task{
		Name: "finding:" + f.Fingerprint(),
		Run: func(ctx context.Context) error {
			return e.processFinding(ctx, f)
		},
	})
	if err != nil {
		slog.Warn("Worker pool saturated, dropping finding", "fingerprint", f.Fingerprint(), "error", err)
	}
}

// processFinding ingests a finding and, when the record is actionable,
// drives it through remediation.
func (e *Engine) processFinding(ctx context.Context, f remedy.Finding) error {
	rec, err := e.ingestor.Ingest(ctx, f)
	if err != nil {
		if fault.IsValidation(err) {
			slog.Warn("Rejected finding", "source", f.Source, "error", err)
			return nil
		}
		return err
	}

	if rec.Status != remedy.VulnScored {
		// Already mid-remediation, suppressed, or resolved.
		return nil
	}
	return e.Remediate(ctx, rec.Fingerprint)
}

// Remediate drives one record from SCORED to a terminal candidate state:
// generate, test in the twin, approve, deploy, observe. It returns nil when
// the record parks in a state needing outside input (manual review) and an
// error only on infrastructure failure.
func (e *Engine) Remediate(ctx context.Context, fingerprint string) error {
	rec, err := e.store.GetVulnerability(ctx, fingerprint)
	if err != nil {
		return err
	}

	cand, err := e.lifecycle.RequestPatch(ctx, rec)
	if err != nil {
		if fault.IsConflict(err) {
			// Another worker is already on it.
			return nil
		}
		return err
	}
	e.publishEvent("patch_requested", fingerprint, cand.ID, "")

	return e.drive(ctx, rec, cand)
}

// drive loops a REQUESTED candidate through generate/test/approve until it
// deploys, parks for review, or is abandoned.
func (e *Engine) drive(ctx context.Context, rec *remedy.VulnerabilityRecord, cand *remedy.PatchCandidate) error {
	for {
		var err error
		cand, err = e.generateAndTest(ctx, rec, cand)
		if err != nil {
			return err
		}

		switch cand.State {
		case remedy.CandidateTestedPass:
			approved, err := e.lifecycle.AutoApprove(ctx, cand.ID)
			if err != nil {
				return err
			}
			if !approved {
				e.publishEvent("pending_review", rec.Fingerprint, cand.ID,
					fmt.Sprintf("confidence %.2f below threshold", cand.Confidence))
				return nil
			}
			cand, err = e.store.GetCandidate(ctx, cand.ID)
			if err != nil {
				return err
			}
			return e.DeployApproved(ctx, cand)

		case remedy.CandidateTestedFail:
			cand, err = e.lifecycle.RetryAfterFailure(ctx, cand.ID)
			if err != nil {
				return err
			}
			if cand.State == remedy.CandidateAbandoned {
				e.publishEvent("abandoned", rec.Fingerprint, cand.ID, "attempt limit reached")
				return nil
			}
			// Back in REQUESTED: next iteration regenerates.

		default:
			return fmt.Errorf("candidate %s in unexpected state %s after testing", cand.ID, cand.State)
		}
	}
}

// generateAndTest runs one generation attempt through the twin gate.
// Transient twin infrastructure failures are retried without consuming a
// patch attempt.
func (e *Engine) generateAndTest(ctx context.Context, rec *remedy.VulnerabilityRecord, cand *remedy.PatchCandidate) (*remedy.PatchCandidate, error) {
	contentRef, confidence, err := e.generator.Generate(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("generating patch for %s: %w", rec.Fingerprint, err)
	}

	cand, err = e.lifecycle.MarkGenerated(ctx, cand.ID, contentRef, confidence)
	if err != nil {
		return nil, err
	}
	e.publishEvent("patch_generated", rec.Fingerprint, cand.ID, contentRef)

	var outcome remedy.TestOutcome
	backoff := scheduler.Backoff{Base: e.cfg.Deploy.BackoffBase, Cap: e.cfg.Deploy.BackoffCap}
	_, err = scheduler.Retry(ctx, e.cfg.Deploy.MaxRetries, backoff, func(ctx context.Context) error {
		var gerr error
		outcome, gerr = e.gate.Run(ctx, rec, cand)
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("twin gate for %s: %w", cand.ID, err)
	}

	evidence, _ := json.Marshal(outcome.Evidence)
	return e.lifecycle.RecordTestOutcome(ctx, cand.ID, outcome, string(evidence))
}

// DeployApproved deploys an APPROVED candidate and watches it through the
// observation window. Called by Remediate for auto-approved candidates and
// by the API layer after a manual approval.
func (e *Engine) DeployApproved(ctx context.Context, cand *remedy.PatchCandidate) error {
	rec, err := e.store.GetVulnerability(ctx, cand.Fingerprint)
	if err != nil {
		return err
	}
	assets, err := e.targets.Resolve(ctx, rec)
	if err != nil {
		return fmt.Errorf("resolving targets for %s: %w", rec.Fingerprint, err)
	}

	dep, err := e.orch.Deploy(ctx, cand, assets, remedy.Strategy(e.cfg.Deploy.Strategy))
	if err != nil {
		if dep != nil && dep.State == remedy.DeployRolledBack {
			return e.handleRollback(ctx, cand, "deployment apply failed")
		}
		return err
	}
	e.publishEvent("deployed", cand.Fingerprint, dep.ID, string(dep.Strategy))

	if _, err := records.TransitionVulnerability(ctx, e.store, cand.Fingerprint,
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			from := r.Status
			r.Status = remedy.VulnDeployed
			return &remedy.AuditEntry{
				Entity:    "vulnerability",
				EntityID:  r.Fingerprint,
				Actor:     deploy.SystemActor,
				FromState: string(from),
				ToState:   string(remedy.VulnDeployed),
				Reason:    "deployment " + dep.ID + " succeeded",
			}, nil
		}); err != nil {
		return err
	}

	report, err := e.monitor.Observe(ctx, dep.Applied)
	if err != nil {
		return fmt.Errorf("observing deployment %s: %w", dep.ID, err)
	}

	if report.Stable {
		if _, err := e.lifecycle.MarkDeployedStable(ctx, cand.ID); err != nil {
			return err
		}
		e.publishEvent("stable", cand.Fingerprint, cand.ID, "")
		return nil
	}

	if _, err := e.orch.RollBack(ctx, dep.ID, "anomaly", report.Reason); err != nil {
		return err
	}
	e.publishEvent("rolled_back", cand.Fingerprint, dep.ID, report.Reason)
	return e.handleRollback(ctx, cand, report.Reason)
}

// handleRollback returns a rolled-back candidate to the retry loop, or
// abandons it when attempts are spent.
func (e *Engine) handleRollback(ctx context.Context, cand *remedy.PatchCandidate, reason string) error {
	if _, err := e.lifecycle.MarkRolledBack(ctx, cand.ID, reason); err != nil {
		return err
	}
	cand, err := e.lifecycle.RetryAfterFailure(ctx, cand.ID)
	if err != nil {
		return err
	}
	if cand.State == remedy.CandidateAbandoned {
		e.publishEvent("abandoned", cand.Fingerprint, cand.ID, "attempt limit reached after rollback")
		return nil
	}

	rec, err := e.store.GetVulnerability(ctx, cand.Fingerprint)
	if err != nil {
		return err
	}
	return e.drive(ctx, rec, cand)
}

// publishEvent sends an event to the event queue on a best-effort basis.
func (e *Engine) publishEvent(typ, fingerprint, entityID, detail string) {
	evt := Event{
		Type:        typ,
		Fingerprint: fingerprint,
		EntityID:    entityID,
		Detail:      detail,
		At:          time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := queue.Send(e.cfg.Queue.URL, e.cfg.Queue.EventQueue, string(data)); err != nil {
		slog.Warn("Failed to publish event", "type", typ, "error", err)
	}
}
