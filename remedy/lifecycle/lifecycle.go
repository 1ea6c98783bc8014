// Package lifecycle owns PatchCandidate state transitions. Every transition
// for one candidate runs under that candidate's lock, so lifecycle steps are
// strictly sequential per candidate while unrelated candidates progress in
// parallel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/config"
	"github.com/RemedyScan/go-core/remedy/fault"
	"github.com/RemedyScan/go-core/remedy/metrics"
	"github.com/RemedyScan/go-core/remedy/records"
	"github.com/RemedyScan/go-core/remedy/scheduler"
)

// SystemActor is the audit actor for transitions no human initiated.
const SystemActor = "system"

// ErrInvalidTransition rejects a transition the state machine does not allow
// from the candidate's current state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrPendingReview marks a candidate whose confidence is below the approval
// threshold: it stays in TESTED_PASS until a human decides.
var ErrPendingReview = errors.New("candidate pending manual review")

// Generator produces patch content for a vulnerability record. The content
// reference is opaque to the core; confidence is an untrusted hint.
type Generator interface {
	Generate(ctx context.Context, rec *remedy.VulnerabilityRecord) (contentRef string, confidence float64, err error)
}

// Manager drives the patch lifecycle state machine.
type Manager struct {
	store records.Store
	cfg   config.LifecycleConfig
	locks *scheduler.KeyedMutex
}

// NewManager creates a lifecycle manager over the record store.
func NewManager(store records.Store, cfg config.LifecycleConfig) *Manager {
	return &Manager{
		store: store,
		cfg:   cfg,
		locks: scheduler.NewKeyedMutex(),
	}
}

// RequestPatch creates a new candidate in REQUESTED for the record. Creating
// a candidate while another is still active is rejected; the record moves to
// PATCH_REQUESTED.
func (m *Manager) RequestPatch(ctx context.Context, rec *remedy.VulnerabilityRecord) (*remedy.PatchCandidate, error) {
	if _, err := m.store.ActiveCandidate(ctx, rec.Fingerprint); err == nil {
		return nil, fault.Conflict("lifecycle.RequestPatch",
			fmt.Errorf("record %s already has an active candidate", rec.Fingerprint))
	} else if !errors.Is(err, records.ErrNotFound) {
		return nil, err
	}

	cand := &remedy.PatchCandidate{
		ID:          uuid.NewString(),
		Fingerprint: rec.Fingerprint,
		State:       remedy.CandidateRequested,
		CreatedAt:   time.Now().UTC(),
	}
	audit := &remedy.AuditEntry{
		Entity:   "candidate",
		EntityID: cand.ID,
		Actor:    SystemActor,
		ToState:  string(remedy.CandidateRequested),
		Reason:   "patch requested for " + rec.Fingerprint,
	}
	if err := m.store.CreateCandidate(ctx, cand, audit); err != nil {
		return nil, err
	}

	if _, err := records.TransitionVulnerability(ctx, m.store, rec.Fingerprint,
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			from := r.Status
			r.Status = remedy.VulnPatchRequested
			return vulnAudit(r.Fingerprint, from, remedy.VulnPatchRequested, SystemActor, "candidate "+cand.ID), nil
		}); err != nil {
		return nil, err
	}

	metrics.CandidateTransitions.WithLabelValues(string(remedy.CandidateRequested)).Inc()
	slog.Info("Patch requested", "candidate", cand.ID, "fingerprint", rec.Fingerprint)
	return cand, nil
}

// MarkGenerated records generator output on a REQUESTED candidate and moves
// it to GENERATED. Confidence is untrusted input: NaN is rejected, finite
// values are clamped into [0,1].
func (m *Manager) MarkGenerated(ctx context.Context, id, contentRef string, confidence float64) (*remedy.PatchCandidate, error) {
	if math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		return nil, fault.Validationf("lifecycle.MarkGenerated", "generator returned non-finite confidence")
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return m.transition(ctx, id, remedy.CandidateGenerated, SystemActor, "generator returned content",
		[]remedy.CandidateState{remedy.CandidateRequested},
		func(c *remedy.PatchCandidate) error {
			c.ContentRef = contentRef
			c.Confidence = confidence
			return nil
		})
}

// RecordTestOutcome moves a GENERATED candidate to TESTED_PASS or
// TESTED_FAIL according to the digital twin verdict. A provisioning error is
// not an outcome: callers leave the candidate in GENERATED and retry.
func (m *Manager) RecordTestOutcome(ctx context.Context, id string, outcome remedy.TestOutcome, evidenceRef string) (*remedy.PatchCandidate, error) {
	to := remedy.CandidateTestedFail
	reason := "digital twin test failed"
	if outcome.Passed {
		to = remedy.CandidateTestedPass
		reason = "digital twin test passed"
	}
	return m.transition(ctx, id, to, SystemActor, reason,
		[]remedy.CandidateState{remedy.CandidateGenerated},
		func(c *remedy.PatchCandidate) error {
			c.EvidenceRef = evidenceRef
			return nil
		})
}

// RetryAfterFailure returns a TESTED_FAIL or ROLLED_BACK candidate to
// REQUESTED for a fresh generation attempt while the attempt bound permits;
// once the bound is reached the candidate is ABANDONED instead.
func (m *Manager) RetryAfterFailure(ctx context.Context, id string) (*remedy.PatchCandidate, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	cand, err := m.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	if cand.State != remedy.CandidateTestedFail && cand.State != remedy.CandidateRolledBack {
		return nil, fmt.Errorf("candidate %s in %s: %w", id, cand.State, ErrInvalidTransition)
	}

	if cand.Attempts+1 >= m.cfg.MaxAttempts {
		cand, err = m.transitionLocked(ctx, id, remedy.CandidateAbandoned, SystemActor,
			fmt.Sprintf("attempt limit %d reached", m.cfg.MaxAttempts),
			[]remedy.CandidateState{remedy.CandidateTestedFail, remedy.CandidateRolledBack},
			func(c *remedy.PatchCandidate) error {
				c.Attempts++
				return nil
			})
		if err != nil {
			return nil, err
		}
		// The record becomes eligible for a fresh candidate.
		if _, err := records.TransitionVulnerability(ctx, m.store, cand.Fingerprint,
			func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
				from := r.Status
				r.Status = remedy.VulnScored
				return vulnAudit(r.Fingerprint, from, remedy.VulnScored, SystemActor, "candidate "+id+" abandoned"), nil
			}); err != nil {
			return nil, err
		}
		return cand, nil
	}

	cand, err = m.transitionLocked(ctx, id, remedy.CandidateRequested, SystemActor, "retrying with new content",
		[]remedy.CandidateState{remedy.CandidateTestedFail, remedy.CandidateRolledBack},
		func(c *remedy.PatchCandidate) error {
			c.Attempts++
			c.ContentRef = ""
			c.EvidenceRef = ""
			return nil
		})
	if err != nil {
		return nil, err
	}
	if _, err := records.TransitionVulnerability(ctx, m.store, cand.Fingerprint,
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			if r.Status == remedy.VulnPatchRequested {
				return nil, nil
			}
			from := r.Status
			r.Status = remedy.VulnPatchRequested
			return vulnAudit(r.Fingerprint, from, remedy.VulnPatchRequested, SystemActor, "candidate "+id+" retrying"), nil
		}); err != nil {
		return nil, err
	}
	return cand, nil
}

// Approve moves a TESTED_PASS candidate to APPROVED on behalf of actor.
// Candidates below the confidence threshold are rejected with
// ErrPendingReview unless the override flag is set; they are never advanced
// silently.
func (m *Manager) Approve(ctx context.Context, id, actor, reason string, override bool) (*remedy.PatchCandidate, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	cand, err := m.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	if cand.State != remedy.CandidateTestedPass {
		return nil, fmt.Errorf("candidate %s in %s: %w", id, cand.State, ErrInvalidTransition)
	}
	if cand.Confidence < m.cfg.MinConfidence && !override {
		return nil, fmt.Errorf("confidence %.2f below threshold %.2f: %w",
			cand.Confidence, m.cfg.MinConfidence, ErrPendingReview)
	}

	cand, err = m.transitionLocked(ctx, id, remedy.CandidateApproved, actor, reason,
		[]remedy.CandidateState{remedy.CandidateTestedPass},
		func(c *remedy.PatchCandidate) error {
			c.Review = &remedy.Review{Actor: actor, At: time.Now().UTC(), Reason: reason, Override: override}
			return nil
		})
	if err != nil {
		return nil, err
	}

	if _, err := records.TransitionVulnerability(ctx, m.store, cand.Fingerprint,
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			from := r.Status
			r.Status = remedy.VulnPatched
			return vulnAudit(r.Fingerprint, from, remedy.VulnPatched, actor, "candidate "+id+" approved"), nil
		}); err != nil {
		return nil, err
	}
	return cand, nil
}

// AutoApprove applies the policy gate to a TESTED_PASS candidate: it
// approves only when confidence clears the threshold. Below-threshold
// candidates are left pending and (false, nil) is returned.
func (m *Manager) AutoApprove(ctx context.Context, id string) (bool, error) {
	_, err := m.Approve(ctx, id, "policy", "auto-approved above confidence threshold", false)
	if errors.Is(err, ErrPendingReview) {
		slog.Info("Candidate held for manual review", "candidate", id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reject abandons a TESTED_PASS candidate on behalf of actor. The owning
// record returns to SCORED, eligible for a fresh candidate.
func (m *Manager) Reject(ctx context.Context, id, actor, reason string) (*remedy.PatchCandidate, error) {
	cand, err := m.transition(ctx, id, remedy.CandidateAbandoned, actor, reason,
		[]remedy.CandidateState{remedy.CandidateTestedPass},
		func(c *remedy.PatchCandidate) error {
			c.Review = &remedy.Review{Actor: actor, At: time.Now().UTC(), Reason: reason}
			return nil
		})
	if err != nil {
		return nil, err
	}

	if _, err := records.TransitionVulnerability(ctx, m.store, cand.Fingerprint,
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			from := r.Status
			r.Status = remedy.VulnScored
			return vulnAudit(r.Fingerprint, from, remedy.VulnScored, actor, "candidate "+id+" rejected"), nil
		}); err != nil {
		return nil, err
	}
	return cand, nil
}

// MarkRolledBack records that an APPROVED candidate's deployment was undone,
// either by a failed apply or by the anomaly monitor.
func (m *Manager) MarkRolledBack(ctx context.Context, id, reason string) (*remedy.PatchCandidate, error) {
	return m.transition(ctx, id, remedy.CandidateRolledBack, SystemActor, reason,
		[]remedy.CandidateState{remedy.CandidateApproved},
		nil)
}

// MarkDeployedStable finishes an APPROVED candidate after a clean
// observation window; the owning record becomes RESOLVED.
func (m *Manager) MarkDeployedStable(ctx context.Context, id string) (*remedy.PatchCandidate, error) {
	cand, err := m.transition(ctx, id, remedy.CandidateDeployedStable, SystemActor,
		"deployment stable through observation window",
		[]remedy.CandidateState{remedy.CandidateApproved},
		nil)
	if err != nil {
		return nil, err
	}

	if _, err := records.TransitionVulnerability(ctx, m.store, cand.Fingerprint,
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			from := r.Status
			r.Status = remedy.VulnResolved
			return vulnAudit(r.Fingerprint, from, remedy.VulnResolved, SystemActor, "candidate "+id+" stable"), nil
		}); err != nil {
		return nil, err
	}
	return cand, nil
}

// Suppress marks a vulnerability record SUPPRESSED so the pipeline stops
// acting on it. Only permitted while no candidate is mid-flight.
func (m *Manager) Suppress(ctx context.Context, fingerprint, actor, reason string) (*remedy.VulnerabilityRecord, error) {
	if _, err := m.store.ActiveCandidate(ctx, fingerprint); err == nil {
		return nil, fault.Conflict("lifecycle.Suppress",
			fmt.Errorf("record %s has an active candidate", fingerprint))
	} else if !errors.Is(err, records.ErrNotFound) {
		return nil, err
	}

	return records.TransitionVulnerability(ctx, m.store, fingerprint,
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			from := r.Status
			r.Status = remedy.VulnSuppressed
			return vulnAudit(fingerprint, from, remedy.VulnSuppressed, actor, reason), nil
		})
}

// transition applies one guarded state change under the candidate's lock.
func (m *Manager) transition(ctx context.Context, id string, to remedy.CandidateState, actor, reason string,
	from []remedy.CandidateState, apply func(*remedy.PatchCandidate) error) (*remedy.PatchCandidate, error) {

	m.locks.Lock(id)
	defer m.locks.Unlock(id)
	return m.transitionLocked(ctx, id, to, actor, reason, from, apply)
}

func (m *Manager) transitionLocked(ctx context.Context, id string, to remedy.CandidateState, actor, reason string,
	from []remedy.CandidateState, apply func(*remedy.PatchCandidate) error) (*remedy.PatchCandidate, error) {

	cand, err := records.TransitionCandidate(ctx, m.store, id,
		func(c *remedy.PatchCandidate) (*remedy.AuditEntry, error) {
			if !stateIn(c.State, from) {
				return nil, fmt.Errorf("candidate %s: %s -> %s: %w", id, c.State, to, ErrInvalidTransition)
			}
			prev := c.State
			if apply != nil {
				if err := apply(c); err != nil {
					return nil, err
				}
			}
			c.State = to
			return &remedy.AuditEntry{
				Entity:    "candidate",
				EntityID:  id,
				Actor:     actor,
				FromState: string(prev),
				ToState:   string(to),
				Reason:    reason,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	metrics.CandidateTransitions.WithLabelValues(string(to)).Inc()
	slog.Info("Candidate transition", "candidate", id, "state", to, "actor", actor)
	return cand, nil
}

func stateIn(s remedy.CandidateState, set []remedy.CandidateState) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func vulnAudit(fp string, from, to remedy.VulnStatus, actor, reason string) *remedy.AuditEntry {
	return &remedy.AuditEntry{
		Entity:    "vulnerability",
		EntityID:  fp,
		Actor:     actor,
		FromState: string(from),
		ToState:   string(to),
		Reason:    reason,
	}
}
