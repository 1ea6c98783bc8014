package remedy

import (
	"fmt"
	"strings"
	"time"
)

// ========================= Finding =========================

// Finding is a single scanner observation of a vulnerability on an asset.
// Findings are immutable once recorded; everything mutable lives on the
// VulnerabilityRecord they are merged into.
type Finding struct {
	Source             string    `json:"source"`
	VulnID             string    `json:"vuln_id"`
	Asset              string    `json:"asset"`
	Severity           float64   `json:"severity"`            // 0-10
	ExploitProbability float64   `json:"exploit_probability"` // 0-1
	Payload            string    `json:"payload,omitempty"`
	ObservedAt         time.Time `json:"observed_at"`
}

// Fingerprint computes the canonical identity key for this finding:
// the case-normalized vulnerability identifier joined with the
// case-normalized asset identity. All observations of the same underlying
// issue on the same asset collapse onto this key.
func (f Finding) Fingerprint() string {
	return Fingerprint(f.VulnID, f.Asset)
}

// Fingerprint builds the deduplication key for a vulnerability on an asset.
func Fingerprint(vulnID, asset string) string {
	v := strings.ToLower(strings.TrimSpace(vulnID))
	a := strings.ToLower(strings.TrimSpace(asset))
	return v + "::" + a
}

// ========================= VulnerabilityRecord =========================

// VulnStatus is the lifecycle status of a deduplicated vulnerability record.
type VulnStatus string

const (
	VulnNew            VulnStatus = "NEW"
	VulnScored         VulnStatus = "SCORED"
	VulnPatchRequested VulnStatus = "PATCH_REQUESTED"
	VulnPatched        VulnStatus = "PATCHED"
	VulnDeployed       VulnStatus = "DEPLOYED"
	VulnResolved       VulnStatus = "RESOLVED"
	VulnSuppressed     VulnStatus = "SUPPRESSED"
)

// VulnerabilityRecord is the deduplicated aggregate of one or more Findings
// sharing a canonical fingerprint. Exactly one record exists per fingerprint.
type VulnerabilityRecord struct {
	Fingerprint        string     `json:"fingerprint"`
	VulnID             string     `json:"vuln_id"`
	Asset              string     `json:"asset"`
	Sources            []string   `json:"sources"`
	FirstSeen          time.Time  `json:"first_seen"`
	LastSeen           time.Time  `json:"last_seen"`
	Severity           float64    `json:"severity"`
	ExploitProbability float64    `json:"exploit_probability"`
	RiskScore          float64    `json:"risk_score"`
	Status             VulnStatus `json:"status"`

	// Version supports optimistic-concurrency writes; stale writes are
	// rejected by the record store.
	Version uint64 `json:"version"`
}

// HasSource reports whether the named scanner already contributed to this
// record. Source membership is unique; insertion order is irrelevant.
func (r *VulnerabilityRecord) HasSource(name string) bool {
	for _, s := range r.Sources {
		if s == name {
			return true
		}
	}
	return false
}

// ========================= PatchCandidate =========================

// CandidateState is a state in the patch lifecycle machine.
type CandidateState string

const (
	CandidateRequested      CandidateState = "REQUESTED"
	CandidateGenerated      CandidateState = "GENERATED"
	CandidateTestedPass     CandidateState = "TESTED_PASS"
	CandidateTestedFail     CandidateState = "TESTED_FAIL"
	CandidateApproved       CandidateState = "APPROVED"
	CandidateRolledBack     CandidateState = "ROLLED_BACK"
	CandidateDeployedStable CandidateState = "DEPLOYED_STABLE"
	CandidateAbandoned      CandidateState = "ABANDONED"
)

// Terminal reports whether the state ends the candidate's lifecycle.
func (s CandidateState) Terminal() bool {
	return s == CandidateDeployedStable || s == CandidateAbandoned
}

// Review records an approval or rejection decision on a candidate.
type Review struct {
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason,omitempty"`
	Override bool      `json:"override,omitempty"`
}

// PatchCandidate is one generated fix attempt owned by exactly one
// VulnerabilityRecord. A record may accumulate candidates over time, but at
// most one may occupy a non-terminal state at any moment.
type PatchCandidate struct {
	ID          string         `json:"id"`
	Fingerprint string         `json:"fingerprint"`
	ContentRef  string         `json:"content_ref,omitempty"`
	Confidence  float64        `json:"confidence"`
	State       CandidateState `json:"state"`
	Attempts    int            `json:"attempts"`
	EvidenceRef string         `json:"evidence_ref,omitempty"`
	Review      *Review        `json:"review,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`

	Version uint64 `json:"version"`
}

// ========================= DeploymentRecord =========================

// Strategy selects how an approved patch is rolled out to its assets.
type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue-green"
	StrategyCanary    Strategy = "canary"
	StrategyDirect    Strategy = "direct"
)

// ValidStrategy reports whether s names a known rollout strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyRolling, StrategyBlueGreen, StrategyCanary, StrategyDirect:
		return true
	}
	return false
}

// DeploymentState is a state in the deployment execution machine.
type DeploymentState string

const (
	DeployPending    DeploymentState = "PENDING"
	DeployInProgress DeploymentState = "IN_PROGRESS"
	DeploySucceeded  DeploymentState = "SUCCEEDED"
	DeployFailed     DeploymentState = "FAILED"
	DeployRolledBack DeploymentState = "ROLLED_BACK"
)

// Terminal reports whether the deployment has finished, one way or another.
func (s DeploymentState) Terminal() bool {
	return s == DeploySucceeded || s == DeployFailed || s == DeployRolledBack
}

// DeploymentRecord is one execution attempt of an approved candidate against
// a set of assets. History is append-only: a rolled-back deployment is never
// deleted, it is linked to the compensating record that undid it.
type DeploymentRecord struct {
	ID          string          `json:"id"`
	CandidateID string          `json:"candidate_id"`
	Fingerprint string          `json:"fingerprint"`
	Assets      []string        `json:"assets"`
	Strategy    Strategy        `json:"strategy"`
	State       DeploymentState `json:"state"`

	// Attempts is the highest per-asset apply attempt count observed.
	Attempts int `json:"attempts"`

	// Applied lists assets actually changed by this deployment, in order.
	// It is what a compensating rollback must undo.
	Applied []string `json:"applied,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// RollbackRef points to the compensating DeploymentRecord that undid
	// this one, when State is ROLLED_BACK.
	RollbackRef string `json:"rollback_ref,omitempty"`

	// RevertOf names the deployment this record undid. Set only on
	// compensating records; empty on forward deployments.
	RevertOf string `json:"revert_of,omitempty"`

	Version uint64 `json:"version"`
}

// ========================= Digital twin =========================

// AssetSnapshot identifies the state of an asset to replicate in an isolated
// twin environment, and the known-good reference used for rollback.
type AssetSnapshot struct {
	Asset    string `json:"asset"`
	StateRef string `json:"state_ref"`
}

// TestOutcome is the structured result of a digital-twin verification run.
type TestOutcome struct {
	Passed   bool          `json:"passed"`
	Evidence []CheckResult `json:"evidence"`
}

// CheckResult is one entry of the verification battery's evidence.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// ========================= Audit =========================

// AuditEntry records one state transition. Entries are immutable and
// append-only: this is the system's audit history.
type AuditEntry struct {
	ID        string    `json:"id"`
	Entity    string    `json:"entity"`    // "vulnerability", "candidate", "deployment"
	EntityID  string    `json:"entity_id"` // fingerprint, candidate id, deployment id
	Actor     string    `json:"actor"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

func (e AuditEntry) String() string {
	return fmt.Sprintf("%s %s: %s -> %s (%s)", e.Entity, e.EntityID, e.FromState, e.ToState, e.Actor)
}
