package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/config"
	"github.com/RemedyScan/go-core/remedy/fault"
	"github.com/RemedyScan/go-core/remedy/records"
)

func testConfig() config.LifecycleConfig {
	return config.LifecycleConfig{MaxAttempts: 3, MinConfidence: 0.6}
}

func setup(t *testing.T) (*Manager, *records.MemoryStore, *remedy.VulnerabilityRecord) {
	t.Helper()
	store := records.NewMemoryStore()
	now := time.Now().UTC()
	rec := &remedy.VulnerabilityRecord{
		Fingerprint: "cve-2024-1234::web-01",
		VulnID:      "CVE-2024-1234",
		Asset:       "web-01",
		Sources:     []string{"wazuh"},
		FirstSeen:   now,
		LastSeen:    now,
		Severity:    9.0,
		RiskScore:   87.0,
		Status:      remedy.VulnScored,
	}
	if err := store.CreateVulnerability(context.Background(), rec, nil); err != nil {
		t.Fatalf("❌ seeding record failed: %v", err)
	}
	return NewManager(store, testConfig()), store, rec
}

func TestHappyPathToDeployedStable(t *testing.T) {
	t.Log("\n🔍 Testing REQUESTED → ... → DEPLOYED_STABLE happy path...")

	m, store, rec := setup(t)
	ctx := context.Background()

	cand, err := m.RequestPatch(ctx, rec)
	if err != nil {
		t.Fatalf("❌ request failed: %v", err)
	}
	if cand.State != remedy.CandidateRequested {
		t.Fatalf("❌ expected REQUESTED, got %s", cand.State)
	}

	cur, _ := store.GetVulnerability(ctx, rec.Fingerprint)
	if cur.Status != remedy.VulnPatchRequested {
		t.Errorf("❌ record status: expected PATCH_REQUESTED, got %s", cur.Status)
	}

	cand, err = m.MarkGenerated(ctx, cand.ID, "patch://abc", 0.9)
	if err != nil || cand.State != remedy.CandidateGenerated {
		t.Fatalf("❌ generate: state=%v err=%v", cand.State, err)
	}

	cand, err = m.RecordTestOutcome(ctx, cand.ID, remedy.TestOutcome{Passed: true}, "evidence://1")
	if err != nil || cand.State != remedy.CandidateTestedPass {
		t.Fatalf("❌ test pass: state=%v err=%v", cand.State, err)
	}

	approved, err := m.AutoApprove(ctx, cand.ID)
	if err != nil || !approved {
		t.Fatalf("❌ auto-approval: approved=%v err=%v", approved, err)
	}

	cand, err = m.MarkDeployedStable(ctx, cand.ID)
	if err != nil || cand.State != remedy.CandidateDeployedStable {
		t.Fatalf("❌ stable: state=%v err=%v", cand.State, err)
	}

	cur, _ = store.GetVulnerability(ctx, rec.Fingerprint)
	if cur.Status != remedy.VulnResolved {
		t.Errorf("❌ record status: expected RESOLVED, got %s", cur.Status)
	}
	t.Log("✅ full lifecycle with record ending RESOLVED")
}

func TestLowConfidenceStaysPending(t *testing.T) {
	t.Log("\n🔍 Testing confidence 0.4 parks at TESTED_PASS under 0.6 threshold...")

	m, store, rec := setup(t)
	ctx := context.Background()

	cand, _ := m.RequestPatch(ctx, rec)
	m.MarkGenerated(ctx, cand.ID, "patch://low", 0.4)
	m.RecordTestOutcome(ctx, cand.ID, remedy.TestOutcome{Passed: true}, "")

	approved, err := m.AutoApprove(ctx, cand.ID)
	if err != nil {
		t.Fatalf("❌ auto-approve errored: %v", err)
	}
	if approved {
		t.Fatal("❌ low-confidence candidate auto-approved")
	}

	cur, _ := store.GetCandidate(ctx, cand.ID)
	if cur.State != remedy.CandidateTestedPass {
		t.Errorf("❌ expected to remain TESTED_PASS, got %s", cur.State)
	}

	// Explicit Approve without override also refuses.
	if _, err := m.Approve(ctx, cand.ID, "alice", "looks fine", false); !errors.Is(err, ErrPendingReview) {
		t.Errorf("❌ expected ErrPendingReview, got: %v", err)
	}

	// Human override gets it through.
	got, err := m.Approve(ctx, cand.ID, "alice", "verified manually", true)
	if err != nil {
		t.Fatalf("❌ override approval failed: %v", err)
	}
	if got.State != remedy.CandidateApproved || got.Review == nil || !got.Review.Override {
		t.Errorf("❌ override approval state wrong: %+v", got)
	}
	t.Log("✅ pending until human override")
}

func TestConfidenceClamping(t *testing.T) {
	m, _, rec := setup(t)
	ctx := context.Background()

	cand, _ := m.RequestPatch(ctx, rec)

	got, err := m.MarkGenerated(ctx, cand.ID, "patch://x", 1.7)
	if err != nil {
		t.Fatalf("❌ generate failed: %v", err)
	}
	if got.Confidence != 1.0 {
		t.Errorf("❌ confidence not clamped: %v", got.Confidence)
	}
}

func TestRetryBoundAbandons(t *testing.T) {
	t.Log("\n🔍 Testing the 3-attempt bound ends in ABANDONED...")

	m, store, rec := setup(t)
	ctx := context.Background()

	cand, _ := m.RequestPatch(ctx, rec)

	// Attempt 1 and 2 fail and retry.
	for i := 0; i < 2; i++ {
		if _, err := m.MarkGenerated(ctx, cand.ID, "patch://v", 0.8); err != nil {
			t.Fatalf("❌ generate %d: %v", i, err)
		}
		if _, err := m.RecordTestOutcome(ctx, cand.ID, remedy.TestOutcome{Passed: false}, ""); err != nil {
			t.Fatalf("❌ fail %d: %v", i, err)
		}
		got, err := m.RetryAfterFailure(ctx, cand.ID)
		if err != nil {
			t.Fatalf("❌ retry %d: %v", i, err)
		}
		if got.State != remedy.CandidateRequested {
			t.Fatalf("❌ retry %d: expected REQUESTED, got %s", i, got.State)
		}
		if got.Attempts != i+1 {
			t.Fatalf("❌ retry %d: attempts=%d", i, got.Attempts)
		}
	}

	// Third failure exhausts the bound.
	m.MarkGenerated(ctx, cand.ID, "patch://v3", 0.8)
	m.RecordTestOutcome(ctx, cand.ID, remedy.TestOutcome{Passed: false}, "")
	got, err := m.RetryAfterFailure(ctx, cand.ID)
	if err != nil {
		t.Fatalf("❌ final retry: %v", err)
	}
	if got.State != remedy.CandidateAbandoned {
		t.Errorf("❌ expected ABANDONED, got %s", got.State)
	}

	cur, _ := store.GetVulnerability(ctx, rec.Fingerprint)
	if cur.Status != remedy.VulnScored {
		t.Errorf("❌ record should revert to SCORED after abandonment, got %s", cur.Status)
	}

	// Slot freed: a fresh candidate is allowed.
	if _, err := m.RequestPatch(ctx, cur); err != nil {
		t.Errorf("❌ new candidate refused after abandonment: %v", err)
	}
	t.Log("✅ abandoned on the third failure, record re-eligible")
}

func TestSecondActiveCandidateRejected(t *testing.T) {
	m, _, rec := setup(t)
	ctx := context.Background()

	if _, err := m.RequestPatch(ctx, rec); err != nil {
		t.Fatalf("❌ first request failed: %v", err)
	}
	if _, err := m.RequestPatch(ctx, rec); !fault.IsConflict(err) {
		t.Errorf("❌ expected conflict for second candidate, got: %v", err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	t.Log("\n🔍 Testing guard rejects out-of-order transitions...")

	m, _, rec := setup(t)
	ctx := context.Background()

	cand, _ := m.RequestPatch(ctx, rec)

	// Cannot test before generating.
	if _, err := m.RecordTestOutcome(ctx, cand.ID, remedy.TestOutcome{Passed: true}, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("❌ expected ErrInvalidTransition, got: %v", err)
	}
	// Cannot approve before testing.
	if _, err := m.Approve(ctx, cand.ID, "alice", "", false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("❌ expected ErrInvalidTransition, got: %v", err)
	}
	t.Log("✅ out-of-order transitions refused")
}

func TestRejectAbandons(t *testing.T) {
	m, store, rec := setup(t)
	ctx := context.Background()

	cand, _ := m.RequestPatch(ctx, rec)
	m.MarkGenerated(ctx, cand.ID, "patch://x", 0.9)
	m.RecordTestOutcome(ctx, cand.ID, remedy.TestOutcome{Passed: true}, "")

	got, err := m.Reject(ctx, cand.ID, "bob", "patch touches unrelated config")
	if err != nil {
		t.Fatalf("❌ reject failed: %v", err)
	}
	if got.State != remedy.CandidateAbandoned {
		t.Errorf("❌ expected ABANDONED, got %s", got.State)
	}

	entries, _ := store.ListAudit(ctx, records.AuditFilter{Entity: "candidate", EntityID: cand.ID})
	last := entries[len(entries)-1]
	if last.Actor != "bob" || last.ToState != string(remedy.CandidateAbandoned) {
		t.Errorf("❌ rejection audit wrong: %+v", last)
	}

	cur, _ := store.GetVulnerability(ctx, rec.Fingerprint)
	if cur.Status != remedy.VulnScored {
		t.Errorf("❌ record should return to SCORED after rejection, got %s", cur.Status)
	}
}

func TestRollbackReturnsToRetryLoop(t *testing.T) {
	t.Log("\n🔍 Testing APPROVED → ROLLED_BACK → REQUESTED retry path...")

	m, store, rec := setup(t)
	ctx := context.Background()

	cand, _ := m.RequestPatch(ctx, rec)
	m.MarkGenerated(ctx, cand.ID, "patch://x", 0.9)
	m.RecordTestOutcome(ctx, cand.ID, remedy.TestOutcome{Passed: true}, "")
	m.Approve(ctx, cand.ID, "policy", "", false)

	got, err := m.MarkRolledBack(ctx, cand.ID, "error rate spike on web-01")
	if err != nil || got.State != remedy.CandidateRolledBack {
		t.Fatalf("❌ rollback: state=%v err=%v", got.State, err)
	}

	got, err = m.RetryAfterFailure(ctx, cand.ID)
	if err != nil || got.State != remedy.CandidateRequested {
		t.Fatalf("❌ retry after rollback: state=%v err=%v", got.State, err)
	}
	if got.Attempts != 1 {
		t.Errorf("❌ rollback retry should consume an attempt, got %d", got.Attempts)
	}

	cur, _ := store.GetVulnerability(ctx, rec.Fingerprint)
	if cur.Status != remedy.VulnPatchRequested {
		t.Errorf("❌ record status after rollback retry: %s", cur.Status)
	}
	t.Log("✅ rolled-back candidate re-enters the loop with an attempt consumed")
}

func TestSuppressRecord(t *testing.T) {
	m, _, rec := setup(t)
	ctx := context.Background()

	got, err := m.Suppress(ctx, rec.Fingerprint, "alice", "accepted risk, EOL next month")
	if err != nil {
		t.Fatalf("❌ suppress failed: %v", err)
	}
	if got.Status != remedy.VulnSuppressed {
		t.Errorf("❌ expected SUPPRESSED, got %s", got.Status)
	}

	// Suppression is blocked while a candidate is mid-flight.
	store2 := records.NewMemoryStore()
	rec2 := &remedy.VulnerabilityRecord{Fingerprint: "fp-2", VulnID: "CVE-2", Asset: "db-01", Status: remedy.VulnScored}
	store2.CreateVulnerability(ctx, rec2, nil)
	m2 := NewManager(store2, testConfig())
	m2.RequestPatch(ctx, rec2)
	if _, err := m2.Suppress(ctx, "fp-2", "alice", "nope"); !fault.IsConflict(err) {
		t.Errorf("❌ expected conflict suppressing active record, got: %v", err)
	}
}
