package records

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/fault"
)

func newVuln(fp string) *remedy.VulnerabilityRecord {
	now := time.Now().UTC()
	return &remedy.VulnerabilityRecord{
		Fingerprint: fp,
		VulnID:      "CVE-2024-1234",
		Asset:       "web-01",
		Sources:     []string{"wazuh"},
		FirstSeen:   now,
		LastSeen:    now,
		Severity:    9.0,
		Status:      remedy.VulnNew,
	}
}

func TestVulnerabilityCASRejectsStaleWrite(t *testing.T) {
	t.Log("\n🔍 Testing optimistic concurrency on vulnerability records...")

	ctx := context.Background()
	s := NewMemoryStore()

	rec := newVuln("cve-2024-1234::web-01")
	if err := s.CreateVulnerability(ctx, rec, nil); err != nil {
		t.Fatalf("❌ create failed: %v", err)
	}

	a, _ := s.GetVulnerability(ctx, rec.Fingerprint)
	b, _ := s.GetVulnerability(ctx, rec.Fingerprint)

	a.Severity = 9.5
	if err := s.UpdateVulnerability(ctx, a, nil); err != nil {
		t.Fatalf("❌ first update failed: %v", err)
	}

	b.Severity = 5.0
	err := s.UpdateVulnerability(ctx, b, nil)
	if err == nil {
		t.Fatal("❌ stale write was accepted")
	}
	if !fault.IsConflict(err) || !errors.Is(err, ErrStale) {
		t.Errorf("❌ expected a conflict wrapping ErrStale, got: %v", err)
	}

	cur, _ := s.GetVulnerability(ctx, rec.Fingerprint)
	if cur.Severity != 9.5 {
		t.Errorf("❌ losing write clobbered the record: severity %v", cur.Severity)
	}
	t.Log("✅ stale write rejected, winning write preserved")
}

func TestSnapshotReads(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := newVuln("fp-1")
	if err := s.CreateVulnerability(ctx, rec, nil); err != nil {
		t.Fatalf("❌ create failed: %v", err)
	}

	got, _ := s.GetVulnerability(ctx, "fp-1")
	got.Sources = append(got.Sources, "mutated")
	got.Severity = 0

	again, _ := s.GetVulnerability(ctx, "fp-1")
	if len(again.Sources) != 1 || again.Severity != 9.0 {
		t.Error("❌ mutating a returned snapshot leaked into the store")
	}
}

func TestSingleActiveCandidate(t *testing.T) {
	t.Log("\n🔍 Testing the one-active-candidate invariant...")

	ctx := context.Background()
	s := NewMemoryStore()

	first := &remedy.PatchCandidate{ID: "cand-1", Fingerprint: "fp-1", State: remedy.CandidateRequested, CreatedAt: time.Now()}
	if err := s.CreateCandidate(ctx, first, nil); err != nil {
		t.Fatalf("❌ first candidate rejected: %v", err)
	}

	second := &remedy.PatchCandidate{ID: "cand-2", Fingerprint: "fp-1", State: remedy.CandidateRequested, CreatedAt: time.Now()}
	if err := s.CreateCandidate(ctx, second, nil); !fault.IsConflict(err) {
		t.Fatalf("❌ second active candidate accepted: %v", err)
	}

	// Terminal candidate frees the slot.
	cur, _ := s.GetCandidate(ctx, "cand-1")
	cur.State = remedy.CandidateAbandoned
	if err := s.UpdateCandidate(ctx, cur, nil); err != nil {
		t.Fatalf("❌ update failed: %v", err)
	}
	if err := s.CreateCandidate(ctx, second, nil); err != nil {
		t.Errorf("❌ candidate rejected after prior went terminal: %v", err)
	}
	t.Log("✅ second candidate blocked until first is terminal")
}

func TestActiveCandidateLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.ActiveCandidate(ctx, "fp-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("❌ expected ErrNotFound, got: %v", err)
	}

	c := &remedy.PatchCandidate{ID: "cand-1", Fingerprint: "fp-1", State: remedy.CandidateGenerated, CreatedAt: time.Now()}
	s.CreateCandidate(ctx, c, nil)

	got, err := s.ActiveCandidate(ctx, "fp-1")
	if err != nil || got.ID != "cand-1" {
		t.Errorf("❌ active candidate lookup failed: %v", err)
	}
}

func TestAuditTrailAppendsWithWrites(t *testing.T) {
	t.Log("\n🔍 Testing audit entries land with their writes...")

	ctx := context.Background()
	s := NewMemoryStore()

	rec := newVuln("fp-1")
	s.CreateVulnerability(ctx, rec, &remedy.AuditEntry{
		Entity: "vulnerability", EntityID: "fp-1", Actor: "wazuh", ToState: "NEW",
	})

	cur, _ := s.GetVulnerability(ctx, "fp-1")
	cur.Status = remedy.VulnScored
	s.UpdateVulnerability(ctx, cur, &remedy.AuditEntry{
		Entity: "vulnerability", EntityID: "fp-1", Actor: "system",
		FromState: "NEW", ToState: "SCORED",
	})

	entries, err := s.ListAudit(ctx, AuditFilter{Entity: "vulnerability", EntityID: "fp-1"})
	if err != nil {
		t.Fatalf("❌ audit query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("❌ expected 2 audit entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ID == "" || e.At.IsZero() {
			t.Error("❌ audit entry missing generated ID or timestamp")
		}
	}
	if entries[1].FromState != "NEW" || entries[1].ToState != "SCORED" {
		t.Errorf("❌ transition audit wrong: %+v", entries[1])
	}
	t.Log("✅ ordered audit trail with IDs and timestamps")
}

func TestAuditFilterLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := newVuln("fp-1")
	s.CreateVulnerability(ctx, rec, &remedy.AuditEntry{Entity: "vulnerability", EntityID: "fp-1", Actor: "a", ToState: "NEW"})
	for i := 0; i < 5; i++ {
		cur, _ := s.GetVulnerability(ctx, "fp-1")
		cur.Severity = float64(i)
		s.UpdateVulnerability(ctx, cur, &remedy.AuditEntry{Entity: "vulnerability", EntityID: "fp-1", Actor: "a", ToState: "SCORED"})
	}

	entries, _ := s.ListAudit(ctx, AuditFilter{EntityID: "fp-1", Limit: 3})
	if len(entries) != 3 {
		t.Errorf("❌ limit ignored: got %d entries", len(entries))
	}
}

func TestTransitionRetriesOnConflict(t *testing.T) {
	t.Log("\n🔍 Testing transition helper reloads after losing a race...")

	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateVulnerability(ctx, newVuln("fp-1"), nil)

	raced := false
	_, err := TransitionVulnerability(ctx, s, "fp-1",
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			if !raced {
				// Simulate a concurrent writer landing between our read and write.
				raced = true
				other, _ := s.GetVulnerability(ctx, "fp-1")
				other.Severity = 3.0
				if err := s.UpdateVulnerability(ctx, other, nil); err != nil {
					t.Fatalf("❌ racing update failed: %v", err)
				}
			}
			r.Status = remedy.VulnScored
			return nil, nil
		})
	if err != nil {
		t.Fatalf("❌ transition failed despite retry: %v", err)
	}

	cur, _ := s.GetVulnerability(ctx, "fp-1")
	if cur.Status != remedy.VulnScored {
		t.Errorf("❌ transition lost: status %s", cur.Status)
	}
	if cur.Severity != 3.0 {
		t.Errorf("❌ retry clobbered the racing write: severity %v", cur.Severity)
	}
	t.Log("✅ transition retried with fresh state")
}

func TestTransitionPropagatesMutateError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateVulnerability(ctx, newVuln("fp-1"), nil)

	boom := errors.New("guard refused")
	_, err := TransitionVulnerability(ctx, s, "fp-1",
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			return nil, boom
		})
	if !errors.Is(err, boom) {
		t.Errorf("❌ mutate error not propagated: %v", err)
	}
}
