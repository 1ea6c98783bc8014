package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/fault"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// single-process deployments; the Postgres-backed store provides durability
// with the same contract.
type MemoryStore struct {
	mu    sync.RWMutex
	vulns map[string]*remedy.VulnerabilityRecord
	cands map[string]*remedy.PatchCandidate
	deps  map[string]*remedy.DeploymentRecord
	audit []remedy.AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vulns: make(map[string]*remedy.VulnerabilityRecord),
		cands: make(map[string]*remedy.PatchCandidate),
		deps:  make(map[string]*remedy.DeploymentRecord),
	}
}

func (s *MemoryStore) appendAuditLocked(audit *remedy.AuditEntry) {
	if audit == nil {
		return
	}
	e := *audit
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.audit = append(s.audit, e)
}

// ---- vulnerability records ----

func (s *MemoryStore) GetVulnerability(ctx context.Context, fingerprint string) (*remedy.VulnerabilityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.vulns[fingerprint]
	if !ok {
		return nil, fmt.Errorf("vulnerability %s: %w", fingerprint, ErrNotFound)
	}
	return copyVuln(rec), nil
}

func (s *MemoryStore) ListVulnerabilities(ctx context.Context) ([]*remedy.VulnerabilityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*remedy.VulnerabilityRecord, 0, len(s.vulns))
	for _, rec := range s.vulns {
		out = append(out, copyVuln(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

func (s *MemoryStore) CreateVulnerability(ctx context.Context, rec *remedy.VulnerabilityRecord, audit *remedy.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vulns[rec.Fingerprint]; ok {
		return fmt.Errorf("vulnerability %s: %w", rec.Fingerprint, ErrAlreadyExists)
	}
	rec.Version = 1
	s.vulns[rec.Fingerprint] = copyVuln(rec)
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemoryStore) UpdateVulnerability(ctx context.Context, rec *remedy.VulnerabilityRecord, audit *remedy.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.vulns[rec.Fingerprint]
	if !ok {
		return fmt.Errorf("vulnerability %s: %w", rec.Fingerprint, ErrNotFound)
	}
	if cur.Version != rec.Version {
		return fault.Conflict("records.UpdateVulnerability",
			fmt.Errorf("vulnerability %s: have v%d want v%d: %w", rec.Fingerprint, rec.Version, cur.Version, ErrStale))
	}
	rec.Version++
	s.vulns[rec.Fingerprint] = copyVuln(rec)
	s.appendAuditLocked(audit)
	return nil
}

// ---- patch candidates ----

func (s *MemoryStore) GetCandidate(ctx context.Context, id string) (*remedy.PatchCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cands[id]
	if !ok {
		return nil, fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	return copyCandidate(c), nil
}

func (s *MemoryStore) ListCandidates(ctx context.Context, fingerprint string) ([]*remedy.PatchCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*remedy.PatchCandidate
	for _, c := range s.cands {
		if fingerprint == "" || c.Fingerprint == fingerprint {
			out = append(out, copyCandidate(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ActiveCandidate(ctx context.Context, fingerprint string) (*remedy.PatchCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cands {
		if c.Fingerprint == fingerprint && !c.State.Terminal() {
			return copyCandidate(c), nil
		}
	}
	return nil, fmt.Errorf("active candidate for %s: %w", fingerprint, ErrNotFound)
}

func (s *MemoryStore) CreateCandidate(ctx context.Context, c *remedy.PatchCandidate, audit *remedy.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cands[c.ID]; ok {
		return fmt.Errorf("candidate %s: %w", c.ID, ErrAlreadyExists)
	}
	// One active candidate per record, enforced at the storage boundary so
	// no caller can race past the lifecycle guard.
	for _, existing := range s.cands {
		if existing.Fingerprint == c.Fingerprint && !existing.State.Terminal() {
			return fault.Conflict("records.CreateCandidate",
				fmt.Errorf("candidate %s is still active for %s", existing.ID, c.Fingerprint))
		}
	}
	c.Version = 1
	s.cands[c.ID] = copyCandidate(c)
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemoryStore) UpdateCandidate(ctx context.Context, c *remedy.PatchCandidate, audit *remedy.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cands[c.ID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", c.ID, ErrNotFound)
	}
	if cur.Version != c.Version {
		return fault.Conflict("records.UpdateCandidate",
			fmt.Errorf("candidate %s: have v%d want v%d: %w", c.ID, c.Version, cur.Version, ErrStale))
	}
	c.Version++
	s.cands[c.ID] = copyCandidate(c)
	s.appendAuditLocked(audit)
	return nil
}

// ---- deployment records ----

func (s *MemoryStore) GetDeployment(ctx context.Context, id string) (*remedy.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deps[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return copyDeployment(d), nil
}

func (s *MemoryStore) ListDeployments(ctx context.Context, candidateID string) ([]*remedy.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*remedy.DeploymentRecord
	for _, d := range s.deps {
		if candidateID == "" || d.CandidateID == candidateID {
			out = append(out, copyDeployment(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) CreateDeployment(ctx context.Context, d *remedy.DeploymentRecord, audit *remedy.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deps[d.ID]; ok {
		return fmt.Errorf("deployment %s: %w", d.ID, ErrAlreadyExists)
	}
	d.Version = 1
	s.deps[d.ID] = copyDeployment(d)
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemoryStore) UpdateDeployment(ctx context.Context, d *remedy.DeploymentRecord, audit *remedy.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.deps[d.ID]
	if !ok {
		return fmt.Errorf("deployment %s: %w", d.ID, ErrNotFound)
	}
	if cur.Version != d.Version {
		return fault.Conflict("records.UpdateDeployment",
			fmt.Errorf("deployment %s: have v%d want v%d: %w", d.ID, d.Version, cur.Version, ErrStale))
	}
	d.Version++
	s.deps[d.ID] = copyDeployment(d)
	s.appendAuditLocked(audit)
	return nil
}

// ---- audit trail ----

func (s *MemoryStore) ListAudit(ctx context.Context, f AuditFilter) ([]remedy.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []remedy.AuditEntry
	for _, e := range s.audit {
		if f.Entity != "" && e.Entity != f.Entity {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// ---- copy helpers: callers get snapshots, never shared pointers ----

func copyVuln(r *remedy.VulnerabilityRecord) *remedy.VulnerabilityRecord {
	c := *r
	c.Sources = append([]string(nil), r.Sources...)
	return &c
}

func copyCandidate(p *remedy.PatchCandidate) *remedy.PatchCandidate {
	c := *p
	if p.Review != nil {
		rv := *p.Review
		c.Review = &rv
	}
	return &c
}

func copyDeployment(d *remedy.DeploymentRecord) *remedy.DeploymentRecord {
	c := *d
	c.Assets = append([]string(nil), d.Assets...)
	c.Applied = append([]string(nil), d.Applied...)
	if d.EndedAt != nil {
		t := *d.EndedAt
		c.EndedAt = &t
	}
	return &c
}
