package records

import (
	"context"
	"fmt"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/fault"
)

// casAttempts bounds the reload-and-retry loop on version conflicts. The
// loop only spins when another writer won the race, so a handful of retries
// is plenty; hitting the bound indicates a livelock bug, not contention.
const casAttempts = 8

// TransitionVulnerability loads the record for fingerprint, applies mutate,
// and writes it back, reloading and retrying on a version conflict. The
// conflict is never surfaced to the caller; only mutate or store errors are.
// mutate returns the audit entry to append with the write, or nil for
// non-transition updates.
func TransitionVulnerability(ctx context.Context, s Store, fingerprint string,
	mutate func(*remedy.VulnerabilityRecord) (*remedy.AuditEntry, error)) (*remedy.VulnerabilityRecord, error) {

	for i := 0; i < casAttempts; i++ {
		rec, err := s.GetVulnerability(ctx, fingerprint)
		if err != nil {
			return nil, err
		}
		audit, err := mutate(rec)
		if err != nil {
			return nil, err
		}
		if err := s.UpdateVulnerability(ctx, rec, audit); err != nil {
			if fault.IsConflict(err) {
				continue
			}
			return nil, err
		}
		return rec, nil
	}
	return nil, fmt.Errorf("transition vulnerability %s: retry bound reached", fingerprint)
}

// TransitionCandidate is TransitionVulnerability for patch candidates.
func TransitionCandidate(ctx context.Context, s Store, id string,
	mutate func(*remedy.PatchCandidate) (*remedy.AuditEntry, error)) (*remedy.PatchCandidate, error) {

	for i := 0; i < casAttempts; i++ {
		c, err := s.GetCandidate(ctx, id)
		if err != nil {
			return nil, err
		}
		audit, err := mutate(c)
		if err != nil {
			return nil, err
		}
		if err := s.UpdateCandidate(ctx, c, audit); err != nil {
			if fault.IsConflict(err) {
				continue
			}
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("transition candidate %s: retry bound reached", id)
}

// TransitionDeployment is TransitionVulnerability for deployment records.
func TransitionDeployment(ctx context.Context, s Store, id string,
	mutate func(*remedy.DeploymentRecord) (*remedy.AuditEntry, error)) (*remedy.DeploymentRecord, error) {

	for i := 0; i < casAttempts; i++ {
		d, err := s.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		audit, err := mutate(d)
		if err != nil {
			return nil, err
		}
		if err := s.UpdateDeployment(ctx, d, audit); err != nil {
			if fault.IsConflict(err) {
				continue
			}
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("transition deployment %s: retry bound reached", id)
}
