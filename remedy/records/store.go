// Package records defines the shared record store for the three pipeline
// collections (vulnerability records, patch candidates, deployment records)
// plus the append-only audit trail.
//
// The store is the only shared mutable state in the system. Components read
// current state via snapshot copies and write via versioned compare-and-swap
// updates: a write carrying a stale version is rejected with a conflict
// error and the caller reloads and retries.
package records

import (
	"context"
	"errors"

	"github.com/RemedyScan/go-core/remedy"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrStale is returned when an update carries an out-of-date version.
	ErrStale = errors.New("stale record version")
)

// AuditFilter narrows audit trail queries.
type AuditFilter struct {
	Entity   string
	EntityID string
	Limit    int
}

// Store is the persistence contract for the pipeline's record collections.
//
// Get* and List* return snapshot copies; mutating a returned record has no
// effect until it is written back. Update* compares the record's Version
// against the stored one and rejects stale writes with ErrStale. Updates
// that represent a state transition carry an audit entry, appended
// atomically with the write.
type Store interface {
	// Vulnerability records, keyed by fingerprint.
	GetVulnerability(ctx context.Context, fingerprint string) (*remedy.VulnerabilityRecord, error)
	ListVulnerabilities(ctx context.Context) ([]*remedy.VulnerabilityRecord, error)
	CreateVulnerability(ctx context.Context, rec *remedy.VulnerabilityRecord, audit *remedy.AuditEntry) error
	UpdateVulnerability(ctx context.Context, rec *remedy.VulnerabilityRecord, audit *remedy.AuditEntry) error

	// Patch candidates, keyed by candidate id.
	GetCandidate(ctx context.Context, id string) (*remedy.PatchCandidate, error)
	ListCandidates(ctx context.Context, fingerprint string) ([]*remedy.PatchCandidate, error)
	// ActiveCandidate returns the single non-terminal candidate for the
	// fingerprint, or ErrNotFound when none is active.
	ActiveCandidate(ctx context.Context, fingerprint string) (*remedy.PatchCandidate, error)
	CreateCandidate(ctx context.Context, c *remedy.PatchCandidate, audit *remedy.AuditEntry) error
	UpdateCandidate(ctx context.Context, c *remedy.PatchCandidate, audit *remedy.AuditEntry) error

	// Deployment records, keyed by deployment id. Append-only: there is no
	// delete; rolled-back deployments stay linked to the record that undid
	// them.
	GetDeployment(ctx context.Context, id string) (*remedy.DeploymentRecord, error)
	ListDeployments(ctx context.Context, candidateID string) ([]*remedy.DeploymentRecord, error)
	CreateDeployment(ctx context.Context, d *remedy.DeploymentRecord, audit *remedy.AuditEntry) error
	UpdateDeployment(ctx context.Context, d *remedy.DeploymentRecord, audit *remedy.AuditEntry) error

	// Audit trail.
	ListAudit(ctx context.Context, f AuditFilter) ([]remedy.AuditEntry, error)
}
