// Package ingest is the fingerprint and dedup store: it canonicalizes raw
// scanner findings into a stable identity key and merges multi-source
// observations of the same underlying issue into one vulnerability record.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/fault"
	"github.com/RemedyScan/go-core/remedy/metrics"
	"github.com/RemedyScan/go-core/remedy/records"
	"github.com/RemedyScan/go-core/remedy/scheduler"
	"github.com/RemedyScan/go-core/remedy/scoring"
)

// SystemActor is the audit actor recorded for automatic transitions.
const SystemActor = "system"

// Ingestor owns the VulnerabilityRecord lifecycle. Ingestion for the same
// fingerprint serializes on a keyed lock so merges are linearizable;
// different fingerprints proceed fully in parallel.
type Ingestor struct {
	store  records.Store
	scorer *scoring.Scorer
	locks  *scheduler.KeyedMutex
}

// New creates an Ingestor over the given store and scorer.
func New(store records.Store, scorer *scoring.Scorer) *Ingestor {
	return &Ingestor{
		store:  store,
		scorer: scorer,
		locks:  scheduler.NewKeyedMutex(),
	}
}

// Ingest merges one finding into the store and returns the resulting record.
// Re-ingesting an identical finding is a no-op beyond last-seen bookkeeping.
// Malformed findings are rejected with a validation error and never touch
// the store.
func (in *Ingestor) Ingest(ctx context.Context, f remedy.Finding) (*remedy.VulnerabilityRecord, error) {
	if err := validate(f); err != nil {
		metrics.FindingsRejected.Inc()
		return nil, err
	}
	if f.ObservedAt.IsZero() {
		f.ObservedAt = time.Now().UTC()
	}

	fp := f.Fingerprint()

	in.locks.Lock(fp)
	defer in.locks.Unlock(fp)

	rec, err := in.store.GetVulnerability(ctx, fp)
	switch {
	case err == nil:
		return in.merge(ctx, rec, f)
	case errors.Is(err, records.ErrNotFound):
		return in.create(ctx, fp, f)
	default:
		return nil, err
	}
}

func (in *Ingestor) create(ctx context.Context, fp string, f remedy.Finding) (*remedy.VulnerabilityRecord, error) {
	rec := &remedy.VulnerabilityRecord{
		Fingerprint:        fp,
		VulnID:             f.VulnID,
		Asset:              f.Asset,
		Sources:            []string{f.Source},
		FirstSeen:          f.ObservedAt,
		LastSeen:           f.ObservedAt,
		Severity:           f.Severity,
		ExploitProbability: f.ExploitProbability,
		Status:             remedy.VulnNew,
	}

	created := &remedy.AuditEntry{
		Entity:   "vulnerability",
		EntityID: fp,
		Actor:    f.Source,
		ToState:  string(remedy.VulnNew),
		Reason:   "first observation",
	}
	if err := in.store.CreateVulnerability(ctx, rec, created); err != nil {
		return nil, err
	}

	// First scoring moves the record NEW -> SCORED.
	rec, err := records.TransitionVulnerability(ctx, in.store, fp,
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			r.RiskScore = in.scorer.Score(r)
			from := r.Status
			r.Status = remedy.VulnScored
			return &remedy.AuditEntry{
				Entity:    "vulnerability",
				EntityID:  fp,
				Actor:     SystemActor,
				FromState: string(from),
				ToState:   string(remedy.VulnScored),
				Reason:    "initial risk scoring",
			}, nil
		})
	if err != nil {
		return nil, err
	}

	metrics.FindingsIngested.WithLabelValues(f.Source).Inc()
	slog.Info("New vulnerability record",
		"fingerprint", fp, "source", f.Source, "score", rec.RiskScore)
	return rec, nil
}

// merge folds a finding into an existing record: the source joins the set if
// absent, last-seen advances to the later timestamp, and the risk score is
// recomputed only when the finding carries signals that differ from those
// already folded in. Severity and exploit probability fold as maxima, which
// makes the final record independent of finding arrival order.
func (in *Ingestor) merge(ctx context.Context, cur *remedy.VulnerabilityRecord, f remedy.Finding) (*remedy.VulnerabilityRecord, error) {
	rec, err := records.TransitionVulnerability(ctx, in.store, cur.Fingerprint,
		func(r *remedy.VulnerabilityRecord) (*remedy.AuditEntry, error) {
			changed := false

			if !r.HasSource(f.Source) {
				r.Sources = append(r.Sources, f.Source)
				changed = true
			}
			if f.ObservedAt.After(r.LastSeen) {
				r.LastSeen = f.ObservedAt
				changed = true
			}

			rescore := false
			if f.Severity > r.Severity {
				r.Severity = f.Severity
				rescore = true
			}
			if f.ExploitProbability > r.ExploitProbability {
				r.ExploitProbability = f.ExploitProbability
				rescore = true
			}
			if rescore {
				r.RiskScore = in.scorer.Score(r)
				changed = true
			}

			if !changed {
				// Identical observation: nothing to write.
				return nil, errNoChange
			}
			return nil, nil
		})

	if errors.Is(err, errNoChange) {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.FindingsIngested.WithLabelValues(f.Source).Inc()
	metrics.DedupMerges.Inc()
	slog.Debug("Merged finding into existing record",
		"fingerprint", rec.Fingerprint, "source", f.Source, "sources", len(rec.Sources))
	return rec, nil
}

var errNoChange = errors.New("no change")

func validate(f remedy.Finding) error {
	if f.VulnID == "" {
		return fault.Validationf("ingest.validate", "finding missing vulnerability identifier")
	}
	if f.Asset == "" {
		return fault.Validationf("ingest.validate", "finding missing asset reference")
	}
	if f.Source == "" {
		return fault.Validationf("ingest.validate", "finding missing source name")
	}
	if f.Severity < 0 || f.Severity > 10 {
		return fault.Validationf("ingest.validate", "severity %.2f outside [0,10]", f.Severity)
	}
	if f.ExploitProbability < 0 || f.ExploitProbability > 1 {
		return fault.Validationf("ingest.validate", "exploit probability %.2f outside [0,1]", f.ExploitProbability)
	}
	return nil
}
