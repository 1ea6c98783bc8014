// Package status maintains point-in-time snapshots of the pipeline's
// remediation posture in the key/value cache, so dashboards and operators
// can read trends without querying the record store.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/RemedyScan/go-core/remedy/records"
	"github.com/RemedyScan/go-core/remedy/store"
)

// RiskEntry is one record in the snapshot's highest-risk list.
type RiskEntry struct {
	Fingerprint string  `json:"fingerprint"`
	VulnID      string  `json:"vuln_id"`
	Asset       string  `json:"asset"`
	RiskScore   float64 `json:"risk_score"`
	Status      string  `json:"status"`
}

// Snapshot is a point-in-time summary of remediation posture.
type Snapshot struct {
	ID              string         `json:"id"`
	CreatedAt       time.Time      `json:"created_at"`
	TotalRecords    int            `json:"total_records"`
	ByStatus        map[string]int `json:"by_status"`
	CandidateStates map[string]int `json:"candidate_states"`
	MeanRiskScore   float64        `json:"mean_risk_score"`
	TopRisks        []RiskEntry    `json:"top_risks"`
}

// topRiskCount bounds the highest-risk list per snapshot.
const topRiskCount = 10

// Calculator derives snapshots from the record store and writes them to the
// key/value cache.
type Calculator struct {
	records records.Store
	kv      store.KVStore
}

// NewCalculator creates a calculator over the given stores.
func NewCalculator(rec records.Store, kv store.KVStore) *Calculator {
	return &Calculator{records: rec, kv: kv}
}

// Calculate builds a snapshot of current posture. An empty snapshotID gets a
// timestamp-based ID, which keeps lexical ordering chronological.
func (c *Calculator) Calculate(ctx context.Context, snapshotID string) (*Snapshot, error) {
	recs, err := c.records.ListVulnerabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	now := time.Now().UTC()
	if snapshotID == "" {
		snapshotID = now.Format("2006-01-02-150405")
	}

	snap := &Snapshot{
		ID:              snapshotID,
		CreatedAt:       now,
		TotalRecords:    len(recs),
		ByStatus:        make(map[string]int),
		CandidateStates: make(map[string]int),
	}

	var riskSum float64
	entries := make([]RiskEntry, 0, len(recs))
	for _, r := range recs {
		snap.ByStatus[string(r.Status)]++
		riskSum += r.RiskScore
		entries = append(entries, RiskEntry{
			Fingerprint: r.Fingerprint,
			VulnID:      r.VulnID,
			Asset:       r.Asset,
			RiskScore:   r.RiskScore,
			Status:      string(r.Status),
		})

		cands, err := c.records.ListCandidates(ctx, r.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("listing candidates for %s: %w", r.Fingerprint, err)
		}
		for _, cand := range cands {
			snap.CandidateStates[string(cand.State)]++
		}
	}

	if len(recs) > 0 {
		snap.MeanRiskScore = riskSum / float64(len(recs))
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RiskScore > entries[j].RiskScore })
	if len(entries) > topRiskCount {
		entries = entries[:topRiskCount]
	}
	snap.TopRisks = entries

	return snap, nil
}

// Save writes the snapshot to the key/value cache.
func (c *Calculator) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	key := fmt.Sprintf("remedy:snapshot:%s", snap.ID)
	if err := c.kv.SetValue(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (v *Snapshot) String() string {
	return fmt.Sprintf("snapshot %s: %d records, mean risk %.1f", v.ID, v.TotalRecords, v.MeanRiskScore)
}
