// Package scoring computes the deterministic risk score used to prioritize
// vulnerability records. The scorer is pure: no side effects, no external
// calls, so every historical score can be re-derived for audit.
package scoring

import (
	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/config"
)

// Scorer weights severity against exploit likelihood. Weights sum to 1.0;
// config.Validate enforces that before a Scorer is ever built.
type Scorer struct {
	severityWeight float64
	exploitWeight  float64
}

// New creates a Scorer from the scoring configuration.
func New(cfg config.ScoringConfig) *Scorer {
	return &Scorer{
		severityWeight: cfg.SeverityWeight,
		exploitWeight:  cfg.ExploitWeight,
	}
}

// Score maps a record's folded-in signals onto [0,100]:
//
//	score = sw * severity(0-10) * 10 + ew * exploit(0-1) * 100
//
// Inputs outside their valid ranges are clamped, keeping the result bounded
// for any stored record.
func (s *Scorer) Score(rec *remedy.VulnerabilityRecord) float64 {
	sev := clamp(rec.Severity, 0, 10)
	exp := clamp(rec.ExploitProbability, 0, 1)
	return s.severityWeight*sev*10 + s.exploitWeight*exp*100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
