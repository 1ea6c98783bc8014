// Package anomaly watches freshly patched assets through an observation
// window and decides whether the deployment is stable or must be undone.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RemedyScan/go-core/remedy/config"
	"github.com/RemedyScan/go-core/remedy/fault"
	"github.com/RemedyScan/go-core/remedy/metrics"
)

// Signal is one health sample from a patched asset.
type Signal struct {
	ErrorRate float64
	ProbeOK   bool
}

// Source samples live health signals for an asset.
type Source interface {
	Sample(ctx context.Context, asset string) (Signal, error)
}

// Report is the outcome of one observation window.
type Report struct {
	Stable  bool
	Asset   string // offending asset when not stable
	Reason  string
	Samples int
}

// Monitor runs observation windows over deployed assets.
type Monitor struct {
	src Source
	cfg config.AnomalyConfig
}

// NewMonitor wires a monitor over the signal source.
func NewMonitor(src Source, cfg config.AnomalyConfig) *Monitor {
	return &Monitor{src: src, cfg: cfg}
}

// Observe samples every asset at the configured interval for the full
// window. It returns early with an anomalous report when any asset's mean
// error rate crosses the threshold or its probe fails too many times in a
// row. A sampling error aborts the window without a verdict.
func (m *Monitor) Observe(ctx context.Context, assets []string) (Report, error) {
	if len(assets) == 0 {
		return Report{}, fault.Validationf("anomaly.Observe", "no assets to observe")
	}

	type state struct {
		errSum      float64
		samples     int
		probeStreak int
	}
	states := make(map[string]*state, len(assets))
	for _, a := range assets {
		states[a] = &state{}
	}

	deadline := time.Now().Add(m.cfg.Window)
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	total := 0
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return Report{}, fault.Transient("anomaly.Observe",
				fmt.Errorf("observation window aborted: %w", ctx.Err()))
		case <-ticker.C:
		}

		for _, asset := range assets {
			sig, err := m.src.Sample(ctx, asset)
			if err != nil {
				return Report{}, fault.Transient("anomaly.Observe",
					fmt.Errorf("sampling %s: %w", asset, err))
			}
			total++

			st := states[asset]
			st.samples++
			st.errSum += sig.ErrorRate
			if sig.ProbeOK {
				st.probeStreak = 0
			} else {
				st.probeStreak++
			}

			if st.probeStreak >= m.cfg.ProbeFailureLimit {
				metrics.Anomalies.Inc()
				return anomalous(asset, total,
					fmt.Sprintf("%d consecutive probe failures", st.probeStreak)), nil
			}
			if mean := st.errSum / float64(st.samples); mean > m.cfg.ErrorRateThreshold && st.samples >= 3 {
				metrics.Anomalies.Inc()
				return anomalous(asset, total,
					fmt.Sprintf("mean error rate %.3f exceeds threshold %.3f", mean, m.cfg.ErrorRateThreshold)), nil
			}
		}
	}

	slog.Info("Observation window clean", "assets", len(assets), "samples", total)
	return Report{Stable: true, Samples: total}, nil
}

func anomalous(asset string, samples int, reason string) Report {
	slog.Warn("Anomaly detected", "asset", asset, "reason", reason)
	return Report{Stable: false, Asset: asset, Reason: reason, Samples: samples}
}
