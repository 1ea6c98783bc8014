package anomaly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RemedyScan/go-core/remedy/config"
	"github.com/RemedyScan/go-core/remedy/fault"
)

// fakeSource replays scripted signals per asset, repeating the last one.
type fakeSource struct {
	mu      sync.Mutex
	signals map[string][]Signal
	err     error
}

func (f *fakeSource) Sample(ctx context.Context, asset string) (Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Signal{}, f.err
	}
	sigs := f.signals[asset]
	if len(sigs) == 0 {
		return Signal{ProbeOK: true}, nil
	}
	sig := sigs[0]
	if len(sigs) > 1 {
		f.signals[asset] = sigs[1:]
	}
	return sig, nil
}

func testMonitorConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		Window:             80 * time.Millisecond,
		SampleInterval:     10 * time.Millisecond,
		ErrorRateThreshold: 0.05,
		ProbeFailureLimit:  3,
	}
}

func TestStableWindow(t *testing.T) {
	t.Log("\n🔍 Testing a clean observation window...")

	src := &fakeSource{signals: map[string][]Signal{
		"web-01": {{ErrorRate: 0.01, ProbeOK: true}},
	}}
	m := NewMonitor(src, testMonitorConfig())

	report, err := m.Observe(context.Background(), []string{"web-01"})
	if err != nil {
		t.Fatalf("❌ observe failed: %v", err)
	}
	if !report.Stable {
		t.Fatalf("❌ healthy asset reported anomalous: %s", report.Reason)
	}
	if report.Samples == 0 {
		t.Error("❌ no samples taken during the window")
	}
	t.Log("✅ stable verdict after full window")
}

func TestErrorRateTriggersAnomaly(t *testing.T) {
	t.Log("\n🔍 Testing sustained error rate crosses the threshold...")

	src := &fakeSource{signals: map[string][]Signal{
		"web-01": {{ErrorRate: 0.2, ProbeOK: true}},
	}}
	m := NewMonitor(src, testMonitorConfig())

	report, err := m.Observe(context.Background(), []string{"web-01"})
	if err != nil {
		t.Fatalf("❌ observe failed: %v", err)
	}
	if report.Stable {
		t.Fatal("❌ 20% error rate reported stable")
	}
	if report.Asset != "web-01" {
		t.Errorf("❌ wrong offending asset: %s", report.Asset)
	}
	t.Log("✅ anomalous verdict:", report.Reason)
}

func TestTransientErrorSpikeTolerated(t *testing.T) {
	t.Log("\n🔍 Testing one bad sample does not trip the mean...")

	src := &fakeSource{signals: map[string][]Signal{
		// One 0.1 spike then silence; the running mean dilutes below 0.05
		// before the minimum sample count is reached.
		"web-01": {{ErrorRate: 0.1, ProbeOK: true}, {ErrorRate: 0, ProbeOK: true}},
	}}
	m := NewMonitor(src, testMonitorConfig())

	report, err := m.Observe(context.Background(), []string{"web-01"})
	if err != nil {
		t.Fatalf("❌ observe failed: %v", err)
	}
	if !report.Stable {
		t.Errorf("❌ single spike tripped the monitor: %s", report.Reason)
	}
	t.Log("✅ transient spike absorbed by the window mean")
}

func TestProbeFailureStreakTriggersAnomaly(t *testing.T) {
	t.Log("\n🔍 Testing consecutive probe failures...")

	src := &fakeSource{signals: map[string][]Signal{
		"web-01": {{ProbeOK: false}},
	}}
	m := NewMonitor(src, testMonitorConfig())

	report, err := m.Observe(context.Background(), []string{"web-01"})
	if err != nil {
		t.Fatalf("❌ observe failed: %v", err)
	}
	if report.Stable {
		t.Fatal("❌ dead probe reported stable")
	}
	t.Log("✅ anomalous after probe failure streak:", report.Reason)
}

func TestProbeRecoveryResetsStreak(t *testing.T) {
	src := &fakeSource{signals: map[string][]Signal{
		// Fail, fail, recover, repeat: the streak never reaches 3.
		"web-01": {
			{ProbeOK: false}, {ProbeOK: false}, {ProbeOK: true},
			{ProbeOK: false}, {ProbeOK: false}, {ProbeOK: true},
		},
	}}
	m := NewMonitor(src, testMonitorConfig())

	report, err := m.Observe(context.Background(), []string{"web-01"})
	if err != nil {
		t.Fatalf("❌ observe failed: %v", err)
	}
	if !report.Stable {
		t.Errorf("❌ interrupted failure streak tripped the monitor: %s", report.Reason)
	}
}

func TestSamplingErrorAbortsWithoutVerdict(t *testing.T) {
	src := &fakeSource{err: errors.New("collector unreachable")}
	m := NewMonitor(src, testMonitorConfig())

	_, err := m.Observe(context.Background(), []string{"web-01"})
	if err == nil {
		t.Fatal("❌ sampling failure swallowed")
	}
	if !fault.IsTransient(err) {
		t.Errorf("❌ expected transient, got: %v", err)
	}
}

func TestObserveNoAssets(t *testing.T) {
	m := NewMonitor(&fakeSource{}, testMonitorConfig())
	if _, err := m.Observe(context.Background(), nil); !fault.IsValidation(err) {
		t.Errorf("❌ expected validation error, got: %v", err)
	}
}
