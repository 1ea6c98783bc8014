package twin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/config"
	"github.com/RemedyScan/go-core/remedy/fault"
)

// fakeEnv is a scriptable twin environment that records teardown.
type fakeEnv struct {
	applyErr  error
	checks    []remedy.CheckResult
	checksErr error
	tornDown  bool
}

func (f *fakeEnv) ID() string { return "twin-test" }

func (f *fakeEnv) Apply(ctx context.Context, contentRef string) error { return f.applyErr }

func (f *fakeEnv) RunChecks(ctx context.Context) ([]remedy.CheckResult, error) {
	return f.checks, f.checksErr
}

func (f *fakeEnv) Teardown(ctx context.Context) error {
	f.tornDown = true
	return nil
}

type fakeProvisioner struct {
	env *fakeEnv
	err error
}

func (f *fakeProvisioner) Provision(ctx context.Context, asset string) (Environment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.env, nil
}

func testGate(p Provisioner) *Gate {
	return NewGate(p, config.TwinConfig{
		ProvisionTimeout: time.Second,
		TestTimeout:      time.Second,
		TeardownTimeout:  time.Second,
	})
}

func testArgs() (*remedy.VulnerabilityRecord, *remedy.PatchCandidate) {
	return &remedy.VulnerabilityRecord{Fingerprint: "fp-1", Asset: "web-01"},
		&remedy.PatchCandidate{ID: "cand-1", ContentRef: "patch://x"}
}

func TestAllChecksPass(t *testing.T) {
	t.Log("\n🔍 Testing a clean twin run...")

	env := &fakeEnv{checks: []remedy.CheckResult{
		{Name: "service-up", Passed: true},
		{Name: "vuln-closed", Passed: true},
	}}
	gate := testGate(&fakeProvisioner{env: env})

	rec, cand := testArgs()
	outcome, err := gate.Run(context.Background(), rec, cand)
	if err != nil {
		t.Fatalf("❌ run failed: %v", err)
	}
	if !outcome.Passed || len(outcome.Evidence) != 2 {
		t.Errorf("❌ expected pass with 2 checks, got %+v", outcome)
	}
	if !env.tornDown {
		t.Error("❌ environment not torn down after success")
	}
	t.Log("✅ pass verdict, environment torn down")
}

func TestAnyFailingCheckFailsOutcome(t *testing.T) {
	env := &fakeEnv{checks: []remedy.CheckResult{
		{Name: "service-up", Passed: true},
		{Name: "vuln-closed", Passed: false, Details: "still reachable"},
	}}
	gate := testGate(&fakeProvisioner{env: env})

	rec, cand := testArgs()
	outcome, err := gate.Run(context.Background(), rec, cand)
	if err != nil {
		t.Fatalf("❌ run failed: %v", err)
	}
	if outcome.Passed {
		t.Error("❌ outcome passed despite a failing check")
	}
	if !env.tornDown {
		t.Error("❌ environment not torn down after failed checks")
	}
}

func TestApplyFailureIsAVerdict(t *testing.T) {
	t.Log("\n🔍 Testing a patch that cannot apply fails the gate, not the infrastructure...")

	env := &fakeEnv{applyErr: errors.New("patch rejected by package manager")}
	gate := testGate(&fakeProvisioner{env: env})

	rec, cand := testArgs()
	outcome, err := gate.Run(context.Background(), rec, cand)
	if err != nil {
		t.Fatalf("❌ apply failure should be a verdict, got error: %v", err)
	}
	if outcome.Passed {
		t.Error("❌ unappliable patch passed")
	}
	if len(outcome.Evidence) != 1 || outcome.Evidence[0].Name != "apply" {
		t.Errorf("❌ expected apply evidence, got %+v", outcome.Evidence)
	}
	if !env.tornDown {
		t.Error("❌ environment not torn down after apply failure")
	}
	t.Log("✅ fail verdict with apply evidence, environment torn down")
}

func TestProvisioningFailureIsNoVerdict(t *testing.T) {
	t.Log("\n🔍 Testing provisioning failure produces an error, not a test verdict...")

	gate := testGate(&fakeProvisioner{err: errors.New("no capacity")})

	rec, cand := testArgs()
	_, err := gate.Run(context.Background(), rec, cand)
	if err == nil {
		t.Fatal("❌ provisioning failure swallowed")
	}
	if !fault.IsTransient(err) {
		t.Errorf("❌ provisioning failure should be transient, got: %v", err)
	}
	t.Log("✅ transient error, no verdict recorded")
}

func TestCheckInfrastructureErrorTornDown(t *testing.T) {
	env := &fakeEnv{checksErr: errors.New("harness crashed")}
	gate := testGate(&fakeProvisioner{env: env})

	rec, cand := testArgs()
	_, err := gate.Run(context.Background(), rec, cand)
	if err == nil {
		t.Fatal("❌ check harness error swallowed")
	}
	if !fault.IsTransient(err) {
		t.Errorf("❌ expected transient, got: %v", err)
	}
	if !env.tornDown {
		t.Error("❌ environment leaked after harness error")
	}
}
