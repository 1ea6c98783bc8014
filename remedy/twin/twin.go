// Package twin runs candidate patches against a disposable replica of the
// target asset before anything touches production.
package twin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/config"
	"github.com/RemedyScan/go-core/remedy/fault"
	"github.com/RemedyScan/go-core/remedy/metrics"
)

// Environment is a provisioned replica. Teardown must be safe to call even
// after a failed or partial run.
type Environment interface {
	ID() string
	Apply(ctx context.Context, contentRef string) error
	RunChecks(ctx context.Context) ([]remedy.CheckResult, error)
	Teardown(ctx context.Context) error
}

// Provisioner builds twin environments for an asset.
type Provisioner interface {
	Provision(ctx context.Context, asset string) (Environment, error)
}

// Gate validates candidates in a twin environment. A gate failure is a test
// verdict; a provisioning or infrastructure failure is an error and produces
// no verdict at all.
type Gate struct {
	prov Provisioner
	cfg  config.TwinConfig
}

// NewGate wires a gate over the given provisioner.
func NewGate(prov Provisioner, cfg config.TwinConfig) *Gate {
	return &Gate{prov: prov, cfg: cfg}
}

// Run provisions a twin for the record's asset, applies the candidate
// content, and executes the check suite. The environment is torn down on
// every path, including panics in Apply or RunChecks. The outcome passes
// only if every check passes.
func (g *Gate) Run(ctx context.Context, rec *remedy.VulnerabilityRecord, cand *remedy.PatchCandidate) (remedy.TestOutcome, error) {
	provCtx, cancel := context.WithTimeout(ctx, g.cfg.ProvisionTimeout)
	env, err := g.prov.Provision(provCtx, rec.Asset)
	cancel()
	if err != nil {
		metrics.TwinRuns.WithLabelValues("provision_error").Inc()
		return remedy.TestOutcome{}, fault.Transient("twin.Provision",
			fmt.Errorf("provisioning twin for %s: %w", rec.Asset, err))
	}

	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), g.cfg.TeardownTimeout)
		defer tcancel()
		if terr := env.Teardown(tctx); terr != nil {
			slog.Error("Twin teardown failed", "env", env.ID(), "asset", rec.Asset, "error", terr)
		}
	}()

	runCtx, runCancel := context.WithTimeout(ctx, g.cfg.TestTimeout)
	defer runCancel()

	start := time.Now()
	if err := env.Apply(runCtx, cand.ContentRef); err != nil {
		// The patch could not even be applied to the replica. That is a
		// verdict on the candidate, not an infrastructure fault.
		metrics.TwinRuns.WithLabelValues("fail").Inc()
		return remedy.TestOutcome{
			Passed: false,
			Evidence: []remedy.CheckResult{{
				Name:    "apply",
				Passed:  false,
				Details: err.Error(),
			}},
		}, nil
	}

	checks, err := env.RunChecks(runCtx)
	if err != nil {
		metrics.TwinRuns.WithLabelValues("check_error").Inc()
		return remedy.TestOutcome{}, fault.Transient("twin.RunChecks",
			fmt.Errorf("running checks in %s: %w", env.ID(), err))
	}

	outcome := remedy.TestOutcome{Passed: true, Evidence: checks}
	for _, c := range checks {
		if !c.Passed {
			outcome.Passed = false
		}
	}

	result := "pass"
	if !outcome.Passed {
		result = "fail"
	}
	metrics.TwinRuns.WithLabelValues(result).Inc()
	slog.Info("Twin run finished",
		"env", env.ID(),
		"candidate", cand.ID,
		"passed", outcome.Passed,
		"checks", len(checks),
		"duration", time.Since(start))
	return outcome, nil
}
