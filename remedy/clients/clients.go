// Package clients implements the pipeline's external collaborator
// interfaces over HTTP: the patch generator service, the twin controller,
// the per-asset deploy agent and the telemetry collector.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/anomaly"
	"github.com/RemedyScan/go-core/remedy/config"
	"github.com/RemedyScan/go-core/remedy/fault"
	"github.com/RemedyScan/go-core/remedy/twin"
)

// httpClient wraps the shared request plumbing for all agent clients.
type httpClient struct {
	base   string
	client *http.Client
}

func (c *httpClient) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fault.Transient("clients.postJSON", fmt.Errorf("POST %s: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fault.Transient("clients.postJSON",
			fmt.Errorf("POST %s: status %d", path, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fault.Permanent("clients.postJSON",
			fmt.Errorf("POST %s: status %d", path, resp.StatusCode))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// GeneratorClient calls the patch generator service.
type GeneratorClient struct {
	httpClient
}

// NewGenerator creates a generator client from the agents config.
func NewGenerator(cfg config.AgentsConfig) *GeneratorClient {
	return &GeneratorClient{httpClient{
		base:   cfg.GeneratorURL,
		client: &http.Client{Timeout: cfg.Timeout},
	}}
}

// Generate requests patch content for the record.
func (g *GeneratorClient) Generate(ctx context.Context, rec *remedy.VulnerabilityRecord) (string, float64, error) {
	var out struct {
		ContentRef string  `json:"content_ref"`
		Confidence float64 `json:"confidence"`
	}
	err := g.postJSON(ctx, "/v1/generate", map[string]interface{}{
		"fingerprint": rec.Fingerprint,
		"vuln_id":     rec.VulnID,
		"asset":       rec.Asset,
		"severity":    rec.Severity,
	}, &out)
	if err != nil {
		return "", 0, err
	}
	return out.ContentRef, out.Confidence, nil
}

// TwinClient implements twin.Provisioner against the twin controller.
type TwinClient struct {
	httpClient
}

// NewTwin creates a twin controller client from the agents config.
func NewTwin(cfg config.AgentsConfig) *TwinClient {
	return &TwinClient{httpClient{
		base:   cfg.TwinURL,
		client: &http.Client{Timeout: cfg.Timeout},
	}}
}

// Provision asks the controller to clone the asset into a twin environment.
func (t *TwinClient) Provision(ctx context.Context, asset string) (twin.Environment, error) {
	var out struct {
		EnvID string `json:"env_id"`
	}
	err := t.postJSON(ctx, "/v1/environments", map[string]string{"asset": asset}, &out)
	if err != nil {
		return nil, err
	}
	return &twinEnv{client: t, id: out.EnvID}, nil
}

type twinEnv struct {
	client *TwinClient
	id     string
}

func (e *twinEnv) ID() string { return e.id }

func (e *twinEnv) Apply(ctx context.Context, contentRef string) error {
	return e.client.postJSON(ctx, "/v1/environments/"+e.id+"/apply",
		map[string]string{"content_ref": contentRef}, nil)
}

func (e *twinEnv) RunChecks(ctx context.Context) ([]remedy.CheckResult, error) {
	var out struct {
		Checks []remedy.CheckResult `json:"checks"`
	}
	err := e.client.postJSON(ctx, "/v1/environments/"+e.id+"/checks", map[string]string{}, &out)
	if err != nil {
		return nil, err
	}
	return out.Checks, nil
}

func (e *twinEnv) Teardown(ctx context.Context) error {
	return e.client.postJSON(ctx, "/v1/environments/"+e.id+"/teardown", map[string]string{}, nil)
}

// DeployClient implements deploy.Executor against the deploy agent.
type DeployClient struct {
	httpClient
}

// NewDeploy creates a deploy agent client from the agents config.
func NewDeploy(cfg config.AgentsConfig) *DeployClient {
	return &DeployClient{httpClient{
		base:   cfg.DeployURL,
		client: &http.Client{Timeout: cfg.Timeout},
	}}
}

// Snapshot captures the asset's pre-patch state on the agent.
func (d *DeployClient) Snapshot(ctx context.Context, asset string) (string, error) {
	var out struct {
		StateRef string `json:"state_ref"`
	}
	err := d.postJSON(ctx, "/v1/snapshot", map[string]string{"asset": asset}, &out)
	if err != nil {
		return "", err
	}
	return out.StateRef, nil
}

// Apply pushes the patch content onto the asset.
func (d *DeployClient) Apply(ctx context.Context, asset, contentRef string) error {
	return d.postJSON(ctx, "/v1/apply",
		map[string]string{"asset": asset, "content_ref": contentRef}, nil)
}

// Revert restores the asset from a recorded state reference.
func (d *DeployClient) Revert(ctx context.Context, asset, stateRef string) error {
	return d.postJSON(ctx, "/v1/revert",
		map[string]string{"asset": asset, "state_ref": stateRef}, nil)
}

// Probe checks asset health after an apply.
func (d *DeployClient) Probe(ctx context.Context, asset string) error {
	return d.postJSON(ctx, "/v1/probe", map[string]string{"asset": asset}, nil)
}

// TelemetryClient implements anomaly.Source against the telemetry
// collector.
type TelemetryClient struct {
	httpClient
}

// NewTelemetry creates a telemetry client from the agents config.
func NewTelemetry(cfg config.AgentsConfig) *TelemetryClient {
	return &TelemetryClient{httpClient{
		base:   cfg.TelemetryURL,
		client: &http.Client{Timeout: cfg.Timeout},
	}}
}

// Sample fetches one health sample for the asset.
func (t *TelemetryClient) Sample(ctx context.Context, asset string) (anomaly.Signal, error) {
	var out struct {
		ErrorRate float64 `json:"error_rate"`
		ProbeOK   bool    `json:"probe_ok"`
	}
	err := t.postJSON(ctx, "/v1/sample", map[string]string{"asset": asset}, &out)
	if err != nil {
		return anomaly.Signal{}, err
	}
	return anomaly.Signal{ErrorRate: out.ErrorRate, ProbeOK: out.ProbeOK}, nil
}
