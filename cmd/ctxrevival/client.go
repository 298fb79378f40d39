package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kalambet/ctxrevival/internal/api"
	"github.com/kalambet/ctxrevival/internal/config"
	"github.com/kalambet/ctxrevival/internal/pipeline"
)

// revival is what the CLI commands need, served either by a local
// pipeline.Service or by a running server.
type revival interface {
	Inject(ctx context.Context, prompt, projectDir string) (api.InjectResponse, error)
	Record(ctx context.Context, projectDir string, t pipeline.TurnOutcome) (int64, error)
	Health(ctx context.Context, projectDir string) (pipeline.Health, error)
	Sweep(ctx context.Context, projectDir string) (int64, error)
	Close() error
}

// newRevival is replaced in tests.
var newRevival = func(cfg config.Config) (revival, error) {
	if remote {
		return newAPIClient(cfg), nil
	}
	return newLocalClient(cfg)
}

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(cfg config.Config) *apiClient {
	return &apiClient{
		baseURL:    fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is `ctxrevival serve` running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) Inject(ctx context.Context, prompt, projectDir string) (api.InjectResponse, error) {
	var out api.InjectResponse
	resp, err := c.post(ctx, "/v1/inject", api.InjectRequest{Prompt: prompt, ProjectDir: projectDir})
	if err != nil {
		return out, err
	}
	return out, decodeJSON(resp, &out)
}

func (c *apiClient) Record(ctx context.Context, projectDir string, t pipeline.TurnOutcome) (int64, error) {
	resp, err := c.post(ctx, "/v1/outcomes", api.OutcomeRequest{ProjectDir: projectDir, TurnOutcome: t})
	if err != nil {
		return 0, err
	}
	var out api.OutcomeResponse
	if err := decodeJSON(resp, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *apiClient) Health(ctx context.Context, projectDir string) (pipeline.Health, error) {
	var out pipeline.Health
	resp, err := c.get(ctx, "/v1/status?project_dir="+url.QueryEscape(projectDir))
	if err != nil {
		return out, err
	}
	return out, decodeJSON(resp, &out)
}

// Sweep asks the server to sweep every project it has open.
func (c *apiClient) Sweep(ctx context.Context, _ string) (int64, error) {
	resp, err := c.post(ctx, "/v1/sweep", nil)
	if err != nil {
		return 0, err
	}
	var out map[string]int64
	if err := decodeJSON(resp, &out); err != nil {
		return 0, err
	}
	return out["deleted"], nil
}

func (c *apiClient) Close() error { return nil }

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// localClient opens the project stores in-process.
type localClient struct {
	svc *pipeline.Service
}

func newLocalClient(cfg config.Config) (*localClient, error) {
	svc, err := pipeline.NewService(cfg.Pipeline, nil)
	if err != nil {
		return nil, err
	}
	return &localClient{svc: svc}, nil
}

func (l *localClient) Inject(ctx context.Context, prompt, projectDir string) (api.InjectResponse, error) {
	block := l.svc.GenerateContextInjection(ctx, prompt, projectDir)
	return api.InjectResponse{
		Context:  block,
		Injected: block != "",
		Analysis: l.svc.Analyze(prompt),
	}, nil
}

func (l *localClient) Record(ctx context.Context, projectDir string, t pipeline.TurnOutcome) (int64, error) {
	return l.svc.StoreTurnOutcome(ctx, projectDir, t)
}

func (l *localClient) Health(ctx context.Context, projectDir string) (pipeline.Health, error) {
	return l.svc.HealthStatus(ctx, projectDir), nil
}

// Sweep opens projectDir's store and applies retention to it.
func (l *localClient) Sweep(ctx context.Context, projectDir string) (int64, error) {
	if _, err := l.svc.Engine(projectDir); err != nil {
		return 0, err
	}
	return l.svc.Sweep(ctx)
}

func (l *localClient) Close() error { return l.svc.Close() }
