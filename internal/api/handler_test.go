package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/ctxrevival/internal/pipeline"
	"github.com/kalambet/ctxrevival/internal/storage"
	"github.com/kalambet/ctxrevival/internal/trigger"
)

const (
	testToken    = "test-token-12345"
	revivePrompt = "why does the login error keep coming back like last time?"
)

func newTestService(t *testing.T) *pipeline.Service {
	t.Helper()
	s, err := pipeline.NewService(pipeline.DefaultConfig(":memory:"), nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func setupHandler(t *testing.T, token string) (http.Handler, *pipeline.Service) {
	t.Helper()
	svc := newTestService(t)
	return NewHandler(Deps{Service: svc, Token: token}), svc
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// fakeService returns canned errors for the failure paths.
type fakeService struct {
	storeErr error
	sweepErr error
	accept   bool
}

func (f *fakeService) Analyze(string) trigger.Analysis {
	return trigger.Analysis{}
}

func (f *fakeService) GenerateContextInjection(context.Context, string, string) string {
	return ""
}

func (f *fakeService) StoreTurnOutcome(context.Context, string, pipeline.TurnOutcome) (int64, error) {
	return 0, f.storeErr
}

func (f *fakeService) SubmitTurnOutcome(string, pipeline.TurnOutcome) bool {
	return f.accept
}

func (f *fakeService) HealthStatus(_ context.Context, dir string) pipeline.Health {
	return pipeline.Health{ProjectDir: dir}
}

func (f *fakeService) Projects() []string {
	return nil
}

func (f *fakeService) Sweep(context.Context) (int64, error) {
	return 0, f.sweepErr
}

func TestHealth(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestAuth(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/projects", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("token %q: missing WWW-Authenticate", token)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/projects", "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rr.Code)
	}
}

func TestNoTokenDisablesAuth(t *testing.T) {
	h, _ := setupHandler(t, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/projects", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestOutcomeThenInject(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	body := `{"project_dir":"/tmp/api-proj","prompt":"login error in auth handler","payload":"added nil check in auth/login.go","files":["auth/login.go"],"outcome":"success","metadata":{"agent":"test"}}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/outcomes", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("outcomes status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var stored OutcomeResponse
	json.NewDecoder(rr.Body).Decode(&stored)
	if stored.ID == 0 || stored.Status != "stored" {
		t.Fatalf("outcome response = %+v", stored)
	}

	inject := fmt.Sprintf(`{"project_dir":"/tmp/api-proj","prompt":%q}`, revivePrompt)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/inject", inject, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("inject status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp InjectResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Injected || !strings.Contains(resp.Context, "login error in auth handler") {
		t.Errorf("inject response = %+v", resp)
	}
	if !resp.Analysis.ShouldRetrieve {
		t.Errorf("analysis = %+v, want retrieval", resp.Analysis)
	}
}

func TestInject_SkippedPrompt(t *testing.T) {
	h, _ := setupHandler(t, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/inject", `{"project_dir":"/tmp/p","prompt":"hello"}`, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp InjectResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Injected || resp.Context != "" {
		t.Errorf("resp = %+v, want no injection", resp)
	}
}

func TestBadRequests(t *testing.T) {
	h, _ := setupHandler(t, "")

	tests := []struct {
		name   string
		method string
		url    string
		body   string
	}{
		{"inject invalid json", http.MethodPost, "/v1/inject", `{`},
		{"inject missing project", http.MethodPost, "/v1/inject", `{"prompt":"x"}`},
		{"outcome missing project", http.MethodPost, "/v1/outcomes", `{"prompt":"x"}`},
		{"outcome empty record", http.MethodPost, "/v1/outcomes", `{"project_dir":"/tmp/p"}`},
		{"status missing project", http.MethodGet, "/v1/status", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(tt.method, tt.url, tt.body, ""))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestOutcomes_Async(t *testing.T) {
	h, svc := setupHandler(t, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/outcomes?async=true", `{"project_dir":"/tmp/async","prompt":"queued turn"}`, ""))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.HealthStatus(context.Background(), "/tmp/async").Stats.Records == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("async outcome never written")
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		svc  *fakeService
		url  string
		want int
	}{
		{"unavailable", &fakeService{storeErr: &storage.UnavailableError{Op: "put", Err: io.EOF}}, "/v1/outcomes", http.StatusServiceUnavailable},
		{"internal", &fakeService{storeErr: fmt.Errorf("boom")}, "/v1/outcomes", http.StatusInternalServerError},
		{"queue full", &fakeService{accept: false}, "/v1/outcomes?async=1", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Deps{Service: tt.svc})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, tt.url, `{"project_dir":"/tmp/p","prompt":"x"}`, ""))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	h := NewHandler(Deps{Service: &fakeService{sweepErr: storage.ErrUnavailable}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/sweep", "", ""))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("sweep status = %d, want 503", rr.Code)
	}
}

func TestStatusAndSweep(t *testing.T) {
	h, svc := setupHandler(t, "")
	if _, err := svc.StoreTurnOutcome(context.Background(), "/tmp/status", pipeline.TurnOutcome{Prompt: "p"}); err != nil {
		t.Fatalf("StoreTurnOutcome: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/status?project_dir=/tmp/status", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var health pipeline.Health
	json.NewDecoder(rr.Body).Decode(&health)
	if !health.StoreReachable || health.Stats.Records != 1 || health.BreakerState != "closed" {
		t.Errorf("health = %+v", health)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/sweep", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("sweep status = %d", rr.Code)
	}
	var swept map[string]int64
	json.NewDecoder(rr.Body).Decode(&swept)
	if swept["deleted"] != 0 {
		t.Errorf("deleted = %d, want 0", swept["deleted"])
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/projects", "", ""))
	var projects map[string][]string
	json.NewDecoder(rr.Body).Decode(&projects)
	if len(projects["projects"]) != 1 || projects["projects"][0] != "/tmp/status" {
		t.Errorf("projects = %v", projects)
	}
}
