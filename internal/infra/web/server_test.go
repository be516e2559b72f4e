package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"planforge/internal/domain"
	"planforge/internal/domain/model"
	"planforge/internal/domain/ports/repository"
	"planforge/internal/infra/admission"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

var _ repository.JobStore = (*memStore)(nil)

func newMemStore() *memStore { return &memStore{jobs: map[string]*model.Job{}} }

func (s *memStore) CreateJob(_ context.Context, _ repository.Tx, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memStore) GetJob(_ context.Context, _ repository.Tx, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) UpdateStatus(_ context.Context, _ repository.Tx, upd repository.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[upd.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.IsTerminal() {
		if job.Metadata == nil {
			job.Metadata = map[string]any{}
		}
		for k, v := range upd.Metadata {
			job.Metadata[k] = v
		}
		return nil
	}
	if !job.Status.CanTransition(upd.Status) {
		return fmt.Errorf("%w: illegal transition", domain.ErrInvalidArgument)
	}
	job.Status = upd.Status
	job.StatusMessage = upd.StatusMessage
	return nil
}

func (s *memStore) AppendToResponse(_ context.Context, id, chunk string, tokenDelta, newLength int) error {
	return nil
}

func (s *memStore) SetCleared(_ context.Context, id string, cleared bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	job.Cleared = cleared
	return nil
}

func (s *memStore) ListStartable(_ context.Context, limit int) ([]*model.Job, error) {
	return nil, nil
}

func (s *memStore) CancelQueued(_ context.Context, sessionID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.SessionID == sessionID && job.Status.Startable() {
			job.Status = model.JobStatusCanceled
			job.StatusMessage = reason
			n++
		}
	}
	return n, nil
}

func (s *memStore) ReconcileStaleRunning(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}

const testAPIKey = "test-ops-key"

func newTestServer(t *testing.T) (*Server, *memStore, *admission.Controller) {
	t.Helper()
	log := zerolog.Nop()
	store := newMemStore()
	adm := admission.NewController(admission.Limits{Global: 5}, store, &log)
	auth := NewAuthManager("test-secret", false, time.Hour)
	return NewServer(store, nil, adm, auth, testAPIKey, &log), store, adm
}

func mintToken(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"api_key": testAPIKey})
	resp, err := http.Post(ts.URL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return out.Token
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/stats", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated stats = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/stats", "not-a-jwt", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token stats = %d, want 401", resp.StatusCode)
	}
}

func TestTokenRejectsWrongKey(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"api_key": "wrong"})
	resp, err := http.Post(ts.URL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong key = %d, want 403", resp.StatusCode)
	}
}

func TestCreateAndFetchJob(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	token := mintToken(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs", token, map[string]any{
		"session_id": "sess-1",
		"task_type":  "llm_stream",
		"api_type":   "openrouter",
		"prompt":     "hello there",
		"metadata":   map[string]any{"system_prompt": "be brief"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created jobView
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Status != string(model.JobStatusQueued) {
		t.Errorf("created status = %s, want queued", created.Status)
	}

	get := doJSON(t, http.MethodGet, ts.URL+"/api/v1/jobs/"+created.ID, token, nil)
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", get.StatusCode)
	}
	var fetched jobView
	if err := json.NewDecoder(get.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode fetched: %v", err)
	}
	if fetched.ID != created.ID || fetched.PromptText != "hello there" {
		t.Errorf("fetched = %+v", fetched)
	}
	if fetched.Metadata["system_prompt"] != "be brief" {
		t.Errorf("metadata lost: %v", fetched.Metadata)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	token := mintToken(t, ts)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/jobs/missing", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	token := mintToken(t, ts)

	job := model.NewJob("sess-1", "llm_stream", "openrouter", "prompt")
	_ = store.CreateJob(context.Background(), nil, job)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+job.ID+"/cancel", token,
		map[string]string{"reason": "operator said so"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	stored, _ := store.GetJob(context.Background(), nil, job.ID)
	if stored.Status != model.JobStatusCanceled {
		t.Errorf("job status = %s, want canceled", stored.Status)
	}
	if stored.StatusMessage != "operator said so" {
		t.Errorf("StatusMessage = %q", stored.StatusMessage)
	}
}

func TestCancelCompletedJobConflicts(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	token := mintToken(t, ts)

	job := model.NewJob("sess-1", "llm_stream", "openrouter", "prompt")
	job.Status = model.JobStatusCompleted
	_ = store.CreateJob(context.Background(), nil, job)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+job.ID+"/cancel", token, nil)
	defer resp.Body.Close()
	// Terminal finalize is a store-level no-op, so the API reports success
	// without changing anything.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	stored, _ := store.GetJob(context.Background(), nil, job.ID)
	if stored.Status != model.JobStatusCompleted {
		t.Errorf("terminal job mutated to %s", stored.Status)
	}
}

func TestCancelSessionCountsBothScopes(t *testing.T) {
	srv, store, adm := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	token := mintToken(t, ts)

	queued := model.NewJob("sess-1", "llm_stream", "openrouter", "waiting")
	_ = store.CreateJob(context.Background(), nil, queued)
	otherSession := model.NewJob("sess-2", "llm_stream", "openrouter", "unrelated")
	_ = store.CreateJob(context.Background(), nil, otherSession)

	adm.Track(context.Background(), "req-1", "sess-1", "llm_stream")
	adm.Track(context.Background(), "req-2", "sess-2", "llm_stream")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/sess-1/cancel", token, nil)
	defer resp.Body.Close()
	var out struct {
		ActiveCanceled int `json:"active_canceled"`
		QueuedCanceled int `json:"queued_canceled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ActiveCanceled != 1 || out.QueuedCanceled != 1 {
		t.Errorf("canceled = %+v, want one of each", out)
	}

	if adm.Stats().ActiveGlobal != 1 {
		t.Error("other session's request was canceled too")
	}
	if job, _ := store.GetJob(context.Background(), nil, otherSession.ID); job.Status != model.JobStatusQueued {
		t.Error("other session's queued job was canceled too")
	}
}

func TestUpdateLimits(t *testing.T) {
	srv, _, adm := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	token := mintToken(t, ts)

	resp := doJSON(t, http.MethodPut, ts.URL+"/api/v1/limits", token, map[string]any{
		"global":      7,
		"per_session": 2,
		"per_type":    map[string]int{"implementation_plan": 1},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("limits status = %d", resp.StatusCode)
	}

	limits := adm.Stats().Limits
	if limits.Global != 7 || limits.PerSession != 2 || limits.PerTaskType["implementation_plan"] != 1 {
		t.Errorf("limits = %+v", limits)
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}
