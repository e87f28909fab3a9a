package hookserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/model"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// fakeHub records every call the Server makes to it, so tests can assert on
// routing and parameter extraction without a real Hub or WebSocket.
type fakeHub struct {
	mu sync.Mutex

	stateUpdates []stateUpdate
	readyCalls   []string
	effects      []effect
}

type stateUpdate struct {
	repoHash, branchName string
	state                model.SessionState
}

type effect struct {
	repoHash, branchName, kind, text, url string
}

func (f *fakeHub) SendStateUpdate(repoHash, branchName string, state model.SessionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateUpdates = append(f.stateUpdates, stateUpdate{repoHash, branchName, state})
}

func (f *fakeHub) SendReadyStateWithGitStatus(ctx context.Context, repoHash, branchName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls = append(f.readyCalls, branchName)
}

func (f *fakeHub) PushManagementEffect(repoHash, branchName, kind, text, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.effects = append(f.effects, effect{repoHash, branchName, kind, text, url})
}

func TestServer_RejectsMissingOrWrongSecret(t *testing.T) {
	hub := &fakeHub{}
	srv := New(hub, "repo1", "correct-secret", newTestLogger())

	req := httptest.NewRequest(http.MethodPost, "/ch/close-tab/feature%2Fa", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing secret: status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/ch/close-tab/feature%2Fa", nil)
	req2.Header.Set("X-Hydra-Secret", "wrong-secret")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("wrong secret: status = %d, want %d", rec2.Code, http.StatusForbidden)
	}

	if len(hub.effects) != 0 {
		t.Error("expected no effect to reach the hub for an unauthenticated request")
	}
}

func TestServer_SetStateReady(t *testing.T) {
	hub := &fakeHub{}
	srv := New(hub, "repo1", "s3cret", newTestLogger())

	req := httptest.NewRequest(http.MethodPost, "/set-state/feature%2Fa", strings.NewReader(`{"state":"ready"}`))
	req.Header.Set("X-Hydra-Secret", "s3cret")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d, body: %s", rec.Code, http.StatusNoContent, rec.Body.String())
	}
	if len(hub.readyCalls) != 1 || hub.readyCalls[0] != "feature/a" {
		t.Errorf("readyCalls = %v, want [feature/a]", hub.readyCalls)
	}
}

func TestServer_SetStateRunning(t *testing.T) {
	hub := &fakeHub{}
	srv := New(hub, "repo1", "s3cret", newTestLogger())

	req := httptest.NewRequest(http.MethodPost, "/set-state/feature%2Fb", strings.NewReader(`{"state":"running"}`))
	req.Header.Set("X-Hydra-Secret", "s3cret")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if len(hub.stateUpdates) != 1 || hub.stateUpdates[0].state != model.StateRunning {
		t.Errorf("stateUpdates = %+v, want one StateRunning entry", hub.stateUpdates)
	}
}

func TestServer_SetStateRejectsUnknownState(t *testing.T) {
	hub := &fakeHub{}
	srv := New(hub, "repo1", "s3cret", newTestLogger())

	req := httptest.NewRequest(http.MethodPost, "/set-state/feature%2Fc", strings.NewReader(`{"state":"bogus"}`))
	req.Header.Set("X-Hydra-Secret", "s3cret")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestServer_ChEffects(t *testing.T) {
	hub := &fakeHub{}
	srv := New(hub, "repo1", "s3cret", newTestLogger())

	cases := []struct {
		path string
		body string
		kind string
	}{
		{"/ch/close-tab/feature%2Fd", "", "closeTab"},
		{"/ch/waituser/feature%2Fd", `{"text":"need input"}`, "waituser"},
		{"/ch/openurl/feature%2Fd", `{"url":"https://example.com"}`, "openurl"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			var body *strings.Reader
			if tc.body != "" {
				body = strings.NewReader(tc.body)
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(http.MethodPost, tc.path, body)
			req.Header.Set("X-Hydra-Secret", "s3cret")
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d, want %d, body: %s", rec.Code, http.StatusNoContent, rec.Body.String())
			}
		})
	}

	if len(hub.effects) != 3 {
		t.Fatalf("expected 3 effects pushed, got %d: %+v", len(hub.effects), hub.effects)
	}
}

func TestGenerateSecretAndSecretsEqual(t *testing.T) {
	s1, err := GenerateSecret(16)
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	if len(s1) != 16 {
		t.Errorf("len(secret) = %d, want 16", len(s1))
	}
	s2, err := GenerateSecret(16)
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	if s1 == s2 {
		t.Error("expected two independently generated secrets to differ")
	}

	if !secretsEqual(s1, s1) {
		t.Error("expected a secret to equal itself")
	}
	if secretsEqual(s1, s2) {
		t.Error("expected distinct secrets to not compare equal")
	}
}
