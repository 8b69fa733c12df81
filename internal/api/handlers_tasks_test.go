package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"taskcycle/internal/core"
	"taskcycle/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	s, err := store.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	runner := core.NewScriptRunner("/bin/sh", logger)
	driver := core.NewDriver(s, runner, logger, time.UTC)
	return NewServer("127.0.0.1:0", "", s, driver, runner, logger, time.UTC)
}

func doJSON(t *testing.T, srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetTask(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks/", `{
		"project_name": "backups",
		"project_path": "/home/me/backups",
		"entry_module": "main.py",
		"schedule_interval": "days",
		"skip_intervals": 0,
		"notify_on_run": true
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rec.Code, rec.Body.String())
	}

	var created taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected an assigned id")
	}
	if created.Status != "active" {
		t.Errorf("expected active status, got %q", created.Status)
	}
	if created.History != "-|-|-|-|-" {
		t.Errorf("expected fresh history, got %q", created.History)
	}
	next, err := time.Parse(time.RFC3339, created.NextRun)
	if err != nil {
		t.Fatalf("parse next_run: %v", err)
	}
	if !next.After(time.Now()) {
		t.Errorf("default next_run should be in the future, got %v", next)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/tasks/"+created.ID+"/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateTaskRejectsBadInterval(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks/", `{
		"project_path": "/tmp/x",
		"entry_module": "main.py",
		"schedule_interval": "fortnights"
	}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rec.Code, rec.Body.String())
	}
}

func TestUpdateTaskPauseRecordsStatusChange(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks/", `{
		"project_path": "/tmp/x",
		"entry_module": "main.py",
		"schedule_interval": "hours"
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d", rec.Code)
	}
	var created taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, srv, http.MethodPatch, "/v1/tasks/"+created.ID+"/", `{"paused": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d, body=%s", rec.Code, rec.Body.String())
	}
	var updated taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Status != "paused" {
		t.Errorf("expected paused, got %q", updated.Status)
	}
	if updated.StatusChangeAt == nil {
		t.Error("expected status_change_date to be set")
	}
	// Schedule fields are untouched by a status flip.
	if updated.Interval != "hours" || updated.NextRun != created.NextRun {
		t.Errorf("schedule changed on pause: %+v", updated)
	}
}

func TestDeleteTask(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks/", `{
		"project_path": "/tmp/x",
		"entry_module": "main.py",
		"schedule_interval": "weeks"
	}`)
	var created taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/v1/tasks/"+created.ID+"/", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/v1/tasks/"+created.ID+"/", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestRunTaskNowUpdatesBookkeeping(t *testing.T) {
	srv := newTestServer(t)

	dir := t.TempDir()
	script := "#!/bin/sh\necho ran now\n"
	if err := os.WriteFile(dir+"/main.sh", []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	body := fmt.Sprintf(`{
		"project_path": %q,
		"entry_module": "main.sh",
		"schedule_interval": "days",
		"next_run": %q
	}`, dir, time.Now().UTC().Add(-time.Minute).Format(time.RFC3339))
	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks/", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d, body=%s", rec.Code, rec.Body.String())
	}
	var created taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/tasks/"+created.ID+"/run", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d, body=%s", rec.Code, rec.Body.String())
	}
	var ran taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ran); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ran.RunCount != 1 {
		t.Errorf("run_count: expected 1, got %d", ran.RunCount)
	}
	if ran.LastNote != "ran now\n" {
		t.Errorf("last_note: got %q", ran.LastNote)
	}
	if ran.History[:1] != "1" {
		t.Errorf("history head: got %q", ran.History)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["tasks"].(float64) != 0 {
		t.Errorf("expected 0 tasks, got %v", resp["tasks"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t)
	rebuilt := NewServer("127.0.0.1:0", "secret", srv.store, srv.driver, srv.runner, srv.logger, time.UTC)

	rec := doJSON(t, rebuilt, http.MethodGet, "/v1/tasks/", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	out := httptest.NewRecorder()
	rebuilt.Handler().ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", out.Code)
	}
}
