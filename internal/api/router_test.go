// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/pulseline/internal/middleware"
	"github.com/tomtom215/pulseline/internal/schedule"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeScheduler struct{ state schedule.State }

func (f fakeScheduler) State() schedule.State { return f.state }
func (f fakeScheduler) InFlight() int         { return 2 }

type fakeConsumer struct{ paused bool }

func (f fakeConsumer) Paused() bool   { return f.paused }
func (f fakeConsumer) Threshold() int { return 16 }

type fakeJobQueue struct {
	mu     sync.Mutex
	paused bool
}

func (f *fakeJobQueue) Backends() []string { return []string{"postgres", "redis"} }
func (f *fakeJobQueue) PauseConsumer() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}
func (f *fakeJobQueue) ResumeConsumer() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}
func (f *fakeJobQueue) IsConsumerPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

type fakePool struct{}

func (fakePool) Name() string     { return "plugins" }
func (fakePool) Pending() int     { return 3 }
func (fakePool) Concurrency() int { return 4 }

type fakeWebhooks struct{}

func (fakeWebhooks) Pending() int { return 5 }

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return resp
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthLive(t *testing.T) {
	t.Parallel()
	router := NewRouter(NewHandler(Deps{}, "test", "dev"), RouterConfig{})

	rec := serve(t, router, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("missing request ID header")
	}
	resp := decode(t, rec)
	if !resp.Success || resp.Meta.RequestID != rec.Header().Get(middleware.RequestIDHeader) {
		t.Errorf("response = %+v", resp)
	}
}

func TestHealthReady(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		deps Deps
		want int
	}{
		{"no deps", Deps{}, http.StatusOK},
		{"all healthy", Deps{Storage: fakePinger{}, Scheduler: fakeScheduler{schedule.StateRunningLockHeld}}, http.StatusOK},
		{"standby scheduler", Deps{Storage: fakePinger{}, Scheduler: fakeScheduler{schedule.StateRunningLockLost}}, http.StatusOK},
		{"paused consumer", Deps{Consumer: fakeConsumer{paused: true}}, http.StatusOK},
		{"storage down", Deps{Storage: fakePinger{err: errors.New("refused")}}, http.StatusServiceUnavailable},
		{"scheduler stopped", Deps{Scheduler: fakeScheduler{schedule.StateStopped}}, http.StatusServiceUnavailable},
		{"scheduler stopping", Deps{Scheduler: fakeScheduler{schedule.StateStopping}}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			router := NewRouter(NewHandler(tt.deps, "test", "dev"), RouterConfig{})
			rec := serve(t, router, http.MethodGet, "/readyz")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if resp := decode(t, rec); resp.Success != (tt.want == http.StatusOK) {
				t.Errorf("success = %v", resp.Success)
			}
		})
	}
}

func TestJobQueuePauseResume(t *testing.T) {
	t.Parallel()
	jq := &fakeJobQueue{}
	router := NewRouter(NewHandler(Deps{JobQueue: jq}, "test", "dev"), RouterConfig{})

	rec := serve(t, router, http.MethodPost, "/admin/jobqueue/pause")
	if rec.Code != http.StatusOK || !jq.IsConsumerPaused() {
		t.Fatalf("pause: status = %d paused = %v", rec.Code, jq.IsConsumerPaused())
	}
	var state struct {
		Data JobQueueState `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if !state.Data.Paused || len(state.Data.Backends) != 2 {
		t.Errorf("state = %+v", state.Data)
	}

	rec = serve(t, router, http.MethodPost, "/admin/jobqueue/resume")
	if rec.Code != http.StatusOK || jq.IsConsumerPaused() {
		t.Fatalf("resume: status = %d paused = %v", rec.Code, jq.IsConsumerPaused())
	}

	if rec := serve(t, router, http.MethodGet, "/admin/jobqueue/pause"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET pause = %d", rec.Code)
	}
}

func TestJobQueueNotConfigured(t *testing.T) {
	t.Parallel()
	router := NewRouter(NewHandler(Deps{}, "test", "dev"), RouterConfig{})
	rec := serve(t, router, http.MethodPost, "/admin/jobqueue/pause")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decode(t, rec); resp.Error == nil || resp.Error.Code != ErrCodeNotConfigured {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestAdminStatus(t *testing.T) {
	t.Parallel()
	deps := Deps{
		Scheduler: fakeScheduler{schedule.StateRunningLockHeld},
		Consumer:  fakeConsumer{},
		JobQueue:  &fakeJobQueue{},
		Pools:     []PoolStatus{fakePool{}},
		Webhooks:  fakeWebhooks{},
	}
	router := NewRouter(NewHandler(deps, "1.2.3", "prod"), RouterConfig{})

	rec := serve(t, router, http.MethodGet, "/admin/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Data Status `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	s := body.Data
	if s.Version != "1.2.3" || s.Environment != "prod" {
		t.Errorf("version = %q env = %q", s.Version, s.Environment)
	}
	if s.Scheduler == nil || s.Scheduler.State != schedule.StateRunningLockHeld.String() || s.Scheduler.InFlight != 2 {
		t.Errorf("scheduler = %+v", s.Scheduler)
	}
	if s.Consumer == nil || s.Consumer.Threshold != 16 {
		t.Errorf("consumer = %+v", s.Consumer)
	}
	if s.Pools["plugins"] != (PoolInfo{Pending: 3, Concurrency: 4}) {
		t.Errorf("pools = %v", s.Pools)
	}
	if s.Webhooks == nil || *s.Webhooks != 5 {
		t.Errorf("webhooks = %v", s.Webhooks)
	}
}

func TestAdminRateLimit(t *testing.T) {
	t.Parallel()
	router := NewRouter(NewHandler(Deps{}, "test", "dev"), RouterConfig{AdminRateLimit: 2})

	for i := 0; i < 2; i++ {
		if rec := serve(t, router, http.MethodGet, "/admin/status"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := serve(t, router, http.MethodGet, "/admin/status")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decode(t, rec); resp.Error == nil || resp.Error.Code != ErrCodeTooManyRequests {
		t.Errorf("error = %+v", resp.Error)
	}

	// Probes are outside the admin group.
	if rec := serve(t, router, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	called := false
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	router := NewRouter(NewHandler(Deps{}, "test", "dev"), RouterConfig{MetricsHandler: metrics})
	if rec := serve(t, router, http.MethodGet, "/metrics"); rec.Code != http.StatusOK || !called {
		t.Errorf("status = %d called = %v", rec.Code, called)
	}
}
