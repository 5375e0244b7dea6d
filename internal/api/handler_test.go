//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/generation"
	"github.com/ashureev/itinera/internal/identity"
	"github.com/ashureev/itinera/internal/pipeline"
	"github.com/ashureev/itinera/internal/session"
	"github.com/go-chi/chi/v5"
)

type fakeRepo struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	consumed map[string]int
	limit    int
	err      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*domain.User), consumed: make(map[string]int), limit: 3}
}

func (f *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	if user == nil {
		return nil, nil
	}
	u := *user
	return &u, nil
}

func (f *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := *user
	f.users[user.UserID] = &u
	return nil
}

func (f *fakeRepo) UpdateLastSeen(_ context.Context, _ string, _ time.Time) error { return nil }

func (f *fakeRepo) GetBalance(_ context.Context, userID string) (domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Balance{}, f.err
	}
	return domain.NewBalance(userID, "2026-10-16", f.limit, f.consumed[userID]), nil
}

func (f *fakeRepo) Consume(_ context.Context, userID string, amount int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed[userID] += amount
	return nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return f.err }

type fakeCoordinator struct {
	session *domain.RequestSession
	err     error
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeCoordinator) HandleRequest(ctx context.Context, raw []byte) (*domain.RequestSession, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return f.session, f.err
	}
	s := *f.session
	s.UserID = identity.UserIDFromContext(ctx)
	return &s, nil
}

type fakeSessions map[string]*domain.RequestSession

func (f fakeSessions) Get(_ context.Context, id string) (*domain.RequestSession, error) {
	s, ok := f[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s, nil
}

const testUser = "anon_0123456789abcdef0123456789abcdef"

func newRouter(repo *fakeRepo, coord *fakeCoordinator, sessions fakeSessions) http.Handler {
	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, false))
	NewItineraryHandler(coord, sessions, repo, repo, nil).RegisterRoutes(r, nil)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: testUser})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var got map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return got
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestCreateItinerary_SuccessConsumesCredit(t *testing.T) {
	repo := newFakeRepo()
	coord := &fakeCoordinator{session: &domain.RequestSession{ID: "s1", Status: domain.StatusCompleted}}
	h := newRouter(repo, coord, nil)

	rr := do(h, http.MethodPost, "/api/itineraries", `{"prompt":"Lisbon"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decode(t, rr); got["id"] != "s1" || got["status"] != "completed" {
		t.Errorf("Unexpected body %v", got)
	}
	if repo.consumed[testUser] != 1 {
		t.Errorf("Expected one credit consumed, got %d", repo.consumed[testUser])
	}
}

func TestCreateItinerary_ErrorMapping(t *testing.T) {
	failed := &domain.RequestSession{ID: "s-failed", Status: domain.StatusFailed}
	tests := []struct {
		name    string
		session *domain.RequestSession
		err     error
		status  int
		kind    string
	}{
		{"auth", nil, pipeline.ErrAuthenticationRequired, http.StatusUnauthorized, pipeline.KindAuthenticationRequired},
		{"validation", nil, &pipeline.ValidationError{FieldErrors: map[string][]string{"prompt": {"is required"}}}, http.StatusUnprocessableEntity, pipeline.KindValidation},
		{"credits", nil, &pipeline.InsufficientCreditsError{Required: 1, Remaining: 0, Service: "itinerary"}, http.StatusPaymentRequired, pipeline.KindInsufficientCredits},
		{"conflict", failed, session.ErrConcurrentWrite, http.StatusConflict, pipeline.KindConflict},
		{"timeout", failed, &pipeline.UpstreamTimeoutError{Service: "context", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, pipeline.KindUpstreamTimeout},
		{"generation", failed, &pipeline.GenerationFailure{Retryable: true, Err: errors.New("model down")}, http.StatusBadGateway, pipeline.KindGeneration},
		{"internal", failed, errors.New("boom"), http.StatusInternalServerError, pipeline.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			h := newRouter(repo, &fakeCoordinator{session: tt.session, err: tt.err}, nil)

			rr := do(h, http.MethodPost, "/api/itineraries", `{}`)
			if rr.Code != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, rr.Code)
			}
			got := decode(t, rr)
			if got["error"] != tt.kind {
				t.Errorf("Expected error %q, got %v", tt.kind, got["error"])
			}
			if tt.session != nil && got["session_id"] != tt.session.ID {
				t.Errorf("Expected session_id %q, got %v", tt.session.ID, got["session_id"])
			}
			if tt.kind == pipeline.KindValidation && got["field_errors"] == nil {
				t.Error("Expected field_errors in validation response")
			}
			if tt.kind == pipeline.KindInsufficientCredits && got["remaining"] != float64(0) {
				t.Errorf("Expected remaining=0, got %v", got["remaining"])
			}
			if repo.consumed[testUser] != 0 {
				t.Error("Expected no credit consumed on failure")
			}
		})
	}
}

func TestCreateItinerary_RejectsConcurrentRequest(t *testing.T) {
	repo := newFakeRepo()
	coord := &fakeCoordinator{
		session: &domain.RequestSession{ID: "s1", Status: domain.StatusCompleted},
		entered: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	h := newRouter(repo, coord, nil)

	first := make(chan *httptest.ResponseRecorder)
	go func() { first <- do(h, http.MethodPost, "/api/itineraries", `{"prompt":"Lisbon"}`) }()

	<-coord.entered
	second := do(h, http.MethodPost, "/api/itineraries", `{"prompt":"Lisbon"}`)
	close(coord.block)

	if second.Code != http.StatusConflict {
		t.Fatalf("Expected status 409 for concurrent request, got %d", second.Code)
	}
	if rr := <-first; rr.Code != http.StatusCreated {
		t.Errorf("Expected first request to complete with 201, got %d", rr.Code)
	}
}

func TestCreateItinerary_ClaimHeldUntilCompletion(t *testing.T) {
	repo := newFakeRepo()
	coord := &fakeCoordinator{
		session: &domain.RequestSession{ID: "s1", Status: domain.StatusCompleted},
		entered: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	h := newRouter(repo, coord, nil)

	first := make(chan *httptest.ResponseRecorder)
	go func() { first <- do(h, http.MethodPost, "/api/itineraries", `{"prompt":"Lisbon"}`) }()
	<-coord.entered

	// Rejected requests must not release the running request's claim.
	for i := 0; i < 3; i++ {
		if rr := do(h, http.MethodPost, "/api/itineraries", `{"prompt":"Lisbon"}`); rr.Code != http.StatusConflict {
			t.Fatalf("Expected status 409 on attempt %d, got %d", i+1, rr.Code)
		}
	}

	close(coord.block)
	if rr := <-first; rr.Code != http.StatusCreated {
		t.Fatalf("Expected first request to complete with 201, got %d", rr.Code)
	}

	// Once released, sequential requests go through.
	for i := 0; i < 2; i++ {
		rr := do(h, http.MethodPost, "/api/itineraries", `{"prompt":"Porto"}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("Expected sequential request %d to succeed, got %d", i+1, rr.Code)
		}
		<-coord.entered
	}
}

func TestGetItinerary_OwnerOnly(t *testing.T) {
	repo := newFakeRepo()
	sessions := fakeSessions{
		"mine":   {ID: "mine", UserID: testUser, Status: domain.StatusCompleted},
		"theirs": {ID: "theirs", UserID: "anon_other", Status: domain.StatusCompleted},
	}
	h := newRouter(repo, &fakeCoordinator{}, sessions)

	if rr := do(h, http.MethodGet, "/api/itineraries/mine", ""); rr.Code != http.StatusOK {
		t.Errorf("Expected 200 for own session, got %d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/api/itineraries/theirs", ""); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for another user's session, got %d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/api/itineraries/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing session, got %d", rr.Code)
	}
}

func TestGetCreditsAndMe(t *testing.T) {
	repo := newFakeRepo()
	repo.consumed[testUser] = 1
	h := newRouter(repo, &fakeCoordinator{}, nil)

	rr := do(h, http.MethodGet, "/api/credits", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if got := decode(t, rr); got["remaining_today"] != float64(2) {
		t.Errorf("Expected remaining_today=2, got %v", got["remaining_today"])
	}

	rr = do(h, http.MethodGet, "/api/me", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if got := decode(t, rr); got["user_id"] != testUser {
		t.Errorf("Unexpected user %v", got["user_id"])
	}
}

type fakeEngine struct {
	status string
	resets int
}

func (f *fakeEngine) HealthCheck(context.Context) generation.HealthStatus {
	return generation.HealthStatus{Status: f.status}
}
func (f *fakeEngine) Metrics() generation.MetricsSnapshot { return generation.MetricsSnapshot{Requests: 4} }
func (f *fakeEngine) ResetMetrics()                       { f.resets++ }

type fakeResetter struct{ calls int }

func (f *fakeResetter) Reset(context.Context) error { f.calls++; return nil }

func TestEngineHandler_AdminRoutes(t *testing.T) {
	engine := &fakeEngine{status: generation.StatusHealthy}
	sessions := &fakeResetter{}
	r := chi.NewRouter()
	NewEngineHandler(engine, sessions, nil, "s3cret").RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/engine/metrics/reset", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/engine/metrics/reset", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || engine.resets != 1 {
		t.Fatalf("Expected reset with token, got %d (resets=%d)", rr.Code, engine.resets)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/sessions/reset", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || sessions.calls != 1 {
		t.Fatalf("Expected session reset, got %d (calls=%d)", rr.Code, sessions.calls)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/credits/reset", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a usage ledger, got %d", rr.Code)
	}
}

func TestEngineHandler_DisabledAdmin(t *testing.T) {
	r := chi.NewRouter()
	NewEngineHandler(&fakeEngine{}, &fakeResetter{}, nil, "").RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/sessions/reset", nil)
	req.Header.Set("Authorization", "Bearer ")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected admin routes disabled, got %d", rr.Code)
	}
}

func TestEngineHandler_Health(t *testing.T) {
	engine := &fakeEngine{status: generation.StatusUnhealthy}
	r := chi.NewRouter()
	NewEngineHandler(engine, &fakeResetter{}, nil, "").RegisterRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/engine/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for unhealthy engine, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/engine/metrics", nil))
	if got := decode(t, rr); got["requests"] != float64(4) {
		t.Errorf("Expected requests=4, got %v", got["requests"])
	}
}

func TestHealthHandler_Degraded(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("disk full")
	h := NewHealthHandler(map[string]Pinger{"database": repo}, func() generation.HealthStatus {
		return generation.HealthStatus{Status: generation.StatusHealthy}
	})

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rr.Code)
	}
	got := decode(t, rr)
	if got["status"] != "degraded" {
		t.Errorf("Expected degraded, got %v", got["status"])
	}
	checks := got["checks"].(map[string]interface{})
	if checks["database"] != "unreachable" || checks["engine"] != "healthy" {
		t.Errorf("Unexpected checks %v", checks)
	}
}
