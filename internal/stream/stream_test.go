package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/identity"
	"github.com/ashureev/itinera/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func TestHub_SubscribeAndUnsubscribe(t *testing.T) {
	hub := NewHub()
	sub1 := hub.Subscribe("s1")
	sub2 := hub.Subscribe("s1")

	hub.Publish(domain.RequestSession{ID: "s1", Status: domain.StatusInProgress})
	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case u := <-sub.C():
			if u.Status != domain.StatusInProgress {
				t.Errorf("Expected in_progress, got %s", u.Status)
			}
		default:
			t.Fatal("Expected an update")
		}
	}

	hub.Unsubscribe(sub1)
	hub.Unsubscribe(sub1)
	if n := hub.Subscribers("s1"); n != 1 {
		t.Errorf("Expected 1 subscriber, got %d", n)
	}
	hub.Unsubscribe(sub2)
	if n := hub.Subscribers("s1"); n != 0 {
		t.Errorf("Expected 0 subscribers, got %d", n)
	}
}

func TestHub_PublishIgnoresOtherSessions(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("s1")
	hub.Publish(domain.RequestSession{ID: "s2"})

	select {
	case u := <-sub.C():
		t.Fatalf("Unexpected update %+v", u)
	default:
	}
}

func TestHub_FullBufferKeepsLatest(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("s1")

	for i := 0; i < subscriberBuffer+3; i++ {
		hub.Publish(domain.RequestSession{ID: "s1", Status: domain.StatusInProgress})
	}
	hub.Publish(domain.RequestSession{ID: "s1", Status: domain.StatusCompleted})

	var last Update
	for len(sub.C()) > 0 {
		last = <-sub.C()
	}
	if last.Status != domain.StatusCompleted {
		t.Errorf("Expected the terminal update to survive, got %s", last.Status)
	}
}

func newStreamServer(t *testing.T, userID string) (*httptest.Server, *session.MemoryStore) {
	t.Helper()
	hub := NewHub()
	store := session.NewMemoryStore(hub.Publish)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), userID)))
		})
	})
	r.Handle("/sessions/{id}/stream", NewWebSocketHandler(store, hub, "", true))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestWebSocketHandler_StreamsUntilTerminal(t *testing.T) {
	srv, store := newStreamServer(t, "anon_a")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Create(ctx, &domain.RequestSession{ID: "s1", UserID: "anon_a", Prompt: "Lisbon", Status: domain.StatusPending}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/s1/stream"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	var u Update
	if err := wsjson.Read(ctx, ws, &u); err != nil {
		t.Fatalf("Read snapshot: %v", err)
	}
	if u.Status != domain.StatusPending {
		t.Fatalf("Expected pending snapshot, got %s", u.Status)
	}

	if _, err := store.Update(ctx, "s1", func(s *domain.RequestSession) error {
		s.Status = domain.StatusFailed
		s.Errors = append(s.Errors, domain.ErrorEntry{Agent: "coordinator", Stage: "fatal", Message: "boom"})
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := wsjson.Read(ctx, ws, &u); err != nil {
		t.Fatalf("Read update: %v", err)
	}
	if u.Status != domain.StatusFailed || len(u.Errors) != 1 {
		t.Fatalf("Unexpected update %+v", u)
	}

	_, _, err = ws.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("Expected a normal close after the terminal update, got %v", err)
	}
}

func TestWebSocketHandler_RejectsOtherUsers(t *testing.T) {
	srv, store := newStreamServer(t, "anon_b")
	ctx := context.Background()
	if err := store.Create(ctx, &domain.RequestSession{ID: "s1", UserID: "anon_a", Prompt: "Lisbon", Status: domain.StatusPending}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp, err := http.Get(srv.URL + "/sessions/s1/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for another user's session, got %d", resp.StatusCode)
	}
}
