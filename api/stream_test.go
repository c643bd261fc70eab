package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// runStream drives the SSE handler on its own goroutine and returns the body
// once the handler has exited. during runs between the session coming up and
// the request context being cancelled.
func runStream(t *testing.T, s *Server, e *echo.Echo, target, projectID, user string, during func()) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("projectId")
	c.SetParamValues(projectID)

	done := make(chan error, 1)
	go func() { done <- s.streamEvents()(c) }()

	time.Sleep(50 * time.Millisecond)
	if during != nil {
		during()
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream handler: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit after cancel")
	}
	return rec.Body.String()
}

func TestStreamDeliversLiveEvents(t *testing.T) {
	s, e, tb := newTestServer(t)

	body := runStream(t, s, e, "/api/projects/"+tb.Project.ID+"/events", tb.Project.ID, "carol", func() {
		rec, _ := createTaskAs(t, s, e, tb, "bob", `{"title":"T1"}`)
		if rec.Code != http.StatusCreated {
			t.Errorf("create during stream: %d", rec.Code)
		}
	})

	if !strings.Contains(body, ":hb\n\n") {
		t.Fatalf("expected heartbeat frame, got %q", body)
	}
	if !strings.Contains(body, "TaskCreated") || !strings.Contains(body, "T1") {
		t.Fatalf("expected live TaskCreated frame, got %q", body)
	}
	if !strings.Contains(body, "id:") {
		t.Fatalf("expected id line in frame, got %q", body)
	}
}

func TestStreamBackfillsFromCursor(t *testing.T) {
	s, e, tb := newTestServer(t)

	sub := &recordingSub{}
	unsubscribe := s.Events.Subscribe(tb.Project.ID, sub)
	createTaskAs(t, s, e, tb, "bob", `{"title":"before"}`)
	evs := waitForEvents(t, sub, 1)
	unsubscribe()
	cursor := evs[0].ID

	createTaskAs(t, s, e, tb, "bob", `{"title":"after"}`)

	body := runStream(t, s, e,
		"/api/projects/"+tb.Project.ID+"/events?after="+cursor, tb.Project.ID, "carol", nil)

	if strings.Contains(body, "before") {
		t.Fatalf("cursor event was re-delivered: %q", body)
	}
	if !strings.Contains(body, "after") {
		t.Fatalf("expected backfilled frame past the cursor, got %q", body)
	}
}

func TestStreamAcceptsTokenQueryParam(t *testing.T) {
	s, e, tb := newTestServer(t)
	body := runStream(t, s, e,
		"/api/projects/"+tb.Project.ID+"/events?token=carol", tb.Project.ID, "", nil)
	if !strings.Contains(body, ":hb\n\n") {
		t.Fatalf("expected heartbeat, got %q", body)
	}
}

func TestStreamRejectsOutsiders(t *testing.T) {
	s, e, tb := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/projects/"+tb.Project.ID+"/events", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("projectId")
	c.SetParamValues(tb.Project.ID)
	_ = s.streamEvents()(c)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/projects/"+tb.Project.ID+"/events", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer mallory")
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("projectId")
	c.SetParamValues(tb.Project.ID)
	_ = s.streamEvents()(c)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-member, got %d", rec.Code)
	}
}
