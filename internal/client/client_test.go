package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func fixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"id":"s1","name":"demo","state":"running"}]`))
		case http.MethodPost:
			var req CreateSessionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkingDir == "" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"working_dir is required"}`))
				return
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"s2","name":"` + req.Name + `","state":"running"}`))
		}
	})
	mux.HandleFunc("/api/sessions/s1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"id":"s1","name":"demo","state":"running"}`))
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/api/sessions/s1/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/sessions/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"session not found"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestListSessions(t *testing.T) {
	c := New(fixtureServer(t).URL)
	sessions, err := c.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestCreateSession(t *testing.T) {
	c := New(fixtureServer(t).URL)
	info, err := c.CreateSession(CreateSessionRequest{Name: "new", WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if info.ID != "s2" || info.Name != "new" {
		t.Fatalf("info = %+v", info)
	}
}

func TestCreateSessionValidationError(t *testing.T) {
	c := New(fixtureServer(t).URL)
	_, err := c.CreateSession(CreateSessionRequest{Name: "new"})
	if err == nil || !strings.Contains(err.Error(), "working_dir is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestGetStopDelete(t *testing.T) {
	c := New(fixtureServer(t).URL)

	info, err := c.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if info.State != "running" {
		t.Fatalf("state = %q", info.State)
	}
	if err := c.StopSession("s1"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if err := c.DeleteSession("s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := c.Health(); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestNotFoundError(t *testing.T) {
	c := New(fixtureServer(t).URL)
	_, err := c.GetSession("missing")
	if err == nil || !strings.Contains(err.Error(), "session not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions/s1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Echo the client's input back as one output event.
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "input" {
			t.Errorf("unexpected frame: %s", data)
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"output","data":{"seq":3,"content":{"echo":true}}}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"exited","data":{"code":0}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	stream, err := c.Attach("s1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer stream.Close()

	if err := stream.SendText("hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	ev, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != EventOutput || ev.Output == nil || ev.Output.Seq != 3 {
		t.Fatalf("event = %+v", ev)
	}

	ev, err = stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != EventExited || ev.ExitCode != 0 {
		t.Fatalf("event = %+v", ev)
	}
}
