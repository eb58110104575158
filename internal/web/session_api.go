package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/okapilab/keeper/internal/agent"
	"github.com/okapilab/keeper/internal/session"
)

type createSessionRequest struct {
	Name       string `json:"name"`
	WorkingDir string `json:"working_dir"`
}

// handleSessions serves the session collection: GET lists, POST creates.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.orch.List())

	case http.MethodPost:
		var req createSessionRequest
		if !parseJSONBody(w, r, &req) {
			return
		}
		if req.WorkingDir == "" {
			writeErrorJSON(w, http.StatusBadRequest, "working_dir is required")
			return
		}

		info, err := s.orch.Create(req.Name, req.WorkingDir)
		if err != nil {
			var spawn *session.SpawnError
			if errors.As(err, &spawn) {
				writeErrorJSON(w, http.StatusBadGateway, err.Error())
				return
			}
			writeErrorJSON(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, info)

	default:
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSessionDetail routes /api/sessions/{id} and its sub-resources.
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeErrorJSON(w, http.StatusNotFound, "session id is required")
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			info, err := s.orch.Get(id)
			if err != nil {
				s.writeOrchestratorError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		case http.MethodDelete:
			if err := s.orch.Delete(id); err != nil {
				s.writeOrchestratorError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeErrorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	case "stop":
		if r.Method != http.MethodPost {
			writeErrorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := s.orch.Stop(id); err != nil {
			s.writeOrchestratorError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case "input":
		if r.Method != http.MethodPost {
			writeErrorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var p inputPayload
		if !parseJSONBody(w, r, &p) {
			return
		}
		if len(p.Content) == 0 {
			writeErrorJSON(w, http.StatusBadRequest, "content is required")
			return
		}
		if err := s.orch.SendInput(id, p.Content); err != nil {
			s.writeOrchestratorError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	case "permission":
		if r.Method != http.MethodPost {
			writeErrorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var p permissionResponsePayload
		if !parseJSONBody(w, r, &p) {
			return
		}
		err := s.orch.RespondPermission(id, p.RequestID, agent.Decision{
			Allow:        p.Allow,
			UpdatedInput: p.UpdatedInput,
			Remember:     p.Remember,
			Message:      p.Message,
		})
		if err != nil {
			s.writeOrchestratorError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case "outputs":
		if r.Method != http.MethodGet {
			writeErrorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		pending, err := s.orch.Pending(id)
		if err != nil {
			s.writeOrchestratorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pending)

	case "ws":
		s.handleSessionWS(w, r, id)

	default:
		writeErrorJSON(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	var exited *session.ExitedError
	var invalid *session.InvalidPermissionError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeErrorJSON(w, http.StatusNotFound, "session not found")
	case errors.As(err, &exited), errors.As(err, &invalid):
		writeErrorJSON(w, http.StatusConflict, err.Error())
	default:
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
	}
}
