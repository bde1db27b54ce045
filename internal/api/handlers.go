package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/VenkatGGG/notebook-relay/internal/query"
	"github.com/VenkatGGG/notebook-relay/internal/session"
	"github.com/VenkatGGG/notebook-relay/pkg/httpx"
)

type setupResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type closeResponse struct {
	Message string `json:"message"`
	Closed  bool   `json:"closed"`
}

// stepErrorResponse extends the error body with the failed step and any
// diagnostics gathered for it.
type stepErrorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Site          string `json:"site,omitempty"`
	Blocker       string `json:"blocker,omitempty"`
	ScreenshotURL string `json:"screenshot_url,omitempty"`
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("notebook_id"))
	if target == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "notebook_id is required")
		return
	}

	created, err := s.sessions.Create(r.Context(), target)
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, setupResponse{
			Message:   "Browser session started for " + created.TargetURL,
			SessionID: created.ID,
		})
	case errors.Is(err, session.ErrAlreadyActive):
		httpx.WriteError(w, http.StatusBadRequest, "already_active", "a browser session is already active; close it first")
	case errors.Is(err, session.ErrInvalidTarget):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.log.Error("setup failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "setup_failed", err.Error())
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if s.sessions.Close(r.Context()) {
		httpx.WriteJSON(w, http.StatusOK, closeResponse{Message: "Browser session closed.", Closed: true})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, closeResponse{Message: "No active browser session to close.", Closed: false})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	result, err := s.queries.Execute(r.Context(), query.Request{
		TargetURL: params.Get("notebook_id"),
		Query:     params.Get("llmquery"),
	})
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	info, err := s.queries.Capture(r.Context())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, info)
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	status, code := queryErrorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("query execution failed", zap.Error(err))
	}

	var stepErr *query.StepError
	if errors.As(err, &stepErr) {
		httpx.WriteJSON(w, status, stepErrorResponse{
			Code:          code,
			Message:       err.Error(),
			Site:          stepErr.Site,
			Blocker:       stepErr.Blocker,
			ScreenshotURL: stepErr.ScreenshotURL,
		})
		return
	}

	message := err.Error()
	if code == "no_active_session" {
		message = "no active browser session; call /driver/setup first"
	}
	httpx.WriteError(w, status, code, message)
}

func queryErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		return http.StatusBadRequest, "no_active_session"
	case errors.Is(err, query.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, query.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, query.ErrResponseTimeout):
		return http.StatusRequestTimeout, "response_timeout"
	case errors.Is(err, query.ErrNavigationTimeout):
		return http.StatusRequestTimeout, "navigation_timeout"
	case errors.Is(err, query.ErrElementNotFound):
		return http.StatusRequestTimeout, "element_not_found"
	default:
		return http.StatusInternalServerError, "execution_failed"
	}
}
