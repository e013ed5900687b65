package gwserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sessionhub/sessionhub/internal/errs"
	"github.com/sessionhub/sessionhub/internal/gwauth"
	"github.com/sessionhub/sessionhub/internal/router"
)

// writeJSON writes v as the response body, or logs a best-effort warning
// if encoding fails after headers are already sent.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response failed", "error", err)
	}
}

func callerUserID(r *http.Request) string {
	userID, _ := gwauth.UserID(r.Context())
	return userID
}

func decodeBody(r *http.Request, v any) *errs.Error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	if r.Body == nil {
		return errs.Validation("request body required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("invalid request body: " + err.Error())
	}
	return nil
}

// callHost resolves host (by the hostId its caller passes, or the
// caller's first connected host when empty), issues method/params, and writes either
// the result or the mapped error.
func (s *Server) callHost(w http.ResponseWriter, r *http.Request, hostID, method string, params any) {
	host, rerr := s.router.ResolveHost(callerUserID(r), hostID)
	if rerr != nil {
		errs.WriteHTTP(w, rerr)
		return
	}
	ctx, cancel := router.DefaultCallCtx(r.Context())
	defer cancel()
	payload, rerr := s.router.Call(ctx, host, method, params, s.router.NewRequestID(time.Now()))
	if rerr != nil {
		errs.WriteHTTP(w, rerr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if payload == nil {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_, _ = w.Write(payload)
}

// callSession resolves the host owning sessionId (enforcing ownership),
// then issues method/params against it.
func (s *Server) callSession(w http.ResponseWriter, r *http.Request, sessionID, method string, params any) {
	host, rerr := s.router.ResolveSessionHost(callerUserID(r), sessionID)
	if rerr != nil {
		errs.WriteHTTP(w, rerr)
		return
	}
	ctx, cancel := router.DefaultCallCtx(r.Context())
	defer cancel()
	payload, rerr := s.router.Call(ctx, host, method, params, s.router.NewRequestID(time.Now()))
	if rerr != nil {
		errs.WriteHTTP(w, rerr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if payload == nil {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_, _ = w.Write(payload)
}

// handleListSessions returns every session the registry currently knows
// about for the caller, across all of their connected hosts.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.ListSessionsForUser(callerUserID(r)))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HostID    string `json:"hostId"`
		BackendID string `json:"backendId"`
		Cwd       string `json:"cwd"`
		Title     string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	s.callHost(w, r, body.HostID, "session:create", map[string]any{
		"userId":    callerUserID(r),
		"backendId": body.BackendID,
		"cwd":       body.Cwd,
		"title":     body.Title,
	})
}

func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HostID    string `json:"hostId"`
		BackendID string `json:"backendId"`
		Cwd       string `json:"cwd"`
		Title     string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	priorSessionID := chi.URLParam(r, "sessionId")
	s.callHost(w, r, body.HostID, "session:load", map[string]any{
		"userId":         callerUserID(r),
		"backendId":      body.BackendID,
		"cwd":            body.Cwd,
		"title":          body.Title,
		"priorSessionId": priorSessionID,
	})
}

func (s *Server) handleReloadSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	s.callSession(w, r, sessionID, "session:reload", map[string]any{"sessionId": sessionID})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	s.callSession(w, r, sessionID, "session:cancel", map[string]any{"sessionId": sessionID})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	s.callSession(w, r, sessionID, "session:close", map[string]any{"sessionId": sessionID})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	var body struct {
		ModeID string `json:"modeId"`
	}
	if err := decodeBody(r, &body); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	s.callSession(w, r, sessionID, "session:mode", map[string]any{"sessionId": sessionID, "modeId": body.ModeID})
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	var body struct {
		ModelID string `json:"modelId"`
	}
	if err := decodeBody(r, &body); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	s.callSession(w, r, sessionID, "session:model", map[string]any{"sessionId": sessionID, "modelId": body.ModelID})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	var body struct {
		Blocks json.RawMessage `json:"blocks"`
	}
	if err := decodeBody(r, &body); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	s.callSession(w, r, sessionID, "message:send", map[string]any{"sessionId": sessionID, "blocks": body.Blocks})
}

func (s *Server) handlePermissionDecision(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	requestID := chi.URLParam(r, "requestId")
	var body struct {
		OptionID string `json:"optionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	s.callSession(w, r, sessionID, "permission:decision", map[string]any{
		"sessionId": sessionID, "requestId": requestID, "optionId": body.OptionID,
	})
}

func (s *Server) handleFSFile(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostId")
	q := r.URL.Query()
	maxBytes, err := strconv.ParseInt(q.Get("maxBytes"), 10, 64)
	if err != nil || maxBytes == 0 {
		maxBytes = 1 << 20
	}
	s.callHost(w, r, hostID, "fs:file", map[string]any{
		"Root": q.Get("root"), "Path": q.Get("path"), "MaxBytes": maxBytes,
	})
}

func (s *Server) handleFSResources(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostId")
	q := r.URL.Query()
	patterns := q["pattern"]
	if len(patterns) == 0 && q.Get("patterns") != "" {
		patterns = strings.Split(q.Get("patterns"), ",")
	}
	s.callHost(w, r, hostID, "fs:resources", map[string]any{
		"Root": q.Get("root"), "Patterns": patterns,
	})
}

func (s *Server) handleGitFileDiff(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostId")
	q := r.URL.Query()
	staged, _ := strconv.ParseBool(q.Get("staged"))
	s.callHost(w, r, hostID, "git:fileDiff", map[string]any{
		"Cwd": q.Get("cwd"), "Path": q.Get("path"), "Staged": staged,
	})
}

func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	var body struct {
		Data string `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	s.callSession(w, r, sessionID, "terminal:write", map[string]any{"sessionId": sessionID, "data": body.Data})
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	var body struct {
		Rows, Cols int
	}
	if err := decodeBody(r, &body); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	s.callSession(w, r, sessionID, "terminal:resize", map[string]any{
		"sessionId": sessionID, "rows": body.Rows, "cols": body.Cols,
	})
}

// handleHostRPC builds a handler that forwards the request's query string
// as RPC params to the host named by the hostId path segment — used for
// the read-only filesystem/git endpoints that have no dedicated handler
// and take no JSON body.
func (s *Server) handleHostRPC(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hostID := chi.URLParam(r, "hostId")
		q := r.URL.Query()
		params := map[string]any{}
		for key := range q {
			params[key] = q.Get(key)
		}
		s.callHost(w, r, hostID, method, params)
	}
}
