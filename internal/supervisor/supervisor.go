// Package supervisor is the per-host orchestrator: it mediates between
// Agent Links and the Event Log, and is the target of RPCs arriving over
// the Host Uplink (spec §4.3).
package supervisor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/sessionhub/sessionhub/internal/acplink"
	"github.com/sessionhub/sessionhub/internal/backendreg"
	"github.com/sessionhub/sessionhub/internal/errs"
	"github.com/sessionhub/sessionhub/internal/eventlog"
	"github.com/sessionhub/sessionhub/internal/pty"
)

// SessionsChangedDelta mirrors the gateway-facing sessions:changed shape.
type SessionsChangedDelta struct {
	Added   []SessionSummary `json:"added,omitempty"`
	Updated []SessionSummary `json:"updated,omitempty"`
	Removed []string         `json:"removed,omitempty"`
}

// SessionSummary is the host's ground-truth view of one session, used for
// both the periodic full snapshot and sessions-changed deltas.
type SessionSummary struct {
	SessionID        string   `json:"sessionId"`
	HostID           string   `json:"hostId"`
	UserID           string   `json:"userId"`
	BackendID        string   `json:"backendId"`
	Title            string   `json:"title"`
	Cwd              string   `json:"cwd"`
	Revision         int64    `json:"revision"`
	ModeID           string   `json:"modeId,omitempty"`
	ModelID          string   `json:"modelId,omitempty"`
	AvailableModes   []string `json:"availableModes,omitempty"`
	AvailableModels  []string `json:"availableModels,omitempty"`
	IsAttached       bool     `json:"isAttached"`
}

// AttachedDetached is emitted when a session binds or unbinds its agent
// link.
type AttachedDetached struct {
	SessionID  string    `json:"sessionId"`
	HostID     string    `json:"hostId"`
	Attached   bool      `json:"attached"`
	At         time.Time `json:"at"`
	Reason     string    `json:"reason,omitempty"`
}

// PermissionOutcome is how a pending permission request is resolved.
type PermissionOutcome struct {
	Cancelled bool
	OptionID  string
}

// pendingPermission is the supervisor's live bookkeeping for spec's
// "Permission request" entity; exactly one of Resolve/Cancel ever
// succeeds for a given requestId.
type pendingPermission struct {
	sessionID string
	requestID string
	mu        sync.Mutex
	resolved  bool
	result    chan PermissionOutcome
}

func (p *pendingPermission) resolve(outcome PermissionOutcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.resolved = true
	p.result <- outcome
	close(p.result)
	return true
}

type session struct {
	mu sync.Mutex // serializes mutating operations on this session (spec §5)

	id        string
	hostID    string
	userID    string
	backendID string
	cwd       string
	title     string
	createdAt time.Time

	revision        int64
	link            *acplink.Link
	modeID          string
	modelID         string
	availableModes  []string
	availableModels []string
	isAttached      bool

	pendingPermissions map[string]*pendingPermission
	meta               map[string]any

	term *pty.Session // non-nil only when the backend advertises terminal capability
}

// Supervisor owns every session on one host.
type Supervisor struct {
	hostID   string
	log      *eventlog.Log
	backends *backendreg.Registry
	pool     *acplink.Pool
	logger   *slog.Logger

	defaultShell string
	defaultRows  int
	defaultCols  int

	mu       sync.RWMutex
	sessions map[string]*session

	onSessionEvent   func(eventlog.Event)
	onSessionsChange func(SessionsChangedDelta)
	onAttachDetach   func(AttachedDetached)
	onPermission     func(sessionID, requestID string, params json.RawMessage)
	onPermissionDone func(sessionID, requestID string, outcome PermissionOutcome)
}

// Config wires the supervisor's collaborators and outward-facing
// broadcast callbacks (spec §9: "event-emitter callbacks ... map to
// named channels with one producer"). Each callback is invoked from a
// single supervisor-owned goroutine per event and must not block.
type Config struct {
	HostID   string
	Log      *eventlog.Log
	Backends *backendreg.Registry
	Pool     *acplink.Pool
	Logger   *slog.Logger

	// Terminal companion defaults (spec §4.3 EXPANSION); only used for
	// backends whose Capability.Terminal is set.
	DefaultShell string
	DefaultRows  int
	DefaultCols  int

	OnSessionEvent   func(eventlog.Event)
	OnSessionsChange func(SessionsChangedDelta)
	OnAttachDetach   func(AttachedDetached)
	OnPermission     func(sessionID, requestID string, params json.RawMessage)
	OnPermissionDone func(sessionID, requestID string, outcome PermissionOutcome)
}

// New constructs a Supervisor.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	noop := func(...any) {}
	_ = noop
	shell := cfg.DefaultShell
	if shell == "" {
		shell = "/bin/bash"
	}
	rows, cols := cfg.DefaultRows, cfg.DefaultCols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	return &Supervisor{
		hostID:           cfg.HostID,
		log:              cfg.Log,
		backends:         cfg.Backends,
		pool:             cfg.Pool,
		logger:           logger,
		defaultShell:     shell,
		defaultRows:      rows,
		defaultCols:      cols,
		sessions:         make(map[string]*session),
		onSessionEvent:   orDefaultEvent(cfg.OnSessionEvent),
		onSessionsChange: orDefaultChange(cfg.OnSessionsChange),
		onAttachDetach:   orDefaultAttach(cfg.OnAttachDetach),
		onPermission:     orDefaultPermission(cfg.OnPermission),
		onPermissionDone: orDefaultPermissionDone(cfg.OnPermissionDone),
	}
}

func orDefaultEvent(f func(eventlog.Event)) func(eventlog.Event) {
	if f != nil {
		return f
	}
	return func(eventlog.Event) {}
}
func orDefaultChange(f func(SessionsChangedDelta)) func(SessionsChangedDelta) {
	if f != nil {
		return f
	}
	return func(SessionsChangedDelta) {}
}
func orDefaultAttach(f func(AttachedDetached)) func(AttachedDetached) {
	if f != nil {
		return f
	}
	return func(AttachedDetached) {}
}
func orDefaultPermission(f func(string, string, json.RawMessage)) func(string, string, json.RawMessage) {
	if f != nil {
		return f
	}
	return func(string, string, json.RawMessage) {}
}
func orDefaultPermissionDone(f func(string, string, PermissionOutcome)) func(string, string, PermissionOutcome) {
	if f != nil {
		return f
	}
	return func(string, string, PermissionOutcome) {}
}

func (s *Supervisor) summaryLocked(sess *session) SessionSummary {
	return SessionSummary{
		SessionID:       sess.id,
		HostID:          sess.hostID,
		UserID:          sess.userID,
		BackendID:       sess.backendID,
		Title:           sess.title,
		Cwd:             sess.cwd,
		Revision:        sess.revision,
		ModeID:          sess.modeID,
		ModelID:         sess.modelID,
		AvailableModes:  sess.availableModes,
		AvailableModels: sess.availableModels,
		IsAttached:      sess.isAttached,
	}
}

// acquireLink resolves a backend, pulls a warm link from the idle pool if
// one is available and still ready, or connects a new one.
func (s *Supervisor) acquireLink(ctx context.Context, backendID string, onNotif acplink.NotificationHandler, onPerm acplink.PermissionHandler) (*acplink.Link, error) {
	backend, ok := s.backends.Get(backendID)
	if !ok {
		return nil, errs.Validation(fmt.Sprintf("unknown backend %q", backendID))
	}

	if link := s.pool.Acquire(backendID); link != nil {
		return link, nil
	}

	link := acplink.New(acplink.Config{
		Command:        backend.Command,
		Args:           backend.Args,
		WorkDir:        "",
		OnNotification: onNotif,
		OnPermission:   onPerm,
	})
	if err := link.Connect(ctx); err != nil {
		return nil, errs.Internal(fmt.Sprintf("connect agent link: %v", err))
	}
	return link, nil
}

// CreateSession resolves a backend, acquires a link, creates the session
// on the agent, ensures the log row, and announces the new session.
func (s *Supervisor) CreateSession(ctx context.Context, userID, backendID, cwd, title string) (SessionSummary, error) {
	sessionID := newSessionID()

	sess := &session{
		id:                 sessionID,
		hostID:             s.hostID,
		userID:             userID,
		backendID:          backendID,
		cwd:                cwd,
		title:              title,
		createdAt:          time.Now().UTC(),
		pendingPermissions: make(map[string]*pendingPermission),
	}
	sess.mu.Lock()

	link, err := s.acquireLink(ctx, backendID,
		func(ctx context.Context, notif acpsdk.SessionNotification) error {
			s.handleNotification(sessionID, notif)
			return nil
		},
		func(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
			return s.handlePermissionRequest(sessionID, req)
		},
	)
	if err != nil {
		sess.mu.Unlock()
		return SessionSummary{}, err
	}
	sess.link = link

	if _, err := link.NewSession(ctx, cwd); err != nil {
		sess.mu.Unlock()
		link.Stop()
		return SessionSummary{}, errs.Internal(fmt.Sprintf("create agent session: %v", err))
	}

	revision, err := s.log.EnsureSession(sessionID, s.hostID, userID, backendID, cwd, title)
	if err != nil {
		sess.mu.Unlock()
		link.Stop()
		return SessionSummary{}, errs.Internal(fmt.Sprintf("ensure session log row: %v", err))
	}
	sess.revision = revision
	sess.isAttached = true

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	summary := s.summaryLocked(sess)
	sess.mu.Unlock()

	s.onSessionsChange(SessionsChangedDelta{Added: []SessionSummary{summary}})
	s.onAttachDetach(AttachedDetached{SessionID: sessionID, HostID: s.hostID, Attached: true, At: time.Now().UTC()})

	// startTerminal locks sess.mu itself, so it must run after the lock held
	// for session setup above is released.
	if backend, ok := s.backends.Get(backendID); ok && backend.Capability.Terminal {
		s.startTerminal(sess)
	}

	return summary, nil
}

// startTerminal spawns the session's PTY companion (spec §4.3 EXPANSION)
// and streams its output into the event log as terminal_output events. A
// failure to start is logged, not fatal: the agent session works fine
// without a terminal.
func (s *Supervisor) startTerminal(sess *session) {
	term, err := pty.NewSession(pty.SessionConfig{
		ID:      sess.id,
		UserID:  sess.userID,
		Shell:   s.defaultShell,
		Rows:    s.defaultRows,
		Cols:    s.defaultCols,
		WorkDir: sess.cwd,
	})
	if err != nil {
		s.logger.Warn("start terminal companion failed", "session", sess.id, "error", err)
		return
	}

	sess.mu.Lock()
	sess.term = term
	sess.mu.Unlock()

	term.StartOutputReader(
		func(sessionID string, data []byte) {
			payload, _ := json.Marshal(map[string]any{"data": base64.StdEncoding.EncodeToString(data)})
			sess.mu.Lock()
			revision := sess.revision
			sess.mu.Unlock()
			event, err := s.log.AppendEvent(sessionID, s.hostID, revision, eventlog.KindTerminalOutput, payload)
			if err != nil {
				s.logger.Error("append terminal output event failed", "session", sessionID, "error", err)
				return
			}
			s.onSessionEvent(event)
		},
		func(sessionID string) {
			sess.mu.Lock()
			sess.term = nil
			sess.mu.Unlock()
		},
	)
}

// WriteTerminalInput forwards keystrokes/pasted input to the session's
// PTY companion, if one is running.
func (s *Supervisor) WriteTerminalInput(sessionID string, data []byte) error {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	term := sess.term
	sess.mu.Unlock()
	if term == nil {
		return errs.CapabilityMissing("terminal")
	}
	_, werr := term.Write(data)
	return werr
}

// ResizeTerminal applies a new row/col size to the session's PTY
// companion, if one is running.
func (s *Supervisor) ResizeTerminal(sessionID string, rows, cols int) error {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	term := sess.term
	sess.mu.Unlock()
	if term == nil {
		return errs.CapabilityMissing("terminal")
	}
	return term.Resize(rows, cols)
}

// getSession returns the session or a SESSION_NOT_FOUND error.
func (s *Supervisor) getSession(sessionID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.SessionMissing(sessionID)
	}
	return sess, nil
}

// CancelSession cancels any in-flight prompt and resolves all pending
// permission requests with outcome "cancelled", exactly once each.
func (s *Supervisor) CancelSession(sessionID string) error {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.link != nil {
		sess.link.Cancel()
	}
	s.cancelAllPendingLocked(sess)
	return nil
}

func (s *Supervisor) cancelAllPendingLocked(sess *session) {
	for requestID, pending := range sess.pendingPermissions {
		if pending.resolve(PermissionOutcome{Cancelled: true}) {
			s.onPermissionDone(sess.id, requestID, PermissionOutcome{Cancelled: true})
			// The caller holds sess.mu, so read the revision directly rather
			// than through appendPermissionResult, which takes the lock.
			payload, _ := json.Marshal(map[string]any{"requestId": requestID, "cancelled": true, "optionId": ""})
			if event, err := s.log.AppendEvent(sess.id, s.hostID, sess.revision, eventlog.KindPermissionResult, payload); err == nil {
				s.onSessionEvent(event)
			}
		}
		delete(sess.pendingPermissions, requestID)
	}
}

// CloseSession unsubscribes, cancels permissions, disconnects the link,
// and removes the session.
func (s *Supervisor) CloseSession(sessionID string) error {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	s.cancelAllPendingLocked(sess)
	if sess.link != nil {
		sess.link.Stop()
	}
	if sess.term != nil {
		_ = sess.term.Close()
		sess.term = nil
	}
	sess.isAttached = false
	sess.mu.Unlock()

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.onAttachDetach(AttachedDetached{SessionID: sessionID, HostID: s.hostID, Attached: false, At: time.Now().UTC(), Reason: "closed"})
	s.onSessionsChange(SessionsChangedDelta{Removed: []string{sessionID}})
	return nil
}

// SetMode validates modeID against the session's currently advertised set
// — re-checked live against the link, not a stale cache — then applies it.
func (s *Supervisor) SetMode(ctx context.Context, sessionID, modeID string) error {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.link == nil {
		return errs.CapabilityMissing("mode")
	}
	if err := sess.link.SetMode(ctx, modeID, sess.availableModes); err != nil {
		if _, ok := err.(*acplink.ErrCapabilityNotSupported); ok {
			return errs.CapabilityMissing("mode")
		}
		return errs.Validation(err.Error())
	}
	sess.modeID = modeID
	return nil
}

// SetModel validates modelID the same way SetMode validates modeID.
func (s *Supervisor) SetModel(ctx context.Context, sessionID, modelID string) error {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.link == nil {
		return errs.CapabilityMissing("model")
	}
	if err := sess.link.SetModel(ctx, modelID, sess.availableModels); err != nil {
		if _, ok := err.(*acplink.ErrCapabilityNotSupported); ok {
			return errs.CapabilityMissing("model")
		}
		return errs.Validation(err.Error())
	}
	sess.modelID = modelID
	return nil
}

// SendMessage forwards a user turn to the agent. The resulting
// notifications arrive asynchronously via handleNotification.
func (s *Supervisor) SendMessage(ctx context.Context, sessionID string, blocks []acpsdk.ContentBlock) error {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	link := sess.link
	revision := sess.revision
	sess.mu.Unlock()
	if link == nil {
		return errs.Internal("session has no active agent link")
	}

	payload, _ := json.Marshal(map[string]any{"blocks": blocks})
	if _, err := s.log.AppendEvent(sessionID, s.hostID, revision, eventlog.KindUserMessage, payload); err != nil {
		return s.failSession(sess, err)
	}

	resp, err := link.Prompt(ctx, blocks)
	if err != nil {
		return s.failSession(sess, err)
	}

	turnEnd, _ := json.Marshal(map[string]any{"stopReason": string(resp.StopReason)})
	event, err := s.log.AppendEvent(sessionID, s.hostID, revision, eventlog.KindTurnEnd, turnEnd)
	if err != nil {
		return s.failSession(sess, err)
	}
	s.onSessionEvent(event)
	return nil
}

// failSession appends a session_error event and returns an internal
// error; a log append failure is fatal for the session per spec §4.3.
func (s *Supervisor) failSession(sess *session, cause error) error {
	payload, _ := json.Marshal(map[string]any{"error": cause.Error()})
	sess.mu.Lock()
	revision := sess.revision
	sess.mu.Unlock()
	if event, err := s.log.AppendEvent(sess.id, s.hostID, revision, eventlog.KindSessionError, payload); err == nil {
		s.onSessionEvent(event)
	}
	s.onAttachDetach(AttachedDetached{SessionID: sess.id, HostID: s.hostID, Attached: false, At: time.Now().UTC(), Reason: "agent_exit"})
	return errs.Internal(cause.Error())
}

// handleNotification maps an agent notification to a log event and
// broadcasts it.
func (s *Supervisor) handleNotification(sessionID string, notif acpsdk.SessionNotification) {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return
	}
	sess.mu.Lock()
	revision := sess.revision
	sess.mu.Unlock()

	kind, payload := acplink.MapNotification(notif)
	if kind == eventlog.KindSessionInfoUpdate {
		sess.mu.Lock()
		sess.meta = mergeSessionMeta(sess.meta, payload)
		sess.mu.Unlock()
	}
	event, err := s.log.AppendEvent(sessionID, s.hostID, revision, kind, payload)
	if err != nil {
		s.logger.Error("append notification event failed", "session", sessionID, "error", err)
		return
	}
	s.onSessionEvent(event)
}

// handlePermissionRequest creates a PermissionRequest, logs it, and
// blocks until the gateway's decision (or a cancel) resolves it.
func (s *Supervisor) handlePermissionRequest(sessionID string, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}

	requestID := newSessionID()
	pending := &pendingPermission{sessionID: sessionID, requestID: requestID, result: make(chan PermissionOutcome, 1)}

	sess.mu.Lock()
	sess.pendingPermissions[requestID] = pending
	revision := sess.revision
	sess.mu.Unlock()

	paramsJSON, _ := json.Marshal(req)
	if event, err := s.log.AppendEvent(sessionID, s.hostID, revision, eventlog.KindPermissionRequest, paramsJSON); err == nil {
		s.onSessionEvent(event)
	}
	s.onPermission(sessionID, requestID, paramsJSON)

	outcome := <-pending.result

	sess.mu.Lock()
	delete(sess.pendingPermissions, requestID)
	sess.mu.Unlock()

	if outcome.Cancelled {
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}
	return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeSelected(outcome.OptionID)}, nil
}

// ResolvePermission is called when the gateway forwards a permission
// decision; it resolves the matching pending request exactly once. A
// decision that arrives after cancellation finds no pending request and
// is silently ignored (spec §8 scenario 4).
func (s *Supervisor) ResolvePermission(sessionID, requestID, optionID string) error {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	pending, ok := sess.pendingPermissions[requestID]
	sess.mu.Unlock()
	if !ok {
		return nil
	}
	if pending.resolve(PermissionOutcome{OptionID: optionID}) {
		s.onPermissionDone(sessionID, requestID, PermissionOutcome{OptionID: optionID})
		s.appendPermissionResult(sess, requestID, PermissionOutcome{OptionID: optionID})
	}
	return nil
}

func (s *Supervisor) appendPermissionResult(sess *session, requestID string, outcome PermissionOutcome) {
	sess.mu.Lock()
	revision := sess.revision
	sess.mu.Unlock()
	payload, _ := json.Marshal(map[string]any{"requestId": requestID, "cancelled": outcome.Cancelled, "optionId": outcome.OptionID})
	if event, err := s.log.AppendEvent(sess.id, s.hostID, revision, eventlog.KindPermissionResult, payload); err == nil {
		s.onSessionEvent(event)
	}
}

// Snapshot returns the full current session list, used for the uplink's
// 30-second ground-truth heartbeat.
func (s *Supervisor) Snapshot() []SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		out = append(out, s.summaryLocked(sess))
		sess.mu.Unlock()
	}
	return out
}

var idCounter struct {
	mu sync.Mutex
	n  uint64
}

// newSessionID generates a locally-unique id from the wall-clock
// nanosecond time plus a process-wide counter, so two calls within the
// same nanosecond still yield different ids.
func newSessionID() string {
	idCounter.mu.Lock()
	idCounter.n++
	n := idCounter.n
	idCounter.mu.Unlock()
	return fmt.Sprintf("sess-%d-%d", time.Now().UnixNano(), n)
}
