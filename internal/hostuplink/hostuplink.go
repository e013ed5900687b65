// Package hostuplink is the agent host's single outbound websocket
// connection to the gateway (spec §4.4, "Host Uplink"): it registers the
// host, answers inbound RPCs against the Supervisor, forwards outbound
// session events, and reconnects with backoff while replaying whatever
// the gateway hasn't yet acknowledged.
package hostuplink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/sessionhub/sessionhub/internal/backendreg"
	"github.com/sessionhub/sessionhub/internal/errs"
	"github.com/sessionhub/sessionhub/internal/eventlog"
	"github.com/sessionhub/sessionhub/internal/hostfs"
	"github.com/sessionhub/sessionhub/internal/hostgit"
	"github.com/sessionhub/sessionhub/internal/supervisor"
	"github.com/sessionhub/sessionhub/internal/wsconn"
)

// Config wires an Uplink's collaborators.
type Config struct {
	GatewayURL        string
	HostID            string
	HostAPIKey        string
	ClientName        string
	ClientVersion     string
	HeartbeatInterval time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	BrowsableRoots    []string

	Supervisor *supervisor.Supervisor
	Backends   *backendreg.Registry
	Log        *eventlog.Log
	Logger     *slog.Logger
}

// Uplink owns the host's one connection to the gateway and runs until its
// context is cancelled, reconnecting on every disconnect.
type Uplink struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn wsconn.Conn
}

// New constructs an Uplink. Call Run to start it.
func New(cfg Config) *Uplink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Uplink{cfg: cfg, logger: logger}
}

// Run dials, registers, and serves the uplink until ctx is cancelled,
// reconnecting with exponential backoff after every disconnect.
func (u *Uplink) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.cfg.ReconnectMinDelay
	if bo.InitialInterval == 0 {
		bo.InitialInterval = time.Second
	}
	bo.MaxInterval = u.cfg.ReconnectMaxDelay
	if bo.MaxInterval == 0 {
		bo.MaxInterval = 60 * time.Second
	}
	bo.MaxElapsedTime = 0 // never give up; the agent host runs forever

	for {
		if ctx.Err() != nil {
			return
		}
		if err := u.connectAndServe(ctx); err != nil {
			delay := bo.NextBackOff()
			u.logger.Warn("uplink disconnected, reconnecting", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()
	}
}

func (u *Uplink) connectAndServe(ctx context.Context) error {
	dialURL, err := url.Parse(u.cfg.GatewayURL)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+u.cfg.HostAPIKey)

	rawConn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL.String(), header)
	if err != nil {
		return err
	}

	conn := wsconn.NewGorilla(u.cfg.HostID, rawConn)
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.conn = nil
		u.mu.Unlock()
	}()

	u.registerHandlers(ctx, conn)

	defaultBackendID := ""
	if def, ok := u.cfg.Backends.Default(); ok {
		defaultBackendID = def.ID
	}
	if err := conn.Emit("host:register", registerFrame{
		HostID:           u.cfg.HostID,
		Hostname:         u.cfg.ClientName,
		ClientVersion:    u.cfg.ClientVersion,
		BackendIDs:       backendIDs(u.cfg.Backends.List()),
		DefaultBackendID: defaultBackendID,
		Sessions:         u.cfg.Supervisor.Snapshot(),
	}); err != nil {
		conn.Disconnect()
		return err
	}

	// Replay, per locally known session, every event the gateway has not
	// yet acknowledged at the current revision, in order.
	rows, err := u.cfg.Log.ListSessions()
	if err != nil {
		u.logger.Warn("list sessions for replay failed", "error", err)
	}
	for _, row := range rows {
		unacked, err := u.cfg.Log.GetUnacked(row.SessionID, row.Revision)
		if err != nil {
			u.logger.Warn("read unacked events failed", "session", row.SessionID, "error", err)
			continue
		}
		for _, ev := range unacked {
			ev.HostID = row.HostID
			_ = conn.Emit("session:event", ev)
		}
	}

	stopHeartbeat := u.startHeartbeat(ctx, conn)
	defer stopHeartbeat()

	return conn.(*wsconn.Gorilla).ReadLoop()
}

type registerFrame struct {
	HostID           string                      `json:"hostId"`
	Hostname         string                      `json:"hostname"`
	ClientVersion    string                      `json:"clientVersion"`
	BackendIDs       []string                    `json:"backendIds"`
	DefaultBackendID string                      `json:"defaultBackendId"`
	Sessions         []supervisor.SessionSummary `json:"sessions"`
}

// backendIDs extracts the ids of every configured backend, for the
// register frame's backendIds field (the gateway only needs ids, not the
// full command/args/capability shape, which never leaves the host).
func backendIDs(backends []backendreg.Backend) []string {
	ids := make([]string, len(backends))
	for i, b := range backends {
		ids[i] = b.ID
	}
	return ids
}

func (u *Uplink) startHeartbeat(ctx context.Context, conn wsconn.Conn) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(u.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				_ = conn.Emit("sessions:list", u.cfg.Supervisor.Snapshot())
			}
		}
	}()
	return func() { close(stop) }
}

// emit writes to the current connection, if any is live.
func (u *Uplink) emit(eventName string, payload any) {
	u.mu.RLock()
	conn := u.conn
	u.mu.RUnlock()
	if conn == nil {
		return
	}
	if err := conn.Emit(eventName, payload); err != nil {
		u.logger.Warn("uplink emit failed", "event", eventName, "error", err)
	}
}

// EmitSessionEvent forwards one appended event to the gateway (wired as
// the Supervisor's OnSessionEvent callback).
func (u *Uplink) EmitSessionEvent(ev eventlog.Event) {
	u.emit("session:event", ev)
}

// EmitSessionsChanged forwards a sessions:changed delta.
func (u *Uplink) EmitSessionsChanged(d supervisor.SessionsChangedDelta) {
	u.emit("sessions:changed", d)
}

// EmitAttachDetach forwards a session attach/detach notice.
func (u *Uplink) EmitAttachDetach(ad supervisor.AttachedDetached) {
	if ad.Attached {
		u.emit("session:attached", ad)
	} else {
		u.emit("session:detached", ad)
	}
}

// EmitPermissionRequest forwards a pending permission request.
func (u *Uplink) EmitPermissionRequest(sessionID, requestID string, params json.RawMessage) {
	u.emit("permission:request", map[string]any{
		"sessionId": sessionID, "requestId": requestID, "params": params,
	})
}

// EmitPermissionDone forwards a permission resolution.
func (u *Uplink) EmitPermissionDone(sessionID, requestID string, outcome supervisor.PermissionOutcome) {
	u.emit("permission:result", map[string]any{
		"sessionId": sessionID, "requestId": requestID,
		"cancelled": outcome.Cancelled, "optionId": outcome.OptionID,
	})
}

// registerHandlers wires every inbound RPC the gateway may send over this
// connection (spec §6).
func (u *Uplink) registerHandlers(ctx context.Context, conn wsconn.Conn) {
	conn.On("rpc:session:create", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct{ UserID, BackendID, Cwd, Title string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return u.cfg.Supervisor.CreateSession(ctx, req.UserID, req.BackendID, req.Cwd, req.Title)
	}))

	conn.On("rpc:session:load", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct{ UserID, BackendID, Cwd, Title, PriorSessionID string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return u.cfg.Supervisor.LoadSession(ctx, req.UserID, req.BackendID, req.Cwd, req.Title, req.PriorSessionID)
	}))

	conn.On("rpc:session:reload", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct{ SessionID string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return u.cfg.Supervisor.ReloadSession(ctx, req.SessionID)
	}))

	conn.On("rpc:session:cancel", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct{ SessionID string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return nil, u.cfg.Supervisor.CancelSession(req.SessionID)
	}))

	conn.On("rpc:session:close", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct{ SessionID string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return nil, u.cfg.Supervisor.CloseSession(req.SessionID)
	}))

	conn.On("rpc:session:mode", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct{ SessionID, ModeID string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return nil, u.cfg.Supervisor.SetMode(ctx, req.SessionID, req.ModeID)
	}))

	conn.On("rpc:session:model", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct{ SessionID, ModelID string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return nil, u.cfg.Supervisor.SetModel(ctx, req.SessionID, req.ModelID)
	}))

	conn.On("rpc:message:send", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct {
			SessionID string                `json:"sessionId"`
			Blocks    []acpsdk.ContentBlock `json:"blocks"`
		}
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return nil, u.cfg.Supervisor.SendMessage(ctx, req.SessionID, req.Blocks)
	}))

	conn.On("rpc:terminal:write", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct {
			SessionID string `json:"sessionId"`
			Data      string `json:"data"`
		}
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		data, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return nil, errs.Validation("data must be base64: " + err.Error())
		}
		return nil, u.cfg.Supervisor.WriteTerminalInput(req.SessionID, data)
	}))

	conn.On("rpc:terminal:resize", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct {
			SessionID  string `json:"sessionId"`
			Rows, Cols int
		}
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return nil, u.cfg.Supervisor.ResizeTerminal(req.SessionID, req.Rows, req.Cols)
	}))

	conn.On("rpc:permission:decision", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct{ SessionID, RequestID, OptionID string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return nil, u.cfg.Supervisor.ResolvePermission(req.SessionID, req.RequestID, req.OptionID)
	}))

	// events:ack is a fire-and-forget push, not a correlated RPC call (it
	// carries no requestId/params envelope), so it bypasses u.rpc entirely.
	conn.On("events:ack", func(raw json.RawMessage) {
		var req struct {
			SessionID string `json:"sessionId"`
			Revision  int64  `json:"revision"`
			UpToSeq   int64  `json:"upToSeq"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			u.logger.Warn("events:ack decode failed", "error", err)
			return
		}
		if err := u.cfg.Log.Ack(req.SessionID, req.Revision, req.UpToSeq); err != nil {
			u.logger.Warn("ack apply failed", "session", req.SessionID, "error", err)
		}
	})

	conn.On("rpc:fs:entries", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct{ Root, Path string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return hostfs.ListEntries(req.Root, req.Path)
	}))

	conn.On("rpc:fs:file", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct {
			Root, Path string
			MaxBytes   int64
		}
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		if req.MaxBytes == 0 {
			req.MaxBytes = 1 << 20
		}
		content, truncated, err := hostfs.FilePreview(req.Root, req.Path, req.MaxBytes)
		if err != nil {
			return nil, errs.Internal(err.Error())
		}
		return map[string]any{"content": string(content), "truncated": truncated}, nil
	}))

	conn.On("rpc:fs:resources", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct {
			Root     string
			Patterns []string
		}
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		return hostfs.FindResources(req.Root, req.Patterns)
	}))

	conn.On("rpc:hostfs:roots", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		return hostfs.Roots(u.cfg.BrowsableRoots), nil
	}))

	conn.On("rpc:git:status", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct{ Cwd string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		status, err := hostgit.GetStatus(ctx, req.Cwd)
		if err != nil {
			return nil, errs.Internal(err.Error())
		}
		return status, nil
	}))

	conn.On("rpc:git:fileDiff", u.rpc(conn, func(ctx context.Context, p json.RawMessage) (any, error) {
		var req struct {
			Cwd    string
			Path   string
			Staged bool
		}
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, errs.Validation(err.Error())
		}
		diff, err := hostgit.GetFileDiff(ctx, req.Cwd, req.Path, req.Staged)
		if err != nil {
			return nil, errs.Internal(err.Error())
		}
		return map[string]string{"diff": diff}, nil
	}))
}

// rpcResult is the {requestId, result, error} envelope every rpc:response
// carries.
type rpcResult struct {
	RequestID string      `json:"requestId"`
	Result    any         `json:"result,omitempty"`
	Error     *errs.Error `json:"error,omitempty"`
}

// rpc wraps a handler so every inbound frame (which always carries a
// requestId for correlation) gets exactly one rpc:response, whether it
// succeeds or fails.
func (u *Uplink) rpc(conn wsconn.Conn, handler func(ctx context.Context, params json.RawMessage) (any, error)) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		var envelope struct {
			RequestID string          `json:"requestId"`
			Params    json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return
		}
		result, err := handler(context.Background(), envelope.Params)
		resp := rpcResult{RequestID: envelope.RequestID, Result: result}
		if err != nil {
			resp.Error = errs.As(err)
		}
		_ = conn.Emit("rpc:response", resp)
	}
}
