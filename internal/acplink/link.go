package acplink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
)

// State is the Agent Link's lifecycle state machine: idle -> connecting ->
// ready -> (busy <-> ready) -> stopped.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateBusy       State = "busy"
	StateStopped    State = "stopped"
)

// Capability mirrors the backend-advertised flags the supervisor consults
// before attempting list/load operations.
type Capability struct {
	List bool
	Load bool
}

// ErrCapabilityNotSupported is returned when the caller asks for an
// operation the connected backend never advertised.
type ErrCapabilityNotSupported struct {
	Capability string
}

func (e *ErrCapabilityNotSupported) Error() string {
	return fmt.Sprintf("capability not supported: %s", e.Capability)
}

// NotificationHandler receives every SessionUpdate the agent emits.
type NotificationHandler func(ctx context.Context, notif acpsdk.SessionNotification) error

// PermissionHandler receives a request-permission call and returns the
// chosen outcome.
type PermissionHandler func(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error)

// Config configures one Link's handshake.
type Config struct {
	Command string
	Args    []string
	Env     []string
	WorkDir string

	InitTimeout time.Duration

	OnNotification NotificationHandler
	OnPermission   PermissionHandler
}

// Link is one connection to a local agent subprocess.
type Link struct {
	cfg Config

	mu         sync.Mutex
	state      State
	lastErr    error
	process    *Process
	conn       *acpsdk.ClientSideConnection
	sessionID    acpsdk.SessionId
	capability   Capability
	promptCancel context.CancelFunc
	notifHandler NotificationHandler

	exited chan struct{}
}

// New constructs an unconnected Link in the idle state.
func New(cfg Config) *Link {
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = 30 * time.Second
	}
	return &Link{cfg: cfg, state: StateIdle, notifHandler: cfg.OnNotification}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Capability() Capability {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capability
}

func (l *Link) SessionID() acpsdk.SessionId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// clientAdapter implements acpsdk.Client, forwarding every callback to the
// Link's configured handlers. File and terminal operations are not
// supported by this host's client capabilities; the agent host consumes
// the wire protocol but does not grant filesystem/terminal delegation
// back to the agent over ACP (it reads the workspace itself).
type clientAdapter struct {
	link *Link
}

func (c *clientAdapter) SessionUpdate(ctx context.Context, params acpsdk.SessionNotification) error {
	c.link.mu.Lock()
	handler := c.link.notifHandler
	c.link.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(ctx, params)
}

// RebindNotificationHandler swaps the handler that receives SessionUpdate
// callbacks, used when a load's pre-subscribe buffer hands off to live
// delivery.
func (l *Link) RebindNotificationHandler(handler NotificationHandler) {
	l.mu.Lock()
	l.notifHandler = handler
	l.mu.Unlock()
}

func (c *clientAdapter) RequestPermission(ctx context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if c.link.cfg.OnPermission == nil {
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}
	return c.link.cfg.OnPermission(ctx, params)
}

func (c *clientAdapter) ReadTextFile(context.Context, acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, fmt.Errorf("read_text_file not supported by this client")
}

func (c *clientAdapter) WriteTextFile(context.Context, acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, fmt.Errorf("write_text_file not supported by this client")
}

func (c *clientAdapter) CreateTerminal(context.Context, acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("create_terminal not supported by this client")
}

func (c *clientAdapter) KillTerminalCommand(context.Context, acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("kill_terminal_command not supported by this client")
}

func (c *clientAdapter) TerminalOutput(context.Context, acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("terminal_output not supported by this client")
}

func (c *clientAdapter) ReleaseTerminal(context.Context, acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("release_terminal not supported by this client")
}

func (c *clientAdapter) WaitForTerminalExit(context.Context, acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("wait_for_terminal_exit not supported by this client")
}

// Connect spawns the subprocess and performs the ACP handshake,
// transitioning idle -> connecting -> ready (or -> stopped(error) on
// failure).
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return fmt.Errorf("link is not idle (state=%s)", l.state)
	}
	l.state = StateConnecting
	l.mu.Unlock()

	process, err := StartProcess(ProcessConfig{
		Command: l.cfg.Command,
		Args:    l.cfg.Args,
		Env:     l.cfg.Env,
		WorkDir: l.cfg.WorkDir,
	})
	if err != nil {
		l.fail(err)
		return err
	}

	conn := acpsdk.NewClientSideConnection(&clientAdapter{link: l}, process.Stdin(), process.Stdout())

	l.mu.Lock()
	l.process = process
	l.conn = conn
	l.exited = make(chan struct{})
	l.mu.Unlock()

	go l.monitorExit(process)

	initCtx, cancel := context.WithTimeout(ctx, l.cfg.InitTimeout)
	defer cancel()

	initResp, err := conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{},
		},
	})
	if err != nil {
		l.fail(fmt.Errorf("initialize: %w", err))
		return err
	}

	l.mu.Lock()
	l.capability = Capability{
		List: initResp.AgentCapabilities.LoadSession,
		Load: initResp.AgentCapabilities.LoadSession,
	}
	l.state = StateReady
	l.mu.Unlock()

	return nil
}

func (l *Link) monitorExit(process *Process) {
	err := process.Wait()
	l.mu.Lock()
	l.state = StateStopped
	l.lastErr = err
	if l.exited != nil {
		close(l.exited)
	}
	l.mu.Unlock()
	if err != nil {
		slog.Warn("agent link process exited with error", "error", err)
	}
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	l.state = StateStopped
	l.lastErr = err
	l.mu.Unlock()
}

// LastError returns the error that caused a stopped(error) transition, if
// any.
func (l *Link) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// NewSession creates a fresh agent-side session bound to cwd.
func (l *Link) NewSession(ctx context.Context, cwd string) (acpsdk.SessionId, error) {
	conn, err := l.readyConn()
	if err != nil {
		return "", err
	}
	resp, err := conn.NewSession(ctx, acpsdk.NewSessionRequest{Cwd: cwd, McpServers: []acpsdk.McpServer{}})
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.sessionID = resp.SessionId
	l.mu.Unlock()
	return resp.SessionId, nil
}

// LoadSession attempts to resume a historical agent-side session. Callers
// must check Capability().Load first; LoadSession itself still enforces it
// to avoid relying on stale caches.
func (l *Link) LoadSession(ctx context.Context, sessionID acpsdk.SessionId, cwd string) error {
	conn, err := l.readyConn()
	if err != nil {
		return err
	}
	l.mu.Lock()
	supportsLoad := l.capability.Load
	l.mu.Unlock()
	if !supportsLoad {
		return &ErrCapabilityNotSupported{Capability: "load"}
	}
	_, err = conn.LoadSession(ctx, acpsdk.LoadSessionRequest{SessionId: sessionID, Cwd: cwd, McpServers: []acpsdk.McpServer{}})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.sessionID = sessionID
	l.mu.Unlock()
	return nil
}

// Prompt sends content blocks as a user turn and returns the stop reason.
// The prompt's context is cancellable independently via Cancel, matching
// the upstream pattern of cancelling the in-flight Prompt call's own
// context rather than issuing a separate wire-level cancel RPC.
func (l *Link) Prompt(ctx context.Context, blocks []acpsdk.ContentBlock) (acpsdk.PromptResponse, error) {
	conn, err := l.readyConn()
	if err != nil {
		return acpsdk.PromptResponse{}, err
	}
	l.mu.Lock()
	sid := l.sessionID
	l.state = StateBusy
	promptCtx, cancel := context.WithCancel(ctx)
	l.promptCancel = cancel
	l.mu.Unlock()
	defer cancel()

	resp, err := conn.Prompt(promptCtx, acpsdk.PromptRequest{SessionId: sid, Prompt: blocks})

	l.mu.Lock()
	l.promptCancel = nil
	if l.state == StateBusy {
		l.state = StateReady
	}
	l.mu.Unlock()
	return resp, err
}

// Cancel cancels the in-flight Prompt call, if any; a no-op otherwise.
func (l *Link) Cancel() {
	l.mu.Lock()
	cancel := l.promptCancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetMode validates modeID against the capability surface before calling
// through; callers pass the currently-advertised set so the check happens
// against live state, not a cache (resolves the spec's documented open
// question in favor of re-validation).
func (l *Link) SetMode(ctx context.Context, modeID string, advertised []string) error {
	if !contains(advertised, modeID) {
		return fmt.Errorf("mode %q is not currently offered", modeID)
	}
	conn, err := l.readyConn()
	if err != nil {
		return err
	}
	l.mu.Lock()
	sid := l.sessionID
	l.mu.Unlock()
	_, err = conn.SetSessionMode(ctx, acpsdk.SetSessionModeRequest{SessionId: sid, ModeId: acpsdk.SessionModeId(modeID)})
	return err
}

// SetModel validates modelID against the capability surface before
// calling through, for the same reason as SetMode.
func (l *Link) SetModel(ctx context.Context, modelID string, advertised []string) error {
	if !contains(advertised, modelID) {
		return fmt.Errorf("model %q is not currently offered", modelID)
	}
	conn, err := l.readyConn()
	if err != nil {
		return err
	}
	l.mu.Lock()
	sid := l.sessionID
	l.mu.Unlock()
	_, err = conn.SetSessionModel(ctx, acpsdk.SetSessionModelRequest{SessionId: sid, ModelId: acpsdk.ModelId(modelID)})
	return err
}

func (l *Link) readyConn() (*acpsdk.ClientSideConnection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateReady && l.state != StateBusy {
		return nil, fmt.Errorf("link not ready (state=%s)", l.state)
	}
	return l.conn, nil
}

// Stop terminates the subprocess and transitions to stopped.
func (l *Link) Stop() error {
	l.mu.Lock()
	process := l.process
	l.mu.Unlock()
	if process == nil {
		l.mu.Lock()
		l.state = StateStopped
		l.mu.Unlock()
		return nil
	}
	err := process.Stop()
	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()
	return err
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
