package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/sessionhub/sessionhub/internal/acplink"
	"github.com/sessionhub/sessionhub/internal/errs"
)

// LoadSession resumes a historical session. If it is already loaded, it
// emits a forced attach and returns. Otherwise it acquires a link,
// pre-subscribes to notifications into an order-preserving buffer before
// the load RPC returns, writes the buffered notifications to the log
// (under a bumped revision when the log already holds events for the
// current revision, so the client doesn't see duplicated content),
// then switches the link over to live delivery (spec §4.3 "Load session").
func (s *Supervisor) LoadSession(ctx context.Context, userID, backendID, cwd, title, priorSessionID string) (SessionSummary, error) {
	if existing, err := s.getSession(priorSessionID); err == nil {
		existing.mu.Lock()
		summary := s.summaryLocked(existing)
		existing.mu.Unlock()
		s.onAttachDetach(AttachedDetached{SessionID: priorSessionID, HostID: s.hostID, Attached: true, At: time.Now().UTC(), Reason: "already_loaded"})
		return summary, nil
	}

	row, found, err := s.log.GetSession(priorSessionID)
	if err != nil {
		return SessionSummary{}, errs.Internal(err.Error())
	}
	if !found {
		return SessionSummary{}, errs.SessionMissing(priorSessionID)
	}
	if row.UserID != userID {
		return SessionSummary{}, errs.Authorization("session is owned by a different user")
	}

	var buf bufferedNotifications
	sess := &session{
		id:                 priorSessionID,
		hostID:             s.hostID,
		userID:             row.UserID,
		backendID:          row.BackendID,
		cwd:                row.Cwd,
		title:              row.Title,
		createdAt:          row.CreatedAt,
		pendingPermissions: make(map[string]*pendingPermission),
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	link, err := s.acquireLink(ctx, row.BackendID,
		func(ctx context.Context, notif acpsdk.SessionNotification) error {
			buf.append(notif)
			return nil
		},
		func(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
			return s.handlePermissionRequest(priorSessionID, req)
		},
	)
	if err != nil {
		return SessionSummary{}, err
	}

	if !link.Capability().Load {
		link.Stop()
		return SessionSummary{}, errs.CapabilityMissing("load")
	}

	if err := link.LoadSession(ctx, acpsdk.SessionId(priorSessionID), row.Cwd); err != nil {
		link.Stop()
		return SessionSummary{}, errs.Internal(fmt.Sprintf("load agent session: %v", err))
	}
	sess.link = link

	// Bump revision only if history already exists, to avoid duplicating
	// content in the client's view on the very first load.
	revision := row.Revision
	if existingEvents, _, _ := s.log.QueryEvents(priorSessionID, row.Revision, 0, 1); len(existingEvents) > 0 {
		revision, err = s.log.IncrementRevision(priorSessionID)
		if err != nil {
			link.Stop()
			return SessionSummary{}, errs.Internal(fmt.Sprintf("increment revision: %v", err))
		}
	}
	sess.revision = revision

	// Drain the pre-subscribe buffer into the log under the new revision,
	// preserving arrival order, then switch the link to live delivery.
	for _, notif := range buf.drain() {
		s.writeNotificationAt(priorSessionID, revision, notif)
	}

	link.RebindNotificationHandler(func(ctx context.Context, notif acpsdk.SessionNotification) error {
		s.handleNotification(priorSessionID, notif)
		return nil
	})

	sess.isAttached = true
	s.mu.Lock()
	s.sessions[priorSessionID] = sess
	s.mu.Unlock()

	summary := s.summaryLocked(sess)
	s.onAttachDetach(AttachedDetached{SessionID: priorSessionID, HostID: s.hostID, Attached: true, At: time.Now().UTC()})
	return summary, nil
}

func (s *Supervisor) writeNotificationAt(sessionID string, revision int64, notif acpsdk.SessionNotification) {
	kind, payload := acplink.MapNotification(notif)
	event, err := s.log.AppendEvent(sessionID, s.hostID, revision, kind, payload)
	if err != nil {
		s.logger.Error("append buffered notification failed", "session", sessionID, "error", err)
		return
	}
	s.onSessionEvent(event)
}

// ReloadSession is a load against an already-loaded session: bump
// revision, re-issue the load RPC, and emit updated.
func (s *Supervisor) ReloadSession(ctx context.Context, sessionID string) (SessionSummary, error) {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.link == nil {
		return SessionSummary{}, errs.Internal("session has no active agent link")
	}
	if !sess.link.Capability().Load {
		return SessionSummary{}, errs.CapabilityMissing("load")
	}

	revision, err := s.log.IncrementRevision(sessionID)
	if err != nil {
		return SessionSummary{}, errs.Internal(err.Error())
	}
	sess.revision = revision

	if err := sess.link.LoadSession(ctx, acpsdk.SessionId(sessionID), sess.cwd); err != nil {
		return SessionSummary{}, errs.Internal(fmt.Sprintf("reload agent session: %v", err))
	}

	summary := s.summaryLocked(sess)
	s.onSessionsChange(SessionsChangedDelta{Updated: []SessionSummary{summary}})
	return summary, nil
}

// bufferedNotifications is an order-preserving buffer for notifications
// that arrive between link acquisition and the load RPC returning.
type bufferedNotifications struct {
	mu   sync.Mutex
	list []acpsdk.SessionNotification
}

func (b *bufferedNotifications) append(n acpsdk.SessionNotification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.list = append(b.list, n)
}

func (b *bufferedNotifications) drain() []acpsdk.SessionNotification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.list
	b.list = nil
	return out
}
