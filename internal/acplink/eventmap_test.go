package acplink

import (
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/sessionhub/sessionhub/internal/eventlog"
)

func TestMapNotificationUserMessage(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			UserMessageChunk: &acpsdk.SessionUpdateUserMessageChunk{
				Content: acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: "hi"}},
			},
		},
	}

	kind, payload := MapNotification(notif)
	if kind != eventlog.KindUserMessage {
		t.Fatalf("expected user_message, got %s", kind)
	}
	if len(payload) == 0 {
		t.Fatal("expected non-empty payload")
	}
}

func TestMapNotificationUnknownFallsBackToUnknownUpdate(t *testing.T) {
	notif := acpsdk.SessionNotification{SessionId: "sess-1"}

	kind, payload := MapNotification(notif)
	if kind != eventlog.KindUnknownUpdate {
		t.Fatalf("expected unknown_update, got %s", kind)
	}
	if len(payload) == 0 {
		t.Fatal("expected non-empty payload even for unknown notifications")
	}
}
