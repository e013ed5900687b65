package acplink

import (
	"encoding/json"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/sessionhub/sessionhub/internal/eventlog"
)

// MapNotification turns one ACP SessionNotification into the event kind
// and payload the supervisor writes to the log — a single lookup table,
// per spec §4.3 "Event mapping". Notification shapes this table doesn't
// recognize are still persisted, tagged unknown_update, so no data is
// lost across protocol upgrades.
func MapNotification(notif acpsdk.SessionNotification) (eventlog.Kind, json.RawMessage) {
	u := notif.Update

	switch {
	case u.UserMessageChunk != nil:
		return marshalOrUnknown(eventlog.KindUserMessage, u.UserMessageChunk, notif)
	case u.AgentMessageChunk != nil:
		return marshalOrUnknown(eventlog.KindAgentMessageChunk, u.AgentMessageChunk, notif)
	case u.AgentThoughtChunk != nil:
		return marshalOrUnknown(eventlog.KindAgentThoughtChunk, u.AgentThoughtChunk, notif)
	case u.ToolCall != nil:
		return marshalOrUnknown(eventlog.KindToolCall, u.ToolCall, notif)
	case u.ToolCallUpdate != nil:
		return marshalOrUnknown(eventlog.KindToolCallUpdate, u.ToolCallUpdate, notif)
	case u.Plan != nil:
		return marshalOrUnknown(eventlog.KindPlan, u.Plan, notif)
	case u.CurrentModeUpdate != nil:
		return marshalOrUnknown(eventlog.KindModeModelUpdate, u.CurrentModeUpdate, notif)
	case u.AvailableCommandsUpdate != nil:
		// Commands aren't a distinct Kind in the closed set; spec §4.3 says
		// session info update "collapses several sub-kinds".
		return marshalOrUnknown(eventlog.KindSessionInfoUpdate, u.AvailableCommandsUpdate, notif)
	default:
		// Usage and any other notification shape this table doesn't
		// name fall into the forward-compatibility bucket so
		// no data is lost across protocol upgrades (spec §4.3).
		return marshalOrUnknown(eventlog.KindUnknownUpdate, notif, notif)
	}
}

func marshalOrUnknown(kind eventlog.Kind, payload any, fallback acpsdk.SessionNotification) (eventlog.Kind, json.RawMessage) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(fallback)
		return eventlog.KindUnknownUpdate, raw
	}
	return kind, raw
}
