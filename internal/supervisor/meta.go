package supervisor

import "encoding/json"

// mergeSessionMeta applies spec §4.3's session info merge rule: a `_meta`
// of `null` clears all metadata; otherwise keys with a `null` value
// delete that key and every other key upserts. A payload that carries no
// `_meta` key at all leaves existing untouched. existing is never
// mutated; the merged map is returned.
func mergeSessionMeta(existing map[string]any, payload json.RawMessage) map[string]any {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return existing
	}
	rawMeta, present := top["_meta"]
	if !present {
		return existing
	}
	if string(rawMeta) == "null" {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawMeta, &fields); err != nil {
		return existing
	}

	merged := make(map[string]any, len(existing))
	for k, v := range existing {
		merged[k] = v
	}
	for k, raw := range fields {
		if string(raw) == "null" {
			delete(merged, k)
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			merged[k] = v
		}
	}
	return merged
}
