package supervisor

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMergeSessionMeta(t *testing.T) {
	existing := map[string]any{"a": "1", "b": "2"}

	t.Run("absent meta leaves existing untouched", func(t *testing.T) {
		got := mergeSessionMeta(existing, json.RawMessage(`{"other":"field"}`))
		if !reflect.DeepEqual(got, existing) {
			t.Fatalf("got %v, want unchanged %v", got, existing)
		}
	})

	t.Run("null meta clears everything", func(t *testing.T) {
		got := mergeSessionMeta(existing, json.RawMessage(`{"_meta":null}`))
		if got != nil {
			t.Fatalf("got %v, want nil", got)
		}
	})

	t.Run("null key value deletes that key, others upsert", func(t *testing.T) {
		got := mergeSessionMeta(existing, json.RawMessage(`{"_meta":{"a":null,"c":"3"}}`))
		want := map[string]any{"b": "2", "c": "3"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})
}
