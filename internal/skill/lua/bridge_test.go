package lua

import (
	"reflect"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestBridge_ToGoValue(t *testing.T) {
	s := newTestState(t)
	b := NewBridge(s.L)

	tests := []struct {
		name string
		code string
		want any
	}{
		{"string", `return "hello"`, "hello"},
		{"integer", `return 42`, int64(42)},
		{"float", `return 1.5`, 1.5},
		{"bool", `return true`, true},
		{"nil", `return nil`, nil},
		{"array", `return {"a", "b", "c"}`, []any{"a", "b", "c"}},
		{"map", `return {name = "weather", priority = 10}`,
			map[string]any{"name": "weather", "priority": int64(10)}},
		{"nested", `return {required = {"weather", "city"}}`,
			map[string]any{"required": []any{"weather", "city"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.DoString("function f() " + tt.code + " end"); err != nil {
				t.Fatal(err)
			}
			out, err := s.Call("f")
			if err != nil {
				t.Fatalf("Call failed: %v", err)
			}
			var got any
			if len(out) > 0 {
				got = b.ToGoValue(out[0])
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestBridge_RoundTrip(t *testing.T) {
	s := newTestState(t)
	b := NewBridge(s.L)

	payload := map[string]any{
		"utterance": "what is the weather in berlin",
		"entities":  map[string]any{"city": "berlin"},
		"scores":    []any{0.9, 0.4},
		"final":     true,
	}

	back, ok := b.ToGoValue(b.ToLuaValue(payload)).(map[string]any)
	if !ok {
		t.Fatal("round trip did not produce a map")
	}
	if back["utterance"] != payload["utterance"] {
		t.Errorf("utterance = %v", back["utterance"])
	}
	if back["final"] != true {
		t.Errorf("final = %v", back["final"])
	}
	entities, ok := back["entities"].(map[string]any)
	if !ok || entities["city"] != "berlin" {
		t.Errorf("entities = %#v", back["entities"])
	}
	scores, ok := back["scores"].([]any)
	if !ok || len(scores) != 2 || scores[0] != 0.9 {
		t.Errorf("scores = %#v", back["scores"])
	}
}

func TestBridge_CircularTableBreaks(t *testing.T) {
	s := newTestState(t)
	b := NewBridge(s.L)

	if err := s.DoString(`
		loop = {}
		loop.self = loop
		function f() return loop end
	`); err != nil {
		t.Fatal(err)
	}

	out, err := s.Call("f")
	if err != nil {
		t.Fatal(err)
	}
	got, ok := b.ToGoValue(out[0]).(map[string]any)
	if !ok {
		t.Fatal("circular table did not convert to a map")
	}
	if got["self"] != nil {
		t.Errorf("circular reference not broken: %#v", got["self"])
	}
}

func TestBridge_TableAccessors(t *testing.T) {
	s := newTestState(t)
	b := NewBridge(s.L)

	if err := s.DoString(`
		spec = {
			name = "handle_weather",
			priority = 5,
			required = {"weather"},
			optional = {"city", "date"},
		}
	`); err != nil {
		t.Fatal(err)
	}

	tbl, ok := s.L.GetGlobal("spec").(*lua.LTable)
	if !ok {
		t.Fatal("spec is not a table")
	}

	if name, ok := b.TableString(tbl, "name"); !ok || name != "handle_weather" {
		t.Errorf("TableString(name) = %q, %v", name, ok)
	}
	if prio, ok := b.TableInt(tbl, "priority"); !ok || prio != 5 {
		t.Errorf("TableInt(priority) = %d, %v", prio, ok)
	}
	if got := b.TableStrings(tbl, "optional"); !reflect.DeepEqual(got, []string{"city", "date"}) {
		t.Errorf("TableStrings(optional) = %v", got)
	}
	if got := b.TableStrings(tbl, "absent"); got != nil {
		t.Errorf("TableStrings(absent) = %v, want nil", got)
	}
	if _, ok := b.TableString(tbl, "absent"); ok {
		t.Error("TableString(absent) reported ok")
	}
}
