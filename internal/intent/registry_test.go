package intent

import (
	"context"
	"errors"
	"testing"
)

func nopHandler(ctx context.Context, data map[string]any) error { return nil }

func TestRegistry_RegisterKeyword(t *testing.T) {
	r := NewRegistry()

	err := r.RegisterKeyword(KeywordIntent{
		Skill:    "weather",
		Name:     "current",
		Required: []string{"weather"},
		Handler:  nopHandler,
	})
	if err != nil {
		t.Fatalf("RegisterKeyword() error = %v", err)
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}

}

func TestRegistry_ReregisterReplaces(t *testing.T) {
	r := NewRegistry()

	mustRegister(t, r, KeywordIntent{Skill: "weather", Name: "current", Required: []string{"weather"}, Handler: nopHandler})
	mustRegister(t, r, KeywordIntent{Skill: "timer", Name: "set", Required: []string{"timer"}, Handler: nopHandler})

	// Same (skill, name) key replaces the prior entry in place.
	mustRegister(t, r, KeywordIntent{Skill: "weather", Name: "current", Required: []string{"weather", "city"}, Handler: nopHandler})

	if got := r.Count(); got != 2 {
		t.Errorf("Count() after re-registration = %d, want 2", got)
	}

	kws := r.Keywords()
	if len(kws) != 2 {
		t.Fatalf("Keywords() returned %d intents, want 2", len(kws))
	}
	// The replacement keeps its original registration-order slot.
	if kws[0].Skill != "weather" || len(kws[0].Required) != 2 {
		t.Errorf("Keywords()[0] = %s/%s required=%v, want replaced weather/current", kws[0].Skill, kws[0].Name, kws[0].Required)
	}

	if err := r.RegisterPhrase(PhraseIntent{Skill: "weather", Name: "chat", Examples: []string{"a"}, Handler: nopHandler}); err != nil {
		t.Fatalf("RegisterPhrase() error = %v", err)
	}
	if err := r.RegisterPhrase(PhraseIntent{Skill: "weather", Name: "chat", Examples: []string{"a", "b"}, Handler: nopHandler}); err != nil {
		t.Fatalf("re-RegisterPhrase() error = %v", err)
	}
	if phr := r.Phrases(); len(phr) != 1 || len(phr[0].Examples) != 2 {
		t.Errorf("Phrases() after re-registration = %+v, want one entry with 2 examples", phr)
	}

	fb := func(context.Context, string) (bool, error) { return false, nil }
	if err := r.RegisterFallback(Fallback{Skill: "weather", Name: "fb", Priority: 10, Handler: fb}); err != nil {
		t.Fatalf("RegisterFallback() error = %v", err)
	}
	if err := r.RegisterFallback(Fallback{Skill: "weather", Name: "fb", Priority: 90, Handler: fb}); err != nil {
		t.Fatalf("re-RegisterFallback() error = %v", err)
	}
	if fbs := r.Fallbacks(); len(fbs) != 1 || fbs[0].Priority != 90 {
		t.Errorf("Fallbacks() after re-registration = %+v, want one entry with priority 90", fbs)
	}
}

func TestRegistry_RegisterKeywordValidation(t *testing.T) {
	tests := []struct {
		name    string
		in      KeywordIntent
		wantErr error
	}{
		{
			name:    "nil handler",
			in:      KeywordIntent{Skill: "a", Name: "b", Required: []string{"x"}},
			wantErr: ErrNilIntentHandler,
		},
		{
			name:    "missing name",
			in:      KeywordIntent{Skill: "a", Required: []string{"x"}, Handler: nopHandler},
			wantErr: ErrInvalidIntentName,
		},
		{
			name:    "no required entities",
			in:      KeywordIntent{Skill: "a", Name: "b", Handler: nopHandler},
			wantErr: ErrInvalidIntentName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewRegistry().RegisterKeyword(tt.in); !errors.Is(err, tt.wantErr) {
				t.Errorf("RegisterKeyword() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_RemoveSkill(t *testing.T) {
	r := NewRegistry()

	mustRegister(t, r, KeywordIntent{Skill: "weather", Name: "current", Required: []string{"weather"}, Handler: nopHandler})
	mustRegister(t, r, KeywordIntent{Skill: "weather", Name: "forecast", Required: []string{"forecast"}, Handler: nopHandler})
	mustRegister(t, r, KeywordIntent{Skill: "timer", Name: "set", Required: []string{"timer"}, Handler: nopHandler})
	if err := r.RegisterPhrase(PhraseIntent{Skill: "weather", Name: "chat", Examples: []string{"how is it outside"}, Handler: nopHandler}); err != nil {
		t.Fatalf("RegisterPhrase() error = %v", err)
	}
	if err := r.RegisterFallback(Fallback{Skill: "weather", Name: "fb", Handler: func(context.Context, string) (bool, error) { return false, nil }}); err != nil {
		t.Fatalf("RegisterFallback() error = %v", err)
	}
	r.RegisterConverse("weather", func(context.Context, string, string) (bool, error) { return false, nil })

	removed := r.RemoveSkill("weather")
	if removed != 5 {
		t.Errorf("RemoveSkill() = %d, want 5", removed)
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count() after removal = %d, want 1", got)
	}
	if _, ok := r.Converse("weather"); ok {
		t.Error("Converse() still present after RemoveSkill")
	}
	if len(r.Keywords()) != 1 || r.Keywords()[0].Skill != "timer" {
		t.Errorf("Keywords() after removal = %+v, want only timer/set", r.Keywords())
	}
}

func TestRegistry_SetEnabled(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, KeywordIntent{Skill: "weather", Name: "current", Required: []string{"weather"}, Handler: nopHandler})

	if err := r.SetEnabled("weather", "current", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	if len(r.Keywords()) != 0 {
		t.Error("disabled intent still returned by Keywords()")
	}

	if err := r.SetEnabled("weather", "current", true); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	if len(r.Keywords()) != 1 {
		t.Error("re-enabled intent not returned by Keywords()")
	}

	if err := r.SetEnabled("weather", "missing", false); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("SetEnabled() unknown intent error = %v, want ErrIntentNotFound", err)
	}
}

func TestRegistry_FallbackOrder(t *testing.T) {
	r := NewRegistry()

	for _, fb := range []Fallback{
		{Skill: "c", Name: "fb", Priority: 90, Handler: func(context.Context, string) (bool, error) { return false, nil }},
		{Skill: "a", Name: "fb", Priority: 10, Handler: func(context.Context, string) (bool, error) { return false, nil }},
		{Skill: "b", Name: "fb", Priority: 50, Handler: func(context.Context, string) (bool, error) { return false, nil }},
	} {
		if err := r.RegisterFallback(fb); err != nil {
			t.Fatalf("RegisterFallback(%s) error = %v", fb.Skill, err)
		}
	}

	got := r.Fallbacks()
	want := []string{"a", "b", "c"}
	for i, fb := range got {
		if fb.Skill != want[i] {
			t.Errorf("Fallbacks()[%d].Skill = %q, want %q", i, fb.Skill, want[i])
		}
	}
}

func mustRegister(t *testing.T, r *Registry, in KeywordIntent) {
	t.Helper()
	if err := r.RegisterKeyword(in); err != nil {
		t.Fatalf("RegisterKeyword(%s/%s) error = %v", in.Skill, in.Name, err)
	}
}
