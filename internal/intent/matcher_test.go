package intent

import (
	"math"
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"What's the weather?", []string{"what's", "the", "weather"}},
		{"set a timer for 5 minutes", []string{"set", "a", "timer", "for", "5", "minutes"}},
		{"  ", nil},
		{"Hello, World!", []string{"hello", "world"}},
	}

	for _, tt := range tests {
		got := Tokenize(tt.in)
		if len(got) == 0 {
			got = nil
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestKeywordMatcher_Match(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, KeywordIntent{
		Skill:    "weather",
		Name:     "current",
		Required: []string{"weather"},
		Optional: []string{"today", "tomorrow"},
		Handler:  nopHandler,
	})
	m := NewKeywordMatcher(r, 1.0)

	t.Run("required present", func(t *testing.T) {
		got := m.Match("what is the weather today")
		if len(got) != 1 {
			t.Fatalf("Match() returned %d candidates, want 1", len(got))
		}
		c := got[0]
		if c.Skill != "weather" || c.Name != "current" {
			t.Errorf("candidate = %s/%s, want weather/current", c.Skill, c.Name)
		}
		if math.Abs(c.Score-1.1) > 1e-9 {
			t.Errorf("Score = %v, want 1.1 (base 1.0 + one optional)", c.Score)
		}
		if c.Entities["weather"] != "weather" || c.Entities["today"] != "today" {
			t.Errorf("Entities = %v", c.Entities)
		}
	})

	t.Run("required missing", func(t *testing.T) {
		if got := m.Match("what time is it"); len(got) != 0 {
			t.Errorf("Match() = %v, want none", got)
		}
	})

	t.Run("disabled intent skipped", func(t *testing.T) {
		if err := r.SetEnabled("weather", "current", false); err != nil {
			t.Fatal(err)
		}
		defer r.SetEnabled("weather", "current", true)
		if got := m.Match("what is the weather"); len(got) != 0 {
			t.Errorf("Match() matched disabled intent: %v", got)
		}
	})
}

func TestKeywordMatcher_MultiWordEntity(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, KeywordIntent{
		Skill:    "weather",
		Name:     "city",
		Required: []string{"weather", "new york"},
		Handler:  nopHandler,
	})
	m := NewKeywordMatcher(r, 1.0)

	got := m.Match("weather in New York please")
	if len(got) != 1 {
		t.Fatalf("Match() returned %d candidates, want 1", len(got))
	}
	if got[0].Entities["new york"] != "new york" {
		t.Errorf("Entities = %v, want new york matched", got[0].Entities)
	}

	// Same words out of order must not match a multi-word entity.
	if got := m.Match("york weather new"); len(got) != 0 {
		t.Errorf("out-of-order tokens matched: %v", got)
	}
}

func TestKeywordMatcher_OptionalBonusCapped(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, KeywordIntent{
		Skill:    "music",
		Name:     "play",
		Required: []string{"play"},
		Optional: []string{"loud", "soft", "again", "now", "shuffle"},
		Handler:  nopHandler,
	})
	m := NewKeywordMatcher(r, 1.0)

	got := m.Match("play it loud soft again now shuffle")
	if len(got) != 1 {
		t.Fatalf("Match() returned %d candidates, want 1", len(got))
	}
	if math.Abs(got[0].Score-1.3) > 1e-9 {
		t.Errorf("Score = %v, want 1.3 (bonus capped)", got[0].Score)
	}
}

func TestKeywordMatcher_Threshold(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, KeywordIntent{
		Skill:    "weather",
		Name:     "full",
		Required: []string{"weather", "forecast"},
		Handler:  nopHandler,
	})

	// Half the required entities present: passes 0.5, fails 1.0.
	if got := NewKeywordMatcher(r, 0.5).Match("weather please"); len(got) != 1 {
		t.Errorf("threshold 0.5: got %d candidates, want 1", len(got))
	}
	if got := NewKeywordMatcher(r, 1.0).Match("weather please"); len(got) != 0 {
		t.Errorf("threshold 1.0: got %d candidates, want 0", len(got))
	}
}

func TestPhraseMatcher_Match(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterPhrase(PhraseIntent{
		Skill:    "joke",
		Name:     "tell",
		Examples: []string{"tell me a joke", "make me laugh"},
		Handler:  nopHandler,
	}); err != nil {
		t.Fatal(err)
	}
	m := NewPhraseMatcher(r, 0.6)

	t.Run("exact example", func(t *testing.T) {
		got := m.Match("tell me a joke")
		if len(got) != 1 {
			t.Fatalf("Match() returned %d candidates, want 1", len(got))
		}
		if got[0].Score != 1.0 {
			t.Errorf("Score = %v, want 1.0", got[0].Score)
		}
	})

	t.Run("near miss passes", func(t *testing.T) {
		// 3 of 4 example tokens, denominator 4: 0.75 >= 0.6.
		got := m.Match("tell me joke")
		if len(got) != 1 {
			t.Fatalf("Match() returned %d candidates, want 1", len(got))
		}
	})

	t.Run("unrelated fails", func(t *testing.T) {
		if got := m.Match("what is the capital of france"); len(got) != 0 {
			t.Errorf("Match() = %v, want none", got)
		}
	})

	t.Run("filler words cannot inflate", func(t *testing.T) {
		// All 4 example tokens present but buried in 8 distinct tokens:
		// 4/8 = 0.5 < 0.6.
		if got := m.Match("could you please just tell me a joke"); len(got) != 0 {
			t.Errorf("padded utterance matched: %v", got)
		}
	})
}
