package intent

import (
	"strings"
	"unicode"
)

// Candidate is one intent that matched an utterance, with enough
// detail to rank it against the others.
type Candidate struct {
	Skill           string
	Name            string
	Score           float64
	RequiredMatched int
	Priority        int
	Handler         Handler

	// Entities maps matched entity keywords to the utterance text that
	// matched them.
	Entities map[string]string

	order int
}

// optionalBonus is added per matched optional entity, capped so
// optionals can break ties but never outrank a missing required.
const (
	optionalBonus    = 0.1
	optionalBonusCap = 0.3
)

// KeywordMatcher scores utterances against keyword intents: all
// required entities present is a full score of 1.0, matched optionals
// add a small bonus.
type KeywordMatcher struct {
	registry  *Registry
	threshold float64
}

// NewKeywordMatcher creates a matcher over the registry. threshold is
// the minimum base score (matched required / total required).
func NewKeywordMatcher(registry *Registry, threshold float64) *KeywordMatcher {
	return &KeywordMatcher{registry: registry, threshold: threshold}
}

// Match returns the candidates whose base score meets the threshold.
func (m *KeywordMatcher) Match(utterance string) []Candidate {
	tokens := Tokenize(utterance)
	if len(tokens) == 0 {
		return nil
	}

	var out []Candidate
	for _, in := range m.registry.Keywords() {
		entities := make(map[string]string)

		matched := 0
		for _, req := range in.Required {
			if text, ok := matchEntity(tokens, req); ok {
				entities[req] = text
				matched++
			}
		}

		base := float64(matched) / float64(len(in.Required))
		if base < m.threshold {
			continue
		}

		bonus := 0.0
		for _, opt := range in.Optional {
			if text, ok := matchEntity(tokens, opt); ok {
				entities[opt] = text
				bonus += optionalBonus
			}
		}
		if bonus > optionalBonusCap {
			bonus = optionalBonusCap
		}

		out = append(out, Candidate{
			Skill:           in.Skill,
			Name:            in.Name,
			Score:           base + bonus,
			RequiredMatched: matched,
			Priority:        in.Priority,
			Handler:         in.Handler,
			Entities:        entities,
			order:           in.order,
		})
	}
	return out
}

// matchEntity looks for the entity's words as a contiguous run of
// utterance tokens. Multi-word entities ("new york") must appear in
// order.
func matchEntity(tokens []string, entity string) (string, bool) {
	want := Tokenize(entity)
	if len(want) == 0 {
		return "", false
	}

	for i := 0; i+len(want) <= len(tokens); i++ {
		match := true
		for j, w := range want {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return strings.Join(tokens[i:i+len(want)], " "), true
		}
	}
	return "", false
}

// Tokenize lowercases an utterance and splits it into word tokens,
// dropping punctuation.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}
