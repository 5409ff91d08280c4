package intent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrIntentNotFound    = errors.New("intent: not found")
	ErrNilIntentHandler  = errors.New("intent: handler is nil")
	ErrInvalidIntentName = errors.New("intent: name is required")
)

// Handler runs a matched intent. data carries the utterance and the
// filled entity slots.
type Handler func(ctx context.Context, data map[string]any) error

// ConverseFunc gives the active skill first refusal on an utterance.
// It reports whether the skill consumed it.
type ConverseFunc func(ctx context.Context, utterance, lang string) (bool, error)

// FallbackFunc handles an utterance nothing matched. It reports
// whether it produced a response.
type FallbackFunc func(ctx context.Context, utterance string) (bool, error)

// KeywordIntent matches on required/optional entity keywords.
type KeywordIntent struct {
	Skill    string
	Name     string
	Required []string
	Optional []string
	Priority int
	Handler  Handler

	order   int
	enabled bool
}

// PhraseIntent matches on similarity to example sentences.
type PhraseIntent struct {
	Skill    string
	Name     string
	Examples []string
	Priority int
	Handler  Handler

	order   int
	enabled bool
}

// Fallback is one skill's fallback handler with its chain position.
// Lower priority runs earlier.
type Fallback struct {
	Skill    string
	Name     string
	Priority int
	Handler  FallbackFunc
	order    int
}

// Registry holds every live intent registration, keyed by skill so a
// skill's teardown removes all of its registrations atomically.
type Registry struct {
	mu        sync.RWMutex
	keywords  map[string]*KeywordIntent // key: skill/name
	phrases   map[string]*PhraseIntent
	fallbacks map[string]*Fallback
	converses map[string]ConverseFunc // key: skill
	nextOrder int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		keywords:  make(map[string]*KeywordIntent),
		phrases:   make(map[string]*PhraseIntent),
		fallbacks: make(map[string]*Fallback),
		converses: make(map[string]ConverseFunc),
	}
}

func key(skill, name string) string {
	return skill + "/" + name
}

// RegisterKeyword adds a keyword intent.
func (r *Registry) RegisterKeyword(in KeywordIntent) error {
	if in.Name == "" {
		return ErrInvalidIntentName
	}
	if in.Handler == nil {
		return ErrNilIntentHandler
	}
	if len(in.Required) == 0 {
		return fmt.Errorf("%w: keyword intent %s has no required entities", ErrInvalidIntentName, in.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(in.Skill, in.Name)
	if prev, exists := r.keywords[k]; exists {
		// Re-registration replaces the entry but keeps its position in
		// the registration-order tie-break.
		in.order = prev.order
	} else {
		in.order = r.nextOrder
		r.nextOrder++
	}
	in.enabled = true
	r.keywords[k] = &in
	return nil
}

// RegisterPhrase adds a phrase intent.
func (r *Registry) RegisterPhrase(in PhraseIntent) error {
	if in.Name == "" {
		return ErrInvalidIntentName
	}
	if in.Handler == nil {
		return ErrNilIntentHandler
	}
	if len(in.Examples) == 0 {
		return fmt.Errorf("%w: phrase intent %s has no examples", ErrInvalidIntentName, in.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(in.Skill, in.Name)
	if prev, exists := r.phrases[k]; exists {
		in.order = prev.order
	} else {
		in.order = r.nextOrder
		r.nextOrder++
	}
	in.enabled = true
	r.phrases[k] = &in
	return nil
}

// RegisterFallback adds a fallback handler to the chain.
func (r *Registry) RegisterFallback(fb Fallback) error {
	if fb.Name == "" {
		return ErrInvalidIntentName
	}
	if fb.Handler == nil {
		return ErrNilIntentHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(fb.Skill, fb.Name)
	if prev, exists := r.fallbacks[k]; exists {
		fb.order = prev.order
	} else {
		fb.order = r.nextOrder
		r.nextOrder++
	}
	r.fallbacks[k] = &fb
	return nil
}

// RegisterConverse installs a skill's converse hook.
func (r *Registry) RegisterConverse(skill string, fn ConverseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converses[skill] = fn
}

// Converse returns a skill's converse hook, if it has one.
func (r *Registry) Converse(skill string) (ConverseFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.converses[skill]
	return fn, ok
}

// SetEnabled toggles one intent without unloading the skill. Disabled
// intents stay registered but never match.
func (r *Registry) SetEnabled(skill, name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(skill, name)
	if in, ok := r.keywords[k]; ok {
		in.enabled = enabled
		return nil
	}
	if in, ok := r.phrases[k]; ok {
		in.enabled = enabled
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIntentNotFound, k)
}

// RemoveSkill drops every registration owned by skill.
func (r *Registry) RemoveSkill(skill string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k, in := range r.keywords {
		if in.Skill == skill {
			delete(r.keywords, k)
			removed++
		}
	}
	for k, in := range r.phrases {
		if in.Skill == skill {
			delete(r.phrases, k)
			removed++
		}
	}
	for k, fb := range r.fallbacks {
		if fb.Skill == skill {
			delete(r.fallbacks, k)
			removed++
		}
	}
	if _, ok := r.converses[skill]; ok {
		delete(r.converses, skill)
		removed++
	}
	return removed
}

// Keywords returns the enabled keyword intents.
func (r *Registry) Keywords() []*KeywordIntent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*KeywordIntent, 0, len(r.keywords))
	for _, in := range r.keywords {
		if in.enabled {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Phrases returns the enabled phrase intents.
func (r *Registry) Phrases() []*PhraseIntent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*PhraseIntent, 0, len(r.phrases))
	for _, in := range r.phrases {
		if in.enabled {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Fallbacks returns the chain ordered by priority, then registration.
func (r *Registry) Fallbacks() []*Fallback {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Fallback, 0, len(r.fallbacks))
	for _, fb := range r.fallbacks {
		out = append(out, fb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].order < out[j].order
	})
	return out
}

// Count reports the number of live registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keywords) + len(r.phrases) + len(r.fallbacks)
}
