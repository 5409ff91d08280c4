package bus

import (
	"sync"

	"github.com/fossabot/mycroft-core/internal/bus/topic"
)

// registry manages subscriptions organized by topic pattern.
// It is safe for concurrent access.
type registry struct {
	mu      sync.RWMutex
	subs    map[topic.Topic][]*subscription
	byID    map[string]*subscription
	byOwner map[string][]*subscription
	matcher *topic.Matcher
}

func newRegistry() *registry {
	return &registry{
		subs:    make(map[topic.Topic][]*subscription),
		byID:    make(map[string]*subscription),
		byOwner: make(map[string][]*subscription),
		matcher: topic.NewMatcher(),
	}
}

// add registers a subscription in pattern, id, and owner indexes.
func (r *registry) add(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pattern := sub.Pattern()
	r.subs[pattern] = append(r.subs[pattern], sub)
	r.byID[sub.ID()] = sub
	if owner := sub.Owner(); owner != "" {
		r.byOwner[owner] = append(r.byOwner[owner], sub)
	}
	r.matcher.Add(pattern)
}

// remove removes a subscription by id. Returns the subscription and true
// when it was present.
func (r *registry) remove(subID string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.byID[subID]
	if !exists {
		return nil, false
	}
	r.removeLocked(sub)
	return sub, true
}

// removeOwner removes every subscription with the given owner tag and
// returns them.
func (r *registry) removeOwner(owner string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byOwner[owner]
	if len(subs) == 0 {
		return nil
	}

	removed := make([]*subscription, len(subs))
	copy(removed, subs)
	for _, sub := range removed {
		r.removeLocked(sub)
	}
	return removed
}

// removeLocked unlinks a subscription from all indexes. Caller holds mu.
func (r *registry) removeLocked(sub *subscription) {
	pattern := sub.Pattern()

	list := r.subs[pattern]
	for i, s := range list {
		if s.ID() == sub.ID() {
			r.subs[pattern] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[pattern]) == 0 {
		delete(r.subs, pattern)
		r.matcher.Remove(pattern)
	}

	if owner := sub.Owner(); owner != "" {
		owned := r.byOwner[owner]
		for i, s := range owned {
			if s.ID() == sub.ID() {
				r.byOwner[owner] = append(owned[:i], owned[i+1:]...)
				break
			}
		}
		if len(r.byOwner[owner]) == 0 {
			delete(r.byOwner, owner)
		}
	}

	delete(r.byID, sub.ID())
}

// matchActive returns all active subscriptions whose pattern matches the
// message type, in registration order per pattern.
func (r *registry) matchActive(msgType topic.Topic) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := r.matcher.Match(msgType)
	if len(patterns) == 0 {
		return nil
	}

	var result []*subscription
	for _, pattern := range patterns {
		for _, sub := range r.subs[pattern] {
			if sub.IsActive() {
				result = append(result, sub)
			}
		}
	}
	return result
}

// get returns a subscription by id.
func (r *registry) get(subID string) (*subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, exists := r.byID[subID]
	return sub, exists
}

// count returns the total number of subscriptions.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// countActive returns the number of active subscriptions.
func (r *registry) countActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sub := range r.byID {
		if sub.IsActive() {
			n++
		}
	}
	return n
}

// all returns a snapshot of every subscription.
func (r *registry) all() []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		result = append(result, sub)
	}
	return result
}
