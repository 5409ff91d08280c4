package intent

import (
	"context"
	"sync"
	"time"
)

// DefaultContextTTL is how long a skill holds the conversation after
// its last activity.
const DefaultContextTTL = 5 * time.Minute

// Tracker is the conversation context: at most one skill owns the
// conversation at a time, and ownership lapses after the TTL. Expiry
// is checked lazily on every read and reaped by a background sweep.
type Tracker struct {
	mu        sync.Mutex
	skill     string
	expiresAt time.Time
	ttl       time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewTracker creates a tracker with the given default TTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	return &Tracker{ttl: ttl, now: time.Now}
}

// Set makes skill the conversation owner, replacing any previous
// owner and restarting the TTL.
func (t *Tracker) Set(skill string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skill = skill
	t.expiresAt = t.now().Add(t.ttl)
}

// Get returns the current owner, or "" when no context is active.
func (t *Tracker) Get() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.skill == "" {
		return "", false
	}
	if t.now().After(t.expiresAt) {
		t.skill = ""
		return "", false
	}
	return t.skill, true
}

// Touch restarts the TTL for the current owner. A touch after expiry
// does nothing.
func (t *Tracker) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.skill == "" || t.now().After(t.expiresAt) {
		t.skill = ""
		return
	}
	t.expiresAt = t.now().Add(t.ttl)
}

// Clear drops the context unconditionally.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skill = ""
}

// ClearIfOwner drops the context only if skill currently owns it.
// Used on skill unload so a dying skill cannot clear a successor's
// conversation.
func (t *Tracker) ClearIfOwner(skill string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.skill == skill {
		t.skill = ""
	}
}

// Sweep reaps expired context on interval until ctx is cancelled.
// Purely an eagerness optimization: reads already expire lazily.
func (t *Tracker) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.skill != "" && t.now().After(t.expiresAt) {
				t.skill = ""
			}
			t.mu.Unlock()
		}
	}
}
