package intent

import (
	"testing"
	"time"
)

// fakeClock drives a Tracker's notion of now without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1000, 0)} }

func trackerWithClock(ttl time.Duration) (*Tracker, *fakeClock) {
	clock := newFakeClock()
	tr := NewTracker(ttl)
	tr.now = clock.now
	return tr, clock
}

func TestTracker_SetGet(t *testing.T) {
	tr, clock := trackerWithClock(5 * time.Minute)

	if _, ok := tr.Get(); ok {
		t.Error("Get() on empty tracker reported an owner")
	}

	tr.Set("weather")
	if owner, ok := tr.Get(); !ok || owner != "weather" {
		t.Errorf("Get() = %q, %v, want weather, true", owner, ok)
	}

	clock.advance(4 * time.Minute)
	if _, ok := tr.Get(); !ok {
		t.Error("context expired before its TTL")
	}

	clock.advance(2 * time.Minute)
	if owner, ok := tr.Get(); ok {
		t.Errorf("Get() after TTL = %q, want expired", owner)
	}
}

func TestTracker_TouchExtends(t *testing.T) {
	tr, clock := trackerWithClock(5 * time.Minute)
	tr.Set("weather")

	clock.advance(4 * time.Minute)
	tr.Touch()
	clock.advance(4 * time.Minute)

	if _, ok := tr.Get(); !ok {
		t.Error("touched context expired inside the extended TTL")
	}
}

func TestTracker_TouchAfterExpiryIsNoop(t *testing.T) {
	tr, clock := trackerWithClock(time.Minute)
	tr.Set("weather")

	clock.advance(2 * time.Minute)
	tr.Touch()

	if _, ok := tr.Get(); ok {
		t.Error("Touch() revived an expired context")
	}
}

func TestTracker_SetReplacesOwner(t *testing.T) {
	tr, _ := trackerWithClock(time.Minute)
	tr.Set("weather")
	tr.Set("timer")

	if owner, _ := tr.Get(); owner != "timer" {
		t.Errorf("Get() = %q, want timer", owner)
	}
}

func TestTracker_ClearIfOwner(t *testing.T) {
	tr, _ := trackerWithClock(time.Minute)
	tr.Set("weather")

	tr.ClearIfOwner("timer")
	if _, ok := tr.Get(); !ok {
		t.Error("ClearIfOwner() with wrong owner dropped the context")
	}

	tr.ClearIfOwner("weather")
	if _, ok := tr.Get(); ok {
		t.Error("ClearIfOwner() with the owner kept the context")
	}
}
