package session

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Freezes tracks time-boxed suspensions of automatic replies per user.
// Entries expire on their own; an absent entry means "not frozen".
type Freezes struct {
	c *gocache.Cache
}

// NewFreezes creates an empty freeze schedule.
func NewFreezes() *Freezes {
	return &Freezes{c: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

// Set freezes a user for the given duration and returns the expiry time.
func (f *Freezes) Set(userKey string, d time.Duration) time.Time {
	until := time.Now().Add(d)
	f.c.Set(userKey, until, d)
	return until
}

// Clear lifts a freeze. Returns whether one was active.
func (f *Freezes) Clear(userKey string) bool {
	if _, ok := f.c.Get(userKey); !ok {
		return false
	}
	f.c.Delete(userKey)
	return true
}

// Until reports the active freeze expiry for a user, if any.
func (f *Freezes) Until(userKey string) (time.Time, bool) {
	v, ok := f.c.Get(userKey)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// Frozen reports whether the user currently has an active freeze.
func (f *Freezes) Frozen(userKey string) bool {
	_, ok := f.Until(userKey)
	return ok
}
