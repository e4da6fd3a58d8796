package h2s

import (
	"sync"
	"time"
)

// deadlineCond adds a timed wait to sync.Cond. Go's sync.Cond has no
// native timeout, so this uses the standard trick of racing a timer's
// Broadcast against real signals: the timer always wakes every waiter at
// the deadline, and callers re-check their actual predicate (not just
// the return value here) before deciding whether the wake was "real".
type deadlineCond struct {
	*sync.Cond
}

// WaitUntil waits on the condition, waking at the latest by deadline.
// Caller must hold the cond's lock. Returns true once deadline has
// passed, which a caller combines with its own predicate check since a
// real broadcast can itself land at or after the deadline.
func (c deadlineCond) WaitUntil(deadline time.Time) bool {
	timer := time.AfterFunc(time.Until(deadline), c.Broadcast)
	defer timer.Stop()
	c.Wait()
	return !time.Now().Before(deadline)
}
