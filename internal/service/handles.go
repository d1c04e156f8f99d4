package service

import (
	"sync"
	"time"

	"securesend/internal/auth"
	"securesend/internal/common"
)

// handleRegistry tracks the server-side state of download handles: which
// jtis were already redeemed, which handles are still outstanding, and how
// many streams are open per object. The sweeper consults it so that a
// reservation that was just granted is not reclaimed under the recipient.
type handleRegistry struct {
	mu          sync.Mutex
	outstanding map[string]*auth.HandleClaims // jti
	redeemed    map[string]time.Time          // jti -> handle expiry
	streams     map[string]int                // object id
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{
		outstanding: make(map[string]*auth.HandleClaims),
		redeemed:    make(map[string]time.Time),
		streams:     make(map[string]int),
	}
}

func (r *handleRegistry) issued(c *auth.HandleClaims) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outstanding[c.ID] = c
}

// redeem marks c in use. A second redeem of the same jti fails until
// release hands it back.
func (r *handleRegistry) redeem(c *auth.HandleClaims) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, used := r.redeemed[c.ID]; used {
		return common.ErrInvalidHandle
	}
	r.redeemed[c.ID] = c.ExpiresAt
	delete(r.outstanding, c.ID)
	r.streams[c.ObjectID]++
	return nil
}

// release undoes a redeem that delivered no bytes, so the same handle can
// be presented again until it expires.
func (r *handleRegistry) release(c *auth.HandleClaims) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.redeemed, c.ID)
	r.outstanding[c.ID] = c
	r.closeStreamLocked(c.ObjectID)
}

func (r *handleRegistry) streamClosed(objectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeStreamLocked(objectID)
}

func (r *handleRegistry) closeStreamLocked(objectID string) {
	if r.streams[objectID] <= 1 {
		delete(r.streams, objectID)
		return
	}
	r.streams[objectID]--
}

// pinned reports whether objectID has an open stream or an unexpired handle
// that was not redeemed yet.
func (r *handleRegistry) pinned(objectID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streams[objectID] > 0 {
		return true
	}
	for _, c := range r.outstanding {
		if c.ObjectID == objectID && now.Before(c.ExpiresAt) {
			return true
		}
	}
	return false
}

// pruneSlack covers the second-granularity of JWT expiry claims.
const pruneSlack = time.Second

// prune forgets handles whose JWT expired; they can no longer validate, so
// their jti need not be remembered.
func (r *handleRegistry) prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, exp := range r.redeemed {
		if now.After(exp.Add(pruneSlack)) {
			delete(r.redeemed, id)
			n++
		}
	}
	for id, c := range r.outstanding {
		if !now.Before(c.ExpiresAt) {
			delete(r.outstanding, id)
			n++
		}
	}
	return n
}
