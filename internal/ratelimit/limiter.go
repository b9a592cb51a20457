package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Window is the rolling quota period applied to every (client, persona) pair.
const Window = 24 * time.Hour

// ErrNoLimit indicates a persona without a configured quota, which is a
// configuration error rather than an open gate.
var ErrNoLimit = errors.New("persona has no configured limit")

// Clock supplies the current time; injected so tests can advance it.
type Clock func() time.Time

// Limiter enforces per-persona daily quotas keyed by client identity. The
// Allow/Record pair is intentionally not atomic: concurrent in-flight requests
// from one client can overrun the limit by their count. Throttling here is
// advisory, matching the behavior this relay fronts for.
type Limiter struct {
	store  Store
	limits map[string]int
	now    Clock
}

// NewLimiter constructs a limiter over the given store. limits maps persona ID
// to its daily request quota.
func NewLimiter(store Store, limits map[string]int, now Clock) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		store:  store,
		limits: limits,
		now:    now,
	}
}

// Allow reports whether the client may issue another request for the persona.
// An expired window reads as a fresh one; the stored counter is only rewritten
// by Record.
func (l *Limiter) Allow(ctx context.Context, clientID, personaID string) (bool, error) {
	limit, ok := l.limits[personaID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoLimit, personaID)
	}

	counter, found, err := l.store.Get(ctx, key(clientID, personaID))
	if err != nil {
		return false, err
	}
	if !found || l.now().After(counter.ResetAt) {
		return true, nil
	}
	return counter.Count < limit, nil
}

// Record increments the counter for the pair, lazily resetting an expired
// window. Call only after a successfully completed response.
func (l *Limiter) Record(ctx context.Context, clientID, personaID string) error {
	if _, ok := l.limits[personaID]; !ok {
		return fmt.Errorf("%w: %s", ErrNoLimit, personaID)
	}

	k := key(clientID, personaID)
	counter, found, err := l.store.Get(ctx, k)
	if err != nil {
		return err
	}

	now := l.now()
	if !found || now.After(counter.ResetAt) {
		counter = Counter{Count: 0, ResetAt: now.Add(Window)}
	}
	counter.Count++

	return l.store.Put(ctx, k, counter)
}

func key(clientID, personaID string) string {
	return clientID + ":" + personaID
}
