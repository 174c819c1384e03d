// Package ratelimit implements per-identity sliding-window admission control
// for the three signaling traffic classes. State is purely in-memory and
// decays continuously; identities are held in an LRU table so state of
// abandoned connections is evicted instead of leaking.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spiretalk/spiretalk/types"
)

// Class is a traffic class with its own admission window.
type Class int

const (
	ClassGeneric Class = iota
	ClassChat
	ClassSignal
	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassGeneric:
		return "generic"
	case ClassChat:
		return "chat"
	case ClassSignal:
		return "signal"
	}
	return "unknown"
}

// Limit describes one admission window: at most MaxEvents per Window, with a
// short block after a violation.
type Limit struct {
	MaxEvents     int
	Window        time.Duration
	BlockDuration time.Duration
}

// DefaultLimits mirrors what the browser clients are able to sustain without
// tripping: signaling is bursty during negotiation, chat is slow.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassGeneric: {MaxEvents: 120, Window: 10 * time.Second, BlockDuration: 10 * time.Second},
		ClassChat:    {MaxEvents: 10, Window: 10 * time.Second, BlockDuration: 30 * time.Second},
		ClassSignal:  {MaxEvents: 200, Window: 10 * time.Second, BlockDuration: 10 * time.Second},
	}
}

// window is a two-bucket sliding-window approximation: the previous bucket's
// count is weighted by its remaining overlap with the window. Admission checks
// are O(1), no per-event timestamps are kept.
type window struct {
	bucketStart  time.Time
	prevCount    int
	currCount    int
	blockedUntil time.Time
}

type identity struct {
	mu      sync.Mutex
	windows [numClasses]window
}

// Limiter admits or rejects events per identity and traffic class.
type Limiter struct {
	limits     map[Class]Limit
	identities *lru.Cache
	now        func() time.Time
}

const identityCacheSize = 4096

// New creates a Limiter. Classes missing from limits are unlimited.
func New(limits map[Class]Limit) *Limiter {
	cache, _ := lru.New(identityCacheSize)
	return &Limiter{
		limits:     limits,
		identities: cache,
		now:        time.Now,
	}
}

func (l *Limiter) identity(id string) *identity {
	if v, ok := l.identities.Get(id); ok {
		return v.(*identity)
	}
	ident := &identity{}
	l.identities.Add(id, ident)
	return ident
}

// Allow reports whether one event of the given class is admitted for the
// identity. Rejections return types.ErrRateLimited immediately, the limiter
// never queues.
func (l *Limiter) Allow(id string, class Class) error {
	limit, ok := l.limits[class]
	if !ok || limit.MaxEvents <= 0 {
		return nil
	}
	ident := l.identity(id)
	ident.mu.Lock()
	defer ident.mu.Unlock()

	now := l.now()
	w := &ident.windows[class]
	if now.Before(w.blockedUntil) {
		return types.ErrRateLimited
	}

	// rotate buckets
	elapsed := now.Sub(w.bucketStart)
	switch {
	case elapsed >= 2*limit.Window:
		w.prevCount, w.currCount = 0, 0
		w.bucketStart = now
	case elapsed >= limit.Window:
		w.prevCount, w.currCount = w.currCount, 0
		w.bucketStart = w.bucketStart.Add(limit.Window)
		for now.Sub(w.bucketStart) >= limit.Window {
			w.prevCount = 0
			w.bucketStart = w.bucketStart.Add(limit.Window)
		}
	}

	frac := float64(now.Sub(w.bucketStart)) / float64(limit.Window)
	estimated := float64(w.prevCount)*(1-frac) + float64(w.currCount)
	if estimated >= float64(limit.MaxEvents) {
		if limit.BlockDuration > 0 {
			w.blockedUntil = now.Add(limit.BlockDuration)
		}
		return types.ErrRateLimited
	}
	w.currCount++
	return nil
}

// Forget drops all state of an identity, typically on disconnect.
func (l *Limiter) Forget(id string) {
	l.identities.Remove(id)
}
