package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// IDLE_EXPIRY is how long a key keeps its bucket without any requests.
// Every default bucket has refilled long before that, so dropping it loses
// nothing.
const IDLE_EXPIRY = 10 * time.Minute

// Store hands out one token bucket per key (peer device id, client IP).
type Store struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *cache.Cache
}

func NewStore(limit rate.Limit, burst int) *Store {
	return NewStoreWithExpiry(limit, burst, IDLE_EXPIRY)
}

func NewStoreWithExpiry(limit rate.Limit, burst int, idle time.Duration) *Store {
	return &Store{
		limit:    limit,
		burst:    burst,
		limiters: cache.New(idle, idle),
	}
}

// Allow takes a token from the key's bucket. Every call, allowed or not,
// keeps the bucket alive for another idle period.
func (s *Store) Allow(key string) bool {
	return s.limiter(key).Allow()
}

func (s *Store) limiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	var limiter *rate.Limiter
	if cached, ok := s.limiters.Get(key); ok {
		limiter = cached.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(s.limit, s.burst)
	}
	s.limiters.SetDefault(key, limiter)
	return limiter
}

// Forget drops the key's bucket, e.g. once its peer has gone away.
func (s *Store) Forget(key string) {
	s.limiters.Delete(key)
}

// Len counts the buckets currently held, including expired ones not yet
// swept.
func (s *Store) Len() int {
	return s.limiters.ItemCount()
}
