package ratelimit

import (
	"hash/maphash"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	shardCount = 64
	// sweepEvery is the number of hits on a shard between idle sweeps of it.
	sweepEvery = 512
)

// UserLimiter keeps a token bucket per sender and drops buckets idle for longer than idleTTL.
// Senders are spread over shards so unrelated users never contend on one lock.
// A nil *UserLimiter allows everything.
type UserLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	seed   maphash.Seed
	shards [shardCount]*shard
}

type shard struct {
	mu     sync.Mutex
	byUser map[int64]*bucket
	hits   uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns nil when rps or burst is not positive.
func New(rps float64, burst int, idleTTL time.Duration) *UserLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	l := &UserLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		seed:    maphash.MakeSeed(),
	}
	for i := range l.shards {
		l.shards[i] = &shard{byUser: make(map[int64]*bucket)}
	}
	return l
}

func (l *UserLimiter) shardFor(userID int64) *shard {
	sum := maphash.String(l.seed, strconv.FormatInt(userID, 10))
	return l.shards[sum%shardCount]
}

// Allow consumes one token for userID at now.
func (l *UserLimiter) Allow(userID int64, now time.Time) bool {
	if l == nil {
		return true
	}

	s := l.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byUser[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		s.byUser[userID] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	s.hits++
	if s.hits%sweepEvery == 0 {
		cutoff := now.Add(-l.idleTTL)
		for id, v := range s.byUser {
			if v.lastSeen.Before(cutoff) {
				delete(s.byUser, id)
			}
		}
	}
	return allowed
}

func (l *UserLimiter) size() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.byUser)
		s.mu.Unlock()
	}
	return n
}
