package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/wyhash"
)

// shardCount partitions the IP->bucket map so hot paths on distinct
// clients rarely contend on the same lock.
const shardCount = 16

// wyhash needs a seed that stays fixed for the process lifetime so an IP
// always lands on the same shard.
const shardSeed = 0x0b1171e5

type bucket struct {
	tokens float64
	last   time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a sharded token-bucket rate limiter keyed by client IP.
// Refill is lazy: a bucket is only updated when its IP makes a request,
// and a background sweep evicts buckets idle past the TTL.
type Limiter struct {
	shards  [shardCount]shard
	rate    float64
	burst   float64
	idleTTL time.Duration
}

func New(rate float64, burst int, idleTTL time.Duration) *Limiter {
	l := &Limiter{
		rate:    rate,
		burst:   float64(burst),
		idleTTL: idleTTL,
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

// Allow decides whether a request from ip may proceed at time now. The
// caller supplies now so the clock source stays monotonic and testable.
// Nothing blocks inside the critical section.
func (l *Limiter) Allow(ip string, now time.Time) bool {
	if ip == "" {
		return true
	}
	if l.rate <= 0 || l.burst <= 0 {
		return true
	}

	s := l.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[ip]
	if !ok {
		s.buckets[ip] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}

	b.tokens -= 1
	return true
}

func (l *Limiter) shardFor(ip string) *shard {
	return &l.shards[wyhash.HashString(ip, shardSeed)%shardCount]
}

// Sweep removes buckets whose last refill is older than the idle TTL. It
// holds one shard lock at a time so the request path is never starved.
// Returns the number of evicted buckets.
func (l *Limiter) Sweep(now time.Time) int {
	evicted := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for ip, b := range s.buckets {
			if now.Sub(b.last) > l.idleTTL {
				delete(s.buckets, ip)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Run sweeps on the given interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Sweep(now)
		}
	}
}

// Len reports the number of tracked buckets across all shards.
func (l *Limiter) Len() int {
	total := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		total += len(s.buckets)
		s.mu.Unlock()
	}
	return total
}
