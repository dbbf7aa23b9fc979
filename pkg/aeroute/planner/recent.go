package planner

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Optimization is one reasoning entry of a Summary, impact in percent.
type Optimization struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Impact      float64 `json:"impact"`
}

// Summary is the compact form of a plan kept in the recent cache.
type Summary struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Origin        string         `json:"origin"`
	Destination   string         `json:"destination"`
	Distance      float64        `json:"distance"`
	Duration      float64        `json:"duration"`
	Optimizations []Optimization `json:"optimizations"`
}

// recentCache is a fixed-capacity ring of summaries, newest first.
type recentCache struct {
	mu      sync.Mutex
	buf     []Summary
	next    int
	size    int
	entropy *ulid.MonotonicEntropy
}

func newRecentCache(capacity int) *recentCache {
	if capacity < 1 {
		capacity = 1
	}
	return &recentCache{
		buf:     make([]Summary, capacity),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// newID returns a ULID carrying the timestamp of t.
func (c *recentCache) newID(t time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), c.entropy).String()
}

// push stores s, overwriting the oldest entry when full, and returns the
// number of entries held.
func (c *recentCache) push(s Summary) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf[c.next] = s
	c.next = (c.next + 1) % len(c.buf)
	if c.size < len(c.buf) {
		c.size++
	}
	return c.size
}

// list returns the entries newest first.
func (c *recentCache) list() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Summary, 0, c.size)
	for i := 1; i <= c.size; i++ {
		idx := (c.next - i + len(c.buf)) % len(c.buf)
		out = append(out, c.buf[idx])
	}
	return out
}
