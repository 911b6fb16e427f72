package ingest

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup drops samples that were already processed within the TTL. NATS can
// redeliver after reconnects and the HTTP ingest path may be retried by clients.
type Dedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) (*Dedup, error) {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c, err := lru.New[string, time.Time](maxKeys)
	if err != nil {
		return nil, err
	}
	return &Dedup{cache: c, ttl: ttl, now: time.Now}, nil
}

func (d *Dedup) IsDuplicate(key string) bool {
	now := d.now()
	if addedAt, ok := d.cache.Get(key); ok && now.Sub(addedAt) < d.ttl {
		return true
	}
	d.cache.Add(key, now)
	return false
}

// BuildDedupKey identifies a telemetry sample by drone, flight and sample time.
// Samples without a timestamp are never considered duplicates.
func BuildDedupKey(kind Kind, droneID, flightID string, ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s|%s|%s|%d", kind, droneID, flightID, ts.UnixMilli())
}

// BodyDedupKey is used for untimed samples: identical bodies inside the TTL
// are treated as redeliveries.
func BodyDedupKey(kind Kind, droneID string, body []byte) string {
	return fmt.Sprintf("%s|%s|%x", kind, droneID, xxhash.Sum64(body))
}
