// Package cache memoises prediction results keyed by the uploaded image
// content.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/coocood/freecache"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/imagenet-classifier/internal/classifier"
	"github.com/Brownie44l1/imagenet-classifier/internal/metrics"
)

// MetricsInterval is how often PublishMetrics reports cache gauges.
const MetricsInterval = 30 * time.Second

// Predictions is an in-memory cache of ranked predictions. A nil
// *Predictions is valid and caches nothing.
type Predictions struct {
	store *freecache.Cache
	ttl   time.Duration
}

// New returns a cache of sizeBytes. freecache enforces a 512KB minimum. A
// non-positive size returns nil, which disables caching.
func New(sizeBytes int, ttl time.Duration) *Predictions {
	if sizeBytes <= 0 {
		return nil
	}
	return &Predictions{
		store: freecache.NewCache(sizeBytes),
		ttl:   ttl,
	}
}

// Key derives a cache key from image bytes and k.
func Key(image []byte, k int) []byte {
	h := sha256.New()
	h.Write(image)
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(k)))
	return h.Sum(nil)
}

func (p *Predictions) Get(key []byte) ([]classifier.Prediction, bool) {
	if p == nil {
		return nil, false
	}
	raw, err := p.store.Get(key)
	if err != nil {
		if !errors.Is(err, freecache.ErrNotFound) {
			log.Warn().Err(err).Msg("Prediction cache read failed")
		}
		metrics.Incr(metrics.CacheMissCount, nil)
		return nil, false
	}

	var preds []classifier.Prediction
	if err := json.Unmarshal(raw, &preds); err != nil {
		log.Warn().Err(err).Msg("Dropping corrupt prediction cache entry")
		p.store.Del(key)
		metrics.Incr(metrics.CacheMissCount, nil)
		return nil, false
	}
	metrics.Incr(metrics.CacheHitCount, nil)
	return preds, true
}

func (p *Predictions) Set(key []byte, preds []classifier.Prediction) {
	if p == nil {
		return
	}
	raw, err := json.Marshal(preds)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode predictions for cache")
		return
	}
	if err := p.store.Set(key, raw, expireSeconds(p.ttl)); err != nil {
		log.Warn().Err(err).Msg("Prediction cache write failed")
	}
}

// expireSeconds converts ttl to freecache's whole-second expiry, where 0
// means never expire. Sub-second TTLs round up so they still expire.
func expireSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	return int(math.Ceil(ttl.Seconds()))
}

// Len is the number of live entries.
func (p *Predictions) Len() int64 {
	if p == nil {
		return 0
	}
	return p.store.EntryCount()
}

// PublishMetrics reports the cache gauges every interval until ctx is done.
func (p *Predictions) PublishMetrics(ctx context.Context, interval time.Duration) {
	if p == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish()
		}
	}
}

func (p *Predictions) publish() {
	metrics.Gauge(metrics.CacheEntries, float64(p.Len()), nil)
	metrics.Gauge(metrics.CacheHitRate, p.store.HitRate(), nil)
	metrics.Gauge(metrics.CacheExpiredCount, float64(p.store.ExpiredCount()), nil)
	metrics.Gauge(metrics.CacheEvacuateCount, float64(p.store.EvacuateCount()), nil)
}
