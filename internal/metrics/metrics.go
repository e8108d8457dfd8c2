// Package metrics wraps a statsd client. Until Init succeeds every call is a
// no-op.
package metrics

import (
	"net"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog/log"
)

const (
	ModelLoadLatency = "classifier_model_load_latency"
	ModelLoadCount   = "classifier_model_load_total"
	InferenceLatency = "classifier_inference_latency"
	PredictionCount  = "classifier_prediction_total"
	CacheHitCount    = "classifier_cache_hit_total"
	CacheMissCount   = "classifier_cache_miss_total"

	CacheEntries       = "classifier_cache_entries"
	CacheHitRate       = "classifier_cache_hit_rate"
	CacheExpiredCount  = "classifier_cache_expired_total"
	CacheEvacuateCount = "classifier_cache_evacuate_total"
)

var (
	mu           sync.RWMutex
	statsDClient statsd.ClientInterface = &statsd.NoOpClient{}
	samplingRate float64                = 1
)

// Options configures the statsd client.
type Options struct {
	Host         string
	Port         string
	SamplingRate float64
	Tags         []string
}

// Init replaces the no-op client with a real statsd client. On failure the
// no-op client stays in place and the error is logged.
func Init(opts Options) {
	addr := net.JoinHostPort(opts.Host, opts.Port)
	client, err := statsd.New(addr, statsd.WithTags(opts.Tags))
	if err != nil {
		log.Error().Err(err).Str("address", addr).Msg("StatsD client initialization failed, metrics will be unavailable")
		return
	}

	mu.Lock()
	statsDClient = client
	samplingRate = opts.SamplingRate
	mu.Unlock()
	log.Info().Str("address", addr).Strs("tags", opts.Tags).Float64("sampling_rate", opts.SamplingRate).Msg("Metrics client initialized")
}

// Close flushes and closes the active client.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if err := statsDClient.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing statsd client")
	}
	statsDClient = &statsd.NoOpClient{}
}

func Timing(name string, value time.Duration, tags []string) {
	mu.RLock()
	defer mu.RUnlock()
	if err := statsDClient.Timing(name, value, tags, samplingRate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Error occurred while doing statsd timing")
	}
}

func Incr(name string, tags []string) {
	mu.RLock()
	defer mu.RUnlock()
	if err := statsDClient.Incr(name, tags, samplingRate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Error occurred while doing statsd incr")
	}
}

func Gauge(name string, value float64, tags []string) {
	mu.RLock()
	defer mu.RUnlock()
	if err := statsDClient.Gauge(name, value, tags, samplingRate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Error occurred while doing statsd gauge")
	}
}

// Since records the time elapsed since start under name.
func Since(name string, start time.Time, tags ...string) {
	Timing(name, time.Since(start), tags)
}

// Tag formats a statsd key:value tag.
func Tag(key, value string) string {
	return key + ":" + value
}
