// Package metrics passively observes the orchestration loop: process-wide
// atomic counters plus a bounded per-request history persisted through the
// Store capability. Counters live for the lifetime of one configured agent
// and reset only on reconfiguration.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics holds process-wide counters. All methods are safe for
// concurrent use; counters are updated atomically.
type Metrics struct {
	requestsTotal   atomic.Int64
	requestsSuccess atomic.Int64
	requestsFailed  atomic.Int64
	retries         atomic.Int64
	emptyResponses  atomic.Int64
	streamTimeouts  atomic.Int64

	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	cachedTokens     atomic.Int64
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64

	// Running average response time, tracked as total nanoseconds over
	// completed requests.
	responseNanos atomic.Int64
	responseCount atomic.Int64
}

// New creates a zeroed metrics set.
func New() *Metrics {
	return &Metrics{}
}

// RecordRequest records one completed turn: outcome and wall time.
func (m *Metrics) RecordRequest(success bool, elapsed time.Duration) {
	m.requestsTotal.Add(1)
	if success {
		m.requestsSuccess.Add(1)
	} else {
		m.requestsFailed.Add(1)
	}
	m.responseNanos.Add(int64(elapsed))
	m.responseCount.Add(1)
}

// RecordRetry counts one retried LLM attempt.
func (m *Metrics) RecordRetry() {
	m.retries.Add(1)
}

// RecordStreamTimeout counts one streamed read that idled out.
func (m *Metrics) RecordStreamTimeout() {
	m.streamTimeouts.Add(1)
}

// RecordEmptyResponse counts one turn where the model produced neither
// content nor tool calls.
func (m *Metrics) RecordEmptyResponse() {
	m.emptyResponses.Add(1)
}

// RecordUsage accumulates token counters from one LLM response. A
// response with any cached tokens counts as a cache hit; a response
// with none counts as a miss. Providers with no cache reporting always
// count as misses, which keeps the hit ratio honest rather than flattering.
func (m *Metrics) RecordUsage(promptTokens, completionTokens, cachedTokens int) {
	m.promptTokens.Add(int64(promptTokens))
	m.completionTokens.Add(int64(completionTokens))
	m.cachedTokens.Add(int64(cachedTokens))
	if cachedTokens > 0 {
		m.cacheHits.Add(1)
	} else {
		m.cacheMisses.Add(1)
	}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	RequestsTotal   int64 `json:"requests_total"`
	RequestsSuccess int64 `json:"requests_success"`
	RequestsFailed  int64 `json:"requests_failed"`
	Retries         int64 `json:"retries"`
	EmptyResponses  int64 `json:"empty_responses"`
	StreamTimeouts  int64 `json:"stream_timeouts"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	CachedTokens     int64 `json:"cached_tokens"`
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`

	AvgResponseMillis int64 `json:"avg_response_ms"`
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		RequestsTotal:    m.requestsTotal.Load(),
		RequestsSuccess:  m.requestsSuccess.Load(),
		RequestsFailed:   m.requestsFailed.Load(),
		Retries:          m.retries.Load(),
		EmptyResponses:   m.emptyResponses.Load(),
		StreamTimeouts:   m.streamTimeouts.Load(),
		PromptTokens:     m.promptTokens.Load(),
		CompletionTokens: m.completionTokens.Load(),
		CachedTokens:     m.cachedTokens.Load(),
		CacheHits:        m.cacheHits.Load(),
		CacheMisses:      m.cacheMisses.Load(),
	}
	if n := m.responseCount.Load(); n > 0 {
		s.AvgResponseMillis = m.responseNanos.Load() / n / int64(time.Millisecond)
	}
	return s
}

// Reset zeroes all counters. Called on agent reconfiguration only.
func (m *Metrics) Reset() {
	m.requestsTotal.Store(0)
	m.requestsSuccess.Store(0)
	m.requestsFailed.Store(0)
	m.retries.Store(0)
	m.emptyResponses.Store(0)
	m.streamTimeouts.Store(0)
	m.promptTokens.Store(0)
	m.completionTokens.Store(0)
	m.cachedTokens.Store(0)
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.responseNanos.Store(0)
	m.responseCount.Store(0)
}
