package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for RequestsTotal and RequestDurationSeconds.
const (
	OutcomeSuccess       = "success"
	OutcomeUnauthorized  = "unauthorized"
	OutcomeBadRequest    = "bad_request"
	OutcomeRateLimited   = "rate_limited"
	OutcomeUpstreamError = "upstream_error"
	OutcomeAllFailed     = "all_providers_failed"
	OutcomeUnsupported   = "unsupported_format"
	OutcomeInternalError = "internal_error"
	AttemptResultSuccess = "success"
	AttemptResultFailure = "failure"
	AttemptResultSkipped = "skipped"
	TokenDirectionInput  = "input"
	TokenDirectionOutput = "output"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langroute_requests_total",
		Help: "Chat completion requests by terminal outcome",
	}, []string{"outcome"})
	RequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "langroute_request_duration_seconds",
		Help:    "End-to-end chat completion latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	UpstreamAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langroute_upstream_attempts_total",
		Help: "Upstream dispatch attempts, primary and fallback",
	}, []string{"provider", "model", "result"})
	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langroute_tokens_total",
		Help: "Estimated tokens accounted to callers",
	}, []string{"model", "direction"})
	CostUSDTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langroute_cost_usd_total",
		Help: "Cost charged to callers in USD",
	}, []string{"model"})
)

// RegisterTrackedCallers exposes the rate limiter's caller count as
// langroute_ratelimit_tracked_callers.
func RegisterTrackedCallers(count func() int) prometheus.Collector {
	return promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "langroute_ratelimit_tracked_callers",
		Help: "Callers currently held in rate limiter memory",
	}, func() float64 { return float64(count()) })
}
