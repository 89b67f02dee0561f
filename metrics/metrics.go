// Package metrics contains all client-side metrics
package metrics

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	bundlesSent           = metrics.NewCounter("bundles_sent_total")
	bundlesSimulated      = metrics.NewCounter("bundles_simulated_total")
	bundlesRejectedLocal  = metrics.NewCounter("bundles_rejected_validation_total")
	bundlesIncluded       = metrics.NewCounter(`bundle_inclusion_total{outcome="included"}`)
	bundlesNotIncluded    = metrics.NewCounter(`bundle_inclusion_total{outcome="not_included"}`)
	bundlesQueryFailed    = metrics.NewCounter(`bundle_inclusion_total{outcome="query_failed"}`)
	inclusionQueryFailure = metrics.NewCounter("bundle_inclusion_query_failures_total")
	headPollFailure       = metrics.NewCounter("head_poll_failures_total")
)

func IncBundlesSent() {
	bundlesSent.Inc()
}

func IncBundlesSimulated() {
	bundlesSimulated.Inc()
}

func IncBundlesRejectedValidation() {
	bundlesRejectedLocal.Inc()
}

func IncBundleIncluded() {
	bundlesIncluded.Inc()
}

func IncBundleNotIncluded() {
	bundlesNotIncluded.Inc()
}

func IncBundleQueryFailed() {
	bundlesQueryFailed.Inc()
}

func IncInclusionQueryFailure() {
	inclusionQueryFailure.Inc()
}

func IncHeadPollFailure() {
	headPollFailure.Inc()
}

func RecordRelayCallDuration(method string, duration time.Duration) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`relay_call_duration_milliseconds{method=%q}`, method)).Update(float64(duration.Milliseconds()))
}

// IncRelayCallFailure counts failed relay calls, kind is one of transport, protocol, non_conformant
func IncRelayCallFailure(method, kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`relay_call_failures_total{method=%q,kind=%q}`, method, kind)).Inc()
}
