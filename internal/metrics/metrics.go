// Package metrics exposes Prometheus counters for the social engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "commons"

var (
	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Social actions performed, by action and outcome severity.",
		},
		[]string{"action", "severity"},
	)

	votesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_votes_total",
			Help:      "Membership votes cast, by resulting decision.",
		},
		[]string{"decision"},
	)

	storeSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_saves_total",
			Help:      "Collection document saves, by collection and result.",
		},
		[]string{"collection", "result"},
	)

	geocodeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding lookups, by result.",
		},
		[]string{"result"},
	)
)

// RecordAction counts a performed action.
func RecordAction(action, severity string) {
	actionsTotal.WithLabelValues(action, severity).Inc()
}

// RecordVote counts a vote and the decision it produced.
func RecordVote(decision string) {
	votesTotal.WithLabelValues(decision).Inc()
}

// RecordStoreSave counts a collection save. result is "ok" or "error".
func RecordStoreSave(collection, result string) {
	storeSavesTotal.WithLabelValues(collection, result).Inc()
}

// RecordGeocode counts a geocoding lookup. result is "hit", "miss" or "error".
func RecordGeocode(result string) {
	geocodeRequestsTotal.WithLabelValues(result).Inc()
}
