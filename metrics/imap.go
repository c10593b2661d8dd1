// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommand = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imapmirror_imap_command_duration_seconds",
			Help:    "IMAP commands executed and their duration.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60},
		},
		[]string{
			"cmd",    // select, uid search, uid store, ...
			"result", // ok, no, bad, error, timeout
		},
	)
	metricSync = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imapmirror_sync_duration_seconds",
			Help:    "Folder synchronizations and their duration.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{
			"kind",   // cached, incremental, full, reset, empty
			"result", // ok, error
		},
	)
	metricIdentityFetch = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imapmirror_sync_identity_fetch_total",
			Help: "UID SEARCH or UID FETCH commands issued to learn message UIDs.",
		},
	)
	metricFlagStore = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapmirror_flag_store_total",
			Help: "Flag mutation commands issued.",
		},
		[]string{
			"mode", // immediate, batch
		},
	)
	metricLockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imapmirror_session_lock_contention_total",
			Help: "Operations rejected because the session was busy.",
		},
	)
	metricLookup = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imapmirror_dns_lookup_duration_seconds",
			Help:    "Host lookups and their duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"result", // ok, nxdomain, temporary, timeout, canceled, error
		},
	)
)

// ResultLabel returns a short label for an error, for use in metrics.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

func CommandObserve(cmd, result string, start time.Time) {
	metricCommand.WithLabelValues(cmd, result).Observe(float64(time.Since(start)) / float64(time.Second))
}

func SyncObserve(kind string, err error, start time.Time) {
	metricSync.WithLabelValues(kind, ResultLabel(err)).Observe(float64(time.Since(start)) / float64(time.Second))
}

func IdentityFetchInc() {
	metricIdentityFetch.Inc()
}

func FlagStoreInc(mode string) {
	metricFlagStore.WithLabelValues(mode).Inc()
}

func LockContentionInc() {
	metricLockContention.Inc()
}

func LookupObserve(result string, start time.Time) {
	metricLookup.WithLabelValues(result).Observe(float64(time.Since(start)) / float64(time.Second))
}
