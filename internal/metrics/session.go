// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labrig_session_active",
		Help: "1 while a recording session is active",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_sessions_total",
		Help: "Total sessions by outcome",
	}, []string{"outcome"})

	TrialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_trials_total",
		Help: "Total trials by outcome",
	}, []string{"outcome"})

	TrialDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "labrig_trial_duration_seconds",
		Help:    "Wall-clock duration of completed trials",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// TrialStartSpread tracks how long the slowest module took to confirm
	// a trial start relative to the fan-out instant.
	TrialStartSpread = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "labrig_trial_start_spread_seconds",
		Help:    "Time from trial fan-out to the last module confirmation",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
	})
)

// Session and trial outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
)

// IncSession records a finished session.
func IncSession(outcome string) {
	SessionsTotal.WithLabelValues(outcome).Inc()
}

// IncTrial records a finished trial.
func IncTrial(outcome string) {
	TrialsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTrialDuration records a completed trial's wall-clock length.
func ObserveTrialDuration(d time.Duration) {
	TrialDuration.Observe(d.Seconds())
}

// ObserveTrialStartSpread records the confirmation spread of a trial start.
func ObserveTrialStartSpread(d time.Duration) {
	TrialStartSpread.Observe(d.Seconds())
}
