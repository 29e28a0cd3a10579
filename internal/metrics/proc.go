// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProcSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_proc_signals_total",
		Help: "Signals delivered to child process groups by signal and outcome",
	}, []string{"signal", "outcome"})

	ProcWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_proc_waits_total",
		Help: "Child process wait results",
	}, []string{"result"})
)

// IncProcSignal records one delivered (or attempted) group signal.
func IncProcSignal(signal, outcome string) {
	ProcSignals.WithLabelValues(signal, outcome).Inc()
}

// IncProcWait records one child wait result.
func IncProcWait(result string) {
	ProcWaits.WithLabelValues(result).Inc()
}
