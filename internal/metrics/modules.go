// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModuleInstances = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "labrig_module_instances",
		Help: "Module instances by lifecycle state",
	}, []string{"module", "state"})

	ModuleStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_module_state_transitions_total",
		Help: "Module instance state transitions",
	}, []string{"module", "from", "to"})

	ModuleCrashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_module_crashes_total",
		Help: "Module child processes that exited without a quit command",
	}, []string{"module"})

	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_commands_sent_total",
		Help: "Commands forwarded to module children",
	}, []string{"module", "command"})

	StatusReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_status_received_total",
		Help: "Status messages received from module children",
	}, []string{"module", "status"})

	StatusParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_status_parse_failures_total",
		Help: "Child stdout lines that failed status parsing",
	}, []string{"module"})
)

// RecordTransition updates the instance gauge and transition counter for
// one state change.
func RecordTransition(module, from, to string) {
	if from != "" {
		ModuleInstances.WithLabelValues(module, from).Dec()
	}
	if to != "" {
		ModuleInstances.WithLabelValues(module, to).Inc()
	}
	ModuleStateTransitions.WithLabelValues(module, from, to).Inc()
}

// IncCrash records an unexpected child exit.
func IncCrash(module string) {
	ModuleCrashes.WithLabelValues(module).Inc()
}

// IncCommand records one forwarded command.
func IncCommand(module, command string) {
	CommandsSent.WithLabelValues(module, command).Inc()
}

// IncStatus records one received status message.
func IncStatus(module, status string) {
	StatusReceived.WithLabelValues(module, status).Inc()
}

// IncStatusParseFailure records one unparsable child stdout line.
func IncStatusParseFailure(module string) {
	StatusParseFailures.WithLabelValues(module).Inc()
}
