// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing for the master
// daemon: a provider wired from config and span attribute helpers for
// the recording domain.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used across spans.
const (
	// Module attributes
	ModuleNameKey     = "module.name"
	ModuleInstanceKey = "module.instance_id"
	ModuleStateKey    = "module.state"

	// Session attributes
	SessionLabelKey = "session.label"
	TrialNumberKey  = "trial.number"
	TrialLabelKey   = "trial.label"

	// Device attributes
	DeviceIDKey     = "device.id"
	DeviceFamilyKey = "device.family"

	// Command attributes
	CommandNameKey = "command.name"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// ModuleAttributes creates module lifecycle span attributes.
func ModuleAttributes(name, instanceID, state string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	attrs = append(attrs, attribute.String(ModuleNameKey, name))
	if instanceID != "" {
		attrs = append(attrs, attribute.String(ModuleInstanceKey, instanceID))
	}
	if state != "" {
		attrs = append(attrs, attribute.String(ModuleStateKey, state))
	}
	return attrs
}

// SessionAttributes creates session and trial span attributes.
func SessionAttributes(label string, trial int, trialLabel string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if label != "" {
		attrs = append(attrs, attribute.String(SessionLabelKey, label))
	}
	if trial > 0 {
		attrs = append(attrs, attribute.Int(TrialNumberKey, trial))
	}
	if trialLabel != "" {
		attrs = append(attrs, attribute.String(TrialLabelKey, trialLabel))
	}
	return attrs
}

// DeviceAttributes creates device span attributes.
func DeviceAttributes(id, family string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(DeviceIDKey, id),
		attribute.String(DeviceFamilyKey, family),
	}
}

// CommandAttributes creates module command span attributes.
func CommandAttributes(module, command string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ModuleNameKey, module),
		attribute.String(CommandNameKey, command),
	}
}

// ErrorAttributes creates error span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
