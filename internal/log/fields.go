// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSession       = "session"
	FieldTrial         = "trial"
	FieldTrialLabel    = "trial_label"
	FieldModule        = "module"
	FieldInstanceID    = "instance_id"
	FieldDeviceID      = "device_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldPID           = "pid"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldCommand   = "command"
	FieldStatus    = "status"
	FieldPipeline  = "pipeline"

	// Media fields
	FieldFPS        = "fps"
	FieldResolution = "resolution"
	FieldSampleRate = "sample_rate"
	FieldEncoder    = "encoder"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath       = "path"
	FieldSessionDir = "session_dir"
	FieldConfigPath = "config_path"
)
