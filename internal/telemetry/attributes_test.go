// SPDX-License-Identifier: MIT

package telemetry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestModuleAttributes(t *testing.T) {
	attrs := ModuleAttributes("gps", "i-1", "recording")
	assert.Len(t, attrs, 3)

	attrs = ModuleAttributes("gps", "", "")
	assert.Equal(t, []attribute.KeyValue{attribute.String(ModuleNameKey, "gps")}, attrs)
}

func TestSessionAttributes(t *testing.T) {
	attrs := SessionAttributes("session_20240101_120000", 3, "baseline")
	assert.Len(t, attrs, 3)
	assert.Contains(t, attrs, attribute.Int(TrialNumberKey, 3))

	assert.Empty(t, SessionAttributes("", 0, ""))
}

func TestCommandAndDeviceAttributes(t *testing.T) {
	assert.Contains(t, CommandAttributes("audio", "start_recording"),
		attribute.String(CommandNameKey, "start_recording"))
	assert.Contains(t, DeviceAttributes("usb:1-2", "drt"),
		attribute.String(DeviceFamilyKey, "drt"))
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes(errors.New("boom"), "spawn_failure")
	assert.Contains(t, attrs, attribute.Bool(ErrorKey, true))
	assert.Contains(t, attrs, attribute.String(ErrorTypeKey, "spawn_failure"))
}
