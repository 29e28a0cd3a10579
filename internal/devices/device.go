// SPDX-License-Identifier: MIT

// Package devices holds the authoritative device table and the
// discovery drivers feeding it. Drivers sweep their bus on independent
// cadences and report fully-formed records; the registry classifies
// them into module families, dedupes by device id, tracks the
// connecting/connected tri-state and detects removal by absence across
// consecutive sweeps.
package devices

// Interface values a device attaches through.
const (
	InterfaceUSB     = "usb"
	InterfaceSerial  = "serial"
	InterfaceNetwork = "network"
	InterfaceXBee    = "xbee"
	InterfaceCSI     = "csi"
)

// Module families the registry classifies into.
const (
	FamilyAudio      = "audio"
	FamilyCameras    = "cameras"
	FamilyGPS        = "gps"
	FamilyEyeTracker = "eyetracker"
	FamilyDRT        = "drt"
	FamilyVOG        = "vog"
)

// Device is one discovered or connected hardware endpoint.
type Device struct {
	// ID is stable across sweeps, derived from the bus address or serial.
	ID          string `json:"device_id"`
	DisplayName string `json:"display_name"`
	// ModuleID names the owning module family, empty until classified.
	ModuleID  string `json:"module_id"`
	Interface string `json:"interface"`
	// Port is the bus path or network address used to open the device.
	Port       string `json:"port"`
	Baudrate   int    `json:"baudrate,omitempty"`
	IsWireless bool   `json:"is_wireless"`
	// DeviceType refines the family, e.g. wired vs wireless response box.
	DeviceType string `json:"device_type,omitempty"`
	Connected  bool   `json:"connected"`
	Connecting bool   `json:"connecting"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Meta returns one metadata value, empty when absent.
func (d Device) Meta(key string) string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata[key]
}

// Event kinds published on the device events topic.
const (
	EventDiscovered   = "discovered"
	EventRemoved      = "removed"
	EventConnecting   = "connecting"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Event is one registry state change, published on bus.TopicDeviceEvents.
type Event struct {
	Kind   string `json:"event"`
	Device Device `json:"device"`
}
