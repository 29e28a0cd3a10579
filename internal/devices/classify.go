// SPDX-License-Identifier: MIT

package devices

import "strings"

// Rule maps a discovered record onto a module family. Empty match
// fields match anything; the first matching rule wins.
type Rule struct {
	// Match half.
	Source     string // discovery driver name (usb, alsa, serial, network, xbee)
	Interface  string
	VendorID   string // lowercase hex, 4 digits
	ProductID  string
	NameSubstr string // case-insensitive, checked against display name and driver metadata

	// Assign half, applied only where the record is still unset.
	ModuleID   string
	DeviceType string
	IsWireless bool
	Baudrate   int
}

func (r Rule) matches(d Device) bool {
	if r.Source != "" && r.Source != d.Meta("source") {
		return false
	}
	if r.Interface != "" && r.Interface != d.Interface {
		return false
	}
	if r.VendorID != "" && r.VendorID != strings.ToLower(d.Meta("vendor_id")) {
		return false
	}
	if r.ProductID != "" && r.ProductID != strings.ToLower(d.Meta("product_id")) {
		return false
	}
	if r.NameSubstr != "" {
		sub := strings.ToLower(r.NameSubstr)
		name := strings.ToLower(d.DisplayName)
		drv := strings.ToLower(d.Meta("driver"))
		if !strings.Contains(name, sub) && !strings.Contains(drv, sub) {
			return false
		}
	}
	return true
}

// DefaultRules is the static classification table: known vendor/product
// pairs first, then name heuristics, then per-interface fallbacks.
func DefaultRules() []Rule {
	return []Rule{
		// Response devices. The wired box is a Teensy serial device, the
		// wireless ones appear behind an XBee coordinator dongle.
		{Interface: InterfaceUSB, VendorID: "16c0", ProductID: "0483", ModuleID: FamilyDRT, DeviceType: "sdrt", Baudrate: 115200},
		{Interface: InterfaceSerial, NameSubstr: "sdrt", ModuleID: FamilyDRT, DeviceType: "sdrt", Baudrate: 115200},
		{Interface: InterfaceUSB, VendorID: "0403", ProductID: "6015", ModuleID: FamilyDRT, DeviceType: "xbee_coordinator", Baudrate: 9600},
		{Interface: InterfaceSerial, NameSubstr: "xbib", ModuleID: FamilyDRT, DeviceType: "xbee_coordinator", Baudrate: 9600},
		{Interface: InterfaceSerial, NameSubstr: "xbee", ModuleID: FamilyDRT, DeviceType: "xbee_coordinator", Baudrate: 9600},
		{Interface: InterfaceXBee, NameSubstr: "vog", ModuleID: FamilyVOG, DeviceType: "wvog", IsWireless: true},
		{Interface: InterfaceXBee, NameSubstr: "plato", ModuleID: FamilyVOG, DeviceType: "wvog", IsWireless: true},
		{Interface: InterfaceXBee, ModuleID: FamilyDRT, DeviceType: "wdrt", IsWireless: true},

		// GPS receivers.
		{Interface: InterfaceUSB, VendorID: "1546", ModuleID: FamilyGPS, DeviceType: "ublox", Baudrate: 9600},
		{Interface: InterfaceSerial, NameSubstr: "u-blox", ModuleID: FamilyGPS, DeviceType: "ublox", Baudrate: 9600},
		{Interface: InterfaceSerial, NameSubstr: "gps", ModuleID: FamilyGPS, Baudrate: 4800},

		// Visual occlusion goggles.
		{Interface: InterfaceSerial, NameSubstr: "vog", ModuleID: FamilyVOG, Baudrate: 115200},
		{Interface: InterfaceSerial, NameSubstr: "plato", ModuleID: FamilyVOG, Baudrate: 115200},

		// Audio capture: any USB card reported by ALSA.
		{Source: "alsa", NameSubstr: "usb", ModuleID: FamilyAudio, DeviceType: "usb_audio"},

		// Cameras.
		{Interface: InterfaceUSB, NameSubstr: "camera", ModuleID: FamilyCameras, DeviceType: "uvc"},
		{Interface: InterfaceUSB, NameSubstr: "webcam", ModuleID: FamilyCameras, DeviceType: "uvc"},
		{Interface: InterfaceUSB, VendorID: "046d", ModuleID: FamilyCameras, DeviceType: "uvc"},
		{Interface: InterfaceCSI, ModuleID: FamilyCameras, DeviceType: "csi"},

		// Eye trackers announce over the network.
		{Interface: InterfaceNetwork, NameSubstr: "pupil", ModuleID: FamilyEyeTracker, DeviceType: "pupil_core"},
		{Interface: InterfaceNetwork, ModuleID: FamilyEyeTracker},
	}
}

// Classify applies the first matching rule to d. The second return is
// false when no rule matched and d carries no module assignment of its
// own.
func Classify(rules []Rule, d Device) (Device, bool) {
	for _, r := range rules {
		if !r.matches(d) {
			continue
		}
		if d.ModuleID == "" {
			d.ModuleID = r.ModuleID
		}
		if d.DeviceType == "" {
			d.DeviceType = r.DeviceType
		}
		if r.IsWireless {
			d.IsWireless = true
		}
		if d.Baudrate == 0 {
			d.Baudrate = r.Baudrate
		}
		return d, true
	}
	return d, d.ModuleID != ""
}
