// SPDX-License-Identifier: MIT

package vog

import "strconv"

// Goggle lines are space-separated text records. One EVT line arrives
// per shutter transition; wireless units append the active lens, their
// battery level and their own name:
//
//	EVT <event_type> <shutter_state>[ <lens> <battery> <unit_id>]
//	BTY <battery>
const (
	lineTransition = "EVT"
	lineBattery    = "BTY"
)

// Control lines sent to a goggle. Lens selection carries the lens
// letter after the tag.
const (
	wireTrialStart   = "EXP START"
	wireTrialStop    = "EXP STOP"
	wireShutterOpen  = "SHUT OPEN"
	wireShutterClose = "SHUT CLOSE"
	wireQueryBattery = "BTY?"
	wireSetLens      = "LENS "
)

// Shutter states as the goggles report them.
const (
	shutterOpen   = "open"
	shutterClosed = "closed"
)

// transition is one parsed EVT record. Lens, Battery and UnitID are
// set only by the five-field wireless form; Battery is -1 otherwise.
type transition struct {
	EventType    string
	ShutterState string
	Lens         string
	Battery      int
	UnitID       string
}

// validLens reports whether l selects a known lens: A, B or X (both).
func validLens(l string) bool {
	return l == "A" || l == "B" || l == "X"
}

// parseTransition reads the fields after the EVT tag.
func parseTransition(fields []string) (transition, bool) {
	if len(fields) != 2 && len(fields) != 5 {
		return transition{}, false
	}
	if fields[1] != shutterOpen && fields[1] != shutterClosed {
		return transition{}, false
	}
	tr := transition{
		EventType:    fields[0],
		ShutterState: fields[1],
		Battery:      -1,
	}
	if len(fields) == 5 {
		if !validLens(fields[2]) {
			return transition{}, false
		}
		b, err := strconv.Atoi(fields[3])
		if err != nil || b < 0 {
			return transition{}, false
		}
		tr.Lens = fields[2]
		tr.Battery = b
		tr.UnitID = fields[4]
	}
	return tr, true
}

// parseBattery reads the single field after the BTY tag.
func parseBattery(fields []string) (int, bool) {
	if len(fields) != 1 {
		return 0, false
	}
	b, err := strconv.Atoi(fields[0])
	if err != nil || b < 0 || b > 100 {
		return 0, false
	}
	return b, true
}
