// SPDX-License-Identifier: MIT

package drt

import "strconv"

// Unit lines are space-separated text records. One STM line arrives per
// completed stimulus cycle; wireless units append their battery level:
//
//	STM <index> <onset_ms> <reaction_ms> <responses>[ <battery>]
//	BTY <battery>
//
// reaction_ms is -1 when the cycle timed out without a press.
const (
	lineStimulus = "STM"
	lineBattery  = "BTY"
)

// Control lines sent to a unit.
const (
	wireTrialStart   = "EXP START"
	wireTrialStop    = "EXP STOP"
	wireQueryBattery = "BTY?"
)

// stimulus is one parsed STM record. Battery is -1 when the line
// carried no battery field.
type stimulus struct {
	Index      int
	OnsetMS    int64
	ReactionMS int
	Responses  int
	Battery    int
}

// TimedOut reports whether the cycle ended without a press.
func (s stimulus) TimedOut() bool { return s.ReactionMS < 0 }

// parseStimulus reads the fields after the STM tag.
func parseStimulus(fields []string) (stimulus, bool) {
	if len(fields) != 4 && len(fields) != 5 {
		return stimulus{}, false
	}
	index, err1 := strconv.Atoi(fields[0])
	onset, err2 := strconv.ParseInt(fields[1], 10, 64)
	reaction, err3 := strconv.Atoi(fields[2])
	responses, err4 := strconv.Atoi(fields[3])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return stimulus{}, false
	}
	st := stimulus{
		Index:      index,
		OnsetMS:    onset,
		ReactionMS: reaction,
		Responses:  responses,
		Battery:    -1,
	}
	if len(fields) == 5 {
		b, err := strconv.Atoi(fields[4])
		if err != nil || b < 0 {
			return stimulus{}, false
		}
		st.Battery = b
	}
	return st, true
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
