// SPDX-License-Identifier: MIT

// Package devsim generates plausible device output for the module
// conformance tests: NMEA sentence streams, response-device and
// goggle event sequences, gaze and IMU sample trains. Every generator
// is deterministic for a given seed so tests can assert exact rows.
package devsim

import (
	"math/rand/v2"
)

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
