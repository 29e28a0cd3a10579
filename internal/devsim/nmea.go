// SPDX-License-Identifier: MIT

package devsim

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// NMEAGenerator emits a GGA/RMC sentence pair per tick for a receiver
// moving at constant speed on a gently wandering course. Fix loss can
// be injected to exercise the invalid-fix code paths.
type NMEAGenerator struct {
	rng *rand.Rand

	lat    float64 // decimal degrees, north positive
	lon    float64 // decimal degrees, east positive
	alt    float64 // metres above mean sea level
	speed  float64 // knots over ground
	course float64 // degrees true

	clock    time.Time
	interval time.Duration
	lostFix  int
}

// NewNMEAGenerator seeds a generator near the default test coordinates.
// One Next call advances the receiver clock by one second.
func NewNMEAGenerator(seed uint64) *NMEAGenerator {
	rng := newRNG(seed)
	return &NMEAGenerator{
		rng:      rng,
		lat:      40.0150 + rng.Float64()*0.01,
		lon:      -105.2705 - rng.Float64()*0.01,
		alt:      1624.0 + rng.Float64()*10,
		speed:    12.0 + rng.Float64()*6,
		course:   rng.Float64() * 360,
		clock:    time.Date(2024, 3, 14, 15, 9, 26, 0, time.UTC),
		interval: time.Second,
	}
}

// LoseFix invalidates the next n sentence pairs. GGA reports quality 0
// and RMC reports status V until the counter runs out.
func (g *NMEAGenerator) LoseFix(n int) { g.lostFix = n }

// Position reports the current decimal-degree coordinates.
func (g *NMEAGenerator) Position() (lat, lon float64) { return g.lat, g.lon }

// Next advances the receiver by one interval and returns the GGA and
// RMC sentences for the new position, checksums included.
func (g *NMEAGenerator) Next() (gga, rmc string) {
	g.advance()

	valid := g.lostFix == 0
	if !valid {
		g.lostFix--
	}

	gga = g.gga(valid)
	rmc = g.rmc(valid)
	return gga, rmc
}

func (g *NMEAGenerator) advance() {
	g.clock = g.clock.Add(g.interval)
	g.course = math.Mod(g.course+g.rng.Float64()*4-2+360, 360)
	g.speed = math.Max(0, g.speed+g.rng.Float64()*0.6-0.3)

	distKm := g.speed * 1.852 * g.interval.Seconds() / 3600
	rad := g.course * math.Pi / 180
	g.lat += distKm * math.Cos(rad) / 110.574
	g.lon += distKm * math.Sin(rad) / (111.320 * math.Cos(g.lat*math.Pi/180))
	g.alt += g.rng.Float64()*0.4 - 0.2
}

func (g *NMEAGenerator) gga(valid bool) string {
	quality, sats := 1, 8+g.rng.IntN(5)
	if !valid {
		quality, sats = 0, 3
	}
	latStr, ns := formatLatitude(g.lat)
	lonStr, ew := formatLongitude(g.lon)
	body := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,%d,%02d,%.1f,%.1f,M,%.1f,M,,",
		g.clock.Format("150405.00"), latStr, ns, lonStr, ew,
		quality, sats, 0.8+g.rng.Float64()*0.6, g.alt, -20.8)
	return sealSentence(body)
}

func (g *NMEAGenerator) rmc(valid bool) string {
	status := "A"
	if !valid {
		status = "V"
	}
	latStr, ns := formatLatitude(g.lat)
	lonStr, ew := formatLongitude(g.lon)
	body := fmt.Sprintf("GPRMC,%s,%s,%s,%s,%s,%s,%.1f,%.1f,%s,%.1f,E,A",
		g.clock.Format("150405.00"), status, latStr, ns, lonStr, ew,
		g.speed, g.course, g.clock.Format("020106"), 8.1)
	return sealSentence(body)
}

// formatLatitude renders decimal degrees as the NMEA ddmm.mmmm field
// with its hemisphere letter.
func formatLatitude(deg float64) (string, string) {
	hemi := "N"
	if deg < 0 {
		hemi = "S"
		deg = -deg
	}
	d := int(deg)
	return fmt.Sprintf("%02d%07.4f", d, (deg-float64(d))*60), hemi
}

// formatLongitude renders decimal degrees as the NMEA dddmm.mmmm field
// with its hemisphere letter.
func formatLongitude(deg float64) (string, string) {
	hemi := "E"
	if deg < 0 {
		hemi = "W"
		deg = -deg
	}
	d := int(deg)
	return fmt.Sprintf("%03d%07.4f", d, (deg-float64(d))*60), hemi
}

func sealSentence(body string) string {
	return fmt.Sprintf("$%s*%02X", body, nmeaChecksum(body))
}

// nmeaChecksum XORs the sentence bytes between the leading $ and the
// trailing *.
func nmeaChecksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// ValidSentence reports whether s carries a well-formed $...*XX frame
// with a matching checksum.
func ValidSentence(s string) bool {
	if !strings.HasPrefix(s, "$") {
		return false
	}
	star := strings.LastIndexByte(s, '*')
	if star < 0 || len(s)-star != 3 {
		return false
	}
	var want byte
	if _, err := fmt.Sscanf(s[star+1:], "%02X", &want); err != nil {
		return false
	}
	return nmeaChecksum(s[1:star]) == want
}
