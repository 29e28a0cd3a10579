// SPDX-License-Identifier: MIT

package gps

import (
	"fmt"
	"strconv"
	"strings"
)

// Parser accumulates NMEA sentences into the receiver view recorded in
// the CSV rows. Fields not yet reported by any sentence stay empty.
type Parser struct {
	timeUTC    string
	date       string
	fixValid   string
	fixQuality string
	lat        string
	lon        string
	alt        string
	geoidSep   string
	speedKn    string
	speedKmh   string
	course     string
	magVar     string
	satsInUse  string
	satsInView string
	hdop       string
	vdop       string
	pdop       string
	mode       string
}

// Apply folds one sentence into the state. It returns the talker-less
// sentence type (GGA, RMC, GSA, GSV) and false for lines that fail the
// checksum or are not recognised.
func (p *Parser) Apply(line string) (string, bool) {
	body, ok := checkFrame(line)
	if !ok {
		return "", false
	}

	fields := strings.Split(body, ",")
	if len(fields) == 0 || len(fields[0]) < 5 {
		return "", false
	}
	stype := fields[0][len(fields[0])-3:]

	switch stype {
	case "GGA":
		p.applyGGA(fields)
	case "RMC":
		p.applyRMC(fields)
	case "GSA":
		p.applyGSA(fields)
	case "GSV":
		p.applyGSV(fields)
	default:
		return "", false
	}
	return stype, true
}

// Derived returns the 18 derived columns between sentence_type and
// raw_sentence, in schema order.
func (p *Parser) Derived() []string {
	return []string{
		p.timeUTC, p.date, p.fixValid, p.fixQuality,
		p.lat, p.lon, p.alt, p.geoidSep,
		p.speedKn, p.speedKmh, p.course, p.magVar,
		p.satsInUse, p.satsInView,
		p.hdop, p.vdop, p.pdop, p.mode,
	}
}

// HasFix reports whether the last fix-bearing sentence was valid.
func (p *Parser) HasFix() bool { return p.fixValid == "1" }

// Position returns the last decimal-degree coordinates, ok when a
// position has been seen.
func (p *Parser) Position() (lat, lon float64, ok bool) {
	if p.lat == "" || p.lon == "" {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(p.lat, 64)
	lon, err2 := strconv.ParseFloat(p.lon, 64)
	return lat, lon, err1 == nil && err2 == nil
}

func (p *Parser) applyGGA(f []string) {
	setField(&p.timeUTC, f, 1)
	if lat, ok := parseCoord(field(f, 2), field(f, 3)); ok {
		p.lat = formatDeg(lat)
	}
	if lon, ok := parseCoord(field(f, 4), field(f, 5)); ok {
		p.lon = formatDeg(lon)
	}
	if q := field(f, 6); q != "" {
		p.fixQuality = q
		if q == "0" {
			p.fixValid = "0"
		} else {
			p.fixValid = "1"
		}
	}
	setField(&p.satsInUse, f, 7)
	setField(&p.hdop, f, 8)
	setField(&p.alt, f, 9)
	setField(&p.geoidSep, f, 11)
}

func (p *Parser) applyRMC(f []string) {
	setField(&p.timeUTC, f, 1)
	switch field(f, 2) {
	case "A":
		p.fixValid = "1"
	case "V":
		p.fixValid = "0"
	}
	if lat, ok := parseCoord(field(f, 3), field(f, 4)); ok {
		p.lat = formatDeg(lat)
	}
	if lon, ok := parseCoord(field(f, 5), field(f, 6)); ok {
		p.lon = formatDeg(lon)
	}
	if kn := field(f, 7); kn != "" {
		p.speedKn = kn
		if v, err := strconv.ParseFloat(kn, 64); err == nil {
			p.speedKmh = strconv.FormatFloat(v*1.852, 'f', 2, 64)
		}
	}
	setField(&p.course, f, 8)
	setField(&p.date, f, 9)
	if mv := field(f, 10); mv != "" {
		if field(f, 11) == "W" {
			mv = "-" + mv
		}
		p.magVar = mv
	}
	// NMEA 2.3 appends the mode indicator as the last field.
	if len(f) >= 13 {
		setField(&p.mode, f, 12)
	}
}

func (p *Parser) applyGSA(f []string) {
	// mode2: 1 = no fix, 2 = 2D, 3 = 3D.
	if m := field(f, 2); m != "" {
		if m == "1" {
			p.fixValid = "0"
		} else {
			p.fixValid = "1"
		}
	}
	setField(&p.pdop, f, 15)
	setField(&p.hdop, f, 16)
	setField(&p.vdop, f, 17)
}

func (p *Parser) applyGSV(f []string) {
	setField(&p.satsInView, f, 3)
}

// checkFrame validates the $...*XX framing and checksum, returning the
// body between them.
func checkFrame(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return "", false
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 || len(line)-star != 3 {
		return "", false
	}
	var want byte
	if _, err := fmt.Sscanf(line[star+1:], "%02X", &want); err != nil {
		return "", false
	}
	var sum byte
	for i := 1; i < star; i++ {
		sum ^= line[i]
	}
	if sum != want {
		return "", false
	}
	return line[1:star], true
}

// parseCoord converts the NMEA (d)ddmm.mmmm field plus hemisphere into
// decimal degrees.
func parseCoord(v, hemi string) (float64, bool) {
	if v == "" || len(v) < 4 {
		return 0, false
	}
	dot := strings.IndexByte(v, '.')
	if dot < 0 {
		dot = len(v)
	}
	if dot < 3 {
		return 0, false
	}
	deg, err1 := strconv.ParseFloat(v[:dot-2], 64)
	minutes, err2 := strconv.ParseFloat(v[dot-2:], 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	out := deg + minutes/60
	if hemi == "S" || hemi == "W" {
		out = -out
	}
	return out, true
}

func formatDeg(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func field(f []string, i int) string {
	if i >= len(f) {
		return ""
	}
	return f[i]
}

func setField(dst *string, f []string, i int) {
	if v := field(f, i); v != "" {
		*dst = v
	}
}
