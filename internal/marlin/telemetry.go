package marlin

import (
	"strconv"
	"strings"
)

// HeaterReading is one heater's current/target temperature and duty cycle.
type HeaterReading struct {
	Current float64
	Target  float64
	PWM     int // 0 when the line carried no @/B@ power field for this heater
}

// TemperatureSnapshot is a sample of every heater reported on one telemetry
// line (spec §3: "Telemetry snapshot").
type TemperatureSnapshot struct {
	Extruders []HeaterReading
	Bed       HeaterReading
	HasBed    bool
}

// parseTemperature decodes a Marlin telemetry line of the form
// `T:<f> /<f> B:<f> /<f> T0:<f> /<f> T1:<f> /<f> @:<int> B@:<int>` (spec
// §4.6.4, §6). Fields are optional and may appear in any order; unknown
// tokens are ignored. ok reports whether any heater field was found.
func parseTemperature(line string) (TemperatureSnapshot, bool) {
	var snap TemperatureSnapshot
	found := false
	extruder := make(map[int]*HeaterReading)
	lastExtruderIdx := 0

	getExtruder := func(idx int) *HeaterReading {
		hr, ok := extruder[idx]
		if !ok {
			hr = &HeaterReading{}
			extruder[idx] = hr
		}
		return hr
	}

	fields := strings.Fields(line)
	for i := 0; i < len(fields); i++ {
		key, val, hasVal := splitTokenValue(fields[i])
		if !hasVal {
			continue
		}
		switch {
		case key == "T":
			found = true
			lastExtruderIdx = 0
			setCurrentOrTarget(getExtruder(0), val, i, fields)
		case strings.HasPrefix(key, "T") && isDigits(key[1:]):
			idx, _ := strconv.Atoi(key[1:])
			found = true
			lastExtruderIdx = idx
			setCurrentOrTarget(getExtruder(idx), val, i, fields)
		case key == "B":
			snap.HasBed = true
			found = true
			setCurrentOrTarget(&snap.Bed, val, i, fields)
		case key == "@":
			if n, err := strconv.Atoi(val); err == nil {
				getExtruder(lastExtruderIdx).PWM = n
			}
		case key == "B@":
			if n, err := strconv.Atoi(val); err == nil {
				snap.Bed.PWM = n
			}
		}
	}

	if len(extruder) > 0 {
		maxIdx := -1
		for idx := range extruder {
			if idx > maxIdx {
				maxIdx = idx
			}
		}
		snap.Extruders = make([]HeaterReading, maxIdx+1)
		for idx, hr := range extruder {
			snap.Extruders[idx] = *hr
		}
	}
	return snap, found
}

// setCurrentOrTarget assigns val as hr's Current, and — if the next token
// is a "/<target>" continuation — also sets Target.
func setCurrentOrTarget(hr *HeaterReading, val string, i int, fields []string) {
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		hr.Current = f
	}
	if i+1 < len(fields) && strings.HasPrefix(fields[i+1], "/") {
		if f, err := strconv.ParseFloat(strings.TrimPrefix(fields[i+1], "/"), 64); err == nil {
			hr.Target = f
		}
	}
}

// splitTokenValue splits "T:123.4" into ("T", "123.4", true). Tokens
// without a colon (the "/<target>" continuations) are not key:value pairs.
func splitTokenValue(tok string) (key, val string, ok bool) {
	i := strings.IndexByte(tok, ':')
	if i < 0 {
		return "", "", false
	}
	return tok[:i], tok[i+1:], true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
