package dicom

import (
	"strconv"
	"strings"
	"time"
)

// ModalityOther is the catch-all modality code.
const ModalityOther = "OT"

var modalities = map[string]bool{
	"CR": true,
	"CT": true,
	"MR": true,
	"US": true,
	"XA": true,
	"NM": true,
	"PT": true,
	"DX": true,
	"MG": true,
	"OT": true,
}

// NormalizeModality returns the recognised modality code for raw, or
// ModalityOther.
func NormalizeModality(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if modalities[code] {
		return code
	}
	return ModalityOther
}

// ParseDate parses a YYYYMMDD date as midnight UTC. Characters after the
// eighth are ignored.
func ParseDate(s string) Value[time.Time] {
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return None[time.Time]()
	}
	y, errY := strconv.Atoi(s[0:4])
	m, errM := strconv.Atoi(s[4:6])
	d, errD := strconv.Atoi(s[6:8])
	if errY != nil || errM != nil || errD != nil {
		return None[time.Time]()
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return None[time.Time]()
	}
	return Some(t)
}

// FormatPersonName turns a caret-delimited Last^First^Middle name into
// reading order. A single component is returned as given.
func FormatPersonName(raw string) Value[string] {
	var parts []string
	for _, p := range strings.Split(raw, "^") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	switch {
	case len(parts) == 0:
		return None[string]()
	case len(parts) == 1:
		return Some(parts[0])
	case len(parts) == 2:
		return Some(parts[1] + " " + parts[0])
	default:
		return Some(parts[1] + " " + parts[2] + " " + parts[0])
	}
}
