// Package cron parses crontab expressions and enumerates their
// occurrences. Beyond the classic five fields it accepts optional seconds
// and year fields plus the Quartz day modifiers (L, LW, W, #).
package cron

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	minYear = 1970
	maxYear = 2099
)

var monthNames = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var dowNames = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

// Expression is a parsed cron schedule. Use Parse to build one; the zero
// value matches nothing.
type Expression struct {
	source string

	seconds uint64
	minutes uint64
	hours   uint64
	months  uint64

	dom  domField
	dow  dowField
	year yearField

	raw [7]string
}

type domField struct {
	restricted  bool
	bits        uint64
	lastOffsets []int // 0 for plain L, k for L-k
	lastWeekday bool  // LW
	nearest     []int // dW
}

type dowField struct {
	restricted bool
	bits       uint64
	nth        []dowNth // d#n
	last       []int    // dL
}

type dowNth struct {
	dow, n int
}

type yearField struct {
	restricted bool
	years      map[int]struct{}
}

// Parse compiles expr. Field counts: five (minute, hour, day-of-month,
// month, day-of-week), six (the same plus leading seconds, or plus a
// trailing year when the last field carries a four-digit number), or
// seven (seconds first, year last).
func Parse(expr string) (*Expression, error) {
	fields := strings.Fields(expr)
	e := &Expression{source: strings.Join(fields, " ")}

	var sec, min, hour, dom, mon, dow, year string
	switch len(fields) {
	case 5:
		sec = "0"
		min, hour, dom, mon, dow = fields[0], fields[1], fields[2], fields[3], fields[4]
		year = "*"
	case 6:
		if looksLikeYear(fields[5]) {
			sec = "0"
			min, hour, dom, mon, dow, year = fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]
		} else {
			sec, min, hour, dom, mon, dow = fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]
			year = "*"
		}
	case 7:
		sec, min, hour, dom, mon, dow, year = fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6]
	default:
		return nil, fmt.Errorf("cron: %q has %d fields, want 5, 6, or 7", expr, len(fields))
	}
	e.raw = [7]string{sec, min, hour, dom, mon, dow, year}

	var err error
	if e.seconds, err = parseMask(sec, 0, 59, nil, false); err != nil {
		return nil, fmt.Errorf("cron: seconds: %w", err)
	}
	if e.minutes, err = parseMask(min, 0, 59, nil, false); err != nil {
		return nil, fmt.Errorf("cron: minutes: %w", err)
	}
	if e.hours, err = parseMask(hour, 0, 23, nil, false); err != nil {
		return nil, fmt.Errorf("cron: hours: %w", err)
	}
	if e.months, err = parseMask(mon, 1, 12, monthNames, false); err != nil {
		return nil, fmt.Errorf("cron: month: %w", err)
	}
	if err = e.parseDom(dom); err != nil {
		return nil, fmt.Errorf("cron: day-of-month: %w", err)
	}
	if err = e.parseDow(dow); err != nil {
		return nil, fmt.Errorf("cron: day-of-week: %w", err)
	}
	if err = e.parseYear(year); err != nil {
		return nil, fmt.Errorf("cron: year: %w", err)
	}
	return e, nil
}

// MustParse is Parse for static expressions; it panics on error.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the normalized source expression.
func (e *Expression) String() string { return e.source }

// looksLikeYear reports whether any numeric token in the field is a
// plausible four-digit year, which disambiguates six-field expressions.
func looksLikeYear(field string) bool {
	for _, tok := range strings.FieldsFunc(field, func(r rune) bool {
		return r == ',' || r == '-' || r == '/'
	}) {
		if n, err := strconv.Atoi(tok); err == nil && n >= minYear {
			return true
		}
	}
	return false
}

// parseMask compiles a plain numeric field into a bitmask. Wrap permits
// reverse ranges (day-of-week FRI-MON).
func parseMask(field string, min, max int, names map[string]int, wrap bool) (uint64, error) {
	if field == "*" || field == "?" {
		return rangeMask(min, max), nil
	}
	var bits uint64
	err := parseInto(field, min, max, names, wrap, func(v int) { bits |= 1 << uint(v) })
	return bits, err
}

// parseInto enumerates the values of a comma-separated field through set.
func parseInto(field string, min, max int, names map[string]int, wrap bool, set func(int)) error {
	for _, part := range strings.Split(field, ",") {
		if err := parsePart(part, min, max, names, wrap, set); err != nil {
			return err
		}
	}
	return nil
}

func parsePart(part string, min, max int, names map[string]int, wrap bool, set func(int)) error {
	step := 1
	body := part
	if i := strings.Index(part, "/"); i >= 0 {
		body = part[:i]
		n, err := strconv.Atoi(part[i+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("bad step in %q", part)
		}
		step = n
	}

	var lo, hi int
	switch {
	case body == "*" || body == "?":
		lo, hi = min, max
	case strings.Contains(body, "-"):
		segs := strings.SplitN(body, "-", 2)
		var err error
		if lo, err = fieldValue(segs[0], min, max, names); err != nil {
			return err
		}
		if hi, err = fieldValue(segs[1], min, max, names); err != nil {
			return err
		}
		if hi < lo && !wrap {
			return fmt.Errorf("reverse range %q not allowed here", body)
		}
	default:
		v, err := fieldValue(body, min, max, names)
		if err != nil {
			return err
		}
		lo = v
		if strings.Contains(part, "/") {
			hi = max // "a/n" runs from a to the top of the range
		} else {
			hi = v
		}
	}

	size := max - min + 1
	span := hi - lo
	if span < 0 {
		span += size
	}
	for off := 0; off <= span; off += step {
		set(min + ((lo-min)+off)%size)
	}
	return nil
}

func fieldValue(tok string, min, max int, names map[string]int) (int, error) {
	if names != nil {
		if v, ok := names[strings.ToUpper(tok)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", tok)
	}
	if names != nil && max == 6 && v == 7 {
		v = 0 // 7 is an alias for Sunday
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d outside [%d,%d]", v, min, max)
	}
	return v, nil
}

func (e *Expression) parseDom(field string) error {
	if field == "*" || field == "?" {
		return nil
	}
	e.dom.restricted = true
	for _, part := range strings.Split(field, ",") {
		up := strings.ToUpper(part)
		switch {
		case up == "L":
			e.dom.lastOffsets = append(e.dom.lastOffsets, 0)
		case up == "LW":
			e.dom.lastWeekday = true
		case strings.HasPrefix(up, "L-"):
			k, err := strconv.Atoi(up[2:])
			if err != nil || k < 0 || k > 30 {
				return fmt.Errorf("bad offset %q", part)
			}
			e.dom.lastOffsets = append(e.dom.lastOffsets, k)
		case strings.HasSuffix(up, "W"):
			d, err := strconv.Atoi(up[:len(up)-1])
			if err != nil || d < 1 || d > 31 {
				return fmt.Errorf("bad weekday target %q", part)
			}
			e.dom.nearest = append(e.dom.nearest, d)
		default:
			if err := parsePart(part, 1, 31, nil, false, func(v int) { e.dom.bits |= 1 << uint(v) }); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Expression) parseDow(field string) error {
	if field == "*" || field == "?" {
		return nil
	}
	e.dow.restricted = true
	for _, part := range strings.Split(field, ",") {
		up := strings.ToUpper(part)
		switch {
		case strings.Contains(up, "#"):
			segs := strings.SplitN(up, "#", 2)
			d, err := fieldValue(segs[0], 0, 6, dowNames)
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(segs[1])
			if err != nil || n < 1 || n > 5 {
				return fmt.Errorf("bad occurrence in %q", part)
			}
			e.dow.nth = append(e.dow.nth, dowNth{dow: d, n: n})
		case strings.HasSuffix(up, "L") && up != "L":
			d, err := fieldValue(up[:len(up)-1], 0, 6, dowNames)
			if err != nil {
				return err
			}
			e.dow.last = append(e.dow.last, d)
		default:
			if err := parsePart(part, 0, 6, dowNames, true, func(v int) { e.dow.bits |= 1 << uint(v) }); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Expression) parseYear(field string) error {
	if field == "*" || field == "?" {
		return nil
	}
	e.year.restricted = true
	e.year.years = make(map[int]struct{})
	return parseInto(field, minYear, maxYear, nil, false, func(v int) {
		e.year.years[v] = struct{}{}
	})
}

func rangeMask(min, max int) uint64 {
	var bits uint64
	for v := min; v <= max; v++ {
		bits |= 1 << uint(v)
	}
	return bits
}

func maskHas(bits uint64, v int) bool {
	return bits&(1<<uint(v)) != 0
}
