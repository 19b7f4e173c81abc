package cron

import (
	"fmt"
	"strings"
	"time"
)

// lookaheadYears bounds the scan for the next occurrence; expressions like
// "0 0 30 2 *" never fire and must terminate.
const lookaheadYears = 8

// Next returns the first occurrence strictly after from, evaluated in loc
// (nil keeps from's location). ok is false when no occurrence exists
// within the year bounds. During a daylight-saving gap nonexistent local
// times are skipped; in a fold the occurrence fires only once, at the
// first (earlier) instant.
func (e *Expression) Next(from time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = from.Location()
	}
	t := from.In(loc).Truncate(time.Second).Add(time.Second)
	limit := t.Year() + lookaheadYears

	for {
		if t.Year() > limit || t.Year() > maxYear {
			return time.Time{}, false
		}
		if e.year.restricted {
			if _, ok := e.year.years[t.Year()]; !ok {
				t = startOfYear(t.Year()+1, loc)
				continue
			}
		}
		if !maskHas(e.months, int(t.Month())) {
			t = monotonic(t, time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc))
			continue
		}
		if !e.dayMatches(t) {
			t = monotonic(t, time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc))
			continue
		}
		if !maskHas(e.hours, t.Hour()) {
			t = t.Add(untilNextHour(t))
			continue
		}
		if !maskHas(e.minutes, t.Minute()) {
			t = t.Add(time.Duration(60-t.Second()) * time.Second)
			continue
		}
		if !maskHas(e.seconds, t.Second()) {
			t = t.Add(time.Second)
			continue
		}
		if inLaterFold(t) {
			t = t.Add(time.Second)
			continue
		}
		return t, true
	}
}

// Between returns every occurrence t with from < t <= to, in order.
func (e *Expression) Between(from, to time.Time, loc *time.Location) []time.Time {
	var out []time.Time
	t := from
	for {
		next, ok := e.Next(t, loc)
		if !ok || next.After(to) {
			return out
		}
		out = append(out, next)
		t = next
	}
}

// dayMatches applies the combined day-of-month and day-of-week rules.
// With both fields restricted either may match, following classic cron.
func (e *Expression) dayMatches(t time.Time) bool {
	switch {
	case e.dom.restricted && e.dow.restricted:
		return e.domMatches(t) || e.dowMatches(t)
	case e.dom.restricted:
		return e.domMatches(t)
	case e.dow.restricted:
		return e.dowMatches(t)
	}
	return true
}

func (e *Expression) domMatches(t time.Time) bool {
	day := t.Day()
	if maskHas(e.dom.bits, day) {
		return true
	}
	last := lastDayOfMonth(t.Year(), t.Month())
	for _, k := range e.dom.lastOffsets {
		if day == last-k {
			return true
		}
	}
	if e.dom.lastWeekday && day == lastWeekdayOfMonth(t.Year(), t.Month()) {
		return true
	}
	for _, d := range e.dom.nearest {
		if day == nearestWeekday(t.Year(), t.Month(), d) {
			return true
		}
	}
	return false
}

func (e *Expression) dowMatches(t time.Time) bool {
	wd := int(t.Weekday())
	if maskHas(e.dow.bits, wd) {
		return true
	}
	for _, nth := range e.dow.nth {
		if wd == nth.dow && (t.Day()-1)/7+1 == nth.n {
			return true
		}
	}
	for _, d := range e.dow.last {
		if wd == d && t.Day()+7 > lastDayOfMonth(t.Year(), t.Month()) {
			return true
		}
	}
	return false
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 12, 0, 0, 0, time.UTC).Day()
}

// lastWeekdayOfMonth returns the last Monday-to-Friday day of the month.
func lastWeekdayOfMonth(year int, month time.Month) int {
	d := lastDayOfMonth(year, month)
	switch time.Date(year, month, d, 12, 0, 0, 0, time.UTC).Weekday() {
	case time.Saturday:
		return d - 1
	case time.Sunday:
		return d - 2
	}
	return d
}

// nearestWeekday returns the weekday closest to day, never leaving the
// month: a Saturday target moves to Friday (or the following Monday when
// the target is the 1st), a Sunday target moves to Monday (or the
// preceding Friday when the target is the last day).
func nearestWeekday(year int, month time.Month, day int) int {
	last := lastDayOfMonth(year, month)
	if day > last {
		day = last
	}
	switch time.Date(year, month, day, 12, 0, 0, 0, time.UTC).Weekday() {
	case time.Saturday:
		if day == 1 {
			return 3
		}
		return day - 1
	case time.Sunday:
		if day == last {
			return day - 2
		}
		return day + 1
	}
	return day
}

func startOfYear(year int, loc *time.Location) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
}

// monotonic guards field jumps against zone normalization ever standing
// still; the scan must always move forward.
func monotonic(t, next time.Time) time.Time {
	if !next.After(t) {
		return t.Add(time.Hour)
	}
	return next
}

// untilNextHour is the absolute duration to the next wall-clock hour.
func untilNextHour(t time.Time) time.Duration {
	return time.Duration(59-t.Minute())*time.Minute + time.Duration(60-t.Second())*time.Second
}

// inLaterFold reports whether t is the repeated half of a daylight-saving
// fold: the instant one hour earlier shows the same local time.
func inLaterFold(t time.Time) bool {
	earlier := t.Add(-time.Hour)
	return earlier.Hour() == t.Hour() && earlier.Minute() == t.Minute() &&
		earlier.Second() == t.Second() && earlier.Day() == t.Day()
}

// Describe renders the schedule field by field.
func (e *Expression) Describe() string {
	var b strings.Builder
	b.WriteString(describeField("second", e.raw[0]))
	b.WriteString(", ")
	b.WriteString(describeField("minute", e.raw[1]))
	b.WriteString(", ")
	b.WriteString(describeField("hour", e.raw[2]))
	b.WriteString(", ")
	b.WriteString(describeDay(e.raw[3], e.raw[5]))
	b.WriteString(", ")
	b.WriteString(describeField("month", e.raw[4]))
	if e.year.restricted {
		b.WriteString(", ")
		b.WriteString(describeField("year", e.raw[6]))
	}
	return b.String()
}

func describeField(name, raw string) string {
	if raw == "*" || raw == "?" {
		return "every " + name
	}
	return name + " " + raw
}

func describeDay(dom, dow string) string {
	domAny := dom == "*" || dom == "?"
	dowAny := dow == "*" || dow == "?"
	switch {
	case domAny && dowAny:
		return "every day"
	case domAny:
		return "on day-of-week " + dow
	case dowAny:
		return "on day-of-month " + dom
	}
	return fmt.Sprintf("on day-of-month %s or day-of-week %s", dom, dow)
}
