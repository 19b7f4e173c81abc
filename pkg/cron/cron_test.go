package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNext(t *testing.T, expr string, from time.Time, loc *time.Location) time.Time {
	t.Helper()
	e, err := Parse(expr)
	require.NoError(t, err)
	next, ok := e.Next(from, loc)
	require.True(t, ok, "expected an occurrence for %q", expr)
	return next
}

func utc(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

func TestNextFiveFieldBasics(t *testing.T) {
	t.Parallel()
	cases := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{"*/15 * * * *", utc(2025, 9, 1, 10, 3, 0), utc(2025, 9, 1, 10, 15, 0)},
		{"*/15 * * * *", utc(2025, 9, 1, 10, 45, 0), utc(2025, 9, 1, 11, 0, 0)},
		{"0 0 * * *", utc(2025, 9, 1, 0, 0, 0), utc(2025, 9, 2, 0, 0, 0)},
		{"30 8 1 * *", utc(2025, 9, 1, 9, 0, 0), utc(2025, 10, 1, 8, 30, 0)},
		{"0 12 * JAN,jul *", utc(2025, 9, 1, 0, 0, 0), utc(2026, 1, 1, 12, 0, 0)},
		{"0 9-17 * * MON-FRI", utc(2025, 9, 5, 17, 30, 0), utc(2025, 9, 8, 9, 0, 0)},
		{"5,35 14 * * *", utc(2025, 9, 1, 14, 5, 0), utc(2025, 9, 1, 14, 35, 0)},
		{"0 0 29 2 *", utc(2025, 1, 1, 0, 0, 0), utc(2028, 2, 29, 0, 0, 0)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mustNext(t, tc.expr, tc.from, nil), "expr %q", tc.expr)
	}
}

func TestNextStrictlyAfterFrom(t *testing.T) {
	t.Parallel()
	from := utc(2025, 9, 1, 10, 15, 0)
	assert.Equal(t, utc(2025, 9, 1, 10, 30, 0), mustNext(t, "*/15 * * * *", from, nil))
}

func TestSecondsField(t *testing.T) {
	t.Parallel()
	assert.Equal(t, utc(2025, 9, 1, 10, 0, 30),
		mustNext(t, "30 * * * * *", utc(2025, 9, 1, 10, 0, 0), nil))
	assert.Equal(t, utc(2025, 9, 1, 10, 1, 0),
		mustNext(t, "*/20 * * * * *", utc(2025, 9, 1, 10, 0, 40), nil))
}

func TestSixFieldYearDisambiguation(t *testing.T) {
	t.Parallel()
	// Last field is a four-digit year, so the expression has no seconds.
	assert.Equal(t, utc(2030, 1, 1, 0, 0, 0),
		mustNext(t, "0 0 1 1 * 2030", utc(2025, 9, 1, 0, 0, 0), nil))

	// Plain sixth field reads as day-of-week with leading seconds.
	assert.Equal(t, utc(2025, 9, 8, 0, 0, 15),
		mustNext(t, "15 0 0 * * MON", utc(2025, 9, 5, 0, 0, 0), nil))
}

func TestSevenFieldExpression(t *testing.T) {
	t.Parallel()
	assert.Equal(t, utc(2027, 6, 15, 12, 30, 45),
		mustNext(t, "45 30 12 15 6 * 2027", utc(2025, 1, 1, 0, 0, 0), nil))

	e := MustParse("0 0 0 1 1 * 2024")
	_, ok := e.Next(utc(2025, 1, 1, 0, 0, 0), nil)
	assert.False(t, ok, "year in the past never fires again")
}

func TestLastDayOfMonthModifiers(t *testing.T) {
	t.Parallel()
	// L: last day, including leap February.
	assert.Equal(t, utc(2025, 9, 30, 0, 0, 0),
		mustNext(t, "0 0 L * *", utc(2025, 9, 1, 0, 0, 0), nil))
	assert.Equal(t, utc(2024, 2, 29, 0, 0, 0),
		mustNext(t, "0 0 L * *", utc(2024, 2, 1, 0, 0, 0), nil))

	// L-2: third from last.
	assert.Equal(t, utc(2025, 9, 28, 0, 0, 0),
		mustNext(t, "0 0 L-2 * *", utc(2025, 9, 1, 0, 0, 0), nil))

	// LW: August 31 2025 is a Sunday, so the last weekday is Friday 29.
	assert.Equal(t, utc(2025, 8, 29, 0, 0, 0),
		mustNext(t, "0 0 LW * *", utc(2025, 8, 1, 0, 0, 0), nil))
}

func TestNearestWeekdayModifier(t *testing.T) {
	t.Parallel()
	// November 15 2025 is a Saturday; nearest weekday is Friday 14.
	assert.Equal(t, utc(2025, 11, 14, 0, 0, 0),
		mustNext(t, "0 0 15W 11 *", utc(2025, 11, 1, 0, 0, 0), nil))

	// August 15 2025 is a Friday and stays put.
	assert.Equal(t, utc(2025, 8, 15, 0, 0, 0),
		mustNext(t, "0 0 15W 8 *", utc(2025, 8, 1, 0, 0, 0), nil))

	// June 1 2025 is a Sunday; 1W must stay in June, moving to Monday 2.
	assert.Equal(t, utc(2025, 6, 2, 0, 0, 0),
		mustNext(t, "0 0 1W 6 *", utc(2025, 6, 1, 0, 0, 0), nil))
}

func TestNthWeekdayModifier(t *testing.T) {
	t.Parallel()
	// Second Monday of September 2025 is the 8th.
	assert.Equal(t, utc(2025, 9, 8, 0, 0, 0),
		mustNext(t, "0 0 * * MON#2", utc(2025, 9, 1, 0, 0, 0), nil))

	// October and November 2025 have four Mondays; the next fifth Monday
	// is December 29.
	assert.Equal(t, utc(2025, 12, 29, 0, 0, 0),
		mustNext(t, "0 0 * * MON#5", utc(2025, 10, 1, 0, 0, 0), nil))
}

func TestLastWeekdayOfMonthModifier(t *testing.T) {
	t.Parallel()
	// Last Friday of September 2025 is the 26th.
	assert.Equal(t, utc(2025, 9, 26, 0, 0, 0),
		mustNext(t, "0 0 * * 5L", utc(2025, 9, 1, 0, 0, 0), nil))
	assert.Equal(t, utc(2025, 9, 26, 0, 0, 0),
		mustNext(t, "0 0 * * FRIL", utc(2025, 9, 1, 0, 0, 0), nil))
}

func TestReverseDayOfWeekRangeWraps(t *testing.T) {
	t.Parallel()
	e := MustParse("0 0 * * FRI-MON")
	// Friday Sep 5, Saturday 6, Sunday 7, Monday 8; never Tuesday-Thursday.
	got := e.Between(utc(2025, 9, 4, 0, 0, 0), utc(2025, 9, 11, 0, 0, 0), nil)
	require.Len(t, got, 4)
	assert.Equal(t, utc(2025, 9, 5, 0, 0, 0), got[0])
	assert.Equal(t, utc(2025, 9, 8, 0, 0, 0), got[3])
}

func TestImpossibleDateNeverFires(t *testing.T) {
	t.Parallel()
	e := MustParse("0 0 30 2 *")
	_, ok := e.Next(utc(2025, 1, 1, 0, 0, 0), nil)
	assert.False(t, ok)
}

func TestBetweenEnumeratesHalfOpenRange(t *testing.T) {
	t.Parallel()
	e := MustParse("0 * * * *")
	got := e.Between(utc(2025, 9, 1, 10, 0, 0), utc(2025, 9, 1, 13, 0, 0), nil)
	require.Len(t, got, 3, "from is exclusive, to is inclusive")
	assert.Equal(t, utc(2025, 9, 1, 11, 0, 0), got[0])
	assert.Equal(t, utc(2025, 9, 1, 13, 0, 0), got[2])
}

func TestDSTGapSkipsNonexistentTime(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Clocks jump from 02:00 to 03:00 on March 9 2025; the 02:30 run is
	// skipped and the schedule resumes on March 10.
	e := MustParse("30 2 * * *")
	next, ok := e.Next(time.Date(2025, 3, 9, 0, 0, 0, 0, loc), loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 10, 2, 30, 0, 0, loc), next)
}

func TestDSTFoldFiresOnce(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 01:30 happens twice on November 2 2025. The schedule fires at the
	// first (EDT) occurrence and then not again until the next day, 25
	// absolute hours later.
	e := MustParse("30 1 * * *")
	first, ok := e.Next(time.Date(2025, 11, 2, 0, 0, 0, 0, loc), loc)
	require.True(t, ok)
	assert.Equal(t, "EDT", first.Format("MST"))

	second, ok := e.Next(first, loc)
	require.True(t, ok)
	assert.Equal(t, 25*time.Hour, second.Sub(first))
}

func TestDescribeNonEmptyAndNextAfterFrom(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"* * * * *",
		"*/5 0 * 8 *",
		"15 14 1 * *",
		"0 22 * * 1-5",
		"30 * * * * *",
		"0 0 L * *",
		"0 0 LW * *",
		"0 0 15W * *",
		"0 0 * * MON#2",
		"0 0 * * 5L",
		"0 0 1 1 ? 2030",
		"45 30 12 ? * SAT-SUN 2026",
	}
	from := utc(2025, 9, 1, 0, 0, 0)
	for _, expr := range exprs {
		e, err := Parse(expr)
		require.NoError(t, err, "expr %q", expr)
		assert.NotEmpty(t, e.Describe(), "expr %q", expr)
		if next, ok := e.Next(from, nil); ok {
			assert.True(t, next.After(from), "expr %q", expr)
		}
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	bad := []string{
		"",
		"* * * *",
		"* * * * * * * *",
		"61 * * * *",
		"* 24 * * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 8#2",
		"* * * * MON#6",
		"30-10 * * * *",
		"*/0 * * * *",
		"a * * * *",
	}
	for _, expr := range bad {
		_, err := Parse(expr)
		assert.Error(t, err, "expr %q", expr)
	}
}
