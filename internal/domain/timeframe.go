package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unit is a timeframe unit from the canonical grammar <int><unit>.
type Unit string

const (
	UnitSecond Unit = "s"
	UnitMinute Unit = "m"
	UnitHour   Unit = "h"
	UnitDay    Unit = "d"
	UnitWeek   Unit = "w"
	UnitMonth  Unit = "mo"
	UnitYear   Unit = "y"
)

// Fixed unit durations in milliseconds. Months and years are calendar
// approximations (30 and 365 days) used only for period arithmetic.
var unitMillis = map[Unit]int64{
	UnitSecond: 1_000,
	UnitMinute: 60_000,
	UnitHour:   3_600_000,
	UnitDay:    86_400_000,
	UnitWeek:   604_800_000,
	UnitMonth:  30 * 86_400_000,
	UnitYear:   365 * 86_400_000,
}

// Timeframe is a parsed bar interval such as 1m, 5m, 4h or 1d.
type Timeframe struct {
	Count int
	Unit  Unit
}

// Timeframe1m is the base interval everything resamples from.
var Timeframe1m = Timeframe{Count: 1, Unit: UnitMinute}

// ParseTimeframe parses the canonical <int><unit> grammar. The count must
// be a positive integer and the unit one of s, m, h, d, w, mo, y.
func ParseTimeframe(s string) (Timeframe, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i == len(s) {
		return Timeframe{}, fmt.Errorf("%w: malformed timeframe %q", ErrValidation, s)
	}
	count, err := strconv.Atoi(s[:i])
	if err != nil || count <= 0 {
		return Timeframe{}, fmt.Errorf("%w: malformed timeframe %q", ErrValidation, s)
	}
	unit := Unit(strings.ToLower(s[i:]))
	if _, ok := unitMillis[unit]; !ok {
		return Timeframe{}, fmt.Errorf("%w: unknown timeframe unit %q", ErrValidation, s)
	}
	return Timeframe{Count: count, Unit: unit}, nil
}

// PeriodMs returns the timeframe period in milliseconds.
func (tf Timeframe) PeriodMs() int64 {
	return int64(tf.Count) * unitMillis[tf.Unit]
}

// Period returns the timeframe period as a time.Duration.
func (tf Timeframe) Period() time.Duration {
	return time.Duration(tf.PeriodMs()) * time.Millisecond
}

// Is1m reports whether the timeframe is exactly one minute.
func (tf Timeframe) Is1m() bool {
	return tf.PeriodMs() == Timeframe1m.PeriodMs()
}

func (tf Timeframe) String() string {
	return strconv.Itoa(tf.Count) + string(tf.Unit)
}

// Truncate aligns a millisecond timestamp down to the start of its bucket.
func (tf Timeframe) Truncate(ts int64) int64 {
	p := tf.PeriodMs()
	return ts - ts%p
}
