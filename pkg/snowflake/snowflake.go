package snowflake

import (
	"regexp"
	"strconv"
	"time"
)

// Epoch is the Discord epoch (2015-01-01T00:00:00Z) in milliseconds.
const Epoch int64 = 1420070400000

// Pattern matches the decimal form of a Discord ID.
var Pattern = regexp.MustCompile(`^\d{17,19}$`)

// Valid reports whether s looks like a Discord ID.
func Valid(s string) bool {
	return Pattern.MatchString(s)
}

// Parse converts the decimal form of a snowflake to its unsigned value.
func Parse(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// Timestamp extracts the creation instant embedded in the high 42 bits of id.
func Timestamp(id uint64) time.Time {
	timestampMillis := int64(id>>22) + Epoch
	return time.UnixMilli(timestampMillis).UTC()
}

// Time parses s and returns the creation instant it encodes.
func Time(s string) (time.Time, error) {
	id, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}

	return Timestamp(id), nil
}
