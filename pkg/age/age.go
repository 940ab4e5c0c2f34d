package age

import (
	"fmt"
	"time"
)

const millisPerDay int64 = 24 * 60 * 60 * 1000

// Policy selects how the years/months/days breakdown is derived.
type Policy string

const (
	// DayBucket splits the elapsed day count into 365-day years and 30-day months.
	DayBucket Policy = "day-bucket"
	// Calendar subtracts calendar fields and borrows from the previous month.
	Calendar Policy = "calendar"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case DayBucket, Calendar:
		return p, nil
	default:
		return "", fmt.Errorf("unknown age policy %q (want %q or %q)", s, DayBucket, Calendar)
	}
}

// Breakdown is the age of an entity at a given instant.
//
// TotalDays is always floor((now-created)/24h). Under the Calendar policy it
// is computed independently of Years, Months and Days and the two do not
// have to agree.
type Breakdown struct {
	Years     int
	Months    int
	Days      int
	TotalDays int64
}

func (b Breakdown) String() string {
	return fmt.Sprintf("%d years, %d months, %d days", b.Years, b.Months, b.Days)
}

type Estimator struct {
	Policy Policy
}

// Estimate computes the age of something created at created, seen at now.
// A created instant after now yields negative fields instead of an error.
func (e Estimator) Estimate(created, now time.Time) Breakdown {
	totalDays := Days(created, now)

	if e.Policy == Calendar {
		b := calendarFields(created.UTC(), now.UTC())
		b.TotalDays = totalDays
		return b
	}

	return Breakdown{
		Years:     int(floorDiv(totalDays, 365)),
		Months:    int(floorDiv(totalDays%365, 30)),
		Days:      int(totalDays % 30),
		TotalDays: totalDays,
	}
}

// Days returns the number of whole days between created and now.
func Days(created, now time.Time) int64 {
	return floorDiv(now.UnixMilli()-created.UnixMilli(), millisPerDay)
}

func calendarFields(created, now time.Time) Breakdown {
	years := now.Year() - created.Year()
	months := int(now.Month()) - int(created.Month())
	days := now.Day() - created.Day()

	if days < 0 {
		months--
		// Day zero of now's month normalises to the last day of the previous one.
		days += time.Date(now.Year(), now.Month(), 0, 0, 0, 0, 0, time.UTC).Day()
	}

	if months < 0 {
		years--
		months += 12
	}

	return Breakdown{Years: years, Months: months, Days: days}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
