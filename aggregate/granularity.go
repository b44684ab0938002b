package aggregate

import (
	"fmt"
	"strings"
	"time"
)

// Granularity selects the bucket width of a boolean date chart.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// ParseGranularity normalises a granularity name. The empty string selects Day.
func ParseGranularity(value string) (Granularity, error) {
	switch Granularity(strings.ToLower(strings.TrimSpace(value))) {
	case "", Day:
		return Day, nil
	case Week:
		return Week, nil
	case Month:
		return Month, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", value)
	}
}

// Bucket counts the events of one day, ISO week or month.
type Bucket struct {
	Date  string `json:"date,omitempty"`
	Year  int    `json:"year,omitempty"`
	Month int    `json:"month,omitempty"`
	Week  int    `json:"week,omitempty"`
	Total int    `json:"total"`
}

// key returns the empty bucket that t falls into, in UTC.
func (g Granularity) key(t time.Time) Bucket {
	t = t.UTC()
	switch g {
	case Month:
		return Bucket{Year: t.Year(), Month: int(t.Month())}
	case Week:
		year, week := t.ISOWeek()
		return Bucket{Year: year, Week: week}
	default:
		return Bucket{Date: t.Format("2006-01-02")}
	}
}

func sameBucket(a, b Bucket) bool {
	return a.Date == b.Date && a.Year == b.Year && a.Month == b.Month && a.Week == b.Week
}

// start returns the first instant covered by the bucket.
func (b Bucket) start() time.Time {
	switch {
	case b.Date != "":
		t, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			return time.Time{}
		}
		return t
	case b.Week != 0:
		// ISO week 1 is the week holding January 4th.
		jan4 := time.Date(b.Year, time.January, 4, 0, 0, 0, 0, time.UTC)
		offset := (int(jan4.Weekday()) + 6) % 7
		monday := jan4.AddDate(0, 0, -offset)
		return monday.AddDate(0, 0, (b.Week-1)*7)
	default:
		return time.Date(b.Year, time.Month(b.Month), 1, 0, 0, 0, 0, time.UTC)
	}
}

// DefaultWindow returns the history range loaded for a chart when the
// client gives none: the previous and current month, the last three ISO
// weeks, or the last fifteen days.
func DefaultWindow(g Granularity, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch g {
	case Month:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first.AddDate(0, -1, 0), now
	case Week:
		start := Week.key(now.AddDate(0, 0, -21)).start()
		return start, now
	default:
		return now.AddDate(0, 0, -15), now
	}
}
