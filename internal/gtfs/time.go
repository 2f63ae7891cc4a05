package gtfs

import (
	"strconv"
	"time"
)

// Midnight returns the start of t's calendar day in t's location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ServiceDays returns yesterday's and today's service day for t. Runs
// past midnight belong to the previous service day.
func ServiceDays(t time.Time) []string {
	today := Midnight(t)
	return []string{today.AddDate(0, 0, -1).Format(DateLayout), today.Format(DateLayout)}
}

// ResolveTime turns a GTFS time of day into an absolute time on the
// given service day. GTFS times are relative to noon minus 12h, which
// only differs from midnight on DST switch days.
func ResolveTime(date string, daySeconds int, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, err
	}
	noon := time.Date(d.Year(), d.Month(), d.Day(), 12, 0, 0, 0, loc)
	return noon.Add(-12 * time.Hour).Add(time.Duration(daySeconds) * time.Second), nil
}

// FormatDaySeconds renders seconds since service-day start as HH:MM:SS.
func FormatDaySeconds(sec int) string {
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return pad2(h) + ":" + pad2(m) + ":" + pad2(s)
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
