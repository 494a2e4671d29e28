package buffer

import (
	"fmt"
	"time"
)

// TimeRange is the resolved, concrete form of every time-range
// expression the query contract accepts (spec §4.3 contract, forms
// a-d). start_us/end_us are always UTC microseconds once resolved.
type TimeRange struct {
	StartUS int64
	EndUS   int64

	// IncludeOpenFile mirrors form (b)'s flag: when the range's end
	// reaches "now", also read the currently-open partition file.
	IncludeOpenFile bool
}

// relativeWindows implements form (c): named relative windows.
// session_open is resolved against the regular US session boundary,
// since it has no other natural anchor outside a specific market
// session request.
var relativeWindows = map[string]time.Duration{
	"last_5m":  5 * time.Minute,
	"last_15m": 15 * time.Minute,
	"last_1h":  time.Hour,
	"last_4h":  4 * time.Hour,
	"last_24h": 24 * time.Hour,
}

// ResolveRelativeWindow resolves form (c) names, including the special
// "session_open..now" anchor (regular US session open through now).
func ResolveRelativeWindow(name string, now time.Time) (TimeRange, error) {
	if name == "session_open..now" {
		sess, err := marketSession("us_regular", now)
		if err != nil {
			return TimeRange{}, err
		}
		return TimeRange{StartUS: sess.StartUS, EndUS: now.UnixMicro(), IncludeOpenFile: true}, nil
	}

	d, ok := relativeWindows[name]
	if !ok {
		return TimeRange{}, fmt.Errorf("unknown relative window %q", name)
	}
	end := now.UnixMicro()
	return TimeRange{StartUS: end - d.Microseconds(), EndUS: end, IncludeOpenFile: true}, nil
}

// sessionBoundary describes one named market session in its local
// time zone (spec §4.3 form (d)).
type sessionBoundary struct {
	tzName          string
	startHour, startMin int
	endHour, endMin     int
	overnight           bool // session end is on the following calendar day
}

var marketSessions = map[string]sessionBoundary{
	"us_regular":  {tzName: "America/New_York", startHour: 9, startMin: 30, endHour: 16, endMin: 0},
	"us_extended": {tzName: "America/New_York", startHour: 4, startMin: 0, endHour: 20, endMin: 0},
	"us_pre":      {tzName: "America/New_York", startHour: 4, startMin: 0, endHour: 9, endMin: 30},
	"us_after":    {tzName: "America/New_York", startHour: 16, startMin: 0, endHour: 20, endMin: 0},
	"us_overnight": {tzName: "America/New_York", startHour: 20, startMin: 0, endHour: 4, endMin: 0, overnight: true},
	"uk_regular":  {tzName: "Europe/London", startHour: 8, startMin: 0, endHour: 16, endMin: 30},
	"jp_regular":  {tzName: "Asia/Tokyo", startHour: 9, startMin: 0, endHour: 15, endMin: 0},
}

type resolvedSession struct {
	StartUS, EndUS int64
}

// ResolveNamedSession resolves form (d): a named market session in its
// market-local timezone, converted to UTC, for the calendar day
// containing now (in that timezone).
func ResolveNamedSession(name string, now time.Time) (TimeRange, error) {
	sess, err := marketSession(name, now)
	if err != nil {
		return TimeRange{}, err
	}
	return TimeRange{StartUS: sess.StartUS, EndUS: sess.EndUS, IncludeOpenFile: sess.EndUS >= now.UnixMicro()}, nil
}

func marketSession(name string, now time.Time) (resolvedSession, error) {
	b, ok := marketSessions[name]
	if !ok {
		return resolvedSession{}, fmt.Errorf("unknown market session %q", name)
	}

	loc, err := time.LoadLocation(b.tzName)
	if err != nil {
		return resolvedSession{}, fmt.Errorf("loading timezone %s: %w", b.tzName, err)
	}

	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), b.startHour, b.startMin, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), b.endHour, b.endMin, 0, 0, loc)
	if b.overnight {
		end = end.AddDate(0, 0, 1)
	}

	return resolvedSession{StartUS: start.UnixMicro(), EndUS: end.UnixMicro()}, nil
}
