package builtin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jarsater/mcp-relay/internal/tools"
)

const defaultDateTimeLayout = "2006-01-02 15:04:05"

func errMissingArg(name string) error {
	return fmt.Errorf("missing required argument %q", name)
}

// CurrentDateTime reports the current local time.
func CurrentDateTime(now func() time.Time) tools.Tool {
	return tools.New("current_datetime", "Get the current date and time, optionally formatted with a Go time layout.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"layout": map[string]any{
				"type":        "string",
				"description": "Go time layout, for example 2006-01-02 or 15:04. Defaults to " + defaultDateTimeLayout,
			},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		layout, ok := tools.StringArg(args, "layout")
		if !ok || layout == "" {
			layout = defaultDateTimeLayout
		}
		t := now()
		zone, _ := t.Zone()
		return map[string]any{
			"current_datetime": t.Format(layout),
			"timestamp":        t.Unix(),
			"timezone":         zone,
		}, nil
	})
}

// ResolveDate turns a relative date such as "tomorrow" or "next friday" into a
// calendar date.
func ResolveDate(now func() time.Time) tools.Tool {
	return tools.New("resolve_date", "Resolve a relative date (today, tomorrow, yesterday, in 3 days, 2 weeks ago, next monday, last friday) to YYYY-MM-DD.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"relative_date": map[string]any{"type": "string", "description": "The relative date expression"},
		},
		"required": []string{"relative_date"},
	}, func(_ context.Context, args map[string]any) (any, error) {
		expr, ok := tools.StringArg(args, "relative_date")
		if !ok || strings.TrimSpace(expr) == "" {
			return nil, errMissingArg("relative_date")
		}
		d, err := resolveDate(expr, now())
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"relative_date": expr,
			"resolved_date": d.Format("2006-01-02"),
			"weekday":       d.Weekday().String(),
		}, nil
	})
}

var errUnrecognizedDate = errors.New("unrecognized date expression")

func resolveDate(expr string, now time.Time) (time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(expr)))

	switch {
	case len(fields) == 1:
		switch fields[0] {
		case "today", "now":
			return today, nil
		case "tomorrow":
			return today.AddDate(0, 0, 1), nil
		case "yesterday":
			return today.AddDate(0, 0, -1), nil
		}
		if wd, ok := parseWeekday(fields[0]); ok {
			return today.AddDate(0, 0, daysUntil(today.Weekday(), wd)), nil
		}
		if t, err := time.ParseInLocation("2006-01-02", fields[0], now.Location()); err == nil {
			return t, nil
		}

	case len(fields) == 2 && (fields[0] == "next" || fields[0] == "last"):
		if wd, ok := parseWeekday(fields[1]); ok {
			if fields[0] == "next" {
				return today.AddDate(0, 0, daysUntil(today.Weekday(), wd)), nil
			}
			return today.AddDate(0, 0, -daysSince(today.Weekday(), wd)), nil
		}
		switch fields[1] {
		case "week":
			return shift(today, fields[0] == "next", 7, "day"), nil
		case "month":
			return shift(today, fields[0] == "next", 1, "month"), nil
		case "year":
			return shift(today, fields[0] == "next", 1, "year"), nil
		}

	case len(fields) == 3 && fields[0] == "in":
		if n, unit, ok := parseAmount(fields[1], fields[2]); ok {
			return shift(today, true, n, unit), nil
		}

	case len(fields) == 3 && fields[2] == "ago":
		if n, unit, ok := parseAmount(fields[0], fields[1]); ok {
			return shift(today, false, n, unit), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", errUnrecognizedDate, expr)
}

func parseWeekday(s string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}

// daysUntil counts forward to the next wd, never returning zero.
func daysUntil(from, wd time.Weekday) int {
	n := (int(wd) - int(from) + 7) % 7
	if n == 0 {
		n = 7
	}
	return n
}

// daysSince counts back to the previous wd, never returning zero.
func daysSince(from, wd time.Weekday) int {
	n := (int(from) - int(wd) + 7) % 7
	if n == 0 {
		n = 7
	}
	return n
}

func parseAmount(num, unit string) (int, string, bool) {
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, "", false
	}
	switch strings.TrimSuffix(unit, "s") {
	case "day":
		return n, "day", true
	case "week":
		return n * 7, "day", true
	case "month":
		return n, "month", true
	case "year":
		return n, "year", true
	}
	return 0, "", false
}

func shift(t time.Time, forward bool, n int, unit string) time.Time {
	if !forward {
		n = -n
	}
	switch unit {
	case "month":
		return t.AddDate(0, n, 0)
	case "year":
		return t.AddDate(n, 0, 0)
	default:
		return t.AddDate(0, 0, n)
	}
}
