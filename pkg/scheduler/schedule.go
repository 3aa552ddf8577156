// Package scheduler parses the schedule expressions admins type when
// configuring recovery steps, and resolves them to absolute times in the
// campaign's timezone.
//
// Supported forms:
//
//	10m / 2h / 1d          relative to now (Portuguese unit spellings
//	                       like "10min" and "2 horas" are accepted)
//	14:30                  today at 14:30, or tomorrow if already past
//	amanhã 09:00           tomorrow at 09:00
//	+2d 18:00              in two days at 18:00
package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/vkultra/mitski/pkg/faults"
)

// Schedule kinds persisted on recovery steps.
const (
	KindRelative = "relative"  // value: duration expression
	KindClock    = "clock"     // value: HH:MM
	KindTomorrow = "tomorrow"  // value: HH:MM
	KindPlusDays = "plus_days" // value: +Nd HH:MM
)

var (
	clockRe    = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)
	tomorrowRe = regexp.MustCompile(`^(?:amanhã|amanha)\s+([01]?\d|2[0-3]):([0-5]\d)$`)
	plusDaysRe = regexp.MustCompile(`^\+(\d+)d\s+([01]?\d|2[0-3]):([0-5]\d)$`)
)

// normalizeDuration rewrites Portuguese unit spellings into the d/h/m/s
// forms the duration parser understands.
var durationReplacer = strings.NewReplacer(
	"dias", "d", "dia", "d",
	"horas", "h", "hora", "h",
	"minutos", "m", "minuto", "m", "min", "m",
	" ", "",
)

// Parse validates an expression and returns its persisted (kind, value)
// pair. The value is stored normalized so Resolve never re-validates.
func Parse(expr string) (kind, value string, err error) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" {
		return "", "", faults.Validation("empty schedule expression")
	}
	if m := tomorrowRe.FindStringSubmatch(expr); m != nil {
		return KindTomorrow, fmt.Sprintf("%s:%s", pad(m[1]), m[2]), nil
	}
	if m := plusDaysRe.FindStringSubmatch(expr); m != nil {
		return KindPlusDays, fmt.Sprintf("+%sd %s:%s", m[1], pad(m[2]), m[3]), nil
	}
	if m := clockRe.FindStringSubmatch(expr); m != nil {
		return KindClock, fmt.Sprintf("%s:%s", pad(m[1]), m[2]), nil
	}
	normalized := durationReplacer.Replace(expr)
	if d, derr := str2duration.ParseDuration(normalized); derr == nil {
		if d <= 0 {
			return "", "", faults.Validation("schedule duration must be positive: %q", expr)
		}
		return KindRelative, normalized, nil
	}
	return "", "", faults.Validation("unrecognized schedule expression: %q", expr)
}

// Resolve turns a persisted (kind, value) pair into an absolute time,
// anchored at now in the campaign's location.
func Resolve(kind, value string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	switch kind {
	case KindRelative:
		d, err := str2duration.ParseDuration(value)
		if err != nil {
			return time.Time{}, faults.Validation("bad relative schedule %q: %v", value, err)
		}
		return now.Add(d), nil

	case KindClock:
		at, err := atClock(value, now, loc)
		if err != nil {
			return time.Time{}, err
		}
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil

	case KindTomorrow:
		at, err := atClock(value, now, loc)
		if err != nil {
			return time.Time{}, err
		}
		return at.AddDate(0, 0, 1), nil

	case KindPlusDays:
		var days int
		var hhmm string
		if _, err := fmt.Sscanf(value, "+%dd %s", &days, &hhmm); err != nil {
			return time.Time{}, faults.Validation("bad plus-days schedule %q", value)
		}
		at, err := atClock(hhmm, now, loc)
		if err != nil {
			return time.Time{}, err
		}
		at = at.AddDate(0, 0, days)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil

	default:
		return time.Time{}, faults.Validation("unknown schedule kind %q", kind)
	}
}

// ResolveExpression parses and resolves in one step, for previews.
func ResolveExpression(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	kind, value, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return Resolve(kind, value, now, loc)
}

func pad(h string) string {
	if len(h) == 1 {
		return "0" + h
	}
	return h
}

func atClock(hhmm string, now time.Time, loc *time.Location) (time.Time, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, faults.Validation("bad clock value %q", hhmm)
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour > 23 || minute > 59 {
		return time.Time{}, faults.Validation("bad clock value %q", hhmm)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc), nil
}

// UpsellDelay converts an upsell's relative schedule fields to a duration.
func UpsellDelay(days, hours, minutes int) time.Duration {
	return time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute
}
