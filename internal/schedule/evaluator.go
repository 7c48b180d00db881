// Package schedule evaluates cron expressions in a named timezone and
// computes upcoming fire instants in UTC.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Evaluation errors.
var (
	ErrInvalidCron     = errors.New("invalid cron expression")
	ErrInvalidTimezone = errors.New("invalid timezone")
)

// parser accepts 5-field (minute granularity) and 6-field (second
// granularity) expressions plus the usual descriptors.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// windowsZones maps common Windows timezone names onto IANA identifiers.
// Configurations authored against the upstream admin UI may carry either
// form; IANA names are tried first.
var windowsZones = map[string]string{
	"UTC":                            "UTC",
	"GMT Standard Time":              "Europe/London",
	"W. Europe Standard Time":        "Europe/Berlin",
	"Central Europe Standard Time":   "Europe/Budapest",
	"Romance Standard Time":          "Europe/Paris",
	"Central European Standard Time": "Europe/Warsaw",
	"E. Europe Standard Time":        "Europe/Chisinau",
	"FLE Standard Time":              "Europe/Kiev",
	"Russian Standard Time":          "Europe/Moscow",
	"Eastern Standard Time":          "America/New_York",
	"Central Standard Time":          "America/Chicago",
	"Mountain Standard Time":         "America/Denver",
	"Pacific Standard Time":          "America/Los_Angeles",
	"Alaskan Standard Time":          "America/Anchorage",
	"Hawaiian Standard Time":         "Pacific/Honolulu",
	"Atlantic Standard Time":         "America/Halifax",
	"SA Pacific Standard Time":       "America/Bogota",
	"E. South America Standard Time": "America/Sao_Paulo",
	"South Africa Standard Time":     "Africa/Johannesburg",
	"Israel Standard Time":           "Asia/Jerusalem",
	"Arabian Standard Time":          "Asia/Dubai",
	"India Standard Time":            "Asia/Kolkata",
	"SE Asia Standard Time":          "Asia/Bangkok",
	"China Standard Time":            "Asia/Shanghai",
	"Singapore Standard Time":        "Asia/Singapore",
	"Tokyo Standard Time":            "Asia/Tokyo",
	"Korea Standard Time":            "Asia/Seoul",
	"AUS Eastern Standard Time":      "Australia/Sydney",
	"New Zealand Standard Time":      "Pacific/Auckland",
}

// ResolveLocation resolves an IANA Area/City identifier or a Windows zone
// name to a *time.Location.
func ResolveLocation(timezone string) (*time.Location, error) {
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		return nil, ErrInvalidTimezone
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		return loc, nil
	}
	if iana, ok := windowsZones[tz]; ok {
		loc, err := time.LoadLocation(iana)
		if err == nil {
			return loc, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
}

// IsValidCron reports whether expr parses as a 5- or 6-field expression.
func IsValidCron(expr string) bool {
	_, err := parser.Parse(expr)
	return err == nil
}

// IsValidTimezone reports whether timezone resolves to a known location.
func IsValidTimezone(timezone string) bool {
	_, err := ResolveLocation(timezone)
	return err == nil
}

// NextRun returns the next instant strictly after ref at which expr fires,
// evaluated in the given timezone and returned in UTC. The second return is
// false when the expression never fires again.
//
// The evaluator holds no state; it is safe for concurrent use and is called
// once per active configuration per poll cycle.
func NextRun(expr, timezone string, ref time.Time) (time.Time, bool, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	loc, err := ResolveLocation(timezone)
	if err != nil {
		return time.Time{}, false, err
	}

	next := sched.Next(ref.In(loc))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}
