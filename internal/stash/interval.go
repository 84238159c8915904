package stash

import (
	"regexp"
	"strconv"
)

// intervalTokenRe matches one "<count><unit>" token at the start of an
// interval string.
var intervalTokenRe = regexp.MustCompile(`^(\d+)([smhDWMY])`)

// unitSeconds maps interval units to their length in seconds. Months and
// years are fixed at 30 and 365 days.
var unitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 3600,
	"D": 86400,
	"W": 7 * 86400,
	"M": 30 * 86400,
	"Y": 365 * 86400,
}

// ParseInterval converts an interval string like "1M3W4h2s" into a number
// of seconds. Tokens are evaluated left to right and summed. Any
// unparseable remainder, a zero count, or an unrecognized unit rejects
// the whole string.
func ParseInterval(interval string) (int64, error) {
	if interval == "" {
		return 0, &InvalidIntervalError{Interval: interval}
	}

	var total int64
	rest := interval
	for rest != "" {
		m := intervalTokenRe.FindStringSubmatch(rest)
		if m == nil {
			return 0, &InvalidIntervalError{Interval: interval}
		}
		count, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || count <= 0 {
			return 0, &InvalidIntervalError{Interval: interval}
		}
		total += count * unitSeconds[m[2]]
		rest = rest[len(m[0]):]
	}
	return total, nil
}
