package timelock

import (
	"fmt"
	"strings"
	"time"

	"examseal/internal/sealerr"
)

const (
	isoSeconds = "2006-01-02T15:04:05"
	isoMicros  = "2006-01-02T15:04:05.000000"
)

// Naive layouts are interpreted in the local zone, the way metadata written
// by earlier tooling stores wall-clock times without an offset.
var naiveLayouts = []string{
	isoSeconds,
	"2006-01-02T15:04",
	"2006-01-02",
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
}

// FormatISO renders t as a naive local ISO-8601 timestamp with microsecond
// precision only when the fraction is non-zero.
func FormatISO(t time.Time) string {
	t = t.Local()
	if t.Nanosecond()/int(time.Microsecond) == 0 {
		return t.Format(isoSeconds)
	}
	return t.Format(isoMicros)
}

// ParseISO accepts naive local timestamps ("2006-01-02T15:04:05[.ffffff]",
// minute precision, or a bare date), a space in place of the T separator,
// and RFC 3339 timestamps carrying an offset.
func ParseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid time format %q", sealerr.ErrInvalidSchedule, s)
}

// UnixSeconds converts an ISO timestamp to whole epoch seconds, truncating
// any fraction.
func UnixSeconds(s string) (int64, error) {
	t, err := ParseISO(s)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}
