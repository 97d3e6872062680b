package invitetrack

import (
	"fmt"
	"regexp"
	"time"
)

// The snapshot source reports join times with millisecond precision padded
// to microseconds in UTC, e.g. "2024-11-25T07:18:30.998000+00:00". Anything
// else indicates an upstream format change and is rejected outright rather
// than coerced.
var millisecondUTCPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}000\+00:00$`)

const snapshotTimeLayout = "2006-01-02T15:04:05.000000+00:00"

// CivilTimeLayout is the stored wall-clock form, truncated to whole seconds.
const CivilTimeLayout = "2006-01-02 15:04:05"

// ParseSnapshotTime validates a snapshot join time against the expected
// millisecond-UTC pattern and converts it to civil time at the given fixed
// UTC offset, truncated to whole seconds.
func ParseSnapshotTime(iso string, utcOffsetHours int) (time.Time, error) {
	if !millisecondUTCPattern.MatchString(iso) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, iso)
	}
	parsed, err := time.Parse(snapshotTimeLayout, iso)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, iso)
	}
	zone := time.FixedZone(fmt.Sprintf("UTC%+d", utcOffsetHours), utcOffsetHours*3600)
	return parsed.In(zone).Truncate(time.Second), nil
}

// LocalCivilTime renders a snapshot join time as the stored wall-clock form.
func LocalCivilTime(iso string, utcOffsetHours int) (string, error) {
	local, err := ParseSnapshotTime(iso, utcOffsetHours)
	if err != nil {
		return "", err
	}
	return local.Format(CivilTimeLayout), nil
}
