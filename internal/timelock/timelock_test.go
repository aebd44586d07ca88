package timelock

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examseal/internal/sealerr"
)

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)

func TestIsReleasable(t *testing.T) {
	scheduled := base.Add(2 * time.Hour)

	assert.False(t, IsReleasable(base, scheduled))
	assert.False(t, IsReleasable(base.Add(time.Hour), scheduled))
	assert.False(t, IsReleasable(scheduled.Add(-time.Nanosecond), scheduled))
	assert.True(t, IsReleasable(scheduled, scheduled))
	assert.True(t, IsReleasable(scheduled.Add(time.Nanosecond), scheduled))

	assert.ErrorIs(t, CheckRelease(base, scheduled), sealerr.ErrReleaseTooEarly)
	assert.NoError(t, CheckRelease(scheduled, scheduled))
}

func TestValidateScheduleTime(t *testing.T) {
	tests := []struct {
		name  string
		lead  time.Duration
		valid bool
	}{
		{"past", -time.Minute, false},
		{"now", 0, false},
		{"below minimum", 29 * time.Minute, false},
		{"at minimum", 30 * time.Minute, true},
		{"two hours", 2 * time.Hour, true},
		{"at maximum", DefaultMaxAdvance, true},
		{"beyond maximum", DefaultMaxAdvance + time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSchedule(base.Add(tt.lead)).Validate(base)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, sealerr.ErrInvalidSchedule)
			}
		})
	}

	assert.ErrorIs(t, ValidateScheduleTime(base, time.Time{}, 0, 0), sealerr.ErrInvalidSchedule)
	assert.NoError(t, ValidateScheduleTime(base, base.Add(1000*24*time.Hour), 0, 0))
}

func TestValidateRescheduleAfterRelease(t *testing.T) {
	next := base.Add(4 * time.Hour)
	assert.NoError(t, ValidateReschedule(base, next, false, DefaultMinAdvance, DefaultMaxAdvance))
	assert.ErrorIs(t, ValidateReschedule(base, next, true, DefaultMinAdvance, DefaultMaxAdvance), sealerr.ErrInvalidSchedule)
}

func TestTimeUntilRelease(t *testing.T) {
	scheduled := base.Add(90 * time.Minute)

	c := TimeUntilRelease(base, scheduled)
	assert.False(t, c.Ready)
	assert.Equal(t, 90*time.Minute, c.Remaining)
	assert.Equal(t, 5400.0, c.RemainingSecs)
	assert.Equal(t, "release in 1h30m0s", c.String())

	c = TimeUntilRelease(scheduled.Add(time.Minute), scheduled)
	assert.True(t, c.Ready)
	assert.Zero(t, c.Remaining)
	assert.Equal(t, "ready for release", c.String())
}

func TestIsExamActive(t *testing.T) {
	active, end := IsExamActive(base.Add(-time.Second), base, 0)
	assert.False(t, active)
	assert.Equal(t, base.Add(3*time.Hour), end)

	active, _ = IsExamActive(base, base, 0)
	assert.True(t, active)
	active, _ = IsExamActive(base.Add(3*time.Hour), base, 0)
	assert.True(t, active)
	active, _ = IsExamActive(base.Add(3*time.Hour+time.Second), base, 0)
	assert.False(t, active)

	active, end = IsExamActive(base.Add(90*time.Minute), base, time.Hour)
	assert.False(t, active)
	assert.Equal(t, base.Add(time.Hour), end)
}

func TestStateOf(t *testing.T) {
	scheduled := base.Add(time.Hour)
	assert.Equal(t, Scheduled, StateOf(base, scheduled, false, false))
	assert.Equal(t, Releasable, StateOf(scheduled, scheduled, false, false))
	assert.Equal(t, KeyReleased, StateOf(scheduled, scheduled, true, false))
	assert.Equal(t, Decrypted, StateOf(scheduled, scheduled, true, true))
	// persisted flags win over a clock that went backwards
	assert.Equal(t, KeyReleased, StateOf(base, scheduled, true, false))
}

func TestAdvance(t *testing.T) {
	ok := [][2]State{
		{Scheduled, Scheduled},
		{Scheduled, Releasable},
		{Releasable, KeyReleased},
		{KeyReleased, KeyReleased},
		{KeyReleased, Decrypted},
		{Decrypted, Decrypted},
	}
	for _, tr := range ok {
		assert.NoError(t, Advance(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	assert.ErrorIs(t, Advance(Decrypted, KeyReleased), sealerr.ErrInvalidState)
	assert.ErrorIs(t, Advance(KeyReleased, Scheduled), sealerr.ErrInvalidState)
	assert.ErrorIs(t, Advance(Releasable, Scheduled), sealerr.ErrInvalidState)
	assert.ErrorIs(t, Advance(Releasable, Decrypted), sealerr.ErrInvalidState)
	assert.ErrorIs(t, Advance(Scheduled, KeyReleased), sealerr.ErrReleaseTooEarly)
	assert.ErrorIs(t, Advance(Scheduled, Decrypted), sealerr.ErrReleaseTooEarly)
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(KeyReleased)
	require.NoError(t, err)
	assert.JSONEq(t, `"key_released"`, string(data))
	assert.Equal(t, "state(9)", State(9).String())
}

func TestFormatISO(t *testing.T) {
	assert.Equal(t, "2026-03-14T09:00:00", FormatISO(base))
	assert.Equal(t, "2026-03-14T09:00:00.250000", FormatISO(base.Add(250*time.Millisecond)))
	assert.Equal(t, "2026-03-14T09:00:00.000001", FormatISO(base.Add(1500*time.Nanosecond)))
	// sub-microsecond remainders are dropped like Python's datetime
	assert.Equal(t, "2026-03-14T09:00:00", FormatISO(base.Add(999*time.Nanosecond)))
}

func TestParseISO(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-14T09:00:00", base},
		{"2026-03-14 09:00:00", base},
		{"2026-03-14T09:00", base},
		{"2026-03-14T09:00:00.250000", base.Add(250 * time.Millisecond)},
		{"2026-03-14", time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local)},
		{"2026-03-14T09:00:00Z", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
		{"2026-03-14T09:00:00+05:30", time.Date(2026, 3, 14, 3, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseISO(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}

	for _, bad := range []string{"", "tomorrow", "2026-13-01T00:00:00", "14/03/2026 09:00"} {
		_, err := ParseISO(bad)
		assert.ErrorIs(t, err, sealerr.ErrInvalidSchedule, bad)
	}
}

func TestISORoundTrip(t *testing.T) {
	ts := base.Add(123456 * time.Microsecond)
	got, err := ParseISO(FormatISO(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	secs, err := UnixSeconds(FormatISO(ts))
	require.NoError(t, err)
	assert.Equal(t, base.Unix(), secs)
}

func TestScheduleInfo(t *testing.T) {
	scheduled := base.Add(time.Hour)
	info := ScheduleInfo(base, "phy-101", scheduled, false, nil, false, 0)
	assert.Equal(t, "phy-101", info.ExamID)
	assert.False(t, info.CanRelease)
	assert.False(t, info.ExamActive)
	assert.Equal(t, Scheduled, info.State)
	assert.Equal(t, FormatISO(scheduled.Add(DefaultExamDuration)), info.ExamEndTime)

	data, err := json.Marshal(info)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "scheduled", doc["state"])
	assert.Nil(t, doc["release_time"])
}
