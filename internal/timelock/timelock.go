// Package timelock decides when a sealed exam may be released.
//
// Everything here is a pure function of the caller-supplied clock reading,
// so the gate can be evaluated identically by the CLI, the daemon sweep and
// an offline verifier.
package timelock

import (
	"fmt"
	"time"

	"examseal/internal/sealerr"
)

// Defaults for schedule validation and the exam window.
const (
	DefaultMinAdvance   = 30 * time.Minute
	DefaultMaxAdvance   = 365 * 24 * time.Hour
	DefaultExamDuration = 3 * time.Hour
)

// IsReleasable reports whether the release instant has been reached.
func IsReleasable(now, scheduled time.Time) bool {
	return !now.Before(scheduled)
}

// CheckRelease returns sealerr.ErrReleaseTooEarly when scheduled is still
// in the future.
func CheckRelease(now, scheduled time.Time) error {
	if IsReleasable(now, scheduled) {
		return nil
	}
	return fmt.Errorf("%w: release at %s, %s remaining",
		sealerr.ErrReleaseTooEarly, FormatISO(scheduled), scheduled.Sub(now).Round(time.Second))
}

// Schedule is a requested release instant together with the window it must
// fall inside.
type Schedule struct {
	ScheduledTime time.Time
	MinAdvance    time.Duration
	MaxAdvance    time.Duration
}

// NewSchedule returns a schedule for t with the default window.
func NewSchedule(t time.Time) Schedule {
	return Schedule{
		ScheduledTime: t,
		MinAdvance:    DefaultMinAdvance,
		MaxAdvance:    DefaultMaxAdvance,
	}
}

// Validate checks the schedule against now.
func (s Schedule) Validate(now time.Time) error {
	return ValidateScheduleTime(now, s.ScheduledTime, s.MinAdvance, s.MaxAdvance)
}

// ValidateScheduleTime requires t to be strictly after now, at least
// minAdvance ahead and no more than maxAdvance ahead. A non-positive
// maxAdvance disables the upper bound.
func ValidateScheduleTime(now, t time.Time, minAdvance, maxAdvance time.Duration) error {
	if t.IsZero() {
		return fmt.Errorf("%w: scheduled time not set", sealerr.ErrInvalidSchedule)
	}
	lead := t.Sub(now)
	switch {
	case lead <= 0:
		return fmt.Errorf("%w: scheduled time %s is not in the future", sealerr.ErrInvalidSchedule, FormatISO(t))
	case lead < minAdvance:
		return fmt.Errorf("%w: scheduled time must be at least %s ahead", sealerr.ErrInvalidSchedule, minAdvance)
	case maxAdvance > 0 && lead > maxAdvance:
		return fmt.Errorf("%w: scheduled time must be within %s", sealerr.ErrInvalidSchedule, maxAdvance)
	}
	return nil
}

// ValidateReschedule applies ValidateScheduleTime to a change of an
// existing schedule. Once the key has been released the schedule is frozen.
func ValidateReschedule(now, t time.Time, keyReleased bool, minAdvance, maxAdvance time.Duration) error {
	if keyReleased {
		return fmt.Errorf("%w: key already released", sealerr.ErrInvalidSchedule)
	}
	return ValidateScheduleTime(now, t, minAdvance, maxAdvance)
}

// Countdown describes the time left until release.
type Countdown struct {
	Ready         bool          `json:"ready"`
	Remaining     time.Duration `json:"-"`
	RemainingSecs float64       `json:"time_remaining"`
	ScheduledTime string        `json:"scheduled_time"`
	CurrentTime   string        `json:"current_time"`
}

// TimeUntilRelease returns the countdown to scheduled.
func TimeUntilRelease(now, scheduled time.Time) Countdown {
	c := Countdown{
		Ready:         IsReleasable(now, scheduled),
		ScheduledTime: FormatISO(scheduled),
		CurrentTime:   FormatISO(now),
	}
	if !c.Ready {
		c.Remaining = scheduled.Sub(now)
		c.RemainingSecs = c.Remaining.Seconds()
	}
	return c
}

// String renders the countdown for humans.
func (c Countdown) String() string {
	if c.Ready {
		return "ready for release"
	}
	return "release in " + c.Remaining.Round(time.Second).String()
}

// IsExamActive reports whether now falls inside [scheduled, scheduled+duration]
// and returns the end of that window. A non-positive duration means
// DefaultExamDuration.
func IsExamActive(now, scheduled time.Time, duration time.Duration) (bool, time.Time) {
	if duration <= 0 {
		duration = DefaultExamDuration
	}
	end := scheduled.Add(duration)
	return !now.Before(scheduled) && !now.After(end), end
}

// Info is the combined schedule view of one exam.
type Info struct {
	ExamID        string    `json:"exam_id"`
	ScheduledTime string    `json:"scheduled_time"`
	CurrentTime   string    `json:"current_time"`
	KeyReleased   bool      `json:"key_released"`
	ReleaseTime   *string   `json:"release_time"`
	CanRelease    bool      `json:"can_release"`
	Countdown     Countdown `json:"time_until_release"`
	ExamActive    bool      `json:"exam_active"`
	ExamEndTime   string    `json:"exam_end_time"`
	State         State     `json:"state"`
}

// ScheduleInfo assembles Info for one exam.
func ScheduleInfo(now time.Time, examID string, scheduled time.Time, keyReleased bool, releaseTime *string, decrypted bool, duration time.Duration) Info {
	active, end := IsExamActive(now, scheduled, duration)
	return Info{
		ExamID:        examID,
		ScheduledTime: FormatISO(scheduled),
		CurrentTime:   FormatISO(now),
		KeyReleased:   keyReleased,
		ReleaseTime:   releaseTime,
		CanRelease:    IsReleasable(now, scheduled),
		Countdown:     TimeUntilRelease(now, scheduled),
		ExamActive:    active,
		ExamEndTime:   FormatISO(end),
		State:         StateOf(now, scheduled, keyReleased, decrypted),
	}
}
