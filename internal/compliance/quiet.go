package compliance

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/LeventeLantos/compliant-messaging/internal/model"
)

const minutesPerDay = 24 * 60

// QuietHours is a daily window in the client's local time. Start and End
// are minutes past midnight; Start > End wraps midnight and Start == End
// disables the window.
type QuietHours struct {
	Start int
	End   int
	Loc   *time.Location
}

// QuietHoursFor builds the client's window. An unknown timezone falls back
// to UTC and is reported as an error alongside the usable value.
func QuietHoursFor(c model.Client) (QuietHours, error) {
	q := QuietHours{Start: c.QuietStart, End: c.QuietEnd, Loc: time.UTC}
	if c.Timezone == "" {
		return q, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return q, fmt.Errorf("client %s timezone %q: %w", c.ID, c.Timezone, err)
	}
	q.Loc = loc
	return q, nil
}

func (q QuietHours) Enabled() bool {
	return q.Start != q.End && validMinute(q.Start) && validMinute(q.End)
}

func validMinute(m int) bool { return m >= 0 && m < minutesPerDay }

func (q QuietHours) location() *time.Location {
	if q.Loc == nil {
		return time.UTC
	}
	return q.Loc
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled() {
		return false
	}
	local := t.In(q.location())
	m := local.Hour()*60 + local.Minute()
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}
	return m >= q.Start || m < q.End
}

// NextAllowed returns t itself outside the window, otherwise the end of the
// window that contains t.
func (q QuietHours) NextAllowed(t time.Time) time.Time {
	if !q.Contains(t) {
		return t
	}
	local := t.In(q.location())
	y, mo, d := local.Date()
	end := time.Date(y, mo, d, q.End/60, q.End%60, 0, 0, q.location())
	if !end.After(local) {
		end = time.Date(y, mo, d+1, q.End/60, q.End%60, 0, 0, q.location())
	}
	return end.UTC()
}
