package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron expressions and descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression such as "0 8,14 * * *".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse schedule %q", expr)
	}
	return sched, nil
}

// NextTime returns the next fire time after the given time for the schedule.
func NextTime(schedule cron.Schedule, after time.Time) time.Time {
	return schedule.Next(after)
}
