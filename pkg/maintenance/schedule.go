package maintenance

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule describes when a job runs. Exactly one of Every or Expr is set.
type Schedule struct {
	Every time.Duration // fixed interval, measured from each completion
	Expr  string        // standard 5-field cron expression
	TZ    string        // optional IANA timezone for Expr
}

// Validate checks that the schedule can produce run times.
func (s Schedule) Validate() error {
	switch {
	case s.Every > 0 && s.Expr != "":
		return errors.New("schedule cannot have both an interval and a cron expression")
	case s.Every <= 0 && s.Expr == "":
		return errors.New("schedule requires an interval or a cron expression")
	}

	_, err := s.NextRun(time.Now())
	return err
}

// NextRun returns the next time the schedule fires after now.
func (s Schedule) NextRun(now time.Time) (time.Time, error) {
	if s.Every > 0 {
		return now.Add(s.Every), nil
	}

	if s.Expr == "" {
		return time.Time{}, errors.New("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(s.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	if s.TZ != "" {
		loc, err := time.LoadLocation(s.TZ)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
		now = now.In(loc)
	}

	return sched.Next(now), nil
}
