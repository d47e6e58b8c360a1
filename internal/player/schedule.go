package player

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleEntry switches one chat's auto-join on and off at fixed times.
// Either expression may be empty.
type ScheduleEntry struct {
	ChatID  string
	Enable  string
	Disable string
}

// Schedule runs the auto-join cron entries of every configured chat.
type Schedule struct {
	registry *Registry
	cron     *cron.Cron
	logger   *slog.Logger
	entries  int
}

// NewSchedule parses every entry and binds it to the registry. Unknown chats
// and invalid expressions are reported before anything is scheduled.
func NewSchedule(reg *Registry, entries []ScheduleEntry, loc *time.Location, logger *slog.Logger) (*Schedule, error) {
	if reg == nil {
		return nil, fmt.Errorf("player: schedule: registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Schedule{
		registry: reg,
		cron:     cron.New(cron.WithParser(cronParser), cron.WithLocation(loc)),
		logger:   logger,
	}
	for _, e := range entries {
		sess, err := reg.Resolve(e.ChatID)
		if err != nil {
			return nil, err
		}
		if err := s.add(sess, e.Enable, true); err != nil {
			return nil, err
		}
		if err := s.add(sess, e.Disable, false); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Schedule) add(sess *Session, expr string, enabled bool) error {
	if expr == "" {
		return nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("player: schedule: chat %s: %q: %w", sess.ChatID(), expr, err)
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		sess.SetEnabled(enabled)
		s.logger.Info("scheduled auto-join switch", "chat", sess.ChatID(), "enabled", enabled)
	}))
	s.entries++
	return nil
}

// Len returns the number of scheduled switches.
func (s *Schedule) Len() int { return s.entries }

// Start runs the scheduler in its own goroutine.
func (s *Schedule) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running switches to finish.
func (s *Schedule) Stop() {
	<-s.cron.Stop().Done()
}

// NextSwitch returns when expr fires next after from. It reports false for an
// invalid expression.
func NextSwitch(expr string, from time.Time) (time.Time, bool) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(from), true
}
