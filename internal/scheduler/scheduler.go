// Package scheduler fires the background tasks at fixed UTC minute
// marks each hour. Tasks are independent: one failing or overrunning
// never blocks the next tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/task"
)

// Task is one scheduled job, fired at Minute past every UTC hour.
type Task struct {
	Name   string
	Minute int
	Run    func(ctx context.Context) task.Result
}

type Scheduler struct {
	tasks  []Task
	logger *zap.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{logger: logger, now: time.Now}
}

func (s *Scheduler) Add(name string, minute int, fn func(ctx context.Context) task.Result) {
	s.tasks = append(s.tasks, Task{Name: name, Minute: minute, Run: fn})
}

// nextAfter returns the earliest upcoming fire time strictly after t.
func (s *Scheduler) nextAfter(t time.Time) time.Time {
	t = t.UTC()
	var next time.Time
	for _, tk := range s.tasks {
		candidate := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), tk.Minute, 0, 0, time.UTC)
		if !candidate.After(t) {
			candidate = candidate.Add(time.Hour)
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	return next
}

// runDue launches every task scheduled for at's minute. at is the
// planned fire time, not the wall clock, so a tick delivered late under
// load still runs that slot. Each task runs in its own goroutine so a
// slow task cannot delay its neighbors or the next tick.
func (s *Scheduler) runDue(ctx context.Context, at time.Time) {
	for _, tk := range s.tasks {
		if tk.Minute != at.UTC().Minute() {
			continue
		}
		tk := tk
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			started := s.now()
			res := tk.Run(ctx)
			fields := []zap.Field{
				zap.String("task", tk.Name),
				zap.String("status", res.Status),
				zap.Duration("elapsed", s.now().Sub(started)),
			}
			if res.Reason != "" {
				fields = append(fields, zap.String("reason", res.Reason))
			}
			switch res.Status {
			case task.StatusError:
				s.logger.Error("scheduled task failed", fields...)
			default:
				s.logger.Info("scheduled task finished", fields...)
			}
		}()
	}
}

// Run blocks until ctx is canceled, firing tasks at their minute marks
// and waiting for in-flight tasks on shutdown.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.tasks) == 0 {
		<-ctx.Done()
		return
	}
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.tasks)))

	fireAt := s.nextAfter(s.now())
	timer := time.NewTimer(time.Until(fireAt))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-timer.C:
			s.runDue(ctx, fireAt)
			fireAt = s.nextAfter(s.now())
			timer.Reset(time.Until(fireAt))
		}
	}
}
