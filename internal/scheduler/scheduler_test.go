package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/task"
)

func noop(ctx context.Context) task.Result { return task.OK(nil) }

func hourlySchedule(t *testing.T) *Scheduler {
	t.Helper()
	s := New(zap.NewNop())
	s.Add("ingest", 0, noop)
	s.Add("upes", 15, noop)
	s.Add("scoring", 20, noop)
	s.Add("alerts", 25, noop)
	return s
}

func TestNextAfter(t *testing.T) {
	s := hourlySchedule(t)
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{
			time.Date(2026, 1, 31, 17, 0, 30, 0, time.UTC),
			time.Date(2026, 1, 31, 17, 15, 0, 0, time.UTC),
		},
		{
			time.Date(2026, 1, 31, 17, 15, 0, 0, time.UTC),
			time.Date(2026, 1, 31, 17, 20, 0, 0, time.UTC),
		},
		{
			time.Date(2026, 1, 31, 17, 26, 0, 0, time.UTC),
			time.Date(2026, 1, 31, 18, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC),
			time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		if got := s.nextAfter(tt.now); !got.Equal(tt.want) {
			t.Errorf("nextAfter(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestRunDue_FiresOnlyMatchingMinute(t *testing.T) {
	s := New(zap.NewNop())
	var ingested, scored int32
	s.Add("ingest", 0, func(ctx context.Context) task.Result {
		atomic.AddInt32(&ingested, 1)
		return task.OK(nil)
	})
	s.Add("scoring", 20, func(ctx context.Context) task.Result {
		atomic.AddInt32(&scored, 1)
		return task.OK(nil)
	})

	s.runDue(context.Background(), time.Date(2026, 1, 31, 17, 20, 0, 0, time.UTC))
	s.wg.Wait()

	if atomic.LoadInt32(&ingested) != 0 {
		t.Error("ingest fired outside its minute")
	}
	if atomic.LoadInt32(&scored) != 1 {
		t.Error("scoring did not fire at :20")
	}
}

func TestRunDue_FailureDoesNotBlockOthers(t *testing.T) {
	s := New(zap.NewNop())
	var ran int32
	s.Add("failing", 15, func(ctx context.Context) task.Result {
		return task.Errored("broker down")
	})
	s.Add("healthy", 15, func(ctx context.Context) task.Result {
		atomic.AddInt32(&ran, 1)
		return task.OK(nil)
	})

	s.runDue(context.Background(), time.Date(2026, 1, 31, 17, 15, 0, 0, time.UTC))
	s.wg.Wait()

	if atomic.LoadInt32(&ran) != 1 {
		t.Error("healthy task blocked by failing sibling")
	}
}

func TestRunDue_SlowTaskDoesNotDelaySiblings(t *testing.T) {
	s := New(zap.NewNop())
	release := make(chan struct{})
	fastDone := make(chan struct{})
	s.Add("slow", 15, func(ctx context.Context) task.Result {
		<-release
		return task.OK(nil)
	})
	s.Add("fast", 15, func(ctx context.Context) task.Result {
		close(fastDone)
		return task.OK(nil)
	})

	s.runDue(context.Background(), time.Date(2026, 1, 31, 17, 15, 0, 0, time.UTC))
	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast task waited on slow sibling")
	}
	close(release)
	s.wg.Wait()
}

func TestRun_LateTickStillFiresSlot(t *testing.T) {
	s := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired int32
	var once sync.Once
	firstFire := make(chan struct{})
	s.Add("upes", 15, func(ctx context.Context) task.Result {
		atomic.AddInt32(&fired, 1)
		once.Do(func() { close(firstFire) })
		return task.OK(nil)
	})
	// A frozen clock makes every computed fire time already past, so the
	// timer delivers after its slot the way a loaded host would.
	s.now = func() time.Time {
		return time.Date(2026, 1, 31, 17, 14, 0, 0, time.UTC)
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-firstFire:
	case <-time.After(2 * time.Second):
		t.Fatal("task for the :15 slot did not fire on a late tick")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
	if atomic.LoadInt32(&fired) == 0 {
		t.Error("task never ran")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := hourlySchedule(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
