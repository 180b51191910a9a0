package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "hoyorelay/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "2m", kind: SpecInterval, source: "duration", duration: 2 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every:00:30", kind: SpecInterval, source: "hhmm", duration: 30 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "not-a-schedule", "0s", "00:00", "61 * * * * * *", "01:75"} {
		if err := ValidateSchedule(bad); err == nil {
			t.Fatalf("ValidateSchedule(%q): expected error", bad)
		}
	}
	for _, ok := range []string{"2m", "24h", "0 */2 * * * *", "@hourly"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Fatalf("ValidateSchedule(%q): %v", ok, err)
		}
	}
}

func TestRunNowSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	release := make(chan struct{})
	var runs atomic.Int32
	err := s.AddSchedule("poll", "1h", 0, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	done, err := s.RunNow("poll")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if _, err := s.RunNow("poll"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second RunNow err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("job err: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Skipped != 1 || snap.Schedules[0].Runs != 1 {
		t.Fatalf("snapshot = %+v", snap.Schedules)
	}
}

func TestSchedulesDoNotBlockEachOther(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	block := make(chan struct{})
	defer close(block)

	_ = s.AddSchedule("poll", "1h", 0, func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	_ = s.AddSchedule("sweep", "1h", 0, func(ctx context.Context) error { return nil })
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	if _, err := s.RunNow("poll"); err != nil {
		t.Fatalf("RunNow poll: %v", err)
	}
	done, err := s.RunNow("sweep")
	if err != nil {
		t.Fatalf("RunNow sweep: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep blocked by poll")
	}
}

func TestRunNowRecoversPanicAndUnknown(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	_ = s.AddSchedule("boom", "1h", time.Second, func(ctx context.Context) error { panic("x") })
	s.Start(context.Background())
	defer s.Stop(context.Background())

	done, err := s.RunNow("boom")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if err := <-done; err == nil {
		t.Fatalf("expected panic error")
	}
	if _, err := s.RunNow("missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("err = %v, want ErrUnknownSchedule", err)
	}
}

func TestRunNowAfterStop(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New(Config{}, logx.Nop())
	_ = s.AddSchedule("poll", "1h", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start(context.Background())
	s.Stop(context.Background())

	if _, err := s.RunNow("poll"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if runs.Load() != 0 {
		t.Fatalf("job ran after Stop")
	}
	if snap := s.Snapshot(); snap.Schedules[0].Running {
		t.Fatalf("rejected run left the schedule marked running")
	}
}

func TestAddScheduleReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	_ = s.AddSchedule("poll", "2m", 0, func(ctx context.Context) error { return nil })
	_ = s.AddSchedule("poll", "5m", 0, func(ctx context.Context) error { return nil })
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 5m0s" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !s.Remove("poll") || s.Remove("poll") {
		t.Fatalf("Remove should succeed exactly once")
	}
}
