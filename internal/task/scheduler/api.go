package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "hoyorelay/pkg/logx"
)

// AddSchedule parses schedule and registers the job under name, replacing
// any previous schedule with the same name. Run-state (the overlap guard)
// carries over when a name is re-registered, so a hot reload never lets a
// new trigger overlap a run started under the old spec.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	spec, err := s.cronSpec(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := &runState{}
	for _, d := range s.defs {
		if d.name == name {
			state = d.state
		}
	}
	s.removeScheduleLocked(name)

	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		state:   state,
	})
	if s.c == nil {
		// Registered when Start runs.
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// ValidateSchedule reports whether schedule would be accepted by AddSchedule.
func ValidateSchedule(schedule string) error {
	_, err := (&Service{parser: newParser()}).cronSpec(schedule)
	return err
}

func (s *Service) cronSpec(schedule string) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return "", fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
		return ps.Cron, nil
	case SpecInterval:
		return "@every " + ps.Every.String(), nil
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

// Remove unschedules name. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// RunNow triggers name immediately, subject to the same overlap guard as its
// timer. The returned channel yields the job result once it finishes.
func (s *Service) RunNow(name string) (<-chan error, error) {
	if s.jobContext() == nil {
		return nil, errors.New("scheduler not started")
	}
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}

	done := make(chan error, 1)
	if err := s.dispatch(*def, "manual", done); err != nil {
		return nil, err
	}
	return done, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	out := Snapshot{Timezone: loc.String(), Started: c != nil}
	for _, d := range defs {
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Running: d.state.running.Load(),
			Runs:    d.state.runs.Load(),
			Skipped: d.state.skipped.Load(),
		}
		d.state.mu.Lock()
		it.LastRun, it.LastErr, it.LastTook = d.state.lastRun, d.state.lastErr, d.state.lastTook
		d.state.mu.Unlock()
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	sort.Slice(out.Schedules, func(i, j int) bool { return out.Schedules[i].Name < out.Schedules[j].Name })
	return out
}

// dispatch starts one run of d unless it is already running or the service
// has been stopped. done, if non-nil, receives the job result.
func (s *Service) dispatch(d scheduleDef, trigger string, done chan<- error) error {
	if !d.state.running.CompareAndSwap(false, true) {
		d.state.skipped.Add(1)
		s.log.Debug("schedule trigger skipped", logx.String("schedule", d.name), logx.String("trigger", trigger))
		return ErrOverlapSkip
	}

	// The check and wg.Add share runMu with Stop's cancel, so no run can be
	// added once Stop is waiting.
	s.runMu.Lock()
	parent := s.ctx
	if parent != nil && parent.Err() != nil {
		s.runMu.Unlock()
		d.state.running.Store(false)
		return ErrStopped
	}
	if parent == nil {
		parent = context.Background()
	}
	s.wg.Add(1)
	s.runMu.Unlock()

	go func() {
		defer s.wg.Done()
		defer d.state.running.Store(false)

		err := s.run(parent, d, trigger)
		if done != nil {
			done <- err
		}
	}()
	return nil
}

func (s *Service) jobContext() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.ctx
}

func (s *Service) run(parent context.Context, d scheduleDef, trigger string) (err error) {
	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("schedule", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		took := time.Since(start)
		d.state.runs.Add(1)
		d.state.mu.Lock()
		d.state.lastRun = start
		d.state.lastTook = took
		d.state.lastErr = ""
		if err != nil {
			d.state.lastErr = err.Error()
		}
		d.state.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("job failed", logx.String("schedule", d.name), logx.String("trigger", trigger), logx.Duration("took", took), logx.Err(err))
			return
		}
		s.log.Debug("job finished", logx.String("schedule", d.name), logx.String("trigger", trigger), logx.Duration("took", took))
	}()

	return d.job(ctx)
}

// removeScheduleLocked removes all defs matching name and unregisters them
// from cron if running. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		_ = s.dispatch(def, "timer", nil)
	})

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok && s.spread {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := makeIntervalScheduleWithSpread(dur, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// previewNextRunsLocked returns upcoming run times for spec, only when debug
// logging is on. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
