package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "hoyorelay/pkg/logx"
)

// ErrOverlapSkip is returned by RunNow when the schedule is already running.
var ErrOverlapSkip = errors.New("already running")

// ErrUnknownSchedule is returned by RunNow for a name that was never added.
var ErrUnknownSchedule = errors.New("unknown schedule")

// ErrStopped is returned by RunNow once Stop has cancelled the job context.
var ErrStopped = errors.New("scheduler stopped")

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Shanghai"
}

type Job func(ctx context.Context) error

// runState is shared by every trigger of one schedule (timer or manual).
type runState struct {
	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	mu       sync.Mutex
	lastRun  time.Time
	lastErr  string
	lastTook time.Duration
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// runMu guards ctx/cancel separately from mu: cron callbacks read ctx
	// while mu may be held across cron.Stop.
	runMu  sync.Mutex
	ctx    context.Context // parent of every job context; canceled by Stop
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// spread delays the first run of interval schedules.
	spread bool
}

type ScheduleInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Skipped  uint64
	LastRun  time.Time
	LastErr  string
	LastTook time.Duration
}

type Snapshot struct {
	Timezone  string
	Started   bool
	Schedules []ScheduleInfo
}
