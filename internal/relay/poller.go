package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "hoyorelay/pkg/logx"
)

// Settings are the hot-reloadable knobs of a poll cycle.
type Settings struct {
	Routes         []Route
	ArticleBaseURL string
	PageSize       int
}

// Poller runs one poll cycle: broadcast path first, then subscriptions.
type Poller struct {
	broadcast *Broadcaster
	subs      *SubscriptionDispatcher
	settings  atomic.Pointer[Settings]
	log       logx.Logger

	cycles atomic.Int64
}

func NewPoller(b *Broadcaster, s *SubscriptionDispatcher, st Settings, log logx.Logger) *Poller {
	p := &Poller{broadcast: b, subs: s, log: log.With(logx.String("comp", "relay"))}
	p.Apply(st)
	return p
}

// Apply replaces the settings used from the next cycle on.
func (p *Poller) Apply(st Settings) {
	cp := st
	cp.Routes = append([]Route(nil), st.Routes...)
	p.settings.Store(&cp)
}

func (p *Poller) Settings() Settings { return *p.settings.Load() }

// Cycles is the number of cycles started since process start.
func (p *Poller) Cycles() int64 { return p.cycles.Load() }

// Cycle never fails on a single author or destination; it only returns the
// context error when it was cut short.
func (p *Poller) Cycle(ctx context.Context) error {
	st := p.settings.Load()
	r := Renderer{ArticleBaseURL: st.ArticleBaseURL}
	log := p.log.With(logx.String("cycle", uuid.NewString()))
	p.cycles.Add(1)

	start := time.Now()
	log.Debug("poll cycle started", logx.Int("routes", len(st.Routes)))

	var total Stats
	total.add(p.broadcast.Run(ctx, st.Routes, r, st.PageSize, log.With(logx.String("path", "broadcast"))))
	if p.subs != nil && ctx.Err() == nil {
		total.add(p.subs.Run(ctx, r, st.PageSize, log.With(logx.String("path", "subscription"))))
	}

	fields := []logx.Field{
		logx.Int("authors", total.Authors),
		logx.Int("sent", total.Sent),
		logx.Int("skipped", total.Skipped),
		logx.Int("filtered", total.Filtered),
		logx.Int("failed", total.Failed),
		logx.Int("fetch_errors", total.FetchErrs),
		logx.Duration("took", time.Since(start)),
	}
	if total.Sent > 0 || total.Failed > 0 {
		log.Info("poll cycle done", fields...)
	} else {
		log.Debug("poll cycle done", fields...)
	}
	return ctx.Err()
}
