package app

import (
	"context"
	"strings"

	"hoyorelay/internal/config"
	"hoyorelay/internal/task/scheduler"
	logx "hoyorelay/pkg/logx"
)

// reloadLoop applies committed config updates until ctx is done. Bursts are
// coalesced to the latest config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes the hot-reloadable parts of next into the running
// components. Token, storage and source endpoint changes are only logged.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 && len(restart) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if prev != nil && (prev.Source.BaseURL != next.Source.BaseURL || prev.Source.RequestTimeout != next.Source.RequestTimeout) {
		restart = append(restart, "source.base_url/request_timeout")
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	// Target first so Apply never mirrors to a stale chat.
	a.logs.SetChatTarget(logTarget(next))
	a.logs.Apply(mapLoggingConfig(next))

	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	a.adapter.SetSendRate(next.Telegram.SendRatePerSec)

	a.poller.Apply(mapRelaySettings(next))
	a.keep.Store(int64(retention(next)))

	a.sched.Apply(scheduler.Config{Timezone: next.Relay.Timezone})
	if err := a.registerSchedules(next); err != nil {
		// validateConfig already parsed both; this only trips on a scheduler bug.
		a.log.Error("schedule update failed; keeping previous triggers", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
