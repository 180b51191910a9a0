// Package commands implements the bot's chat commands on top of the router.
package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"hoyorelay/internal/relay"
	"hoyorelay/internal/storage"
	"hoyorelay/internal/task/scheduler"
	"hoyorelay/internal/transport/telegram/router"
	logx "hoyorelay/pkg/logx"
)

// SubscriptionStore is the subscription half of the store.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, s storage.Subscription) (bool, error)
	DeleteSubscription(ctx context.Context, subscriberID, channelID, targetAuthorID string) (bool, error)
	ListSubscriptions(ctx context.Context, f storage.SubscriptionFilter) ([]storage.Subscription, error)
}

// NameResolver looks up an author's display name.
type NameResolver interface {
	Nickname(ctx context.Context, uid string) (string, error)
}

// JobRunner triggers a named schedule on demand.
type JobRunner interface {
	RunNow(name string) (<-chan error, error)
}

type Deps struct {
	Store  SubscriptionStore
	Names  NameResolver
	Jobs   JobRunner
	Routes func() []relay.Route

	PollJob  string
	SweepJob string

	Log logx.Logger
	Now func() time.Time
}

type handlers struct {
	Deps
}

var authorIDPattern = regexp.MustCompile(`^[0-9]{1,20}$`)

// Build returns the command set. /help is added by the router.
func Build(d Deps) []router.Command {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}
	return []router.Command{
		{
			Name:        "subscribe",
			Aliases:     []string{"sub"},
			Description: "get a mention when an author posts",
			Usage:       "/subscribe <uid> [title regex]",
			GroupOnly:   true,
			Timeout:     20 * time.Second,
			Handle:      h.subscribe,
		},
		{
			Name:        "unsubscribe",
			Aliases:     []string{"unsub"},
			Description: "stop following an author in this chat",
			Usage:       "/unsubscribe <uid>",
			GroupOnly:   true,
			Handle:      h.unsubscribe,
		},
		{
			Name:        "subscriptions",
			Aliases:     []string{"subs"},
			Description: "list your subscriptions",
			Usage:       "/subscriptions",
			Handle:      h.subscriptions,
		},
		{
			Name:        "watched",
			Description: "list broadcast authors",
			Usage:       "/watched",
			Handle:      h.watched,
		},
		{
			Name:        "check",
			Description: "run a poll cycle now",
			Usage:       "/check",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Minute,
			Handle:      h.runJob(d.PollJob, "poll cycle"),
		},
		{
			Name:        "sweep",
			Description: "run the retention sweep now",
			Usage:       "/sweep",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Minute,
			Handle:      h.runJob(d.SweepJob, "retention sweep"),
		},
	}
}

func (h *handlers) subscribe(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 1 || !authorIDPattern.MatchString(req.Args[0]) {
		return req.Reply(ctx, "usage: <code>/subscribe &lt;uid&gt; [title regex]</code>")
	}
	uid := req.Args[0]
	filter := strings.TrimSpace(strings.Join(req.Args[1:], " "))
	if filter != "" {
		if _, err := regexp.Compile(filter); err != nil {
			return req.Reply(ctx, "❌ invalid regex: <code>"+html.EscapeString(err.Error())+"</code>")
		}
	}

	name := uid
	if h.Names != nil {
		if n, err := h.Names.Nickname(ctx, uid); err != nil {
			req.Logger.Warn("nickname lookup failed; using uid", logx.String("author_id", uid), logx.Err(err))
		} else {
			name = n
		}
	}

	created, err := h.Store.UpsertSubscription(ctx, storage.Subscription{
		SubscriberID:   strconv.FormatInt(req.FromID, 10),
		ChannelID:      req.Chat.String(),
		TargetAuthorID: uid,
		DisplayName:    name,
		TitleFilter:    filter,
		CreatedAt:      h.Now(),
	})
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	verb := "✅ Subscribed to"
	if !created {
		verb = "🔄 Updated subscription to"
	}
	msg := fmt.Sprintf("%s <b>%s</b> (UID %s)", verb, html.EscapeString(name), uid)
	if filter != "" {
		msg += "\nTitle filter: <code>" + html.EscapeString(filter) + "</code>"
	}
	return req.Reply(ctx, msg)
}

func (h *handlers) unsubscribe(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 || !authorIDPattern.MatchString(req.Args[0]) {
		return req.Reply(ctx, "usage: <code>/unsubscribe &lt;uid&gt;</code>")
	}
	removed, err := h.Store.DeleteSubscription(ctx, strconv.FormatInt(req.FromID, 10), req.Chat.String(), req.Args[0])
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if !removed {
		return req.Reply(ctx, "You are not subscribed to UID "+req.Args[0]+" in this chat.")
	}
	return req.Reply(ctx, "🗑 Unsubscribed from UID "+req.Args[0]+".")
}

func (h *handlers) subscriptions(ctx context.Context, req *router.Request) error {
	me := strconv.FormatInt(req.FromID, 10)
	here := req.Chat.String()

	subs, err := h.Store.ListSubscriptions(ctx, storage.SubscriptionFilter{SubscriberID: me, ChannelID: here})
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	scope := "in this chat"
	if len(subs) == 0 {
		subs, err = h.Store.ListSubscriptions(ctx, storage.SubscriptionFilter{SubscriberID: me})
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		scope = "in all chats"
	}
	if len(subs) == 0 {
		return req.Reply(ctx, "You have no subscriptions. Use <code>/subscribe &lt;uid&gt;</code>.")
	}

	now := h.Now()
	lines := []string{fmt.Sprintf("📋 <b>Your subscriptions %s</b> (%d)", scope, len(subs))}
	for _, s := range subs {
		line := fmt.Sprintf("• <b>%s</b> (UID %s)", html.EscapeString(s.DisplayName), s.TargetAuthorID)
		if s.ChannelID != here {
			line += " in <code>" + html.EscapeString(s.ChannelID) + "</code>"
		}
		if s.TitleFilter != "" {
			line += " filter <code>" + html.EscapeString(s.TitleFilter) + "</code>"
		}
		if !s.CreatedAt.IsZero() {
			line += ", since " + humanize.RelTime(s.CreatedAt, now, "ago", "from now")
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) watched(ctx context.Context, req *router.Request) error {
	var routes []relay.Route
	if h.Routes != nil {
		routes = h.Routes()
	}
	if len(routes) == 0 {
		return req.Reply(ctx, "No broadcast authors configured.")
	}
	lines := []string{fmt.Sprintf("👀 <b>Broadcast authors</b> (%d)", len(routes))}
	for _, r := range routes {
		line := "• UID <code>" + html.EscapeString(r.AuthorID) + "</code> → " + humanize.Comma(int64(len(r.Destinations))) + " destination"
		if len(r.Destinations) != 1 {
			line += "s"
		}
		if req.IsOwner && len(r.Destinations) > 0 {
			line += ": <code>" + html.EscapeString(strings.Join(r.Destinations, ", ")) + "</code>"
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) runJob(name, label string) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		done, err := h.Jobs.RunNow(name)
		if errors.Is(err, scheduler.ErrOverlapSkip) {
			return req.Reply(ctx, "⏳ A "+label+" is already running.")
		}
		if errors.Is(err, scheduler.ErrStopped) {
			return req.Reply(ctx, "⏹ Shutting down; "+label+" not started.")
		}
		if err != nil {
			return fmt.Errorf("start %s: %w", label, err)
		}
		h.Log.Info("manual run", logx.String("job", name), logx.Int64("from_id", req.FromID))
		start := h.Now()
		_ = req.Reply(ctx, "▶️ Running "+label+"…")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			took := h.Now().Sub(start).Round(time.Millisecond)
			if err != nil {
				return req.Reply(ctx, "❌ "+label+" failed after "+took.String()+": <code>"+html.EscapeString(err.Error())+"</code>")
			}
			return req.Reply(ctx, "✅ "+label+" finished in "+took.String())
		}
	}
}
