package relay

import (
	"context"

	"hoyorelay/internal/content"
	"hoyorelay/internal/ledger"
	"hoyorelay/internal/miyoushe"
	kit "hoyorelay/internal/transport"
	logx "hoyorelay/pkg/logx"
)

// Route is one broadcast author with its fixed destinations.
type Route struct {
	AuthorID     string
	Destinations []string
}

// Broadcaster delivers each route's newest post to every destination that
// has not received it yet.
type Broadcaster struct {
	fetch  Fetcher
	send   Sender
	ledger *ledger.Ledger
	log    logx.Logger
}

func NewBroadcaster(f Fetcher, s Sender, l *ledger.Ledger, log logx.Logger) *Broadcaster {
	return &Broadcaster{fetch: f, send: s, ledger: l, log: log.With(logx.String("comp", "relay.broadcast"))}
}

// Run processes routes sequentially. A cancelled ctx stops before the next
// author or destination.
func (b *Broadcaster) Run(ctx context.Context, routes []Route, r Renderer, pageSize int, log logx.Logger) Stats {
	if log.IsZero() {
		log = b.log
	}
	var st Stats
	for _, rt := range routes {
		if ctx.Err() != nil {
			break
		}
		if len(rt.Destinations) == 0 {
			continue
		}
		st.add(b.route(ctx, rt, r, pageSize, log.With(logx.String("author_id", rt.AuthorID))))
	}
	return st
}

func (b *Broadcaster) route(ctx context.Context, rt Route, r Renderer, pageSize int, log logx.Logger) Stats {
	st := Stats{Authors: 1}
	post, ok, fetchErr := newestTracked(ctx, b.fetch, b.ledger, log, rt.AuthorID, pageSize)
	if fetchErr {
		st.FetchErrs++
	}
	if !ok {
		return st
	}
	log = log.With(logx.String("post_id", post.PostID))
	if post.Deleted() {
		log.Debug("newest post is deleted; skipping")
		st.Skipped++
		return st
	}

	targets := make([]kit.ChatTarget, 0, len(rt.Destinations))
	for _, d := range rt.Destinations {
		to, err := kit.ParseTarget(d)
		if err != nil {
			log.Warn("invalid destination", logx.String("dest", d), logx.Err(err))
			st.Failed++
			continue
		}
		if b.ledger.IsDelivered(ctx, rt.AuthorID, post.PostID, destinationKeyOf(to)) {
			st.Skipped++
			continue
		}
		targets = append(targets, to)
	}
	if len(targets) == 0 {
		return st
	}

	batches, err := r.Batches(post)
	if err != nil {
		log.Warn("structured content parse failed; sending placeholder", logx.Err(err))
	}
	for _, to := range targets {
		if ctx.Err() != nil {
			break
		}
		if b.deliverTo(ctx, rt.AuthorID, post, to, batches, log) {
			st.Sent++
		} else {
			st.Failed++
		}
	}
	return st
}

func (b *Broadcaster) deliverTo(ctx context.Context, authorID string, post miyoushe.Post, to kit.ChatTarget, batches []content.Batch, log logx.Logger) bool {
	key := destinationKeyOf(to)
	dlog := log.With(logx.String("dest", key.Channel))
	if err := deliver(ctx, b.send, to, batches, dlog); err != nil {
		dlog.Warn("broadcast send failed", logx.Err(err))
		return false
	}
	_ = b.ledger.MarkDelivered(ctx, authorID, post.PostID, key)
	dlog.Info("post broadcast", logx.String("title", post.Title), logx.Int("batches", len(batches)))
	return true
}
