package relay

import (
	"context"
	"regexp"
	"sort"

	"hoyorelay/internal/content"
	"hoyorelay/internal/ledger"
	"hoyorelay/internal/storage"
	kit "hoyorelay/internal/transport"
	logx "hoyorelay/pkg/logx"
)

// SubscriptionLister is the part of the store the dispatcher reads.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, f storage.SubscriptionFilter) ([]storage.Subscription, error)
}

// SubscriptionDispatcher delivers each target author's newest post to every
// subscription whose title filter matches, with a mention of the subscriber.
type SubscriptionDispatcher struct {
	fetch  Fetcher
	send   Sender
	ledger *ledger.Ledger
	subs   SubscriptionLister
	log    logx.Logger
}

func NewSubscriptionDispatcher(f Fetcher, s Sender, l *ledger.Ledger, subs SubscriptionLister, log logx.Logger) *SubscriptionDispatcher {
	return &SubscriptionDispatcher{fetch: f, send: s, ledger: l, subs: subs, log: log.With(logx.String("comp", "relay.subscription"))}
}

// Run fetches once per target author and then walks that author's
// subscriptions in order.
func (d *SubscriptionDispatcher) Run(ctx context.Context, r Renderer, pageSize int, log logx.Logger) Stats {
	if log.IsZero() {
		log = d.log
	}
	var st Stats
	subs, err := d.subs.ListSubscriptions(ctx, storage.SubscriptionFilter{})
	if err != nil {
		log.Error("list subscriptions failed", logx.Err(err))
		return st
	}

	groups := make(map[string][]storage.Subscription)
	for _, s := range subs {
		groups[s.TargetAuthorID] = append(groups[s.TargetAuthorID], s)
	}
	authors := make([]string, 0, len(groups))
	for a := range groups {
		authors = append(authors, a)
	}
	sort.Strings(authors)

	filters := make(map[string]compiledFilter)
	for _, author := range authors {
		if ctx.Err() != nil {
			break
		}
		st.add(d.group(ctx, author, groups[author], r, pageSize, filters, log.With(logx.String("author_id", author))))
	}
	return st
}

func (d *SubscriptionDispatcher) group(ctx context.Context, authorID string, subs []storage.Subscription, r Renderer, pageSize int, filters map[string]compiledFilter, log logx.Logger) Stats {
	st := Stats{Authors: 1}
	post, ok, fetchErr := newestTracked(ctx, d.fetch, d.ledger, log, authorID, pageSize)
	if fetchErr {
		st.FetchErrs++
	}
	if !ok {
		return st
	}
	log = log.With(logx.String("post_id", post.PostID))
	if post.Deleted() {
		st.Skipped += len(subs)
		return st
	}

	var batches []content.Batch
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		sublog := log.With(logx.String("subscriber", sub.SubscriberID), logx.String("channel", sub.ChannelID))

		if sub.TitleFilter != "" {
			re, err := compileFilter(filters, sub.TitleFilter)
			if err != nil {
				sublog.Warn("invalid title filter; treating as no match", logx.String("filter", sub.TitleFilter), logx.Err(err))
				st.Filtered++
				continue
			}
			if !re.MatchString(post.Title) {
				st.Filtered++
				continue
			}
		}

		key := storage.SubscriptionKey(sub.SubscriberID, sub.ChannelID)
		if d.ledger.IsDelivered(ctx, authorID, post.PostID, key) {
			st.Skipped++
			continue
		}
		to, err := kit.ParseTarget(sub.ChannelID)
		if err != nil {
			sublog.Warn("invalid subscription channel", logx.Err(err))
			st.Failed++
			continue
		}

		name := sub.DisplayName
		if name == "" {
			name = sub.TargetAuthorID
		}
		if _, err := d.send.SendText(ctx, to, MentionPrelude(sub.SubscriberID, name), &kit.SendOptions{ParseMode: "HTML"}); err != nil {
			sublog.Warn("mention prelude failed", logx.Err(err))
			st.Failed++
			continue
		}
		if batches == nil {
			var err error
			if batches, err = r.Batches(post); err != nil {
				log.Warn("structured content parse failed; sending placeholder", logx.Err(err))
			}
		}
		if err := deliver(ctx, d.send, to, batches, sublog); err != nil {
			sublog.Warn("subscription send failed", logx.Err(err))
			st.Failed++
			continue
		}
		_ = d.ledger.MarkDelivered(ctx, authorID, post.PostID, key)
		sublog.Info("post delivered to subscriber", logx.String("title", post.Title))
		st.Sent++
	}
	return st
}

type compiledFilter struct {
	re  *regexp.Regexp
	err error
}

// compileFilter compiles expr once per run; failures are cached too.
func compileFilter(cache map[string]compiledFilter, expr string) (*regexp.Regexp, error) {
	c, ok := cache[expr]
	if !ok {
		c.re, c.err = regexp.Compile(expr)
		cache[expr] = c
	}
	return c.re, c.err
}
