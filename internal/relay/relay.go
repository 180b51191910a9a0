// Package relay decides, for every (post, destination) pair, whether a
// delivery is still owed and performs it at most once.
//
// A poll cycle runs the broadcast path then the subscription path. Both
// look only at each author's newest post; older posts are tracked but never
// backfilled. Every failure is scoped to the smallest unit of work (one
// author, one subscription or one destination), logged, and the cycle moves on.
package relay

import (
	"context"
	"sort"

	"hoyorelay/internal/content"
	"hoyorelay/internal/ledger"
	"hoyorelay/internal/miyoushe"
	"hoyorelay/internal/storage"
	kit "hoyorelay/internal/transport"
	logx "hoyorelay/pkg/logx"
)

// Fetcher is the post source.
type Fetcher interface {
	FetchPosts(ctx context.Context, authorID string, size int) ([]miyoushe.Post, error)
}

// Sender is the outgoing half of the message transport.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendBatch(ctx context.Context, to kit.ChatTarget, batch content.Batch) error
}

// Stats counts what one dispatcher run did.
type Stats struct {
	Authors   int
	Sent      int
	Skipped   int
	Failed    int
	Filtered  int
	FetchErrs int
}

func (s *Stats) add(o Stats) {
	s.Authors += o.Authors
	s.Sent += o.Sent
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Filtered += o.Filtered
	s.FetchErrs += o.FetchErrs
}

const defaultPageSize = 3

// newestTracked fetches the author's posts, tracks all of them in the ledger
// and returns the newest one. ok is false when there is nothing to consider;
// a fetch error counts as an empty list.
func newestTracked(ctx context.Context, f Fetcher, l *ledger.Ledger, log logx.Logger, authorID string, size int) (post miyoushe.Post, ok bool, fetchErr bool) {
	if size <= 0 {
		size = defaultPageSize
	}
	posts, err := f.FetchPosts(ctx, authorID, size)
	if err != nil {
		log.Warn("fetch posts failed", logx.String("author_id", authorID), logx.Err(err))
		return miyoushe.Post{}, false, true
	}
	if len(posts) == 0 {
		return miyoushe.Post{}, false, false
	}

	sort.SliceStable(posts, func(i, j int) bool { return posts[i].UpdatedAt.After(posts[j].UpdatedAt) })

	// Track before any send so a crash re-attempts instead of losing the post.
	for _, p := range posts {
		_ = l.EnsureTracked(ctx, authorID, p.PostID, p.Title, p.UpdatedAt)
	}
	return posts[0], true, false
}

// deliver sends batches in order and reports whether all of them went out.
// A batch with media that Telegram rejects is retried once with the media
// replaced by links, so one unfetchable file cannot hold the post back and
// make every later cycle resend the batches before it.
func deliver(ctx context.Context, s Sender, to kit.ChatTarget, batches []content.Batch, log logx.Logger) error {
	for i, b := range batches {
		err := s.SendBatch(ctx, to, b)
		if err != nil && len(b.Media()) > 0 && ctx.Err() == nil {
			log.Warn("media send failed; sending links", logx.Int("batch", i), logx.Err(err))
			err = s.SendBatch(ctx, to, b.AsLinks())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// destinationKeyOf keeps broadcast keys canonical regardless of how the
// destination was spelled in config.
func destinationKeyOf(to kit.ChatTarget) storage.DestinationKey {
	return storage.BroadcastKey(to.String())
}
