// Package ledger records which posts have been seen and where each one has
// been delivered, so every (post, destination) pair is sent at most once.
//
// Ledger failures never abort a relay cycle: they are logged here and
// reported to the caller, which decides whether to go on.
package ledger

import (
	"context"
	"time"

	"hoyorelay/internal/storage"
	logx "hoyorelay/pkg/logx"
)

// Entry is one tracked post with the destinations it reached.
type Entry struct {
	AuthorID    string
	PostID      string
	Title       string
	UpdatedAt   time.Time
	DeliveredTo []storage.DestinationKey
}

type Ledger struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.Store, log logx.Logger) *Ledger {
	return &Ledger{store: store, log: log.With(logx.String("comp", "ledger")), now: time.Now}
}

// EnsureTracked creates the entry if absent, otherwise refreshes its title
// and update time. Existing delivery records are kept.
func (l *Ledger) EnsureTracked(ctx context.Context, authorID, postID, title string, updatedAt time.Time) error {
	err := l.store.EnsurePost(ctx, storage.PostRecord{
		AuthorID:  authorID,
		PostID:    postID,
		Title:     title,
		UpdatedAt: updatedAt,
		CreatedAt: l.now(),
	})
	if err != nil {
		l.log.Warn("track post failed", logx.String("author_id", authorID), logx.String("post_id", postID), logx.Err(err))
	}
	return err
}

// IsDelivered reports whether key is recorded for the post. Lookup failures
// are logged and reported as not delivered: a duplicate beats a silent loss.
func (l *Ledger) IsDelivered(ctx context.Context, authorID, postID string, key storage.DestinationKey) bool {
	ok, err := l.store.HasDelivery(ctx, authorID, postID, key)
	if err != nil {
		l.log.Warn("delivery lookup failed; assuming undelivered",
			logx.String("author_id", authorID), logx.String("post_id", postID), logx.String("dest", key.String()), logx.Err(err))
		return false
	}
	return ok
}

// MarkDelivered adds key to the post's delivered set. Marking twice is a
// no-op. A failure leaves a bounded duplicate risk and is only logged.
func (l *Ledger) MarkDelivered(ctx context.Context, authorID, postID string, key storage.DestinationKey) error {
	err := l.store.AddDelivery(ctx, authorID, postID, key, l.now())
	if err != nil {
		l.log.Error("mark delivered failed",
			logx.String("author_id", authorID), logx.String("post_id", postID), logx.String("dest", key.String()), logx.Err(err))
	}
	return err
}

// LatestEntries returns up to limit entries of the author, newest first
// (limit <= 0: all).
func (l *Ledger) LatestEntries(ctx context.Context, authorID string, limit int) ([]Entry, error) {
	posts, err := l.store.ListPosts(ctx, authorID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(posts))
	for _, p := range posts {
		keys, err := l.store.Deliveries(ctx, p.AuthorID, p.PostID)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			AuthorID:    p.AuthorID,
			PostID:      p.PostID,
			Title:       p.Title,
			UpdatedAt:   p.UpdatedAt,
			DeliveredTo: keys,
		})
	}
	return out, nil
}

// Authors lists every author with at least one tracked entry.
func (l *Ledger) Authors(ctx context.Context) ([]string, error) {
	return l.store.ListAuthors(ctx)
}

// Trim keeps the newest keep entries of the author and deletes the rest,
// whole entries only.
func (l *Ledger) Trim(ctx context.Context, authorID string, keep int) (int, error) {
	return l.store.TrimPosts(ctx, authorID, keep)
}
