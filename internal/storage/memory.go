package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type postKey struct{ author, post string }

type subKey struct{ subscriber, channel, author string }

type memPost struct {
	rec        PostRecord
	deliveries map[DestinationKey]time.Time
}

// memoryStore keeps everything in maps guarded by one mutex. It follows the
// sqlite driver's ordering rules so either can back the same tests.
type memoryStore struct {
	mu    sync.Mutex
	posts map[postKey]*memPost
	subs  map[subKey]Subscription
}

func newMemory() *memoryStore {
	return &memoryStore{
		posts: map[postKey]*memPost{},
		subs:  map[subKey]Subscription{},
	}
}

// NewMemory returns an empty in-process store.
func NewMemory() Store { return newMemory() }

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) EnsurePost(ctx context.Context, p PostRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Match sqlite's second resolution so both drivers order identically.
	p.UpdatedAt = time.Unix(p.UpdatedAt.Unix(), 0)
	k := postKey{p.AuthorID, p.PostID}
	if cur, ok := m.posts[k]; ok {
		cur.rec.Title = p.Title
		cur.rec.UpdatedAt = p.UpdatedAt
		return nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.posts[k] = &memPost{rec: p, deliveries: map[DestinationKey]time.Time{}}
	return nil
}

func (m *memoryStore) HasDelivery(ctx context.Context, authorID, postID string, key DestinationKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postKey{authorID, postID}]
	if !ok {
		return false, nil
	}
	_, ok = p.deliveries[key]
	return ok, nil
}

func (m *memoryStore) AddDelivery(ctx context.Context, authorID, postID string, key DestinationKey, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postKey{authorID, postID}]
	if !ok {
		return fmt.Errorf("post %s/%s: %w", authorID, postID, ErrNotFound)
	}
	if _, dup := p.deliveries[key]; !dup {
		if at.IsZero() {
			at = time.Now()
		}
		p.deliveries[key] = at
	}
	return nil
}

func (m *memoryStore) Deliveries(ctx context.Context, authorID, postID string) ([]DestinationKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postKey{authorID, postID}]
	if !ok {
		return nil, nil
	}
	out := make([]DestinationKey, 0, len(p.deliveries))
	for k := range p.deliveries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := p.deliveries[out[i]], p.deliveries[out[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].String() < out[j].String()
	})
	return out, nil
}

// sortedPostsLocked returns the author's posts newest first.
func (m *memoryStore) sortedPostsLocked(authorID string) []*memPost {
	var out []*memPost
	for k, p := range m.posts {
		if k.author == authorID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].rec, out[j].rec
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.PostID > b.PostID
	})
	return out
}

func (m *memoryStore) ListPosts(ctx context.Context, authorID string, limit int) ([]PostRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedPostsLocked(authorID)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]PostRecord, 0, len(sorted))
	for _, p := range sorted {
		out = append(out, p.rec)
	}
	return out, nil
}

func (m *memoryStore) ListAuthors(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for k := range m.posts {
		if !seen[k.author] {
			seen[k.author] = true
			out = append(out, k.author)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) TrimPosts(ctx context.Context, authorID string, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedPostsLocked(authorID)
	if len(sorted) <= keep {
		return 0, nil
	}
	for _, p := range sorted[keep:] {
		delete(m.posts, postKey{p.rec.AuthorID, p.rec.PostID})
	}
	return len(sorted) - keep, nil
}

func (m *memoryStore) UpsertSubscription(ctx context.Context, s Subscription) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := subKey{s.SubscriberID, s.ChannelID, s.TargetAuthorID}
	if cur, ok := m.subs[k]; ok {
		cur.DisplayName = s.DisplayName
		cur.TitleFilter = s.TitleFilter
		m.subs[k] = cur
		return false, nil
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.CreatedAt = time.UnixMilli(s.CreatedAt.UnixMilli())
	m.subs[k] = s
	return true, nil
}

func (m *memoryStore) DeleteSubscription(ctx context.Context, subscriberID, channelID, targetAuthorID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := subKey{subscriberID, channelID, targetAuthorID}
	if _, ok := m.subs[k]; !ok {
		return false, nil
	}
	delete(m.subs, k)
	return true, nil
}

func (m *memoryStore) ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.subs {
		if f.match(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.SubscriberID != b.SubscriberID {
			return a.SubscriberID < b.SubscriberID
		}
		if a.ChannelID != b.ChannelID {
			return a.ChannelID < b.ChannelID
		}
		return a.TargetAuthorID < b.TargetAuthorID
	})
	return out, nil
}
