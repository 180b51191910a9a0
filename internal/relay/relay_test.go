package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hoyorelay/internal/content"
	"hoyorelay/internal/ledger"
	"hoyorelay/internal/miyoushe"
	"hoyorelay/internal/storage"
	kit "hoyorelay/internal/transport"
	logx "hoyorelay/pkg/logx"
)

// journal records store writes and sends in one ordered list.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.events = append(j.events, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type journalStore struct {
	storage.Store
	j *journal
}

func (s *journalStore) EnsurePost(ctx context.Context, p storage.PostRecord) error {
	s.j.add("track %s", p.PostID)
	return s.Store.EnsurePost(ctx, p)
}

func (s *journalStore) AddDelivery(ctx context.Context, a, p string, k storage.DestinationKey, at time.Time) error {
	s.j.add("mark %s %s", p, k)
	return s.Store.AddDelivery(ctx, a, p, k, at)
}

type fakeFetcher struct {
	mu    sync.Mutex
	posts map[string][]miyoushe.Post
	errs  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{posts: map[string][]miyoushe.Post{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeFetcher) FetchPosts(ctx context.Context, authorID string, size int) ([]miyoushe.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[authorID]++
	if err := f.errs[authorID]; err != nil {
		return nil, err
	}
	return append([]miyoushe.Post(nil), f.posts[authorID]...), nil
}

type sent struct {
	to    kit.ChatTarget
	text  string // prelude text or batch text
	batch content.Batch
}

type fakeSender struct {
	mu   sync.Mutex
	j    *journal
	sent []sent
	// failChat fails every send to the chat; failOnBatch fails the n-th
	// (1-based) batch sent to it; failMedia fails every batch with media.
	failChat    map[int64]bool
	failOnBatch map[int64]int
	failMedia   map[int64]bool
	batchCount  map[int64]int
}

func newFakeSender(j *journal) *fakeSender {
	return &fakeSender{j: j, failChat: map[int64]bool{}, failOnBatch: map[int64]int{}, failMedia: map[int64]bool{}, batchCount: map[int64]int{}}
}

var errSend = errors.New("chat unavailable")

func (s *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failChat[to.ChatID] {
		return kit.MessageRef{}, errSend
	}
	if s.j != nil {
		s.j.add("text %s", to)
	}
	s.sent = append(s.sent, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(s.sent)}, nil
}

func (s *fakeSender) SendBatch(ctx context.Context, to kit.ChatTarget, b content.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failChat[to.ChatID] {
		return errSend
	}
	s.batchCount[to.ChatID]++
	if n := s.failOnBatch[to.ChatID]; n > 0 && s.batchCount[to.ChatID] == n {
		return errSend
	}
	if s.failMedia[to.ChatID] && len(b.Media()) > 0 {
		return errSend
	}
	if s.j != nil {
		s.j.add("batch %s", to)
	}
	s.sent = append(s.sent, sent{to: to, text: b.Text(), batch: b})
	return nil
}

func (s *fakeSender) to(chat int64) []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sent
	for _, m := range s.sent {
		if m.to.ChatID == chat {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	j      *journal
	store  storage.Store
	ledger *ledger.Ledger
	fetch  *fakeFetcher
	send   *fakeSender
	bcast  *Broadcaster
	subs   *SubscriptionDispatcher
	render Renderer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j := &journal{}
	mem := storage.NewMemory()
	st := &journalStore{Store: mem, j: j}
	l := ledger.New(st, logx.Nop())
	f := newFakeFetcher()
	s := newFakeSender(j)
	return &fixture{
		j:      j,
		store:  mem,
		ledger: l,
		fetch:  f,
		send:   s,
		bcast:  NewBroadcaster(f, s, l, logx.Nop()),
		subs:   NewSubscriptionDispatcher(f, s, l, mem, logx.Nop()),
		render: Renderer{ArticleBaseURL: "https://example.test/a/"},
	}
}

func post(author, id, title string, updated int64) miyoushe.Post {
	return miyoushe.Post{
		AuthorID:          author,
		PostID:            id,
		Title:             title,
		UpdatedAt:         time.Unix(updated, 0),
		StructuredContent: `[{"insert":"Hello\n"},{"insert":{"image":"https://img/1.png"}}]`,
		Author:            miyoushe.Author{UID: author, Nickname: "Nick"},
	}
}

func TestBroadcastDeliversOnceToEveryDestination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.fetch.posts["a"] = []miyoushe.Post{post("a", "1", "old", 100), post("a", "2", "new", 200)}
	routes := []Route{{AuthorID: "a", Destinations: []string{"-100", "-200/7"}}}

	st := fx.bcast.Run(ctx, routes, fx.render, 3, logx.Nop())
	if st.Sent != 2 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
	for _, chat := range []int64{-100, -200} {
		msgs := fx.send.to(chat)
		if len(msgs) != 3 {
			t.Fatalf("chat %d got %d batches", chat, len(msgs))
		}
		if !strings.Contains(msgs[0].text, "Title: new") || !strings.Contains(msgs[0].text, "https://example.test/a/2") {
			t.Fatalf("summary = %q", msgs[0].text)
		}
		if msgs[1].text != contentHeader || msgs[2].text != "Hello" || len(msgs[2].batch.Media()) != 1 {
			t.Fatalf("batches = %+v", msgs)
		}
	}
	if got := fx.send.to(-200)[0].to.ThreadID; got != 7 {
		t.Fatalf("thread = %d", got)
	}

	// Only the newest post is sent; both are tracked.
	entries, _ := fx.ledger.LatestEntries(ctx, "a", 0)
	if len(entries) != 2 || len(entries[1].DeliveredTo) != 0 {
		t.Fatalf("entries = %+v", entries)
	}

	st = fx.bcast.Run(ctx, routes, fx.render, 3, logx.Nop())
	if st.Sent != 0 || st.Skipped != 2 {
		t.Fatalf("second run stats = %+v", st)
	}
	if n := len(fx.send.to(-100)); n != 3 {
		t.Fatalf("re-delivered: %d batches", n)
	}
}

func TestBroadcastPerDestinationIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.fetch.posts["a"] = []miyoushe.Post{post("a", "1", "t", 100)}
	fx.send.failChat[-100] = true
	routes := []Route{{AuthorID: "a", Destinations: []string{"-100", "-200"}}}

	st := fx.bcast.Run(ctx, routes, fx.render, 3, logx.Nop())
	if st.Sent != 1 || st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if fx.ledger.IsDelivered(ctx, "a", "1", storage.BroadcastKey("-100")) {
		t.Fatalf("failed destination marked delivered")
	}
	if !fx.ledger.IsDelivered(ctx, "a", "1", storage.BroadcastKey("-200")) {
		t.Fatalf("healthy destination not marked")
	}

	fx.send.failChat[-100] = false
	st = fx.bcast.Run(ctx, routes, fx.render, 3, logx.Nop())
	if st.Sent != 1 || st.Skipped != 1 {
		t.Fatalf("retry stats = %+v", st)
	}
	if n := len(fx.send.to(-200)); n != 3 {
		t.Fatalf("healthy destination re-sent: %d", n)
	}
}

func TestBroadcastMarksOnlyAfterAllBatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.fetch.posts["a"] = []miyoushe.Post{post("a", "1", "t", 100)}
	fx.send.failOnBatch[-100] = 2
	routes := []Route{{AuthorID: "a", Destinations: []string{"-100"}}}

	fx.bcast.Run(ctx, routes, fx.render, 3, logx.Nop())
	if fx.ledger.IsDelivered(ctx, "a", "1", storage.BroadcastKey("-100")) {
		t.Fatalf("partial delivery marked")
	}
}

func TestBroadcastFallsBackToLinksWhenMediaFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.fetch.posts["a"] = []miyoushe.Post{post("a", "1", "t", 100)}
	fx.send.failMedia[-100] = true
	routes := []Route{{AuthorID: "a", Destinations: []string{"-100"}}}

	for i := 0; i < 5; i++ {
		fx.bcast.Run(ctx, routes, fx.render, 3, logx.Nop())
	}
	msgs := fx.send.to(-100)
	summaries := 0
	for _, m := range msgs {
		if strings.Contains(m.text, "Title: t") {
			summaries++
		}
	}
	if summaries != 1 || len(msgs) != 3 {
		t.Fatalf("summaries = %d, messages = %d", summaries, len(msgs))
	}
	if got := msgs[2].text; got != "Hello\n🔗 https://img/1.png" || len(msgs[2].batch.Media()) != 0 {
		t.Fatalf("fallback batch = %q", got)
	}
	if !fx.ledger.IsDelivered(ctx, "a", "1", storage.BroadcastKey("-100")) {
		t.Fatalf("link fallback not marked delivered")
	}
}

func TestBroadcastLogsParseFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	p := post("a", "9", "t", 100)
	p.StructuredContent = `[{"insert":null}]`
	fx.fetch.posts["a"] = []miyoushe.Post{p}

	var buf bytes.Buffer
	log := logx.FromZerolog(zerolog.New(&buf))
	st := fx.bcast.Run(ctx, []Route{{AuthorID: "a", Destinations: []string{"-100"}}}, fx.render, 3, log)
	if st.Sent != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if msgs := fx.send.to(-100); len(msgs) != 3 || msgs[2].text != content.ParseFailedText {
		t.Fatalf("messages = %+v", msgs)
	}
	out := buf.String()
	for _, want := range []string{"structured content parse failed", `"author_id":"a"`, `"post_id":"9"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %q", out, want)
		}
	}
}

func TestBroadcastTracksBeforeSending(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.fetch.posts["a"] = []miyoushe.Post{post("a", "1", "t", 100)}
	fx.bcast.Run(context.Background(), []Route{{AuthorID: "a", Destinations: []string{"-100"}}}, fx.render, 3, logx.Nop())

	ev := fx.j.list()
	if len(ev) < 3 || ev[0] != "track 1" || !strings.HasPrefix(ev[1], "batch") || !strings.HasPrefix(ev[len(ev)-1], "mark 1") {
		t.Fatalf("events = %v", ev)
	}
}

func TestBroadcastSkipsSoftDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	p := post("a", "1", "t", 100)
	p.DeletedAt = time.Unix(150, 0)
	fx.fetch.posts["a"] = []miyoushe.Post{p}

	st := fx.bcast.Run(ctx, []Route{{AuthorID: "a", Destinations: []string{"-100"}}}, fx.render, 3, logx.Nop())
	if st.Sent != 0 || len(fx.send.to(-100)) != 0 {
		t.Fatalf("deleted post sent: %+v", st)
	}
	if entries, _ := fx.ledger.LatestEntries(ctx, "a", 0); len(entries) != 1 {
		t.Fatalf("deleted post not tracked")
	}
}

func TestBroadcastFetchErrorIsolatesAuthor(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.fetch.errs["a"] = errors.New("timeout")
	fx.fetch.posts["b"] = []miyoushe.Post{post("b", "9", "t", 100)}

	st := fx.bcast.Run(context.Background(), []Route{
		{AuthorID: "a", Destinations: []string{"-100"}},
		{AuthorID: "b", Destinations: []string{"-100"}},
		{AuthorID: "c"},
	}, fx.render, 3, logx.Nop())
	if st.FetchErrs != 1 || st.Sent != 1 || st.Authors != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if fx.fetch.calls["c"] != 0 {
		t.Fatalf("route without destinations fetched")
	}
}

func TestSubscriptionSkipsSoftDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	gone := post("a", "2", "removed", 200)
	gone.DeletedAt = time.Unix(300, 0)
	fx.fetch.posts["a"] = []miyoushe.Post{post("a", "1", "kept", 100), gone}
	_, _ = fx.store.UpsertSubscription(ctx, storage.Subscription{SubscriberID: "10", ChannelID: "-300", TargetAuthorID: "a"})

	st := fx.subs.Run(ctx, fx.render, 3, logx.Nop())
	if st.Sent != 0 || st.Skipped != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if n := len(fx.send.to(-300)); n != 0 {
		t.Fatalf("sent %d messages for a deleted post", n)
	}
	key := storage.SubscriptionKey("10", "-300")
	for _, id := range []string{"1", "2"} {
		if fx.ledger.IsDelivered(ctx, "a", id, key) {
			t.Fatalf("post %s marked delivered", id)
		}
	}
}

func TestSubscriptionMentionNotRepeatedWhenMediaFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.fetch.posts["a"] = []miyoushe.Post{post("a", "1", "t", 100)}
	fx.send.failMedia[-300] = true
	_, _ = fx.store.UpsertSubscription(ctx, storage.Subscription{SubscriberID: "10", ChannelID: "-300", TargetAuthorID: "a"})

	for i := 0; i < 5; i++ {
		fx.subs.Run(ctx, fx.render, 3, logx.Nop())
	}
	mentions := 0
	for _, m := range fx.send.to(-300) {
		if strings.Contains(m.text, "tg://user?id=10") {
			mentions++
		}
	}
	if mentions != 1 {
		t.Fatalf("mentions = %d", mentions)
	}
	if !fx.ledger.IsDelivered(ctx, "a", "1", storage.SubscriptionKey("10", "-300")) {
		t.Fatalf("subscription not marked")
	}
}

func TestSubscriptionFiltersAndIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.fetch.posts["a"] = []miyoushe.Post{post("a", "1", "Version 5.0 notes", 100)}

	for _, s := range []storage.Subscription{
		{SubscriberID: "10", ChannelID: "-100", TargetAuthorID: "a", DisplayName: "Paimon"},
		{SubscriberID: "11", ChannelID: "-100", TargetAuthorID: "a", TitleFilter: `^Version \d`},
		{SubscriberID: "12", ChannelID: "-100", TargetAuthorID: "a", TitleFilter: `(`},
		{SubscriberID: "13", ChannelID: "-100", TargetAuthorID: "a", TitleFilter: `banner`},
	} {
		if _, err := fx.store.UpsertSubscription(ctx, s); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	st := fx.subs.Run(ctx, fx.render, 3, logx.Nop())
	if st.Sent != 2 || st.Filtered != 2 || fx.fetch.calls["a"] != 1 {
		t.Fatalf("stats = %+v calls=%d", st, fx.fetch.calls["a"])
	}

	msgs := fx.send.to(-100)
	if len(msgs) != 8 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if want := MentionPrelude("10", "Paimon"); msgs[0].text != want {
		t.Fatalf("prelude = %q, want %q", msgs[0].text, want)
	}
	if !strings.Contains(msgs[4].text, "tg://user?id=11") || !strings.Contains(msgs[4].text, " a published") {
		t.Fatalf("fallback name prelude = %q", msgs[4].text)
	}
	for _, sub := range []string{"12", "13"} {
		if fx.ledger.IsDelivered(ctx, "a", "1", storage.SubscriptionKey(sub, "-100")) {
			t.Fatalf("filtered subscriber %s marked", sub)
		}
	}

	if st := fx.subs.Run(ctx, fx.render, 3, logx.Nop()); st.Sent != 0 || st.Skipped != 2 {
		t.Fatalf("second run = %+v", st)
	}
}

func TestBroadcastAndSubscriptionKeysDoNotCollide(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.fetch.posts["a"] = []miyoushe.Post{post("a", "1", "t", 100)}
	_, _ = fx.store.UpsertSubscription(ctx, storage.Subscription{SubscriberID: "10", ChannelID: "-100", TargetAuthorID: "a"})

	fx.bcast.Run(ctx, []Route{{AuthorID: "a", Destinations: []string{"-100"}}}, fx.render, 3, logx.Nop())
	st := fx.subs.Run(ctx, fx.render, 3, logx.Nop())
	if st.Sent != 1 {
		t.Fatalf("subscription suppressed by broadcast record: %+v", st)
	}
}

func TestRendererWithoutStructuredContent(t *testing.T) {
	t.Parallel()
	p := miyoushe.Post{
		AuthorID: "a", PostID: "5", Title: "pics",
		Images: []string{"https://img/1", "https://img/ 2\n", " \n"},
		Author: miyoushe.Author{UID: "a", Nickname: "Nick", Certification: "Official"},
		Stats:  miyoushe.Stats{Views: 3, Replies: 2, Likes: 1},
		Forum:  "Art",
	}
	bs, err := Renderer{}.Batches(p)
	if err != nil || len(bs) != 5 {
		t.Fatalf("batches = %d", len(bs))
	}
	sum := bs[0].Text()
	for _, want := range []string{"[Official] Nick", "Views: 3 | Replies: 2 | Likes: 1", defaultArticleURL + "5", "Forum: Art"} {
		if !strings.Contains(sum, want) {
			t.Fatalf("summary %q missing %q", sum, want)
		}
	}
	if bs[2].Text() != noContentText || bs[3].Text() != imagesHeader || len(bs[4].Media()) != 2 {
		t.Fatalf("tail batches = %+v", bs[2:])
	}
	if got := bs[4].Media()[1].URL; got != "https://img/2" {
		t.Fatalf("image url = %q", got)
	}

	p.Images = nil
	if bs, _ := (Renderer{}).Batches(p); len(bs) != 3 {
		t.Fatalf("no images: %d batches", len(bs))
	}
}

func TestMentionPreludeEscapes(t *testing.T) {
	t.Parallel()
	got := MentionPrelude("42", "<b>&x")
	if !strings.Contains(got, "&lt;b&gt;&amp;x") || !strings.HasPrefix(got, `<a href="tg://user?id=42">`) {
		t.Fatalf("prelude = %q", got)
	}
}

func TestSweeperKeepsNewest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := ledger.New(storage.NewMemory(), logx.Nop())
	for i := 0; i < 60; i++ {
		id := fmt.Sprintf("p%02d", i)
		_ = l.EnsureTracked(ctx, "a", id, "", time.Unix(int64(1000+i), 0))
		_ = l.MarkDelivered(ctx, "a", id, storage.BroadcastKey("-1"))
	}
	_ = l.EnsureTracked(ctx, "b", "x", "", time.Unix(1, 0))

	n, err := NewSweeper(l, logx.Nop()).Sweep(ctx, 50)
	if err != nil || n != 10 {
		t.Fatalf("Sweep = %d %v", n, err)
	}
	entries, _ := l.LatestEntries(ctx, "a", 0)
	if len(entries) != 50 || entries[49].PostID != "p10" {
		t.Fatalf("kept %d, oldest %s", len(entries), entries[len(entries)-1].PostID)
	}
	if l.IsDelivered(ctx, "a", "p05", storage.BroadcastKey("-1")) {
		t.Fatalf("delivery record survived its entry")
	}
	if entries, _ := l.LatestEntries(ctx, "b", 0); len(entries) != 1 {
		t.Fatalf("small author trimmed")
	}
}

func TestPollerCycleRunsBothPaths(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.fetch.posts["a"] = []miyoushe.Post{post("a", "1", "t", 100)}
	_, _ = fx.store.UpsertSubscription(ctx, storage.Subscription{SubscriberID: "10", ChannelID: "-300", TargetAuthorID: "a"})

	p := NewPoller(fx.bcast, fx.subs, Settings{Routes: []Route{{AuthorID: "a", Destinations: []string{"-100"}}}}, logx.Nop())
	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(fx.send.to(-100)) == 0 || len(fx.send.to(-300)) == 0 || p.Cycles() != 1 {
		t.Fatalf("paths not both run")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := p.Cycle(cctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled cycle err = %v", err)
	}
}
