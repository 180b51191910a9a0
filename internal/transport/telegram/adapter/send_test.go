package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"hoyorelay/internal/content"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}

	long := strings.Repeat("a", 7) + "\n" + strings.Repeat("b", 7)
	got := splitTelegramText(long, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 7) || got[1] != strings.Repeat("b", 7) {
		t.Fatalf("newline split = %q", got)
	}

	html := "aaaaaa<b>bold</b>"
	got = splitTelegramText(html, 8, "HTML")
	if got[0] != "aaaaaa" {
		t.Fatalf("html split = %q", got)
	}

	rs := strings.Repeat("界", 25)
	for _, c := range splitTelegramText(rs, 10, "") {
		if utf8.RuneCountInString(c) > 10 {
			t.Fatalf("chunk too long: %d runes", utf8.RuneCountInString(c))
		}
	}
}

func TestPlanBatch(t *testing.T) {
	t.Parallel()

	imgs := func(n int) content.Batch {
		b := content.Batch{}
		for i := 0; i < n; i++ {
			b = append(b, content.Image("https://img/"+string(rune('a'+i))))
		}
		return b
	}

	cases := []struct {
		name       string
		batch      content.Batch
		wantCalls  int
		wantFirst  string // text of a leading text call
		wantCapOn0 string
	}{
		{name: "empty", batch: content.Batch{}, wantCalls: 0},
		{name: "text", batch: content.TextBatch("hello"), wantCalls: 1, wantFirst: "hello"},
		{name: "photo with caption", batch: append(content.TextBatch("cap"), content.Image("u")), wantCalls: 1, wantCapOn0: "cap"},
		{name: "long caption goes first", batch: append(content.TextBatch(strings.Repeat("x", 1100)), content.Video("v")), wantCalls: 2, wantFirst: strings.Repeat("x", 1100)},
		{name: "album", batch: imgs(4), wantCalls: 1},
		{name: "album overflow", batch: imgs(12), wantCalls: 2},
		{name: "interleaved text joins caption", batch: content.Batch{content.Text("a"), content.Image("u1"), content.Text("b"), content.Image("u2")}, wantCalls: 1, wantCapOn0: "a\nb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := planBatch(tc.batch)
			if len(plan) != tc.wantCalls {
				t.Fatalf("calls = %d, want %d (%+v)", len(plan), tc.wantCalls, plan)
			}
			if tc.wantFirst != "" && (len(plan[0].media) != 0 || plan[0].text != tc.wantFirst) {
				t.Fatalf("first call = %+v", plan[0])
			}
			if tc.wantCapOn0 != "" && plan[0].caption != tc.wantCapOn0 {
				t.Fatalf("caption = %q", plan[0].caption)
			}
			total := 0
			for _, o := range plan {
				if len(o.media) > telegramAlbumLimit {
					t.Fatalf("album of %d", len(o.media))
				}
				total += len(o.media)
			}
			if total != len(tc.batch.Media()) {
				t.Fatalf("media sent = %d, want %d", total, len(tc.batch.Media()))
			}
		})
	}
}
