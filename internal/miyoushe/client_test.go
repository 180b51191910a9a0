package miyoushe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "hoyorelay/pkg/logx"
)

const postListBody = `{
  "retcode": 0,
  "message": "OK",
  "data": {
    "list": [
      {
        "post": {"post_id": "501", "uid": "42", "subject": "Patch notes", "updated_at": 1700000100, "deleted_at": 0,
                 "structured_content": "[{\"insert\":\"hi\\n\"}]"},
        "forum": {"name": "Genshin"},
        "user": {"uid": "42", "nickname": "Paimon", "certification": {"type": 1, "label": "Official"}},
        "image_list": [{"url": "https://img.example/a.png"}, {"url": ""}],
        "stat": {"view_num": 10, "reply_num": 2, "like_num": 7}
      },
      {
        "post": {"post_id": "500", "uid": "42", "subject": "Old", "updated_at": 1700000000, "deleted_at": 1700000050},
        "forum": {"name": "Genshin"},
        "user": {"uid": "42", "nickname": "Paimon", "certification": null},
        "image_list": [],
        "stat": {}
      }
    ],
    "has_more": true,
    "last_id": "500"
  }
}`

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
		Attempts:       3,
		RetryDelay:     time.Millisecond,
	}, srv.Client(), logx.Nop())
}

func TestFetchPostsDecodes(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != postListPath {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("uid"); got != "42" {
			t.Errorf("uid = %q", got)
		}
		if got := r.URL.Query().Get("size"); got != "3" {
			t.Errorf("size = %q", got)
		}
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("missing User-Agent")
		}
		_, _ = w.Write([]byte(postListBody))
	}))

	posts, err := c.FetchPosts(context.Background(), "42", 3)
	if err != nil {
		t.Fatalf("FetchPosts: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("len = %d", len(posts))
	}
	p := posts[0]
	if p.PostID != "501" || p.AuthorID != "42" || p.Title != "Patch notes" {
		t.Fatalf("post = %+v", p)
	}
	if !p.UpdatedAt.Equal(time.Unix(1700000100, 0)) || p.Deleted() {
		t.Fatalf("times = %v %v", p.UpdatedAt, p.DeletedAt)
	}
	if p.Author.Certification != "Official" || p.Author.Nickname != "Paimon" || p.Forum != "Genshin" {
		t.Fatalf("author = %+v forum %q", p.Author, p.Forum)
	}
	if len(p.Images) != 1 || p.Images[0] != "https://img.example/a.png" {
		t.Fatalf("images = %v", p.Images)
	}
	if p.Stats != (Stats{Views: 10, Replies: 2, Likes: 7}) {
		t.Fatalf("stats = %+v", p.Stats)
	}
	if p.StructuredContent == "" {
		t.Fatalf("structured content dropped")
	}
	if !posts[1].Deleted() || posts[1].Author.Certification != "" {
		t.Fatalf("second post = %+v", posts[1])
	}
}

func TestFetchPostsRetcodeNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"retcode": -100, "message": "not allowed", "data": null}`))
	}))

	_, err := c.FetchPosts(context.Background(), "42", 3)
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("err = %v, want ErrAPI", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Retcode != -100 {
		t.Fatalf("err = %#v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestFetchPostsRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(postListBody))
	}))

	posts, err := c.FetchPosts(context.Background(), "42", 3)
	if err != nil {
		t.Fatalf("FetchPosts: %v", err)
	}
	if len(posts) != 2 || calls.Load() != 3 {
		t.Fatalf("posts=%d calls=%d", len(posts), calls.Load())
	}
}

func TestFetchPostsClientErrorNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.FetchPosts(context.Background(), "42", 3)
	var se *statusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestNickname(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != userInfoPath {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Origin") != "https://www.miyoushe.com" || r.Header.Get("Referer") != "https://www.miyoushe.com/" {
			t.Errorf("headers = %v", r.Header)
		}
		switch r.URL.Query().Get("uid") {
		case "42":
			_, _ = w.Write([]byte(`{"retcode":0,"message":"OK","data":{"user_info":{"uid":"42","nickname":"Paimon"}}}`))
		default:
			_, _ = w.Write([]byte(`{"retcode":0,"message":"OK","data":{"user_info":null}}`))
		}
	}))

	name, err := c.Nickname(context.Background(), "42")
	if err != nil || name != "Paimon" {
		t.Fatalf("Nickname = %q %v", name, err)
	}
	if _, err := c.Nickname(context.Background(), "43"); !errors.Is(err, ErrAPI) {
		t.Fatalf("missing user err = %v", err)
	}
}
