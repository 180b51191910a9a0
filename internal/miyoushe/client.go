// Package miyoushe is a small client for the public Miyoushe web API: an
// author's latest posts and a user's nickname.
package miyoushe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	logx "hoyorelay/pkg/logx"
)

const (
	DefaultBaseURL = "https://bbs-api.miyoushe.com"

	postListPath = "/painter/wapi/userPostList"
	userInfoPath = "/user/wapi/getUserFullInfo"

	maxBodyBytes = 8 << 20
)

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration // per attempt; default 10s
	Attempts       uint          // default 3
	RetryDelay     time.Duration // default 1s
}

type Client struct {
	http     *http.Client
	base     string
	timeout  time.Duration
	attempts uint
	delay    time.Duration
	log      logx.Logger
}

// statusError is a non-200 HTTP answer. 4xx answers are not retried.
type statusError struct {
	Code int
}

func (e *statusError) Error() string { return "http status " + strconv.Itoa(e.Code) }

func New(cfg Config, hc *http.Client, log logx.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{
		http:     hc,
		base:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		timeout:  cfg.RequestTimeout,
		attempts: cfg.Attempts,
		delay:    cfg.RetryDelay,
		log:      log.With(logx.String("comp", "miyoushe")),
	}
	if c.base == "" {
		c.base = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.attempts == 0 {
		c.attempts = 3
	}
	if c.delay <= 0 {
		c.delay = time.Second
	}
	return c
}

// FetchPosts returns up to size of the author's latest posts in API order.
func (c *Client) FetchPosts(ctx context.Context, authorID string, size int) ([]Post, error) {
	q := url.Values{}
	q.Set("size", strconv.Itoa(size))
	q.Set("uid", authorID)

	var env envelope[postListData]
	if err := c.getJSON(ctx, postListPath, q, nil, &env); err != nil {
		return nil, fmt.Errorf("fetch posts of %s: %w", authorID, err)
	}
	if env.Retcode != 0 {
		return nil, fmt.Errorf("fetch posts of %s: %w", authorID, &APIError{Retcode: env.Retcode, Message: env.Message})
	}

	out := make([]Post, 0, len(env.Data.List))
	for _, it := range env.Data.List {
		out = append(out, it.toPost(authorID))
	}
	return out, nil
}

// Nickname resolves a user's display name.
func (c *Client) Nickname(ctx context.Context, uid string) (string, error) {
	q := url.Values{}
	q.Set("uid", uid)
	hdr := http.Header{}
	hdr.Set("Origin", "https://www.miyoushe.com")
	hdr.Set("Referer", "https://www.miyoushe.com/")

	var env envelope[userInfoData]
	if err := c.getJSON(ctx, userInfoPath, q, hdr, &env); err != nil {
		return "", fmt.Errorf("user info of %s: %w", uid, err)
	}
	if env.Retcode != 0 {
		return "", fmt.Errorf("user info of %s: %w", uid, &APIError{Retcode: env.Retcode, Message: env.Message})
	}
	if env.Data.UserInfo == nil || strings.TrimSpace(env.Data.UserInfo.Nickname) == "" {
		return "", fmt.Errorf("user info of %s: empty nickname: %w", uid, ErrAPI)
	}
	return env.Data.UserInfo.Nickname, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, hdr http.Header, out any) error {
	endpoint := c.base + path + "?" + q.Encode()

	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = c.getOnce(ctx, endpoint, hdr, out)
			return lastErr
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("retrying request", logx.String("path", path), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
		retry.RetryIf(func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.Code >= 500 || se.Code == http.StatusTooManyRequests
			}
			return !errors.Is(err, context.Canceled)
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	return lastErr
}

func (c *Client) getOnce(ctx context.Context, endpoint string, hdr http.Header, out any) error {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", randomUserAgent())
	req.Header.Set("Accept", "application/json, text/plain, */*")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.Trace("http request completed", logx.String("url", endpoint), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &statusError{Code: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
