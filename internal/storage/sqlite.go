package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "hoyorelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: per-connection pragmas stick and writers never race.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) EnsurePost(ctx context.Context, p PostRecord) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(author_id, post_id, title, updated_at, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(author_id, post_id) DO UPDATE SET title=excluded.title, updated_at=excluded.updated_at`,
		p.AuthorID, p.PostID, p.Title, p.UpdatedAt.Unix(), p.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) HasDelivery(ctx context.Context, authorID, postID string, key DestinationKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM deliveries
		 WHERE author_id=? AND post_id=? AND kind=? AND subscriber_id=? AND channel_id=?`,
		authorID, postID, string(key.Kind), key.Subscriber, key.Channel,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) AddDelivery(ctx context.Context, authorID, postID string, key DestinationKey, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE author_id=? AND post_id=?`, authorID, postID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("post %s/%s: %w", authorID, postID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deliveries(author_id, post_id, kind, subscriber_id, channel_id, delivered_at)
		 VALUES(?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		authorID, postID, string(key.Kind), key.Subscriber, key.Channel, at.UnixMilli(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Deliveries(ctx context.Context, authorID, postID string) ([]DestinationKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, subscriber_id, channel_id FROM deliveries
		 WHERE author_id=? AND post_id=? ORDER BY delivered_at, kind, subscriber_id, channel_id`,
		authorID, postID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DestinationKey
	for rows.Next() {
		var k DestinationKey
		var kind string
		if err := rows.Scan(&kind, &k.Subscriber, &k.Channel); err != nil {
			return nil, err
		}
		k.Kind = DeliveryKind(kind)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListPosts(ctx context.Context, authorID string, limit int) ([]PostRecord, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT author_id, post_id, title, updated_at, created_at FROM posts
		 WHERE author_id=? ORDER BY updated_at DESC, post_id DESC LIMIT ?`,
		authorID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostRecord
	for rows.Next() {
		var p PostRecord
		var updated, created int64
		if err := rows.Scan(&p.AuthorID, &p.PostID, &p.Title, &updated, &created); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.Unix(updated, 0)
		p.CreatedAt = time.UnixMilli(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListAuthors(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT author_id FROM posts ORDER BY author_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TrimPosts(ctx context.Context, authorID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	const stale = `SELECT post_id FROM posts WHERE author_id=?
		ORDER BY updated_at DESC, post_id DESC LIMIT -1 OFFSET ?`

	// Deliveries go explicitly too, so trimming never depends on the
	// foreign_keys pragma being honored.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deliveries WHERE author_id=? AND post_id IN (`+stale+`)`,
		authorID, authorID, keep,
	); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM posts WHERE author_id=? AND post_id IN (`+stale+`)`,
		authorID, authorID, keep,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqliteStore) UpsertSubscription(ctx context.Context, sub Subscription) (bool, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM subscriptions WHERE subscriber_id=? AND channel_id=? AND target_author_id=?`,
		sub.SubscriberID, sub.ChannelID, sub.TargetAuthorID,
	).Scan(&one)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions(subscriber_id, channel_id, target_author_id, display_name, title_filter, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(subscriber_id, channel_id, target_author_id)
		 DO UPDATE SET display_name=excluded.display_name, title_filter=excluded.title_filter`,
		sub.SubscriberID, sub.ChannelID, sub.TargetAuthorID, sub.DisplayName, sub.TitleFilter, sub.CreatedAt.UnixMilli(),
	); err != nil {
		return false, err
	}
	return created, tx.Commit()
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, subscriberID, channelID, targetAuthorID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE subscriber_id=? AND channel_id=? AND target_author_id=?`,
		subscriberID, channelID, targetAuthorID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]Subscription, error) {
	q := `SELECT subscriber_id, channel_id, target_author_id, display_name, title_filter, created_at FROM subscriptions`
	var where []string
	var args []any
	if f.SubscriberID != "" {
		where = append(where, "subscriber_id=?")
		args = append(args, f.SubscriberID)
	}
	if f.ChannelID != "" {
		where = append(where, "channel_id=?")
		args = append(args, f.ChannelID)
	}
	if f.TargetAuthorID != "" {
		where = append(where, "target_author_id=?")
		args = append(args, f.TargetAuthorID)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, subscriber_id, channel_id, target_author_id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var created int64
		if err := rows.Scan(&sub.SubscriberID, &sub.ChannelID, &sub.TargetAuthorID, &sub.DisplayName, &sub.TitleFilter, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt = time.UnixMilli(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}
