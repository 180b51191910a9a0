package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "hoyorelay/pkg/logx"
)

// Store is the persistence API used by the ledger and the command surface.
//
// Listing order for posts is UpdatedAt descending, ties broken by PostID
// descending, on every driver.
type Store interface {
	// EnsurePost inserts the post or refreshes its title and UpdatedAt.
	// Delivery records of an existing post are untouched.
	EnsurePost(ctx context.Context, p PostRecord) error
	HasDelivery(ctx context.Context, authorID, postID string, key DestinationKey) (bool, error)
	// AddDelivery records key for the post; recording it twice is a no-op.
	// It returns ErrNotFound if the post is not tracked.
	AddDelivery(ctx context.Context, authorID, postID string, key DestinationKey, at time.Time) error
	Deliveries(ctx context.Context, authorID, postID string) ([]DestinationKey, error)
	// ListPosts returns at most limit posts of the author (limit <= 0: all).
	ListPosts(ctx context.Context, authorID string, limit int) ([]PostRecord, error)
	ListAuthors(ctx context.Context) ([]string, error)
	// TrimPosts keeps the newest keep posts of the author and deletes the
	// rest together with their delivery records, atomically.
	TrimPosts(ctx context.Context, authorID string, keep int) (int, error)

	// UpsertSubscription reports whether a new row was created.
	UpsertSubscription(ctx context.Context, s Subscription) (bool, error)
	DeleteSubscription(ctx context.Context, subscriberID, channelID, targetAuthorID string) (bool, error)
	ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]Subscription, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return newMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
