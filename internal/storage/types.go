package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound is returned by AddDelivery when the post is not tracked.
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": in-process, nothing survives a restart
//
// If Driver is empty or "none", Open returns ErrDisabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type DeliveryKind string

const (
	KindBroadcast    DeliveryKind = "broadcast"
	KindSubscription DeliveryKind = "subscription"
)

// DestinationKey identifies one delivery target of a post. Broadcast keys
// carry only Channel; subscription keys carry Subscriber and Channel.
// The fields are stored in separate columns so the two shapes never collide.
type DestinationKey struct {
	Kind       DeliveryKind
	Subscriber string
	Channel    string
}

func BroadcastKey(dest string) DestinationKey {
	return DestinationKey{Kind: KindBroadcast, Channel: dest}
}

func SubscriptionKey(subscriber, channel string) DestinationKey {
	return DestinationKey{Kind: KindSubscription, Subscriber: subscriber, Channel: channel}
}

func (k DestinationKey) String() string {
	if k.Kind == KindSubscription {
		return string(k.Kind) + ":" + k.Subscriber + "@" + k.Channel
	}
	return string(k.Kind) + ":" + k.Channel
}

// PostRecord is one tracked post. (AuthorID, PostID) is unique.
type PostRecord struct {
	AuthorID  string
	PostID    string
	Title     string
	UpdatedAt time.Time
	CreatedAt time.Time
}

// Subscription is unique per (SubscriberID, ChannelID, TargetAuthorID).
type Subscription struct {
	SubscriberID   string
	ChannelID      string
	TargetAuthorID string
	DisplayName    string
	TitleFilter    string // empty means every post
	CreatedAt      time.Time
}

// SubscriptionFilter selects subscriptions; empty fields match anything.
type SubscriptionFilter struct {
	SubscriberID   string
	ChannelID      string
	TargetAuthorID string
}

func (f SubscriptionFilter) match(s Subscription) bool {
	return (f.SubscriberID == "" || f.SubscriberID == s.SubscriberID) &&
		(f.ChannelID == "" || f.ChannelID == s.ChannelID) &&
		(f.TargetAuthorID == "" || f.TargetAuthorID == s.TargetAuthorID)
}
