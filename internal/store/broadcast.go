package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Broadcast is the change-notification fabric behind the Postgres store:
// a committed write publishes its collection's channel, and every
// subscription for that collection wakes up and re-queries.
type Broadcast interface {
	Publish(ctx context.Context, channel string) error
	Subscribe(channel string) (Listener, error)
}

// Listener receives wakeups for one channel until closed.
type Listener interface {
	Events() <-chan struct{}
	Close() error
}

// RedisBroadcast fans writes out over Redis pub/sub so subscriptions in
// other processes see them too.
type RedisBroadcast struct {
	client *redis.Client
}

func NewRedisBroadcast(client *redis.Client) *RedisBroadcast {
	return &RedisBroadcast{client: client}
}

func (b *RedisBroadcast) Publish(ctx context.Context, channel string) error {
	return b.client.Publish(ctx, channel, "1").Err()
}

func (b *RedisBroadcast) Subscribe(channel string) (Listener, error) {
	ps := b.client.Subscribe(context.Background(), channel)
	// Force the SUBSCRIBE round-trip so a broken connection surfaces here
	// instead of as a silent subscription.
	if _, err := ps.Receive(context.Background()); err != nil {
		_ = ps.Close()
		return nil, err
	}

	l := &redisListener{ps: ps, events: make(chan struct{}, 1)}
	go l.pump()
	return l, nil
}

type redisListener struct {
	ps     *redis.PubSub
	events chan struct{}
}

func (l *redisListener) pump() {
	defer close(l.events)
	for range l.ps.Channel() {
		select {
		case l.events <- struct{}{}:
		default:
			// A wakeup is already pending; re-query once is enough.
		}
	}
}

func (l *redisListener) Events() <-chan struct{} { return l.events }

func (l *redisListener) Close() error { return l.ps.Close() }
