package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time assertion that Redis satisfies Broker.
var _ Broker = (*Redis)(nil)

// maxStreamLen is the approximate cap applied on every append. Backpressure
// keeps depth far below this in normal operation; the cap is the hard stop
// against a runaway producer filling the broker.
const maxStreamLen = 10_000

// pendingPageSize bounds a single Pending listing.
const pendingPageSize = 128

// Redis implements Broker on a Redis-compatible server using streams,
// pub/sub, and hashes.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client. The caller keeps ownership decisions
// simple: Close closes the client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// DialRedis connects to the broker at the given URL
// (redis://host:port/db).
func DialRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("broker: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broker: ping %s: %w", opts.Addr, err)
	}
	return &Redis{client: client}, nil
}

// ─── Streams ──────────────────────────────────────────────────────────────────

// Append adds an entry with an approximate length cap.
func (r *Redis) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("broker: append to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the group from the start of the stream, creating the
// stream too when it does not exist yet. An already-existing group is fine.
func (r *Redis) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Consume reads new entries for the consumer. A block timeout with nothing
// to read is reported as (nil, nil).
func (r *Redis) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: consume %s/%s: %w", stream, group, err)
	}
	var entries []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, Entry{ID: m.ID, Values: m.Values})
		}
	}
	return entries, nil
}

// Ack acknowledges and deletes. The streams here are work queues, not
// durable logs: an acked entry has no readers left, so it is removed to
// keep Depth meaningful for backpressure.
func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	pipe.XAck(ctx, stream, group, ids...)
	pipe.XDel(ctx, stream, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: ack on %s/%s: %w", stream, group, err)
	}
	return nil
}

// Pending lists delivered-but-unacked entries.
func (r *Redis) Pending(ctx context.Context, stream, group string) ([]PendingInfo, error) {
	res, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  pendingPageSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: pending on %s/%s: %w", stream, group, err)
	}
	infos := make([]PendingInfo, 0, len(res))
	for _, p := range res {
		infos = append(infos, PendingInfo{ID: p.ID, Consumer: p.Consumer, Idle: p.Idle})
	}
	return infos, nil
}

// Claim transfers entries idle at least minIdle to the caller.
func (r *Redis) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: claim on %s/%s: %w", stream, group, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries, nil
}

// Depth returns the current stream length.
func (r *Redis) Depth(ctx context.Context, stream string) (int64, error) {
	n, err := r.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: depth of %s: %w", stream, err)
	}
	return n, nil
}

// ─── PubSub ───────────────────────────────────────────────────────────────────

// Publish sends a payload to a channel. Subscriberless publishes succeed
// and evaporate.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription and confirms it with the server before
// returning, so a publish issued after Subscribe returns is never missed.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Receive forces the subscription handshake; without it the first
	// publishes can race the SUBSCRIBE command.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("broker: subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

// redisSubscription adapts the client's message channel to plain byte
// payloads.
type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

// Messages returns the payload channel. It is closed after Close.
func (s *redisSubscription) Messages() <-chan []byte { return s.out }

// Close terminates the subscription. Safe to call more than once.
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

// SaveSession writes all fields and arms the TTL in one pipeline.
func (r *Redis) SaveSession(ctx context.Context, sessionID string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return fmt.Errorf("broker: save session %s: empty field map", sessionID)
	}
	key := "session:" + sessionID
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, flat...)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: save session %s: %w", sessionID, err)
	}
	return nil
}

// LoadSession returns the stored field map, or ErrNotFound when the hash
// is absent or expired.
func (r *Redis) LoadSession(ctx context.Context, sessionID string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, "session:"+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: load session %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// TouchSession re-arms the TTL. Touching a missing session is ErrNotFound.
func (r *Redis) TouchSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	ok, err := r.client.PExpire(ctx, "session:"+sessionID, ttl).Result()
	if err != nil {
		return fmt.Errorf("broker: touch session %s: %w", sessionID, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the hash.
func (r *Redis) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, "session:"+sessionID).Err(); err != nil {
		return fmt.Errorf("broker: delete session %s: %w", sessionID, err)
	}
	return nil
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Ping verifies broker connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker: ping: %w", err)
	}
	return nil
}

// Close releases the underlying client and all its connections.
func (r *Redis) Close() error {
	return r.client.Close()
}
