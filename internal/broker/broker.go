// Package broker abstracts the message substrate that decouples the
// gateway from the worker pools. It exposes three narrow capabilities:
//
//   - Streams: append-only logs with consumer groups, explicit
//     acknowledgment, and reclaim of entries abandoned by crashed
//     consumers. Delivery is at-least-once.
//   - PubSub: fire-and-forget per-session result channels. No persistence;
//     a message published with no subscriber is gone.
//   - Sessions: a TTL'd hash per session holding the coordination state a
//     replacement gateway needs to reattach.
//
// The Redis implementation in this package is the production backend;
// tests run it against miniredis.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Sessions.Load when no hash exists for the
// session (never created, or expired).
var ErrNotFound = errors.New("broker: session not found")

// Entry is one stream entry as seen by a consumer: the broker-assigned ID
// used for acknowledgment plus the appended field map.
type Entry struct {
	ID     string
	Values map[string]any
}

// PendingInfo describes one delivered-but-unacknowledged stream entry.
type PendingInfo struct {
	ID       string
	Consumer string
	Idle     time.Duration
}

// Streams is the consumer-group log capability.
type Streams interface {
	// Append adds an entry to the stream and returns its broker-assigned ID.
	Append(ctx context.Context, stream string, values map[string]any) (string, error)

	// EnsureGroup creates the consumer group (and the stream, if absent).
	// Calling it for an existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Consume blocks up to block for new entries and returns at most count
	// of them, assigned to consumer within group. A nil slice with nil
	// error means the block timed out with nothing to read.
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack acknowledges entries and removes them from the stream. Entries
	// never acked stay pending and remain claimable.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Pending lists delivered-but-unacked entries for the group.
	Pending(ctx context.Context, stream, group string) ([]PendingInfo, error)

	// Claim transfers entries idle for at least minIdle to consumer and
	// returns them for reprocessing. Used on worker startup and
	// periodically to recover work from crashed peers.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)

	// Depth returns the number of entries currently in the stream. The
	// gateway uses it as its backpressure probe.
	Depth(ctx context.Context, stream string) (int64, error)
}

// Subscription is a live pub/sub subscription. Messages delivers payloads
// until Close is called; the channel is closed afterwards.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// PubSub is the per-session result channel capability.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Sessions is the TTL'd session hash capability. Fields are flat strings;
// the session package owns the encoding.
type Sessions interface {
	// SaveSession writes the field map and (re)arms the TTL.
	SaveSession(ctx context.Context, sessionID string, fields map[string]string, ttl time.Duration) error

	// LoadSession returns the stored fields, or ErrNotFound.
	LoadSession(ctx context.Context, sessionID string) (map[string]string, error)

	// TouchSession re-arms the TTL without rewriting fields.
	TouchSession(ctx context.Context, sessionID string, ttl time.Duration) error

	// DeleteSession removes the hash immediately.
	DeleteSession(ctx context.Context, sessionID string) error
}

// Broker is the composed capability set plus connection lifecycle. The
// gateway and workers each hold one Broker for the life of the process.
type Broker interface {
	Streams
	PubSub
	Sessions

	// Ping verifies connectivity; health checks call it.
	Ping(ctx context.Context) error

	Close() error
}
