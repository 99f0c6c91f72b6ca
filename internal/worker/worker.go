// Package worker implements the two consumer pools behind the broker: the
// STT pool draining the audio job stream and the translation pool draining
// the final-transcript stream. Both share one shape: a consumer-group read
// loop that gathers small batches, a periodic reclaim pass that takes over
// entries abandoned by crashed peers, and publish-with-retry back onto the
// per-session results channel.
//
// Delivery from the broker is at-least-once. Workers acknowledge entries
// only after processing them, so a crash mid-segment leaves the entry
// pending and a peer reclaims it. The gateway's result router drops the
// duplicate results such replays produce.
package worker

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/lingostream/lingostream/internal/broker"
	"github.com/lingostream/lingostream/internal/config"
	"github.com/lingostream/lingostream/internal/observe"
	"github.com/lingostream/lingostream/internal/resilience"
	"github.com/lingostream/lingostream/internal/wire"
)

// Bus is the slice of the broker workers actually touch: group reads on
// one side, result publishes on the other. Session hashes stay the
// gateway's business.
type Bus interface {
	broker.Streams
	broker.PubSub
}

// consumerName derives the consumer identity this process registers with
// its group. Names only have to differ between live pool members; hostname
// plus pid does that without coordination.
func consumerName(pool string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return pool + "-" + host + "-" + strconv.Itoa(os.Getpid())
}

// gatherBatch reads up to cfg.BatchMax entries from the stream. The first
// read blocks up to cfg.Block so an idle worker parks inside the broker;
// once something arrives, further reads block only until cfg.BatchWait has
// elapsed. A nil batch with nil error means the stream stayed quiet for
// the whole window.
func gatherBatch(ctx context.Context, str broker.Streams, stream, group, consumer string, cfg config.WorkerConfig) ([]broker.Entry, error) {
	batch, err := str.Consume(ctx, stream, group, consumer, 1, cfg.Block)
	if err != nil || len(batch) == 0 {
		return nil, err
	}

	deadline := time.Now().Add(cfg.BatchWait)
	for len(batch) < cfg.BatchMax {
		wait := time.Until(deadline)
		if wait < time.Millisecond {
			// Shorter waits round down to a zero block, which the backend
			// treats as block-forever.
			break
		}
		more, err := str.Consume(ctx, stream, group, consumer, int64(cfg.BatchMax-len(batch)), wait)
		if err != nil || len(more) == 0 {
			// A failed top-up is not fatal: the entries already in hand
			// still get processed, and a persistent broker problem
			// surfaces on the next blocking read.
			break
		}
		batch = append(batch, more...)
	}
	return batch, nil
}

// ackEntries acknowledges processed entries. A failed ack leaves them
// pending; a peer reclaims and reprocesses them, and the gateway drops the
// duplicate results.
func ackEntries(ctx context.Context, str broker.Streams, log *slog.Logger, stream, group string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := str.Ack(ctx, stream, group, ids...); err != nil {
		log.Warn("ack failed", "stream", stream, "entries", len(ids), "error", err)
	}
}

// publishResult pushes one result onto its session's channel with a short
// retry. Results are fire-and-forget: when the session's gateway is gone
// nobody subscribes and the publish lands on the floor, so a failure here
// only warrants a log line.
func publishResult(ctx context.Context, ps broker.PubSub, m *observe.Metrics, log *slog.Logger, deadline time.Duration, res wire.Result) {
	payload, err := res.Encode()
	if err != nil {
		log.Error("result encode failed",
			"session_id", res.SessionID, "segment_seq", res.SegmentSeq, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	err = resilience.Retry(pubCtx, resilience.RetryConfig{
		Name:      "result publish",
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  500 * time.Millisecond,
	}, func() error {
		return ps.Publish(pubCtx, wire.ResultsChannel(res.SessionID), payload)
	})
	m.PublishDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		log.Warn("result publish failed",
			"session_id", res.SessionID, "segment_seq", res.SegmentSeq, "error", err)
	}
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
