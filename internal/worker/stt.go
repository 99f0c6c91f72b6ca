package worker

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/lingostream/lingostream/internal/broker"
	"github.com/lingostream/lingostream/internal/config"
	"github.com/lingostream/lingostream/internal/observe"
	"github.com/lingostream/lingostream/internal/resilience"
	"github.com/lingostream/lingostream/internal/wire"
	"github.com/lingostream/lingostream/pkg/audio"
	"github.com/lingostream/lingostream/pkg/provider/stt"
)

// STT consumes audio segments from the job stream, runs them through the
// transcription model, and fans the results back out to their sessions.
// Scaling the pool is plain consumer-group mechanics: every process joins
// the same group and the broker spreads segments across them.
type STT struct {
	brk      Bus
	model    stt.Transcriber
	cfg      config.WorkerConfig
	metrics  *observe.Metrics
	log      *slog.Logger
	consumer string
}

// NewSTT builds a worker around the given transcriber. The model is an
// interface so the binary can hand in a single backend or a fallback chain.
func NewSTT(brk Bus, model stt.Transcriber, cfg config.WorkerConfig, m *observe.Metrics) *STT {
	return &STT{
		brk:      brk,
		model:    model,
		cfg:      cfg,
		metrics:  m,
		log:      slog.With("component", "stt-worker"),
		consumer: consumerName("stt"),
	}
}

// Run consumes until ctx is canceled. It returns ctx.Err on shutdown and a
// wrapped error only when the consumer group cannot be established.
func (w *STT) Run(ctx context.Context) error {
	if err := w.brk.EnsureGroup(ctx, wire.StreamAudioJobs, wire.GroupSTT); err != nil {
		return fmt.Errorf("worker: ensure stt group: %w", err)
	}
	w.log.Info("stt worker started",
		"consumer", w.consumer, "batch_max", w.cfg.BatchMax, "ack_wait", w.cfg.AckWait)

	// Entries a previous incarnation of this worker left pending are the
	// most likely stale work; sweep them before reading anything new.
	w.reclaim(ctx)

	reclaim := time.NewTicker(w.cfg.AckWait)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("stt worker stopped", "consumer", w.consumer)
			return ctx.Err()
		case <-reclaim.C:
			w.reclaim(ctx)
		default:
		}

		batch, err := gatherBatch(ctx, w.brk, wire.StreamAudioJobs, wire.GroupSTT, w.consumer, w.cfg)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("stt worker stopped", "consumer", w.consumer)
				return ctx.Err()
			}
			w.log.Warn("audio job read failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		w.processBatch(ctx, batch)
	}
}

// reclaim takes over entries whose consumer went quiet for at least
// AckWait and processes them like a fresh batch.
func (w *STT) reclaim(ctx context.Context) {
	entries, err := w.brk.Claim(ctx, wire.StreamAudioJobs, wire.GroupSTT, w.consumer, w.cfg.AckWait, int64(w.cfg.BatchMax))
	if err != nil {
		w.log.Warn("claim failed", "stream", wire.StreamAudioJobs, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	w.log.Info("reclaimed abandoned audio jobs", "entries", len(entries))
	w.processBatch(ctx, entries)
}

type sttEntry struct {
	id  string
	job wire.AudioJob
}

func (w *STT) processBatch(ctx context.Context, batch []broker.Entry) {
	if len(batch) == 0 {
		return
	}

	jobs := make([]sttEntry, 0, len(batch))
	for _, e := range batch {
		job, err := wire.AudioJobFromValues(e.Values)
		if err != nil {
			// An undecodable entry would redeliver forever; ack it away.
			w.log.Warn("dropping undecodable audio job", "entry_id", e.ID, "error", err)
			ackEntries(ctx, w.brk, w.log, wire.StreamAudioJobs, wire.GroupSTT, e.ID)
			continue
		}
		jobs = append(jobs, sttEntry{id: e.ID, job: job})
	}

	// Replay in per-session segment order so results reach each session's
	// router oldest-first even when a reclaim mixed epochs into the batch.
	slices.SortStableFunc(jobs, func(a, b sttEntry) int {
		if c := strings.Compare(a.job.SessionID, b.job.SessionID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.job.Epoch, b.job.Epoch); c != 0 {
			return c
		}
		return cmp.Compare(a.job.SegmentSeq, b.job.SegmentSeq)
	})

	for _, e := range jobs {
		w.handleJob(ctx, e.job)
		ackEntries(ctx, w.brk, w.log, wire.StreamAudioJobs, wire.GroupSTT, e.id)
	}
}

func (w *STT) handleJob(ctx context.Context, job wire.AudioJob) {
	pcm := job.Audio
	if job.SampleRate > 0 && job.SampleRate != audio.TargetSampleRate {
		// The gateway resamples before publishing, so this only triggers
		// for jobs from a misbehaving producer.
		pcm = audio.ResampleMono16(pcm, job.SampleRate, audio.TargetSampleRate)
	}

	mctx, cancel := context.WithTimeout(ctx, w.cfg.ModelDeadline)
	spanCtx, span := observe.StartSpan(mctx, "worker.transcribe")
	start := time.Now()
	out, err := w.model.Transcribe(spanCtx, pcm, job.SourceLang)
	observe.EndSpan(span, err)
	cancel()
	w.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		w.metrics.RecordModelError(ctx, "stt")
		if !job.IsFinal {
			// A lost partial costs nothing: the final carries the whole
			// utterance and the gateway's ack timer frees the slot.
			w.log.Debug("partial transcription failed", "job_id", job.JobID, "error", err)
			return
		}
		w.log.Warn("transcription failed, publishing empty final", "job_id", job.JobID, "error", err)
		publishResult(ctx, w.brk, w.metrics, w.log, w.cfg.PublishDeadline, wire.Result{
			SessionID:  job.SessionID,
			SegmentSeq: job.SegmentSeq,
			Epoch:      job.Epoch,
			IsFinal:    true,
			TS:         time.Now().UnixMilli(),
		})
		return
	}

	text := strings.TrimSpace(out.Text)
	publishResult(ctx, w.brk, w.metrics, w.log, w.cfg.PublishDeadline, wire.Result{
		SessionID:    job.SessionID,
		SegmentSeq:   job.SegmentSeq,
		Epoch:        job.Epoch,
		Text:         text,
		DetectedLang: out.DetectedLang,
		IsFinal:      job.IsFinal,
		TS:           time.Now().UnixMilli(),
	})

	if job.IsFinal && job.TranslationEnabled && job.SourceLang != job.TargetLang && text != "" {
		w.enqueueTranslation(ctx, job, text)
	}
}

// enqueueTranslation hands a final transcript to the translation pool.
func (w *STT) enqueueTranslation(ctx context.Context, job wire.AudioJob, text string) {
	tj := wire.TranslationJob{
		SessionID:  job.SessionID,
		SegmentSeq: job.SegmentSeq,
		Epoch:      job.Epoch,
		Text:       text,
		SourceLang: job.SourceLang,
		TargetLang: job.TargetLang,
		TS:         time.Now().UnixMilli(),
	}

	pubCtx, cancel := context.WithTimeout(ctx, w.cfg.PublishDeadline)
	defer cancel()
	err := resilience.Retry(pubCtx, resilience.RetryConfig{
		Name:      "translation enqueue",
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  500 * time.Millisecond,
	}, func() error {
		_, err := w.brk.Append(pubCtx, wire.StreamFinalTranscripts, tj.StreamValues())
		return err
	})
	if err != nil {
		// The session is now waiting for a translated leg that will never
		// arrive. Republishing the final untranslated settles the
		// utterance; the client keeps the transcription it already has.
		w.log.Warn("translation enqueue failed, republishing untranslated",
			"session_id", job.SessionID, "segment_seq", job.SegmentSeq, "error", err)
		publishResult(ctx, w.brk, w.metrics, w.log, w.cfg.PublishDeadline, wire.Result{
			SessionID:  job.SessionID,
			SegmentSeq: job.SegmentSeq,
			Epoch:      job.Epoch,
			Text:       text,
			IsFinal:    true,
			TS:         time.Now().UnixMilli(),
		})
		return
	}
	w.metrics.RecordJob(ctx, "translation")
	w.log.Debug("translation enqueued", "session_id", job.SessionID, "segment_seq", job.SegmentSeq)
}
