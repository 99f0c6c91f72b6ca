package worker

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lingostream/lingostream/internal/broker"
	"github.com/lingostream/lingostream/internal/config"
	"github.com/lingostream/lingostream/internal/lang"
	"github.com/lingostream/lingostream/internal/observe"
	"github.com/lingostream/lingostream/internal/wire"
	"github.com/lingostream/lingostream/pkg/provider/translate"
)

const defaultCacheSize = 1024

// cacheKey identifies one translation: identical text between the same
// language pair always maps to the same output, so repeats skip the model.
type cacheKey struct {
	src, tgt, text string
}

// Translation consumes final transcripts, translates them, and publishes
// the translated leg back to the owning session. Every result it publishes
// is final; partials never reach this pool.
type Translation struct {
	brk      Bus
	model    translate.Translator
	reg      *lang.Registry
	cache    *lru.Cache[cacheKey, string]
	cfg      config.WorkerConfig
	metrics  *observe.Metrics
	log      *slog.Logger
	consumer string
}

// NewTranslation builds a worker around the given translator. The model
// speaks NLLB-200 language tags; jobs carry ISO 639-1 codes, so reg maps
// between the two.
func NewTranslation(brk Bus, model translate.Translator, reg *lang.Registry, cfg config.WorkerConfig, m *observe.Metrics) (*Translation, error) {
	size := cfg.TranslateCacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[cacheKey, string](size)
	if err != nil {
		return nil, fmt.Errorf("worker: translation cache: %w", err)
	}
	return &Translation{
		brk:      brk,
		model:    model,
		reg:      reg,
		cache:    cache,
		cfg:      cfg,
		metrics:  m,
		log:      slog.With("component", "translation-worker"),
		consumer: consumerName("translation"),
	}, nil
}

// Run consumes until ctx is canceled. It returns ctx.Err on shutdown and a
// wrapped error only when the consumer group cannot be established.
func (w *Translation) Run(ctx context.Context) error {
	if err := w.brk.EnsureGroup(ctx, wire.StreamFinalTranscripts, wire.GroupTranslation); err != nil {
		return fmt.Errorf("worker: ensure translation group: %w", err)
	}
	w.log.Info("translation worker started",
		"consumer", w.consumer, "cache_size", w.cfg.TranslateCacheSize, "ack_wait", w.cfg.AckWait)

	w.reclaim(ctx)

	reclaim := time.NewTicker(w.cfg.AckWait)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("translation worker stopped", "consumer", w.consumer)
			return ctx.Err()
		case <-reclaim.C:
			w.reclaim(ctx)
		default:
		}

		batch, err := gatherBatch(ctx, w.brk, wire.StreamFinalTranscripts, wire.GroupTranslation, w.consumer, w.cfg)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("translation worker stopped", "consumer", w.consumer)
				return ctx.Err()
			}
			w.log.Warn("transcript read failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		w.processBatch(ctx, batch)
	}
}

func (w *Translation) reclaim(ctx context.Context) {
	entries, err := w.brk.Claim(ctx, wire.StreamFinalTranscripts, wire.GroupTranslation, w.consumer, w.cfg.AckWait, int64(w.cfg.BatchMax))
	if err != nil {
		w.log.Warn("claim failed", "stream", wire.StreamFinalTranscripts, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	w.log.Info("reclaimed abandoned transcripts", "entries", len(entries))
	w.processBatch(ctx, entries)
}

type translationEntry struct {
	id  string
	job wire.TranslationJob
}

func (w *Translation) processBatch(ctx context.Context, batch []broker.Entry) {
	if len(batch) == 0 {
		return
	}

	jobs := make([]translationEntry, 0, len(batch))
	for _, e := range batch {
		job, err := wire.TranslationJobFromValues(e.Values)
		if err != nil {
			w.log.Warn("dropping undecodable translation job", "entry_id", e.ID, "error", err)
			ackEntries(ctx, w.brk, w.log, wire.StreamFinalTranscripts, wire.GroupTranslation, e.ID)
			continue
		}
		jobs = append(jobs, translationEntry{id: e.ID, job: job})
	}

	slices.SortStableFunc(jobs, func(a, b translationEntry) int {
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
		ackEntries(ctx, w.brk, w.log, wire.StreamFinalTranscripts, wire.GroupTranslation, e.id)
	}
}

func (w *Translation) handleJob(ctx context.Context, job wire.TranslationJob) {
	res := wire.Result{
		SessionID:  job.SessionID,
		SegmentSeq: job.SegmentSeq,
		Epoch:      job.Epoch,
		Text:       job.Text,
		IsFinal:    true,
	}

	key := cacheKey{src: job.SourceLang, tgt: job.TargetLang, text: job.Text}
	if cached, ok := w.cache.Get(key); ok {
		w.log.Debug("translation cache hit",
			"session_id", job.SessionID, "segment_seq", job.SegmentSeq)
		res.Translation = cached
		res.TS = time.Now().UnixMilli()
		publishResult(ctx, w.brk, w.metrics, w.log, w.cfg.PublishDeadline, res)
		return
	}

	mctx, cancel := context.WithTimeout(ctx, w.cfg.ModelDeadline)
	spanCtx, span := observe.StartSpan(mctx, "worker.translate")
	start := time.Now()
	translated, err := w.model.Translate(spanCtx, job.Text, w.reg.NLLB(job.SourceLang), w.reg.NLLB(job.TargetLang))
	observe.EndSpan(span, err)
	cancel()
	w.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		// The untranslated final still goes out: the session needs the
		// second leg to settle its utterance, and the client keeps the
		// transcription it already displayed.
		w.metrics.RecordModelError(ctx, "translate")
		w.log.Warn("translation failed",
			"session_id", job.SessionID, "segment_seq", job.SegmentSeq,
			"source", job.SourceLang, "target", job.TargetLang, "error", err)
	} else {
		res.Translation = translate.Clean(translated)
		if res.Translation != "" {
			w.cache.Add(key, res.Translation)
		}
	}
	res.TS = time.Now().UnixMilli()
	publishResult(ctx, w.brk, w.metrics, w.log, w.cfg.PublishDeadline, res)
}
