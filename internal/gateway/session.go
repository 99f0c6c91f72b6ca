package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/lingostream/lingostream/internal/broker"
	"github.com/lingostream/lingostream/internal/config"
	"github.com/lingostream/lingostream/internal/lang"
	"github.com/lingostream/lingostream/internal/observe"
	"github.com/lingostream/lingostream/internal/resilience"
	"github.com/lingostream/lingostream/internal/session"
	"github.com/lingostream/lingostream/internal/wire"
	"github.com/lingostream/lingostream/pkg/audio"
	"github.com/lingostream/lingostream/pkg/provider/vad"
)

const (
	// chanDepth sizes the session's internal channels. Deep enough to ride
	// out scheduling hiccups; the loops shed to the closed signal rather
	// than block when the session is gone.
	chanDepth = 64

	// writeTimeout bounds one socket write.
	writeTimeout = 5 * time.Second

	// writeDrainGrace bounds how long teardown waits for queued outbound
	// frames to reach the socket before closing it.
	writeDrainGrace = time.Second
)

// wsConn is the slice of *websocket.Conn the session uses. Tests substitute
// an in-memory implementation.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ wsConn = (*websocket.Conn)(nil)

// inbound is one raw client frame handed from the read loop to the session
// loop. Binary and text frames travel through the same channel so their
// relative order on the socket is preserved.
type inbound struct {
	kind websocket.MessageType
	data []byte
}

// Session owns one client WebSocket for its whole life: it segments the
// inbound audio, publishes jobs, routes results back out, and persists the
// session hash. All state is confined to the session loop goroutine; the
// read, write and subscriber loops only move bytes in and out.
type Session struct {
	id       string
	conn     wsConn
	brk      broker.Broker
	det      vad.Detector
	machine  *session.Machine
	framer   *audio.Framer
	reg      *lang.Registry
	metrics  *observe.Metrics
	cfg      config.GatewayConfig
	instance string
	log      *slog.Logger

	// Loop-owned state.
	snap          session.Snapshot
	router        *resultRouter
	pendingFinals []session.Flush
	ackTimer      *time.Timer
	lastTouch     time.Time

	inbox     chan inbound
	results   chan wire.Result
	outbox    chan []byte
	closed    chan struct{}
	writeDone chan struct{}

	// errLimiter paces backpressure error frames to one per second.
	errLimiter *rate.Limiter
}

// sessionParams carries everything a Session needs from the server.
type sessionParams struct {
	ID       string
	Conn     wsConn
	Broker   broker.Broker
	Detector vad.Detector
	Registry *lang.Registry
	Metrics  *observe.Metrics
	Config   config.GatewayConfig
	Instance string
	Snapshot session.Snapshot
	Log      *slog.Logger
}

func newSession(p sessionParams) (*Session, error) {
	machine, err := session.NewMachine(session.MachineConfig{
		PreRoll:          p.Config.PreRoll,
		StreamChunk:      p.Config.StreamChunk,
		MaxBuffer:        p.Config.MaxBuffer,
		SilenceThreshold: p.Config.SilenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: session %s: %w", p.ID, err)
	}
	return &Session{
		id:         p.ID,
		conn:       p.Conn,
		brk:        p.Broker,
		det:        p.Detector,
		machine:    machine,
		framer:     audio.NewFramer(audio.FrameBytes),
		reg:        p.Registry,
		metrics:    p.Metrics,
		cfg:        p.Config,
		instance:   p.Instance,
		log:        p.Log.With("session_id", p.ID),
		snap:       p.Snapshot,
		router:     newResultRouter(p.Snapshot.Epoch),
		inbox:      make(chan inbound, chanDepth),
		results:    make(chan wire.Result, chanDepth),
		outbox:     make(chan []byte, chanDepth),
		closed:     make(chan struct{}),
		writeDone:  make(chan struct{}),
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}, nil
}

// run drives the session until the socket closes or ctx is cancelled. It
// always flushes buffered audio, persists the session hash and releases the
// detector before returning.
func (s *Session) run(ctx context.Context) error {
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	sub, err := s.brk.Subscribe(ctx, wire.ResultsChannel(s.id))
	if err != nil {
		_ = s.det.Close()
		_ = s.conn.Close(websocket.StatusInternalError, "broker unavailable")
		return fmt.Errorf("gateway: subscribe %s: %w", wire.ResultsChannel(s.id), err)
	}

	go s.readLoop(ctx)
	go s.writeLoop()
	go s.subscriberLoop(sub)

	s.saveSnapshot(ctx)
	s.sendStatus(ctx)

	err = s.loop(ctx)
	s.teardown(sub)
	return err
}

func (s *Session) loop(ctx context.Context) error {
	for {
		select {
		case in, ok := <-s.inbox:
			if !ok {
				return nil
			}
			if in.kind == websocket.MessageBinary {
				s.handleAudio(ctx, in.data)
			} else {
				s.handleText(ctx, in.data)
			}
		case res := <-s.results:
			s.handleResult(ctx, res)
		case <-s.ackTimerC():
			s.ackTimer = nil
			s.log.Debug("result wait expired, forcing final through",
				"in_flight", s.router.inFlight())
			s.router.abandon()
			s.pump(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ackTimerC returns the expiry channel of the armed final-hold timer, or nil
// so the select case stays dormant.
func (s *Session) ackTimerC() <-chan time.Time {
	if s.ackTimer == nil {
		return nil
	}
	return s.ackTimer.C
}

func (s *Session) armAckTimer() {
	if s.ackTimer == nil {
		s.ackTimer = time.NewTimer(s.cfg.AckWait)
	}
}

func (s *Session) stopAckTimer() {
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
}

// ─── socket loops ───

// readLoop pulls frames off the socket and hands them to the session loop.
// Closing the inbox is the session's shutdown signal.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.inbox)
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				s.log.Debug("socket closed", "status", status)
			}
			return
		}
		select {
		case s.inbox <- inbound{kind: typ, data: data}:
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop serialises socket writes. After a write error it keeps draining
// the queue so the session loop can never block behind a dead socket.
func (s *Session) writeLoop() {
	defer close(s.writeDone)
	dead := false
	for payload := range s.outbox {
		if dead {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := s.conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			dead = true
			s.log.Debug("socket write failed, draining remaining frames", "error", err)
		}
	}
}

// subscriberLoop decodes results off the session's pub/sub channel.
func (s *Session) subscriberLoop(sub broker.Subscription) {
	for payload := range sub.Messages() {
		res, err := wire.DecodeResult(payload)
		if err != nil {
			s.log.Warn("dropping undecodable result", "error", err)
			continue
		}
		select {
		case s.results <- res:
		case <-s.closed:
			return
		}
	}
}

// teardown flushes whatever is still buffered, persists the hash and tears
// the goroutines down in order.
func (s *Session) teardown(sub broker.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(),
		s.cfg.PublishDeadline+writeDrainGrace)
	defer cancel()

	if flush, ok := s.machine.FlushClose(); ok {
		s.recordSegment(ctx, flush)
		s.pendingFinals = append(s.pendingFinals, flush)
	}
	for _, flush := range s.pendingFinals {
		if err := s.publishSegment(ctx, flush.Audio, true); err != nil {
			s.log.Warn("close-time final lost", "reason", flush.Reason.String(), "error", err)
		}
	}
	s.pendingFinals = nil
	s.stopAckTimer()
	s.saveSnapshot(ctx)

	close(s.closed)
	if err := sub.Close(); err != nil {
		s.log.Debug("unsubscribe", "error", err)
	}
	close(s.outbox)
	select {
	case <-s.writeDone:
	case <-time.After(writeDrainGrace):
	}
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	if err := s.det.Close(); err != nil {
		s.log.Debug("detector close", "error", err)
	}
}

// ─── inbound handling ───

// handleAudio decodes one binary frame, classifies its 10 ms slices and
// feeds them through the segmentation machine.
func (s *Session) handleAudio(ctx context.Context, data []byte) {
	pcm, ok := s.decodeAudio(data)
	if !ok || len(pcm) == 0 {
		return
	}
	frames := s.framer.Push(pcm)
	if len(frames) > 0 {
		s.metrics.AudioFrames.Add(ctx, int64(len(frames)))
	}
	for _, frame := range frames {
		decision, err := s.det.Classify(frame)
		if err != nil {
			// A detector hiccup must not stall the stream; the frame
			// counts as silence and the next one gets a fresh call.
			s.log.Debug("vad classify failed", "error", err)
			decision = vad.Decision{}
		}
		if flush, ok := s.machine.Feed(frame, decision.Speech, time.Now()); ok {
			s.recordSegment(ctx, flush)
			s.pendingFinals = append(s.pendingFinals, flush)
		}
	}
	s.touchIfStale(ctx)
	s.pump(ctx)
}

// decodeAudio parses the frame header, resamples the payload to the
// pipeline rate and applies the configured gain. Malformed frames are
// dropped without disturbing the session.
func (s *Session) decodeAudio(data []byte) ([]byte, bool) {
	sr, pcm, err := parseBinaryFrame(data)
	if err != nil {
		s.log.Debug("dropping malformed audio frame", "error", err)
		return nil, false
	}
	pcm = audio.ResampleMono16(pcm, sr, audio.TargetSampleRate)
	return audio.ApplyGain(pcm, s.cfg.VolumeGain), true
}

// handleText dispatches one control message.
func (s *Session) handleText(ctx context.Context, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("dropping malformed control message", "error", err)
		s.sendError(ctx, "malformed message")
		return
	}
	switch msg.Type {
	case typeSetLangs:
		s.handleSetLangs(ctx, msg)
	case typeStartOver:
		s.handleStartOver(ctx)
	case typeGetStatus:
		s.sendStatus(ctx)
	default:
		s.sendError(ctx, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// handleSetLangs updates the language pair. Absent fields keep their
// current values, and a status frame goes out either way so the client
// always learns the effective configuration.
func (s *Session) handleSetLangs(ctx context.Context, msg clientMessage) {
	source := strings.ToLower(strings.TrimSpace(msg.SourceLanguage))
	target := strings.ToLower(strings.TrimSpace(msg.TargetLanguage))
	if source == "" {
		source = s.snap.SourceLang
	}
	if target == "" {
		target = s.snap.TargetLang
	}
	if err := s.reg.Validate(source, target); err != nil {
		s.sendError(ctx, err.Error())
		s.sendStatus(ctx)
		return
	}
	s.snap.SourceLang = source
	s.snap.TargetLang = target
	s.snap.TranslationEnabled = source != target
	s.saveSnapshot(ctx)
	s.log.Info("languages updated",
		"source", source, "target", target,
		"translation_enabled", s.snap.TranslationEnabled)
	s.sendStatus(ctx)
}

// handleStartOver wipes every trace of the current utterance: buffered
// audio, queued finals, the in-flight ledger, and detector state. The epoch
// bump makes results from already-published jobs identifiable as stale.
func (s *Session) handleStartOver(ctx context.Context) {
	s.machine.StartOver()
	s.framer.Reset()
	s.pendingFinals = nil
	s.stopAckTimer()
	s.snap.Epoch++
	s.snap.SegmentSeq = 0
	s.router.reset(s.snap.Epoch)
	if err := s.det.Reset(); err != nil {
		s.log.Debug("detector reset", "error", err)
	}
	s.saveSnapshot(ctx)
	s.log.Info("start over", "epoch", s.snap.Epoch)
}

// ─── job publishing ───

// pump advances the publish schedule: queued finals first, oldest first,
// then at most one partial, and only when nothing is in flight.
func (s *Session) pump(ctx context.Context) {
	for len(s.pendingFinals) > 0 {
		if s.router.inFlight() > 0 {
			// A result or the expiry of this timer will resume the queue.
			s.armAckTimer()
			return
		}
		flush := s.pendingFinals[0]
		s.pendingFinals = s.pendingFinals[1:]
		s.stopAckTimer()
		if err := s.publishSegment(ctx, flush.Audio, true); err != nil {
			s.log.Warn("final segment publish failed",
				"reason", flush.Reason.String(), "error", err)
			s.sendError(ctx, "transcription unavailable: segment could not be queued")
		}
	}
	s.stopAckTimer()

	if !s.machine.PartialDue() || s.router.inFlight() > 0 {
		return
	}
	if !s.underDepthLimit(ctx) {
		if s.errLimiter.Allow() {
			s.sendError(ctx, "transcription pipeline congested; partial updates paused")
		}
		return
	}
	pcm := s.machine.TakePartial()
	if len(pcm) == 0 {
		return
	}
	if err := s.publishSegment(ctx, pcm, false); err != nil {
		// Partials are best effort; the audio stays in the segment buffer
		// and reaches the model with the final either way.
		s.log.Debug("partial publish failed", "error", err)
	}
}

// underDepthLimit probes the jobs stream depth. A failed probe fails open:
// refusing finals on a flaky probe would lose speech, while over-admitting
// partials only adds load.
func (s *Session) underDepthLimit(ctx context.Context) bool {
	depth, err := s.brk.Depth(ctx, wire.StreamAudioJobs)
	if err != nil {
		s.log.Debug("depth probe failed", "error", err)
		return true
	}
	return depth <= int64(s.cfg.MaxQueueDepth)
}

// publishSegment appends one audio job to the broker and records it with
// the router. The sequence number is consumed only on success.
func (s *Session) publishSegment(ctx context.Context, pcm []byte, isFinal bool) error {
	seq := s.snap.SegmentSeq
	job := wire.AudioJob{
		JobID:              wire.JobID(s.id, s.snap.Epoch, seq),
		SessionID:          s.id,
		SegmentSeq:         seq,
		Epoch:              s.snap.Epoch,
		Audio:              pcm,
		SampleRate:         audio.TargetSampleRate,
		SourceLang:         s.snap.SourceLang,
		TargetLang:         s.snap.TargetLang,
		TranslationEnabled: s.snap.TranslationEnabled,
		IsFinal:            isFinal,
		TS:                 time.Now().UnixMilli(),
		GatewayInstance:    s.instance,
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishDeadline)
	defer cancel()
	pubCtx, span := observe.StartSpan(pubCtx, "gateway.publish_segment")
	start := time.Now()
	err := resilience.Retry(pubCtx, resilience.RetryConfig{
		Name:      "audio job append",
		Attempts:  4,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  time.Second,
	}, func() error {
		_, err := s.brk.Append(pubCtx, wire.StreamAudioJobs, job.StreamValues())
		return err
	})
	observe.EndSpan(span, err)
	s.metrics.PublishDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		kind := "partial"
		if isFinal {
			kind = "final"
		}
		return fmt.Errorf("gateway: publish %s segment %d: %w", kind, seq, err)
	}

	s.snap.SegmentSeq++
	s.router.jobPublished(seq, isFinal, isFinal && s.snap.TranslationEnabled)
	if isFinal {
		s.metrics.RecordJob(ctx, "final")
	} else {
		s.metrics.RecordJob(ctx, "partial")
	}
	s.saveSnapshot(ctx)
	s.log.Debug("segment published",
		"seq", seq, "epoch", s.snap.Epoch, "final", isFinal, "bytes", len(pcm))
	return nil
}

// ─── result handling ───

// handleResult routes one decoded result and forwards it to the client
// unless the router rules it out.
func (s *Session) handleResult(ctx context.Context, res wire.Result) {
	dec := s.router.route(res)
	if dec.Drop != "" {
		s.metrics.RecordDroppedResult(ctx, dec.Drop)
		s.log.Debug("result dropped",
			"cause", dec.Drop, "seq", res.SegmentSeq, "epoch", res.Epoch,
			"final", res.IsFinal)
		s.pump(ctx)
		return
	}

	kind := "partial"
	switch {
	case res.Translation != "":
		kind = "translation"
	case res.IsFinal:
		kind = "final"
	}
	s.send(ctx, realtimeMessage{
		Type:        typeRealtime,
		Text:        res.Text,
		Translation: res.Translation,
		IsFinal:     res.IsFinal,
		ClientID:    s.id,
		Timestamp:   res.TS,
		SegmentID:   res.SegmentSeq,
	})
	s.metrics.RecordResult(ctx, kind)

	if dec.UtteranceEnd {
		s.send(ctx, utteranceEndMessage{
			Type:      typeUtteranceEnd,
			ClientID:  s.id,
			Timestamp: time.Now().UnixMilli(),
		})
	}
	s.pump(ctx)
}

// ─── persistence and outbound frames ───

// saveSnapshot writes the session hash and re-arms its TTL.
func (s *Session) saveSnapshot(ctx context.Context) {
	s.snap.State = s.machine.State()
	s.snap.UpdatedTS = time.Now().UnixMilli()
	if err := s.brk.SaveSession(ctx, s.id, s.snap.Fields(), s.cfg.SessionTTL); err != nil {
		s.log.Debug("session save failed", "error", err)
		return
	}
	s.lastTouch = time.Now()
}

// touchIfStale re-arms the hash TTL during long publish-free stretches. A
// session streaming silence writes no snapshots, and its hash must not
// expire while the client is still connected.
func (s *Session) touchIfStale(ctx context.Context) {
	if time.Since(s.lastTouch) < s.cfg.SessionTTL/2 {
		return
	}
	if err := s.brk.TouchSession(ctx, s.id, s.cfg.SessionTTL); err != nil {
		s.log.Debug("session touch failed", "error", err)
		return
	}
	s.lastTouch = time.Now()
}

func (s *Session) sendStatus(ctx context.Context) {
	s.send(ctx, statusMessage{
		Type:               typeStatus,
		ClientID:           s.id,
		SourceLanguage:     s.snap.SourceLang,
		TargetLanguage:     s.snap.TargetLang,
		TranslationEnabled: s.snap.TranslationEnabled,
	})
}

func (s *Session) sendError(ctx context.Context, msg string) {
	s.send(ctx, errorMessage{Type: typeError, Message: msg})
}

// send marshals msg onto the write queue. It only blocks when the queue is
// full, and then never past ctx.
func (s *Session) send(ctx context.Context, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("marshal outbound frame", "error", err)
		return
	}
	select {
	case s.outbox <- payload:
	case <-ctx.Done():
	}
}

func (s *Session) recordSegment(ctx context.Context, flush session.Flush) {
	secs := audio.DurationOf(len(flush.Audio), audio.TargetSampleRate).Seconds()
	s.metrics.RecordSegment(ctx, flush.Reason.String(), secs)
}
