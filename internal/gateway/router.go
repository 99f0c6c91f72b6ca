package gateway

import "github.com/lingostream/lingostream/internal/wire"

// Drop causes reported by the router. They double as metric labels.
const (
	dropEpoch = "epoch"
	dropStale = "stale"
)

// routeDecision tells the session what to do with one broker result.
type routeDecision struct {
	// Drop names why the result must not reach the client. Empty means
	// forward it.
	Drop string
	// UtteranceEnd is set when forwarding this result settles the current
	// utterance, so an utterance_end frame follows it.
	UtteranceEnd bool
}

// resultRouter decides, for every result arriving over pub/sub, whether it
// may reach the client. Results from a previous epoch are discarded
// outright, and within the current epoch text is never allowed to move
// backwards: once a newer segment has been shown, older partials and finals
// are dropped. The router also tracks how many published jobs are still
// unanswered and when the utterance_end marker is due.
//
// A final job with translation enabled settles in two legs: the
// transcription final first, then the translated final for the same
// sequence. utterance_end fires after the second leg, or immediately when
// the first leg shows no translation will follow (empty transcription, or a
// repeated final without translation after the translator gave up).
//
// The router is owned by the session loop and is not safe for concurrent
// use.
type resultRouter struct {
	epoch uint64

	// delivered is the highest segment sequence forwarded to the client.
	delivered     uint64
	haveDelivered bool

	// finalSeq is the highest sequence whose final was forwarded.
	finalSeq  uint64
	haveFinal bool

	// outstanding holds published sequences with no result yet.
	outstanding map[uint64]struct{}

	// Settlement state for the most recently published final job.
	endSeq               uint64
	endPending           bool
	endAwaitsTranslation bool
	endSawTranscription  bool
}

func newResultRouter(epoch uint64) *resultRouter {
	return &resultRouter{
		epoch:       epoch,
		outstanding: make(map[uint64]struct{}),
	}
}

// inFlight reports how many published jobs still await a result.
func (r *resultRouter) inFlight() int {
	return len(r.outstanding)
}

// jobPublished records a freshly appended job. awaitTranslation is true for
// final jobs that will come back in two legs.
func (r *resultRouter) jobPublished(seq uint64, isFinal, awaitTranslation bool) {
	r.outstanding[seq] = struct{}{}
	if isFinal {
		r.endSeq = seq
		r.endPending = true
		r.endAwaitsTranslation = awaitTranslation
		r.endSawTranscription = false
	}
}

// abandon forgets all unanswered jobs. The session calls it when the result
// wait deadline expires so a forced final can go out; late results are
// still routed on arrival and the staleness rules decide their fate.
func (r *resultRouter) abandon() {
	clear(r.outstanding)
}

// reset moves the router to a new epoch and discards all delivery history.
func (r *resultRouter) reset(epoch uint64) {
	r.epoch = epoch
	r.delivered = 0
	r.haveDelivered = false
	r.finalSeq = 0
	r.haveFinal = false
	clear(r.outstanding)
	r.endPending = false
	r.endSawTranscription = false
}

// route applies the drop rules to one decoded result.
func (r *resultRouter) route(res wire.Result) routeDecision {
	if res.Epoch != r.epoch {
		return routeDecision{Drop: dropEpoch}
	}

	// The job is answered even when its text turns out to be stale.
	delete(r.outstanding, res.SegmentSeq)

	// The translated leg of the current final arrives with a sequence the
	// transcription leg already delivered; it is the one repeat allowed.
	awaited := r.endPending && r.endAwaitsTranslation &&
		r.endSawTranscription && res.SegmentSeq == r.endSeq

	if res.IsFinal {
		if r.haveDelivered && res.SegmentSeq < r.delivered {
			return routeDecision{Drop: dropStale}
		}
		if r.haveFinal && res.SegmentSeq <= r.finalSeq && !awaited {
			return routeDecision{Drop: dropStale}
		}
	} else {
		if r.haveDelivered && res.SegmentSeq <= r.delivered {
			return routeDecision{Drop: dropStale}
		}
		if r.haveFinal && res.SegmentSeq <= r.finalSeq {
			return routeDecision{Drop: dropStale}
		}
	}

	if !r.haveDelivered || res.SegmentSeq > r.delivered {
		r.delivered = res.SegmentSeq
		r.haveDelivered = true
	}

	var dec routeDecision
	if res.IsFinal {
		if !r.haveFinal || res.SegmentSeq > r.finalSeq {
			r.finalSeq = res.SegmentSeq
			r.haveFinal = true
		}
		if r.endPending && res.SegmentSeq == r.endSeq {
			done := true
			if r.endAwaitsTranslation && !r.endSawTranscription &&
				res.Translation == "" && res.Text != "" {
				// Transcription leg; the translated leg is still to come.
				r.endSawTranscription = true
				done = false
			}
			if done {
				r.endPending = false
				r.endSawTranscription = false
				dec.UtteranceEnd = true
			}
		}
	}
	return dec
}
