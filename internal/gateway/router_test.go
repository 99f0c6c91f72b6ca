package gateway

import (
	"testing"

	"github.com/lingostream/lingostream/internal/wire"
)

func result(epoch, seq uint64, final bool, text, translation string) wire.Result {
	return wire.Result{
		SessionID:   "s1",
		SegmentSeq:  seq,
		Epoch:       epoch,
		Text:        text,
		Translation: translation,
		IsFinal:     final,
	}
}

func TestRouterForwardsInOrder(t *testing.T) {
	r := newResultRouter(0)

	r.jobPublished(0, false, false)
	if dec := r.route(result(0, 0, false, "one", "")); dec.Drop != "" {
		t.Fatalf("partial 0 dropped: %q", dec.Drop)
	}
	r.jobPublished(1, false, false)
	if dec := r.route(result(0, 1, false, "one two", "")); dec.Drop != "" {
		t.Fatalf("partial 1 dropped: %q", dec.Drop)
	}
	r.jobPublished(2, true, false)
	dec := r.route(result(0, 2, true, "one two three", ""))
	if dec.Drop != "" {
		t.Fatalf("final dropped: %q", dec.Drop)
	}
	if !dec.UtteranceEnd {
		t.Error("final did not settle the utterance")
	}
}

func TestRouterDropsPreviousEpoch(t *testing.T) {
	r := newResultRouter(2)
	if dec := r.route(result(1, 7, true, "old", "")); dec.Drop != dropEpoch {
		t.Fatalf("drop = %q, want %q", dec.Drop, dropEpoch)
	}
	if dec := r.route(result(2, 0, false, "new", "")); dec.Drop != "" {
		t.Fatalf("current epoch dropped: %q", dec.Drop)
	}
}

func TestRouterNeverMovesTextBackwards(t *testing.T) {
	r := newResultRouter(0)
	if dec := r.route(result(0, 2, false, "newest", "")); dec.Drop != "" {
		t.Fatalf("partial 2 dropped: %q", dec.Drop)
	}

	if dec := r.route(result(0, 1, false, "older", "")); dec.Drop != dropStale {
		t.Errorf("late partial: drop = %q, want %q", dec.Drop, dropStale)
	}
	if dec := r.route(result(0, 2, false, "repeat", "")); dec.Drop != dropStale {
		t.Errorf("duplicate partial: drop = %q, want %q", dec.Drop, dropStale)
	}
	if dec := r.route(result(0, 1, true, "older final", "")); dec.Drop != dropStale {
		t.Errorf("late final: drop = %q, want %q", dec.Drop, dropStale)
	}
}

func TestRouterDropsResultsBehindAForwardedFinal(t *testing.T) {
	r := newResultRouter(0)
	r.jobPublished(3, true, false)
	if dec := r.route(result(0, 3, true, "done", "")); !dec.UtteranceEnd {
		t.Fatal("final did not settle the utterance")
	}

	if dec := r.route(result(0, 2, false, "late partial", "")); dec.Drop != dropStale {
		t.Errorf("partial behind final: drop = %q, want %q", dec.Drop, dropStale)
	}
	if dec := r.route(result(0, 3, true, "done", "")); dec.Drop != dropStale {
		t.Errorf("duplicate final: drop = %q, want %q", dec.Drop, dropStale)
	}
}

func TestRouterInFlightLedger(t *testing.T) {
	r := newResultRouter(0)
	r.jobPublished(0, false, false)
	if got := r.inFlight(); got != 1 {
		t.Fatalf("inFlight = %d, want 1", got)
	}
	r.route(result(0, 0, false, "a", ""))
	if got := r.inFlight(); got != 0 {
		t.Fatalf("inFlight after result = %d, want 0", got)
	}
	r.route(result(0, 0, false, "a", ""))
	if got := r.inFlight(); got != 0 {
		t.Fatalf("inFlight after duplicate = %d, want 0", got)
	}
}

func TestRouterStaleResultStillSettlesItsJob(t *testing.T) {
	r := newResultRouter(0)
	r.jobPublished(0, false, false)
	r.jobPublished(1, true, false)

	if dec := r.route(result(0, 1, true, "final", "")); dec.Drop != "" {
		t.Fatalf("final dropped: %q", dec.Drop)
	}
	if dec := r.route(result(0, 0, false, "late", "")); dec.Drop != dropStale {
		t.Fatalf("late partial: drop = %q, want %q", dec.Drop, dropStale)
	}
	if got := r.inFlight(); got != 0 {
		t.Errorf("inFlight = %d, want 0; the stale result must settle its job", got)
	}
}

func TestRouterAbandonForgetsOutstandingJobs(t *testing.T) {
	r := newResultRouter(0)
	r.jobPublished(0, false, false)
	r.abandon()
	if got := r.inFlight(); got != 0 {
		t.Fatalf("inFlight after abandon = %d, want 0", got)
	}
	// An abandoned job's late result is still routable.
	if dec := r.route(result(0, 0, false, "late", "")); dec.Drop != "" {
		t.Errorf("late result dropped: %q", dec.Drop)
	}
}

func TestRouterUtteranceEndWithoutTranslation(t *testing.T) {
	r := newResultRouter(0)
	r.jobPublished(0, true, false)
	dec := r.route(result(0, 0, true, "hello there", ""))
	if dec.Drop != "" {
		t.Fatalf("final dropped: %q", dec.Drop)
	}
	if !dec.UtteranceEnd {
		t.Error("utterance_end missing after transcription final")
	}
}

func TestRouterUtteranceEndWaitsForTranslation(t *testing.T) {
	r := newResultRouter(0)
	r.jobPublished(0, true, true)

	dec := r.route(result(0, 0, true, "hallo", ""))
	if dec.Drop != "" {
		t.Fatalf("transcription final dropped: %q", dec.Drop)
	}
	if dec.UtteranceEnd {
		t.Fatal("utterance_end before the translation arrived")
	}

	dec = r.route(result(0, 0, true, "hallo", "hello"))
	if dec.Drop != "" {
		t.Fatalf("translated final dropped: %q", dec.Drop)
	}
	if !dec.UtteranceEnd {
		t.Fatal("utterance_end missing after translated final")
	}

	// The utterance is settled; any further copy is stale.
	if dec := r.route(result(0, 0, true, "hallo", "hello")); dec.Drop != dropStale {
		t.Errorf("third final: drop = %q, want %q", dec.Drop, dropStale)
	}
}

func TestRouterUtteranceEndOnEmptyTranscription(t *testing.T) {
	r := newResultRouter(0)
	r.jobPublished(0, true, true)
	// The model produced nothing, so no translation leg will follow. The
	// empty final is still forwarded so the client stops waiting.
	dec := r.route(result(0, 0, true, "", ""))
	if dec.Drop != "" {
		t.Fatalf("empty final dropped: %q", dec.Drop)
	}
	if !dec.UtteranceEnd {
		t.Error("utterance_end missing after empty transcription final")
	}
}

func TestRouterUtteranceEndOnTranslatorFailure(t *testing.T) {
	r := newResultRouter(0)
	r.jobPublished(0, true, true)

	if dec := r.route(result(0, 0, true, "hallo", "")); dec.UtteranceEnd {
		t.Fatal("utterance_end before translation settled")
	}
	// The translator gave up and republished the final untranslated.
	dec := r.route(result(0, 0, true, "hallo", ""))
	if dec.Drop != "" {
		t.Fatalf("untranslated final dropped: %q", dec.Drop)
	}
	if !dec.UtteranceEnd {
		t.Error("utterance_end missing after translator failure")
	}
}

func TestRouterResetStartsNewEpoch(t *testing.T) {
	r := newResultRouter(0)
	r.jobPublished(0, true, false)
	if dec := r.route(result(0, 0, true, "first", "")); dec.Drop != "" {
		t.Fatalf("final dropped: %q", dec.Drop)
	}

	r.reset(1)
	if dec := r.route(result(0, 1, true, "old epoch", "")); dec.Drop != dropEpoch {
		t.Errorf("old epoch: drop = %q, want %q", dec.Drop, dropEpoch)
	}
	// Sequence numbering restarts with the epoch.
	if dec := r.route(result(1, 0, false, "fresh", "")); dec.Drop != "" {
		t.Errorf("fresh epoch result dropped: %q", dec.Drop)
	}
}

func TestRouterSupersededFinalDoesNotEndUtterance(t *testing.T) {
	r := newResultRouter(0)
	r.jobPublished(0, true, false)
	r.abandon()
	r.jobPublished(1, true, false)

	dec := r.route(result(0, 0, true, "first", ""))
	if dec.Drop != "" {
		t.Fatalf("first final dropped: %q", dec.Drop)
	}
	if dec.UtteranceEnd {
		t.Fatal("superseded final settled the utterance")
	}
	dec = r.route(result(0, 1, true, "second", ""))
	if !dec.UtteranceEnd {
		t.Error("current final did not settle the utterance")
	}
}
