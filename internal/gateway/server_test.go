package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lingostream/lingostream/internal/lang"
	"github.com/lingostream/lingostream/internal/observe"
	"github.com/lingostream/lingostream/internal/session"
	"github.com/lingostream/lingostream/internal/wire"
	"github.com/lingostream/lingostream/pkg/audio"
	"github.com/lingostream/lingostream/pkg/provider/vad"
	vadmock "github.com/lingostream/lingostream/pkg/provider/vad/mock"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestServer(t *testing.T, det vad.Detector) (*Server, *fakeBroker, *httptest.Server) {
	t.Helper()
	reg, err := lang.Default()
	if err != nil {
		t.Fatalf("lang.Default: %v", err)
	}
	brk := newFakeBroker()
	s := New(testConfig(), brk, &vadmock.Factory{Detector: det}, reg, observe.DefaultMetrics())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, brk, hs
}

func dialSession(t *testing.T, hs *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(hs)+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func writeFrame(t *testing.T, c *websocket.Conn, kind websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Write(ctx, kind, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readTyped reads one frame and fails the test unless it has the wanted
// type. It returns the raw payload for further decoding.
func readTyped(t *testing.T, c *websocket.Conn, want string) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, payload, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read %s frame: %v", want, err)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		t.Fatalf("bad frame %q: %v", payload, err)
	}
	if probe.Type != want {
		t.Fatalf("frame = %s, want a %s frame", payload, want)
	}
	return payload
}

func readStatus(t *testing.T, c *websocket.Conn) statusMessage {
	t.Helper()
	var st statusMessage
	if err := json.Unmarshal(readTyped(t, c, typeStatus), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func TestServerAnnouncesFreshSession(t *testing.T) {
	_, _, hs := newTestServer(t, &vadmock.Detector{})
	c := dialSession(t, hs, "")

	st := readStatus(t, c)
	if st.ClientID == "" {
		t.Error("status carries no client_id")
	}
	if st.SourceLanguage != "en" || st.TargetLanguage != "en" || st.TranslationEnabled {
		t.Errorf("status = %+v, want default en->en without translation", st)
	}
}

func TestServerReattachRestoresSession(t *testing.T) {
	_, brk, hs := newTestServer(t, &vadmock.Detector{})
	stored := session.Snapshot{
		SourceLang: "de", TargetLang: "fr", TranslationEnabled: true,
		SegmentSeq: 5, Epoch: 2, UpdatedTS: 111,
	}
	if err := brk.SaveSession(context.Background(), "known-id", stored.Fields(), time.Minute); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	c := dialSession(t, hs, "?session=known-id")
	st := readStatus(t, c)
	if st.ClientID != "known-id" {
		t.Errorf("client_id = %q, want known-id", st.ClientID)
	}
	if st.SourceLanguage != "de" || st.TargetLanguage != "fr" || !st.TranslationEnabled {
		t.Errorf("status = %+v, want restored de->fr with translation", st)
	}
}

func TestServerUnknownSessionGetsFreshIdentity(t *testing.T) {
	_, _, hs := newTestServer(t, &vadmock.Detector{})
	c := dialSession(t, hs, "?session=ghost")

	st := readStatus(t, c)
	if st.ClientID == "ghost" || st.ClientID == "" {
		t.Errorf("client_id = %q, want a fresh identity", st.ClientID)
	}
	if st.SourceLanguage != "en" || st.TargetLanguage != "en" {
		t.Errorf("status = %+v, want defaults", st)
	}
}

func TestServerRejectsPlainHTTP(t *testing.T) {
	_, _, hs := newTestServer(t, &vadmock.Detector{})
	resp, err := http.Get(hs.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 400 {
		t.Errorf("status = %d, want an upgrade rejection", resp.StatusCode)
	}
}

func TestServerTranscriptionRoundTrip(t *testing.T) {
	det := &vadmock.Detector{Script: speechFrames(4)}
	_, brk, hs := newTestServer(t, det)
	c := dialSession(t, hs, "")
	st := readStatus(t, c)

	writeFrame(t, c, websocket.MessageBinary,
		encodeBinaryFrame(audio.TargetSampleRate, make([]byte, 4*audio.FrameBytes)))
	time.Sleep(60 * time.Millisecond)
	writeFrame(t, c, websocket.MessageBinary,
		encodeBinaryFrame(audio.TargetSampleRate, make([]byte, audio.FrameBytes)))

	var job wire.AudioJob
	select {
	case job = <-brk.jobCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no job published within 2s")
	}
	if !job.IsFinal || job.SessionID != st.ClientID {
		t.Fatalf("job = %+v, want a final for %s", job, st.ClientID)
	}

	brk.publishResult(t, wire.Result{
		SessionID: st.ClientID, SegmentSeq: job.SegmentSeq, Epoch: job.Epoch,
		Text: "hello over the wire", IsFinal: true, TS: 7,
	})

	var rt realtimeMessage
	if err := json.Unmarshal(readTyped(t, c, typeRealtime), &rt); err != nil {
		t.Fatalf("decode realtime: %v", err)
	}
	if rt.Text != "hello over the wire" || !rt.IsFinal {
		t.Errorf("realtime = %+v", rt)
	}
	readTyped(t, c, typeUtteranceEnd)
}

func TestServerDrainFlushesLiveSessions(t *testing.T) {
	det := &vadmock.Detector{Result: vad.Decision{Speech: true, Probability: 0.9}}
	srv, brk, hs := newTestServer(t, det)
	c := dialSession(t, hs, "")
	readStatus(t, c)

	// Buffer audio below the partial threshold, then confirm it was
	// processed before pulling the plug.
	writeFrame(t, c, websocket.MessageBinary,
		encodeBinaryFrame(audio.TargetSampleRate, make([]byte, 4*audio.FrameBytes)))
	writeFrame(t, c, websocket.MessageText, []byte(`{"type":"get_status"}`))
	readTyped(t, c, typeStatus)

	srv.sessStop()
	srv.sessions.Wait()

	select {
	case job := <-brk.jobCh:
		if !job.IsFinal {
			t.Errorf("drain published a non-final job: %+v", job)
		}
		if got, want := len(job.Audio), 4*audio.FrameBytes; got != want {
			t.Errorf("flushed audio = %d bytes, want %d", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not flush the buffered utterance")
	}
}
