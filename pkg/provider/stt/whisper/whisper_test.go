package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lingostream/lingostream/pkg/provider/stt/whisper"
)

// ---- test helpers ------------------------------------------------------------

// newMockServer spins up an HTTP server that mimics the whisper-server
// /inference endpoint. It always responds with the given text. If calls is
// non-nil it is incremented on every inference request.
func newMockServer(t *testing.T, responseText string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"text": %q}`, responseText)
	}))
}

// inferenceRequest holds the parts of a multipart /inference request that the
// tests care about.
type inferenceRequest struct {
	Language string
	Model    string
	File     []byte
}

// newCaptureServer records the multipart fields of each inference request into
// got before responding with responseText.
func newCaptureServer(t *testing.T, responseText string, got *inferenceRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got.Language = r.FormValue("language")
		got.Model = r.FormValue("model")
		if f, _, err := r.FormFile("file"); err == nil {
			got.File, _ = io.ReadAll(f)
			f.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"text": %q}`, responseText)
	}))
}

// makeSpeechPCM generates n samples of a loud 440 Hz sine wave as 16-bit
// little-endian PCM, loud enough that no one mistakes it for silence.
func makeSpeechPCM(n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(16000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// ---- construction ------------------------------------------------------------

func TestNew_EmptyURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty server URL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	p, err := whisper.New("http://localhost:8080",
		whisper.WithModel("base.en"),
		whisper.WithHTTPClient(&http.Client{Timeout: time.Second}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p == nil {
		t.Fatal("New returned nil provider")
	}
}

// ---- transcription -----------------------------------------------------------

func TestTranscribe_ReturnsServerText(t *testing.T) {
	const wantText = "Hello darkness my old friend"
	var calls atomic.Int32
	srv := newMockServer(t, wantText, &calls)
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := p.Transcribe(context.Background(), makeSpeechPCM(16000), "en")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != wantText {
		t.Errorf("Transcribe text = %q; want %q", res.Text, wantText)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("inference called %d time(s); want 1", n)
	}
}

func TestTranscribe_TrimsWhitespace(t *testing.T) {
	srv := newMockServer(t, "  fire bolt \n", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	res, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), "en")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "fire bolt" {
		t.Errorf("Transcribe text = %q; want %q", res.Text, "fire bolt")
	}
}

func TestTranscribe_TrailingSlashURL(t *testing.T) {
	srv := newMockServer(t, "arcane surge", nil)
	defer srv.Close()

	p, err := whisper.New(srv.URL + "/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), ""); err != nil {
		t.Fatalf("Transcribe with trailing-slash URL: %v", err)
	}
}

func TestTranscribe_ForwardsLanguageAndModel(t *testing.T) {
	var got inferenceRequest
	srv := newCaptureServer(t, "ok", &got)
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithModel("base.en"))
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), "de"); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Language != "de" {
		t.Errorf("language field = %q; want %q", got.Language, "de")
	}
	if got.Model != "base.en" {
		t.Errorf("model field = %q; want %q", got.Model, "base.en")
	}
}

func TestTranscribe_OmitsLanguageWhenUnset(t *testing.T) {
	var got inferenceRequest
	srv := newCaptureServer(t, "ok", &got)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), ""); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Language != "" {
		t.Errorf("language field = %q; want empty", got.Language)
	}
	if got.Model != "" {
		t.Errorf("model field = %q; want empty", got.Model)
	}
}

func TestTranscribe_EncodesValidWAV(t *testing.T) {
	var got inferenceRequest
	srv := newCaptureServer(t, "ok", &got)
	defer srv.Close()

	pcm := makeSpeechPCM(1600)
	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), pcm, "en"); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if len(got.File) != 44+len(pcm) {
		t.Fatalf("WAV file length = %d; want %d (44-byte header + PCM)", len(got.File), 44+len(pcm))
	}
	if string(got.File[0:4]) != "RIFF" || string(got.File[8:12]) != "WAVE" {
		t.Errorf("WAV magic = %q/%q; want RIFF/WAVE", got.File[0:4], got.File[8:12])
	}
	if rate := binary.LittleEndian.Uint32(got.File[24:28]); rate != 16000 {
		t.Errorf("WAV sample rate = %d; want 16000", rate)
	}
	if ch := binary.LittleEndian.Uint16(got.File[22:24]); ch != 1 {
		t.Errorf("WAV channels = %d; want 1", ch)
	}
}

// ---- error handling ----------------------------------------------------------

func TestTranscribe_EmptyAudio_ReturnsError(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "nope", &calls)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), nil, "en"); err == nil {
		t.Fatal("expected error for empty audio, got nil")
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("inference called %d time(s) for empty audio; want 0", n)
	}
}

func TestTranscribe_ServerError_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), "en")
	if err == nil {
		t.Fatal("expected error for HTTP 500, got nil")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error %q should mention the status code", err)
	}
}

func TestTranscribe_MalformedJSON_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json at all")
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), "en"); err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestTranscribe_ContextCancelled_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		json.NewEncoder(w).Encode(map[string]string{"text": "too late"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(ctx, makeSpeechPCM(1600), "en"); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
