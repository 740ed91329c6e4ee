package speech

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/vadgate"
)

func loudPCM(samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000)
		if i%2 == 1 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func fastGate() vadgate.Config {
	return vadgate.Config{
		Interval:         10 * time.Millisecond,
		SpeechThreshold:  500,
		SilenceThreshold: 250,
		SilenceHold:      30 * time.Millisecond,
		MinRecording:     20 * time.Millisecond,
		MaxRecording:     time.Second,
	}
}

// speakInto feeds loud audio long enough for the gate to open, then goes
// quiet so the capture closes on the silence hold.
func speakInto(src *PushToTalkSource) {
	loud := loudPCM(160)
	for i := 0; i < 8; i++ {
		src.FeedPCM(loud)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPushToTalk_UploadsCaptureAndDeliversFinal(t *testing.T) {
	var uploads int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		pcm, _ := io.ReadAll(file)
		if len(pcm) == 0 {
			t.Error("empty capture uploaded")
		}
		atomic.AddInt32(&uploads, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "점수 알려줘"})
	}))
	defer srv.Close()

	rec := &recorder{}
	src := NewPushToTalkSource(srv.URL, fastGate(), rec.callbacks(), zerolog.Nop())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Destroy()

	speakInto(src)
	waitUntil(t, "transcript", func() bool { return len(rec.snapshot()) == 1 })

	got := rec.snapshot()[0]
	if !got.final || got.text != "점수 알려줘" {
		t.Fatalf("result = %+v", got)
	}
	if atomic.LoadInt32(&uploads) != 1 {
		t.Fatalf("uploads = %d", uploads)
	}

	// The gate is released after transcription; a second utterance works.
	speakInto(src)
	waitUntil(t, "second transcript", func() bool { return len(rec.snapshot()) == 2 })
}

func TestPushToTalk_ReportsTranscribeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stt down", http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &recorder{}
	src := NewPushToTalkSource(srv.URL, fastGate(), rec.callbacks(), zerolog.Nop())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Destroy()

	speakInto(src)
	waitUntil(t, "transcribe error", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.errors) == 1 && rec.errors[0] == ErrTranscribe
	})
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("error path delivered a result: %+v", got)
	}
}

func TestPushToTalk_PausedSourceCapturesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("paused source uploaded a capture")
	}))
	defer srv.Close()

	rec := &recorder{}
	src := NewPushToTalkSource(srv.URL, fastGate(), rec.callbacks(), zerolog.Nop())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Destroy()

	src.Pause()
	speakInto(src)
	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("paused source delivered: %+v", got)
	}
}
