package speech

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

func dgTranscript(text string, isFinal, speechFinal bool) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"Results","is_final":%t,"speech_final":%t,"channel":{"alternatives":[{"transcript":%q}]}}`,
		isFinal, speechFinal, text))
}

func newDGForTest(rec *recorder) *DeepgramSource {
	d := NewDeepgramSource(DeepgramConfig{APIKey: "key"}, rec.callbacks(), zerolog.Nop())
	d.running = true
	return d
}

func TestDeepgram_AccumulatesSegmentsUntilSpeechFinal(t *testing.T) {
	rec := &recorder{}
	d := newDGForTest(rec)

	d.processMessage([]byte(`{"type":"SpeechStarted"}`))
	d.processMessage(dgTranscript("점수", false, false))
	d.processMessage(dgTranscript("점수", true, false))
	d.processMessage(dgTranscript("알려줘", false, false))
	d.processMessage(dgTranscript("알려줘", true, true))

	got := rec.snapshot()
	if len(got) != 3 {
		t.Fatalf("results: %+v", got)
	}
	if got[0].final || got[0].text != "점수" {
		t.Fatalf("first interim = %+v", got[0])
	}
	// Interims after a committed segment include the accumulation.
	if got[1].final || got[1].text != "점수 알려줘" {
		t.Fatalf("second interim = %+v", got[1])
	}
	if !got[2].final || got[2].text != "점수 알려줘" {
		t.Fatalf("final = %+v", got[2])
	}
}

func TestDeepgram_UtteranceEndFlushesOpenSegment(t *testing.T) {
	rec := &recorder{}
	d := newDGForTest(rec)

	d.processMessage([]byte(`{"type":"SpeechStarted"}`))
	d.processMessage(dgTranscript("게임 추천해줘", true, false))
	// No speech_final arrives; the utterance-end event closes the turn.
	d.processMessage([]byte(`{"type":"UtteranceEnd"}`))

	got := rec.snapshot()
	if len(got) != 1 || !got[0].final || got[0].text != "게임 추천해줘" {
		t.Fatalf("results: %+v", got)
	}

	// A second utterance-end without an open segment is a no-op.
	d.processMessage([]byte(`{"type":"UtteranceEnd"}`))
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("duplicate utterance-end emitted: %+v", got)
	}
}

func TestDeepgram_PausedSourceDropsTranscripts(t *testing.T) {
	rec := &recorder{}
	d := newDGForTest(rec)

	d.processMessage(dgTranscript("안녕", true, false))
	d.Pause()
	// The pause also clears anything already accumulated.
	d.processMessage(dgTranscript("하세요", true, true))
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("paused source delivered: %+v", got)
	}

	d.Resume()
	d.processMessage(dgTranscript("다시 시작", true, true))
	got := rec.snapshot()
	if len(got) != 1 || got[0].text != "다시 시작" {
		t.Fatalf("post-resume results: %+v", got)
	}
}

func TestDeepgram_EmptyTranscriptsIgnored(t *testing.T) {
	rec := &recorder{}
	d := newDGForTest(rec)

	d.processMessage(dgTranscript("   ", true, true))
	d.processMessage([]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`))
	d.processMessage([]byte(`not json`))
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("noise produced results: %+v", got)
	}
}

func TestDeepgram_StartWithoutKeyFails(t *testing.T) {
	d := NewDeepgramSource(DeepgramConfig{}, Callbacks{}, zerolog.Nop())
	if err := d.Start(); err == nil {
		t.Fatal("start without api key should fail")
	}
}
