// Package speech unifies the interchangeable speech-recognition backends
// behind one capability interface. The turn coordinator is written once
// against Source; backend selection happens at construction time.
package speech

// Error codes surfaced through Callbacks.OnError.
const (
	ErrNotAllowed = "not-allowed"
	ErrNetwork    = "network"
	ErrTranscribe = "transcription-failed"
)

// Callbacks receives recognition results and lifecycle notifications.
// All fields are optional. Interim results (isFinal=false) are superseded by
// the next result and must never trigger processing downstream.
type Callbacks struct {
	OnResult      func(transcript string, isFinal bool)
	OnStart       func()
	OnEnd         func()
	OnSpeechStart func()
	OnSpeechEnd   func()
	OnError       func(code string)
}

// Source is a continuous speech recognizer.
//
// Start begins recognition. Pause is idempotent and always safe, even when
// the source is not running. Resume undoes Pause. Destroy releases all
// underlying resources and is terminal: no further calls are valid after it.
// Implementations restart the underlying recognizer if it ends spontaneously
// while neither paused nor destroyed.
type Source interface {
	Start() error
	Pause()
	Resume()
	Destroy()
	IsPaused() bool
}

// AudioConsumer is implemented by sources that take microphone PCM pushed
// from the embedding page rather than capturing audio themselves.
type AudioConsumer interface {
	FeedPCM(pcm []byte)
}
