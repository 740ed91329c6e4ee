package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration. It is built once at startup and
// passed by value; nothing mutates it afterwards.
type Config struct {
	HTTPAddress string

	// Remote avatar platform.
	TokenURL    string
	AvatarWSURL string
	AvatarID    string
	VoiceID     string
	VoiceRate   float64
	KnowledgeID string

	// Response generation backend.
	ResponderURL string

	// Speech recognition.
	SpeechBackend  string // "stream", "deepgram" or "push"
	SttWSURL       string
	TranscribeURL  string
	DeepgramAPIKey string

	// Turn-taking tuning. The mic resume delay in particular is an empirical
	// knob, not a correctness property; keep it adjustable per deployment.
	GreetingSettle  time.Duration
	MicResumeDelay  time.Duration
	TeardownQuiesce time.Duration

	LogLevel   string
	LogConsole bool
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	tokenURL := os.Getenv("AVATAR_TOKEN_URL")
	if tokenURL == "" {
		log.Println("Warning: AVATAR_TOKEN_URL not set - avatar sessions cannot start")
	}
	avatarWS := os.Getenv("AVATAR_WS_URL")
	if avatarWS == "" {
		log.Println("Warning: AVATAR_WS_URL not set - avatar sessions cannot start")
	}

	avatarID := os.Getenv("AVATAR_ID")
	if avatarID == "" {
		avatarID = "default"
	}
	voiceID := os.Getenv("AVATAR_VOICE_ID")
	voiceRate := envFloat("AVATAR_VOICE_RATE", 1.0)
	knowledgeID := os.Getenv("AVATAR_KNOWLEDGE_ID")

	responderURL := os.Getenv("RESPONDER_URL")
	if responderURL == "" {
		log.Println("Warning: RESPONDER_URL not set - replies will use the fallback string")
	}

	backend := os.Getenv("SPEECH_BACKEND")
	if backend == "" {
		backend = "stream"
	}
	switch backend {
	case "stream", "deepgram", "push":
	default:
		log.Printf("Warning: unknown SPEECH_BACKEND %q - falling back to \"stream\"", backend)
		backend = "stream"
	}

	sttWS := os.Getenv("STT_WS_URL")
	transcribeURL := os.Getenv("TRANSCRIBE_URL")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if backend == "deepgram" && deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - deepgram recognition will not work")
	}
	if backend == "push" && transcribeURL == "" {
		log.Println("Warning: TRANSCRIBE_URL not set - push-to-talk transcription will not work")
	}

	cfg := Config{
		HTTPAddress:     addr,
		TokenURL:        tokenURL,
		AvatarWSURL:     avatarWS,
		AvatarID:        avatarID,
		VoiceID:         voiceID,
		VoiceRate:       voiceRate,
		KnowledgeID:     knowledgeID,
		ResponderURL:    responderURL,
		SpeechBackend:   backend,
		SttWSURL:        sttWS,
		TranscribeURL:   transcribeURL,
		DeepgramAPIKey:  deepgramKey,
		GreetingSettle:  envDuration("GREETING_SETTLE_MS", 1500*time.Millisecond),
		MicResumeDelay:  envDuration("MIC_RESUME_DELAY_MS", 700*time.Millisecond),
		TeardownQuiesce: envDuration("TEARDOWN_QUIESCE_MS", 1000*time.Millisecond),
		LogLevel:        envDefault("LOG_LEVEL", "info"),
		LogConsole:      os.Getenv("LOG_CONSOLE") == "true",
	}

	log.Printf("config: HTTP_ADDRESS=%s SPEECH_BACKEND=%s", cfg.HTTPAddress, cfg.SpeechBackend)
	return cfg
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		log.Printf("Warning: invalid %s=%q - using default %v", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("Warning: invalid %s=%q - using default %v", key, v, def)
		return def
	}
	return f
}
