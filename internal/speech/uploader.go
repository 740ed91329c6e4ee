package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"sync"

	"github.com/rs/zerolog"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/vadgate"
)

// PushToTalkSource is the voice-activity-gated capture backend: the gate
// segments the microphone feed into utterances and each captured blob is
// uploaded to the transcription endpoint. There are no interim results in
// this mode.
type PushToTalkSource struct {
	httpClient *http.Client
	url        string
	gate       *vadgate.Gate
	cb         Callbacks
	log        zerolog.Logger

	mu           sync.Mutex
	paused       bool
	destroyed    bool
	transcribing bool
}

func NewPushToTalkSource(transcribeURL string, gateCfg vadgate.Config, cb Callbacks, logger zerolog.Logger) *PushToTalkSource {
	p := &PushToTalkSource{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		url:        transcribeURL,
		cb:         cb,
		log:        logger,
	}
	p.gate = vadgate.New(gateCfg, vadgate.Events{
		OnSpeechStart: func() {
			if cb.OnSpeechStart != nil {
				cb.OnSpeechStart()
			}
		},
		OnSpeechEnd: p.onCapture,
	})
	return p
}

func (p *PushToTalkSource) Start() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return fmt.Errorf("speech: source destroyed")
	}
	p.mu.Unlock()

	p.gate.Start()
	if p.cb.OnStart != nil {
		p.cb.OnStart()
	}
	return nil
}

func (p *PushToTalkSource) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.gate.Suspend()
}

func (p *PushToTalkSource) Resume() {
	p.mu.Lock()
	p.paused = false
	busy := p.transcribing || p.destroyed
	p.mu.Unlock()
	if !busy {
		p.gate.Resume()
	}
}

func (p *PushToTalkSource) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *PushToTalkSource) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	p.gate.Stop()
	if p.cb.OnEnd != nil {
		p.cb.OnEnd()
	}
}

// FeedPCM passes microphone audio to the gate.
func (p *PushToTalkSource) FeedPCM(pcm []byte) {
	p.gate.FeedPCM(pcm)
}

// onCapture runs when the gate closes an utterance. The gate stays suspended
// until transcription finishes so captures never overlap.
func (p *PushToTalkSource) onCapture(pcm []byte) {
	p.mu.Lock()
	if p.destroyed || p.transcribing {
		p.mu.Unlock()
		return
	}
	p.transcribing = true
	p.mu.Unlock()

	p.gate.Suspend()
	if p.cb.OnSpeechEnd != nil {
		p.cb.OnSpeechEnd()
	}

	go func() {
		text, err := p.transcribe(pcm)

		p.mu.Lock()
		p.transcribing = false
		resume := !p.paused && !p.destroyed
		p.mu.Unlock()
		if resume {
			p.gate.Resume()
		}

		if err != nil {
			p.log.Warn().Err(err).Msg("transcription upload failed")
			if p.cb.OnError != nil {
				p.cb.OnError(ErrTranscribe)
			}
			return
		}
		if text != "" && p.cb.OnResult != nil {
			p.cb.OnResult(text, true)
		}
	}()
}

func (p *PushToTalkSource) transcribe(pcm []byte) (string, error) {
	if p.url == "" {
		return "", fmt.Errorf("transcribe url not configured")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("audio", "utterance.pcm")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(pcm); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("transcribe: status=%d body=%s", resp.StatusCode, string(b))
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("transcribe: decode body: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("transcribe: %s", result.Error)
	}
	return strings.TrimSpace(result.Text), nil
}
