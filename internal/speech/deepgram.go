package speech

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// keepAliveInterval keeps the Deepgram socket open through long silences.
const keepAliveInterval = 5 * time.Second

// DeepgramConfig configures the vendor-integrated streaming backend.
type DeepgramConfig struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
}

// DeepgramSource recognizes speech through the Deepgram listen websocket,
// with interim results, VAD events and utterance-end detection enabled.
type DeepgramSource struct {
	cfg DeepgramConfig
	cb  Callbacks
	log zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	running     bool
	paused      bool
	destroyed   bool
	accumulated string
	openSegment bool

	stopCh chan struct{}
}

func NewDeepgramSource(cfg DeepgramConfig, cb Callbacks, logger zerolog.Logger) *DeepgramSource {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "ko"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &DeepgramSource{cfg: cfg, cb: cb, log: logger, stopCh: make(chan struct{})}
}

func (d *DeepgramSource) Start() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return fmt.Errorf("speech: source destroyed")
	}
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	if err := d.dial(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}
	go d.keepAliveLoop()
	if d.cb.OnStart != nil {
		d.cb.OnStart()
	}
	return nil
}

func (d *DeepgramSource) dial() error {
	if d.cfg.APIKey == "" {
		return fmt.Errorf("speech: deepgram api key is empty")
	}

	listenURL, _ := url.Parse(deepgramListenURL)
	q := listenURL.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("model", d.cfg.Model)
	q.Set("language", d.cfg.Language)
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("endpointing", "300")
	q.Set("vad_events", "true")
	listenURL.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(listenURL.String(),
		http.Header{"Authorization": {"Token " + d.cfg.APIKey}})
	if err != nil {
		return fmt.Errorf("speech: connect deepgram: %w", err)
	}
	d.mu.Lock()
	// Destroy may have raced the dial; adopting the conn now would leak it
	// with a live read loop.
	if d.destroyed || !d.running {
		d.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("speech: source destroyed")
	}
	d.conn = conn
	d.mu.Unlock()
	go d.readLoop(conn)
	return nil
}

func (d *DeepgramSource) Pause() {
	d.mu.Lock()
	d.paused = true
	d.accumulated = ""
	d.mu.Unlock()
}

func (d *DeepgramSource) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

func (d *DeepgramSource) IsPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *DeepgramSource) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.running = false
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	close(d.stopCh)
	if conn != nil {
		_ = conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)})
		_ = conn.Close()
	}
	if d.cb.OnEnd != nil {
		d.cb.OnEnd()
	}
}

// FeedPCM forwards microphone audio to the recognizer. Audio fed while
// paused is dropped, so the avatar's own voice never reaches Deepgram.
func (d *DeepgramSource) FeedPCM(pcm []byte) {
	d.mu.Lock()
	conn := d.conn
	ok := d.running && !d.paused && !d.destroyed && conn != nil
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		d.log.Warn().Err(err).Msg("deepgram audio send failed")
	}
}

func (d *DeepgramSource) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			conn := d.conn
			d.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(struct {
				Type string `json:"type"`
			}{Type: "KeepAlive"}); err != nil {
				d.log.Warn().Err(err).Msg("deepgram keepalive failed")
			}
		}
	}
}

func (d *DeepgramSource) readLoop(conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			d.handleStreamEnd(conn, err)
			return
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
		d.processMessage(msg)
	}
}

func (d *DeepgramSource) processMessage(msg []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		d.log.Warn().Err(err).Msg("unparseable deepgram message")
		return
	}

	switch api.TypeResponse(head.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			d.log.Warn().Err(err).Msg("unparseable deepgram transcript")
			return
		}
		if len(resp.Channel.Alternatives) == 0 {
			return
		}
		transcript := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		if transcript == "" {
			return
		}

		d.mu.Lock()
		if d.paused || d.destroyed {
			d.mu.Unlock()
			return
		}
		if resp.IsFinal {
			d.accumulated = strings.TrimSpace(d.accumulated + " " + transcript)
			if resp.SpeechFinal {
				d.flushLocked()
				return
			}
			d.mu.Unlock()
			return
		}
		interim := strings.TrimSpace(d.accumulated + " " + transcript)
		d.mu.Unlock()
		if d.cb.OnResult != nil {
			d.cb.OnResult(interim, false)
		}

	case api.TypeUtteranceEndResponse:
		d.mu.Lock()
		if d.openSegment && !d.paused && !d.destroyed {
			d.flushLocked()
			return
		}
		d.mu.Unlock()

	case api.TypeSpeechStartedResponse:
		d.mu.Lock()
		d.openSegment = true
		paused := d.paused || d.destroyed
		d.mu.Unlock()
		if !paused && d.cb.OnSpeechStart != nil {
			d.cb.OnSpeechStart()
		}
	}
}

// flushLocked emits the accumulated transcript as a final utterance. The
// caller must hold d.mu; the lock is released before callbacks fire.
func (d *DeepgramSource) flushLocked() {
	full := strings.TrimSpace(d.accumulated)
	d.accumulated = ""
	d.openSegment = false
	d.mu.Unlock()

	if full == "" {
		return
	}
	if d.cb.OnSpeechEnd != nil {
		d.cb.OnSpeechEnd()
	}
	if d.cb.OnResult != nil {
		d.cb.OnResult(full, true)
	}
}

func (d *DeepgramSource) handleStreamEnd(old *websocket.Conn, cause error) {
	_ = old.Close()

	d.mu.Lock()
	if d.destroyed || !d.running {
		d.mu.Unlock()
		return
	}
	d.conn = nil
	d.mu.Unlock()

	d.log.Info().Err(cause).Msg("deepgram stream ended, restarting")
	for attempt := 1; attempt <= maxRestartFailures; attempt++ {
		select {
		case <-d.stopCh:
			return
		case <-time.After(restartBackoff):
		}
		d.mu.Lock()
		dead := d.destroyed || !d.running
		d.mu.Unlock()
		if dead {
			return
		}
		if err := d.dial(); err == nil {
			return
		} else {
			d.log.Warn().Err(err).Int("attempt", attempt).Msg("deepgram restart failed")
		}
	}
	if d.cb.OnError != nil {
		d.cb.OnError(ErrNetwork)
	}
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	if d.cb.OnEnd != nil {
		d.cb.OnEnd()
	}
}
