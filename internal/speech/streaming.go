package speech

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// restartBackoff is the pause before redialing a recognizer stream that
// ended spontaneously.
const restartBackoff = 500 * time.Millisecond

// maxRestartFailures bounds consecutive failed redials before giving up and
// reporting a network error.
const maxRestartFailures = 5

// streamMessage is the wire format of the streaming recognition relay.
// Server frames: "partial", "final", "speech_start", "speech_end", "error".
// Client frames: binary PCM plus a "terminate" text frame on shutdown.
type streamMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Code string `json:"code,omitempty"`
}

// StreamingSource is the continuous-recognition backend: it relays
// microphone PCM to a streaming STT websocket and emits interim and final
// transcripts as they arrive.
type StreamingSource struct {
	url string
	cb  Callbacks
	log zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	running   bool
	paused    bool
	destroyed bool

	audio  chan []byte
	stopCh chan struct{}
}

func NewStreamingSource(url string, cb Callbacks, logger zerolog.Logger) *StreamingSource {
	return &StreamingSource{
		url:    url,
		cb:     cb,
		log:    logger,
		audio:  make(chan []byte, 256),
		stopCh: make(chan struct{}),
	}
}

// Start dials the recognition stream and begins relaying audio.
func (s *StreamingSource) Start() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("speech: source destroyed")
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.dial(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	go s.sendLoop()
	if s.cb.OnStart != nil {
		s.cb.OnStart()
	}
	return nil
}

func (s *StreamingSource) dial() error {
	if s.url == "" {
		return fmt.Errorf("speech: stream url is empty")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("speech: connect stream: %w", err)
	}
	s.mu.Lock()
	// Destroy may have raced the dial; adopting the conn now would leak it
	// with a live read loop.
	if s.destroyed || !s.running {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("speech: source destroyed")
	}
	s.conn = conn
	s.mu.Unlock()
	go s.readLoop(conn)
	return nil
}

// Pause stops listening without tearing the stream down. Idempotent and safe
// to call even when the source never started.
func (s *StreamingSource) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume undoes Pause.
func (s *StreamingSource) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *StreamingSource) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Destroy terminates the stream and releases the connection. Terminal.
func (s *StreamingSource) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.running = false
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.stopCh)
	if conn != nil {
		_ = conn.WriteJSON(streamMessage{Type: "terminate"})
		_ = conn.Close()
	}
	if s.cb.OnEnd != nil {
		s.cb.OnEnd()
	}
}

// FeedPCM queues microphone audio for the recognizer. Audio fed while paused
// is dropped.
func (s *StreamingSource) FeedPCM(pcm []byte) {
	s.mu.Lock()
	ok := s.running && !s.paused && !s.destroyed
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.audio <- pcm:
	default:
		s.log.Debug().Msg("speech audio buffer full, dropping chunk")
	}
}

func (s *StreamingSource) sendLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case pcm := <-s.audio:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				s.log.Warn().Err(err).Msg("speech audio send failed")
			}
		}
	}
}

func (s *StreamingSource) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleStreamEnd(conn, err)
			return
		}
		s.handleMessage(data)
	}
}

func (s *StreamingSource) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Msg("unparseable recognition message")
		return
	}

	s.mu.Lock()
	paused := s.paused || s.destroyed
	s.mu.Unlock()
	if paused {
		return
	}

	switch msg.Type {
	case "partial":
		if msg.Text != "" && s.cb.OnResult != nil {
			s.cb.OnResult(msg.Text, false)
		}
	case "final":
		if msg.Text != "" && s.cb.OnResult != nil {
			s.cb.OnResult(msg.Text, true)
		}
	case "speech_start":
		if s.cb.OnSpeechStart != nil {
			s.cb.OnSpeechStart()
		}
	case "speech_end":
		if s.cb.OnSpeechEnd != nil {
			s.cb.OnSpeechEnd()
		}
	case "error":
		s.log.Warn().Str("code", msg.Code).Msg("recognition stream error")
		if s.cb.OnError != nil {
			s.cb.OnError(msg.Code)
		}
	default:
		// Ignore unknown frames.
	}
}

// handleStreamEnd restarts the recognizer when it stops on its own, honoring
// the continuous-listening contract.
func (s *StreamingSource) handleStreamEnd(old *websocket.Conn, cause error) {
	_ = old.Close()

	s.mu.Lock()
	if s.destroyed || !s.running {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	s.log.Info().Err(cause).Msg("recognition stream ended, restarting")
	for attempt := 1; attempt <= maxRestartFailures; attempt++ {
		select {
		case <-s.stopCh:
			return
		case <-time.After(restartBackoff):
		}

		s.mu.Lock()
		dead := s.destroyed || !s.running
		s.mu.Unlock()
		if dead {
			return
		}
		if err := s.dial(); err == nil {
			return
		} else {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("recognition restart failed")
		}
	}

	if s.cb.OnError != nil {
		s.cb.OnError(ErrNetwork)
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	if s.cb.OnEnd != nil {
		s.cb.OnEnd()
	}
}
