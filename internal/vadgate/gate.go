// Package vadgate segments microphone audio into utterances using RMS energy
// with hysteresis, for speech backends that have no native end-of-utterance
// signal.
package vadgate

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Config holds the gate thresholds. Zero fields take the defaults below.
type Config struct {
	Interval         time.Duration // evaluation cadence
	SpeechThreshold  float64       // RMS level that begins a recording
	SilenceThreshold float64       // lower RMS level that may end it
	SilenceHold      time.Duration // sustained silence required to end
	MinRecording     time.Duration // recordings shorter than this keep going
	MaxRecording     time.Duration // hard cap per capture
}

func DefaultConfig() Config {
	return Config{
		Interval:         100 * time.Millisecond,
		SpeechThreshold:  500.0,
		SilenceThreshold: 250.0,
		SilenceHold:      800 * time.Millisecond,
		MinRecording:     600 * time.Millisecond,
		MaxRecording:     30 * time.Second,
	}
}

// Events is how the gate reports utterance boundaries. OnSpeechEnd receives
// the captured PCM16LE audio for transcription.
type Events struct {
	OnSpeechStart func()
	OnSpeechEnd   func(pcm []byte)
}

// Gate computes a running energy level from fed PCM and synthesizes speech
// started/stopped transitions. It stays quiet while suspended (avatar
// speaking, or a previous capture still being transcribed).
type Gate struct {
	cfg Config
	ev  Events

	mu          sync.Mutex
	running     bool
	suspended   bool
	recording   bool
	level       float64
	lastFeed    time.Time
	buf         []byte
	recordStart time.Time
	belowSince  time.Time

	stopCh chan struct{}
}

func New(cfg Config, ev Events) *Gate {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = def.SpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.SilenceHold <= 0 {
		cfg.SilenceHold = def.SilenceHold
	}
	if cfg.MinRecording <= 0 {
		cfg.MinRecording = def.MinRecording
	}
	if cfg.MaxRecording <= 0 {
		cfg.MaxRecording = def.MaxRecording
	}
	return &Gate{cfg: cfg, ev: ev, stopCh: make(chan struct{})}
}

// Start begins the evaluation loop.
func (g *Gate) Start() {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.mu.Unlock()

	go g.loop()
}

// Stop halts the gate permanently and drops any capture in progress.
func (g *Gate) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.recording = false
	g.buf = nil
	g.mu.Unlock()
	close(g.stopCh)
}

// Suspend drops the current capture and ignores audio until Resume.
func (g *Gate) Suspend() {
	g.mu.Lock()
	g.suspended = true
	g.recording = false
	g.buf = nil
	g.level = 0
	g.mu.Unlock()
}

// Resume re-enables utterance detection. Idempotent.
func (g *Gate) Resume() {
	g.mu.Lock()
	g.suspended = false
	g.mu.Unlock()
}

// IsRecording reports whether an utterance capture is in progress.
func (g *Gate) IsRecording() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recording
}

// FeedPCM accepts PCM16LE mono audio. While a capture is active the bytes
// are appended to the utterance buffer.
func (g *Gate) FeedPCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	level := rms16le(pcm)

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running || g.suspended {
		return
	}
	g.level = level
	g.lastFeed = time.Now()
	if g.recording {
		g.buf = append(g.buf, pcm...)
	}
}

func (g *Gate) loop() {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case now := <-ticker.C:
			g.evaluate(now)
		}
	}
}

func (g *Gate) evaluate(now time.Time) {
	var (
		started  bool
		captured []byte
	)

	g.mu.Lock()
	if !g.running || g.suspended {
		g.mu.Unlock()
		return
	}
	level := g.level
	// A stalled feed counts as silence.
	if now.Sub(g.lastFeed) > g.cfg.Interval {
		level = 0
	}

	if !g.recording {
		if level >= g.cfg.SpeechThreshold {
			g.recording = true
			g.buf = g.buf[:0]
			g.recordStart = now
			g.belowSince = time.Time{}
			started = true
		}
	} else {
		switch {
		case level >= g.cfg.SilenceThreshold:
			g.belowSince = time.Time{}
		case g.belowSince.IsZero():
			g.belowSince = now
		}

		elapsed := now.Sub(g.recordStart)
		silentFor := time.Duration(0)
		if !g.belowSince.IsZero() {
			silentFor = now.Sub(g.belowSince)
		}
		if (elapsed >= g.cfg.MinRecording && silentFor >= g.cfg.SilenceHold) ||
			elapsed >= g.cfg.MaxRecording {
			g.recording = false
			captured = g.buf
			g.buf = nil
		}
	}
	g.mu.Unlock()

	if started && g.ev.OnSpeechStart != nil {
		g.ev.OnSpeechStart()
	}
	if captured != nil && g.ev.OnSpeechEnd != nil {
		g.ev.OnSpeechEnd(captured)
	}
}

// rms16le computes root-mean-square energy over PCM16LE samples, sparsely
// for larger chunks.
func rms16le(pcm []byte) float64 {
	step := 1
	if len(pcm) > 3200 {
		step = 2
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sumSquares / float64(count))
}
