// Package coordinator owns the turn-taking state machine that arbitrates
// between speech recognition, the remote avatar's speech output and the
// response backend. It decides at any moment whether the widget is
// listening, thinking or speaking, and keeps the avatar from answering its
// own voice.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/llm"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/speech"
)

// Responder generates reply text. Implementations never fail: they degrade
// to a fallback string instead.
type Responder interface {
	Respond(ctx context.Context, req llm.Request) string
}

// TokenFetcher acquires a fresh avatar session credential.
type TokenFetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Sink is the remote avatar session. Interrupt and Stop are best-effort;
// the coordinator tolerates their failures.
type Sink interface {
	Start(ctx context.Context) error
	Speak(ctx context.Context, text string) error
	Interrupt(ctx context.Context) error
	Stop(ctx context.Context) error
}

// SinkEvents are the avatar notifications the coordinator subscribes to.
type SinkEvents struct {
	OnStreamReady  func()
	OnStartTalking func()
	OnStopTalking  func()
	OnDisconnected func()
}

// SinkFactory builds a Sink for one session from a fresh token.
type SinkFactory func(token string, ev SinkEvents) (Sink, error)

// SourceFactory builds the speech backend for one session.
type SourceFactory func(cb speech.Callbacks) speech.Source

// Observer receives user-facing side effects for the embedding page.
type Observer struct {
	OnNotice  func(text string)
	OnTalking func(talking bool)
}

// Coordinator drives the session state machine. All transitions are
// serialized behind one mutex; asynchronous work re-enters through dispatch
// with a generation tag so a torn-down session can never be mutated by a
// stale completion.
type Coordinator struct {
	tuning    Tuning
	tokens    TokenFetcher
	newSink   SinkFactory
	newSource SourceFactory
	responder Responder
	observer  Observer
	log       zerolog.Logger

	// evMu serializes whole events: transition plus effect execution. A
	// stale timer dispatch can otherwise pass its re-check, lose the CPU,
	// and execute its effects after a newer event already ran.
	evMu sync.Mutex

	mu           sync.Mutex
	m            machine
	gen          uint64
	timers       map[settleKind]*time.Timer
	sink         Sink
	src          speech.Source
	sessCtx      context.Context
	sessCancel   context.CancelFunc
	quiesceUntil time.Time
}

func New(tuning Tuning, tokens TokenFetcher, newSink SinkFactory, newSource SourceFactory, responder Responder, observer Observer, logger zerolog.Logger) *Coordinator {
	if tuning.GreetingSettle <= 0 {
		tuning.GreetingSettle = 1500 * time.Millisecond
	}
	if tuning.MicResumeDelay <= 0 {
		tuning.MicResumeDelay = 700 * time.Millisecond
	}
	if tuning.TeardownQuiesce <= 0 {
		tuning.TeardownQuiesce = time.Second
	}
	return &Coordinator{
		tuning:    tuning,
		tokens:    tokens,
		newSink:   newSink,
		newSource: newSource,
		responder: responder,
		observer:  observer,
		log:       logger,
		m:         newMachine(),
		timers:    make(map[settleKind]*time.Timer),
	}
}

// Start opens a new avatar session. It is idempotent while a session is
// live, and blocks until the quiescence window of any prior teardown has
// elapsed so two sessions never hold the avatar stream at once.
func (c *Coordinator) Start(profile Profile) error {
	for {
		c.mu.Lock()
		if c.m.state == StateDestroyed {
			c.mu.Unlock()
			return fmt.Errorf("coordinator: stopped")
		}
		if c.m.hasStarted {
			c.mu.Unlock()
			return nil
		}
		wait := time.Until(c.quiesceUntil)
		c.mu.Unlock()
		if wait <= 0 {
			break
		}
		time.Sleep(wait)
	}
	c.dispatch(event{kind: evStart, profile: profile})
	return nil
}

// Reset tears the session down and returns to Idle, ready for a new start.
func (c *Coordinator) Reset() { c.dispatch(event{kind: evReset}) }

// Stop tears the session down permanently.
func (c *Coordinator) Stop() { c.dispatch(event{kind: evStop}) }

// UserMessage handles typed chat from the embedding page.
func (c *Coordinator) UserMessage(text string) { c.dispatch(event{kind: evUserMessage, text: text}) }

// ExplainGame asks the avatar to explain the named game.
func (c *Coordinator) ExplainGame(game string) { c.dispatch(event{kind: evExplainGame, game: game}) }

// CustomerLogin swaps in the customer's profile and, when the session is
// idle, greets them personally.
func (c *Coordinator) CustomerLogin(profile Profile) {
	c.dispatch(event{kind: evLogin, profile: profile})
}

// CustomerLogout drops the customer identity from the profile.
func (c *Coordinator) CustomerLogout() { c.dispatch(event{kind: evLogout}) }

// ToggleMicrophone flips the microphone gate at the user's request.
func (c *Coordinator) ToggleMicrophone() { c.dispatch(event{kind: evToggleMic}) }

// FeedAudio forwards microphone PCM to the active speech backend, when that
// backend consumes pushed audio.
func (c *Coordinator) FeedAudio(pcm []byte) {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()
	if consumer, ok := src.(speech.AudioConsumer); ok {
		consumer.FeedPCM(pcm)
	}
}

// State returns the current conversation state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.state
}

// MicState returns the microphone gate position.
func (c *Coordinator) MicState() MicState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.mic
}

// Turns returns a snapshot of the conversation log.
func (c *Coordinator) Turns() []llm.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Turn, len(c.m.turns))
	copy(out, c.m.turns)
	return out
}

// dispatch applies one event to the state machine and executes the
// resulting effects. current==nil means the event is not generation-tagged.
func (c *Coordinator) dispatch(ev event) { c.dispatchTagged(ev, nil) }

func (c *Coordinator) dispatchTagged(ev event, gen *uint64) {
	c.evMu.Lock()
	defer c.evMu.Unlock()

	c.mu.Lock()
	if gen != nil && *gen != c.gen {
		// Stale completion from a torn-down session.
		c.mu.Unlock()
		return
	}
	before := c.m.state
	next, effects := step(c.m, ev, c.tuning)
	c.m = next
	sessGen := c.gen
	ctx := c.sessCtx
	c.mu.Unlock()

	if next.state != before {
		c.log.Debug().Str("from", before.String()).Str("to", next.state.String()).Msg("state transition")
	}
	c.notifyTalking(ev)
	for _, eff := range effects {
		c.execute(eff, sessGen, ctx)
	}
}

func (c *Coordinator) notifyTalking(ev event) {
	if c.observer.OnTalking == nil {
		return
	}
	switch ev.kind {
	case evTalkStart:
		c.observer.OnTalking(true)
	case evTalkStop, evSpeakFailed:
		c.observer.OnTalking(false)
	}
}

func (c *Coordinator) execute(eff effect, gen uint64, ctx context.Context) {
	switch eff.kind {
	case effConnect:
		c.connect(gen)
	case effScheduleSettle:
		c.scheduleSettle(eff.settle, eff.delay, gen)
	case effCancelSettles:
		c.cancelSettles()
	case effEnsureMic:
		c.ensureMic(gen)
	case effPauseMic:
		if src := c.source(); src != nil {
			src.Pause()
		}
	case effResumeMic:
		if src := c.source(); src != nil {
			src.Resume()
		}
	case effDestroyMic:
		c.mu.Lock()
		src := c.src
		c.src = nil
		c.mu.Unlock()
		if src != nil {
			src.Destroy()
		}
	case effSpeak:
		c.speak(eff.text, gen, ctx)
	case effInterrupt:
		c.interrupt(ctx)
	case effGenerate:
		c.generate(eff.reply, eff.req, gen, ctx)
	case effTeardown:
		c.teardown()
	case effNotice:
		if c.observer.OnNotice != nil {
			c.observer.OnNotice(eff.text)
		}
	}
}

// connect acquires a token and opens the avatar session. Any failure aborts
// the Connecting transition so a later start can retry.
func (c *Coordinator) connect(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		cancel()
		return
	}
	c.sessCtx = ctx
	c.sessCancel = cancel
	c.mu.Unlock()

	go func() {
		token, err := c.tokens.Fetch(ctx)
		if err != nil {
			c.log.Error().Err(err).Msg("token fetch failed")
			c.dispatchTagged(event{kind: evConnectFailed}, &gen)
			return
		}

		sink, err := c.newSink(token, SinkEvents{
			OnStreamReady:  func() { c.dispatchTagged(event{kind: evStreamReady}, &gen) },
			OnStartTalking: func() { c.dispatchTagged(event{kind: evTalkStart}, &gen) },
			OnStopTalking:  func() { c.dispatchTagged(event{kind: evTalkStop}, &gen) },
			OnDisconnected: func() { c.dispatchTagged(event{kind: evDisconnected}, &gen) },
		})
		if err != nil {
			c.log.Error().Err(err).Msg("avatar sink setup failed")
			c.dispatchTagged(event{kind: evConnectFailed}, &gen)
			return
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			_ = sink.Stop(context.Background())
			return
		}
		c.sink = sink
		c.mu.Unlock()

		if err := sink.Start(ctx); err != nil {
			c.log.Error().Err(err).Msg("avatar session start failed")
			c.dispatchTagged(event{kind: evConnectFailed}, &gen)
		}
	}()
}

func (c *Coordinator) scheduleSettle(kind settleKind, delay time.Duration, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if t, ok := c.timers[kind]; ok {
		t.Stop()
	}
	c.timers[kind] = time.AfterFunc(delay, func() {
		c.dispatchTagged(event{kind: evSettle, settle: kind}, &gen)
	})
}

func (c *Coordinator) cancelSettles() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, t := range c.timers {
		t.Stop()
		delete(c.timers, kind)
	}
}

// ensureMic builds and starts the speech backend on first use.
func (c *Coordinator) ensureMic(gen uint64) {
	cb := speech.Callbacks{
		OnResult: func(transcript string, isFinal bool) {
			c.dispatchTagged(event{kind: evUtterance, text: transcript, final: isFinal}, &gen)
		},
		OnError: func(code string) {
			c.dispatchTagged(event{kind: evSpeechError, errCode: code}, &gen)
		},
	}
	src := c.newSource(cb)
	// The source comes up gated; a resume effect opens it when the settle
	// delay (or the user toggle) says so.
	src.Pause()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		src.Destroy()
		return
	}
	c.src = src
	c.mu.Unlock()

	// Starting can block on a network dial; it must not hold up the event
	// queue. A start failure here is connectivity, not a permission denial,
	// so it surfaces as a network error.
	go func() {
		if err := src.Start(); err != nil {
			c.log.Error().Err(err).Msg("speech source start failed")
			c.dispatchTagged(event{kind: evSpeechError, errCode: speech.ErrNetwork}, &gen)
		}
	}()
}

func (c *Coordinator) source() speech.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.src
}

func (c *Coordinator) speak(text string, gen uint64, ctx context.Context) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil || ctx == nil {
		return
	}
	go func() {
		if err := sink.Speak(ctx, text); err != nil {
			c.log.Warn().Err(err).Msg("avatar speak failed, resuming microphone")
			c.dispatchTagged(event{kind: evSpeakFailed}, &gen)
		}
	}()
}

func (c *Coordinator) interrupt(ctx context.Context) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil || ctx == nil {
		return
	}
	go func() {
		if err := sink.Interrupt(ctx); err != nil {
			c.log.Debug().Err(err).Msg("avatar interrupt failed (ignored)")
		}
	}()
}

func (c *Coordinator) generate(kind replyKind, req llm.Request, gen uint64, ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		reply := c.responder.Respond(ctx, req)
		c.dispatchTagged(event{kind: evReply, reply: kind, text: reply}, &gen)
	}()
}

// teardown releases the session resources. It bumps the generation so every
// in-flight completion is discarded, and arms the quiescence window that
// gates the next start.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	c.gen++
	sink := c.sink
	cancel := c.sessCancel
	c.sink = nil
	c.sessCtx = nil
	c.sessCancel = nil
	c.quiesceUntil = time.Now().Add(c.tuning.TeardownQuiesce)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sink != nil {
		ctx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelStop()
		if err := sink.Stop(ctx); err != nil {
			c.log.Warn().Err(err).Msg("avatar teardown error (ignored)")
		}
	}
	c.log.Info().Msg("session torn down")
}
