package coordinator

import (
	"time"

	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/llm"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/speech"
)

// State is the coordinator's conversation state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateGreeting
	StateListening
	StateProcessing
	StateSpeaking
	StateDisconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// MicState is the microphone gate position.
type MicState int

const (
	MicDestroyed MicState = iota
	MicPaused
	MicListening
)

// Profile identifies the user or customer for prompt construction. Read-only
// for the coordinator; injected into every response request.
type Profile struct {
	UserName string
	Customer string
	Stats    map[string]string
}

// Tuning holds the settle delays. They are empirical knobs surfaced through
// configuration, not correctness constants.
type Tuning struct {
	GreetingSettle  time.Duration
	MicResumeDelay  time.Duration
	TeardownQuiesce time.Duration
}

type eventKind int

const (
	evStart eventKind = iota
	evConnectFailed
	evStreamReady
	evTalkStart
	evTalkStop
	evSettle
	evUtterance
	evUserMessage
	evExplainGame
	evLogin
	evLogout
	evReply
	evSpeakFailed
	evSpeechError
	evToggleMic
	evReset
	evDisconnected
	evStop
)

type settleKind int

const (
	settleGreeting settleKind = iota
	settleMicResume
)

type replyKind int

const (
	replyGreeting replyKind = iota
	replyChat
	replyGame
	replyLogin
)

type event struct {
	kind    eventKind
	text    string
	final   bool
	profile Profile
	game    string
	settle  settleKind
	reply   replyKind
	errCode string
}

type effectKind int

const (
	effConnect effectKind = iota
	effScheduleSettle
	effCancelSettles
	effEnsureMic
	effPauseMic
	effResumeMic
	effDestroyMic
	effSpeak
	effInterrupt
	effGenerate
	effTeardown
	effNotice
)

// effect is one side effect requested by a transition. Effects are executed
// by the driver after the state has been updated, which keeps the transition
// function itself free of I/O.
type effect struct {
	kind   effectKind
	text   string
	settle settleKind
	delay  time.Duration
	reply  replyKind
	req    llm.Request
}

// machine is the complete session state. It is a value: step copies it, so
// the driver can hand out consistent snapshots.
type machine struct {
	state          State
	mic            MicState
	hasStarted     bool
	hasGreeted     bool
	processing     bool
	avatarSpeaking bool
	micEnabled     bool
	micInit        bool
	noticeShown    bool
	profile        Profile
	turns          []llm.Turn
}

func newMachine() machine {
	return machine{state: StateIdle, mic: MicDestroyed, micEnabled: true}
}

const micPermissionNotice = "마이크를 사용할 수 없어요. 브라우저의 마이크 권한을 확인해 주세요."
const speechTroubleNotice = "음성 인식에 문제가 있어요. 마이크 버튼으로 다시 시도해 주세요."

// step is the transition function: (state, event) -> (state, effects).
// It performs no I/O and is deterministic, so every turn-taking policy can
// be tested without a live avatar connection.
func step(m machine, ev event, t Tuning) (machine, []effect) {
	if m.state == StateDestroyed {
		return m, nil
	}

	switch ev.kind {
	case evStart:
		// Idempotent start: a second start while a session is live is a no-op.
		if m.hasStarted {
			return m, nil
		}
		m.hasStarted = true
		m.state = StateConnecting
		m.profile = ev.profile
		return m, []effect{{kind: effConnect}}

	case evConnectFailed:
		// Token fetch or stream open failed. Clear hasStarted so a later
		// start can retry from scratch.
		if m.state != StateConnecting {
			return m, nil
		}
		m.hasStarted = false
		m.state = StateIdle
		return m, nil

	case evStreamReady:
		// A repeated stream_ready (reconnect) must not re-trigger greeting.
		if m.state != StateConnecting || m.hasGreeted {
			return m, nil
		}
		m.state = StateGreeting
		return m, []effect{{kind: effScheduleSettle, settle: settleGreeting, delay: t.GreetingSettle}}

	case evSettle:
		return stepSettle(m, ev)

	case evTalkStart:
		m.avatarSpeaking = true
		if m.state != StateGreeting {
			m.state = StateSpeaking
		}
		effs := []effect{{kind: effCancelSettles}}
		if m.micInit {
			m.mic = MicPaused
			effs = append(effs, effect{kind: effPauseMic})
		}
		return m, effs

	case evTalkStop:
		// processing is owned by the reply lifecycle (evReply or
		// evSpeakFailed clear it). A stop-talking caused by an interrupt
		// must not lift the guard while the generate it preempted is still
		// in flight.
		m.avatarSpeaking = false
		var effs []effect
		if !m.micInit {
			// First speech finished: bring the microphone up, still gated
			// until the settle delay passes.
			m.micInit = true
			m.mic = MicPaused
			effs = append(effs, effect{kind: effEnsureMic})
		}
		effs = append(effs, effect{kind: effScheduleSettle, settle: settleMicResume, delay: t.MicResumeDelay})
		return m, effs

	case evUtterance:
		return stepUtterance(m, ev)

	case evUserMessage:
		// Typed chat from the page: bypasses the microphone gate but honors
		// the single-in-flight guard.
		if !m.hasStarted || m.processing || ev.text == "" {
			return m, nil
		}
		history := chatHistory(m.turns)
		m.processing = true
		m.state = StateProcessing
		m.turns = appendTurn(m.turns, "user", ev.text)
		return m, []effect{
			{kind: effInterrupt},
			{kind: effGenerate, reply: replyChat, req: chatRequest(ev.text, history, m.profile)},
		}

	case evExplainGame:
		if !m.hasStarted || m.processing || ev.game == "" {
			return m, nil
		}
		m.processing = true
		m.state = StateProcessing
		return m, []effect{
			{kind: effInterrupt},
			{kind: effGenerate, reply: replyGame, req: llm.Request{
				Type:      llm.TypeGameExplain,
				Game:      ev.game,
				UserName:  m.profile.UserName,
				Customer:  m.profile.Customer,
				UserStats: m.profile.Stats,
			}},
		}

	case evLogin:
		m.profile = ev.profile
		if !m.hasStarted || m.processing || m.avatarSpeaking {
			return m, nil
		}
		m.processing = true
		m.state = StateProcessing
		return m, []effect{{kind: effGenerate, reply: replyLogin, req: greetingRequest(m.profile)}}

	case evLogout:
		m.profile = Profile{UserName: m.profile.UserName}
		return m, nil

	case evReply:
		return stepReply(m, ev)

	case evSpeakFailed:
		// Never strand the conversation on a speak failure: drop the
		// processing flag and force the microphone back open.
		m.processing = false
		m.avatarSpeaking = false
		m.state = StateListening
		if m.micInit && m.micEnabled {
			m.mic = MicListening
			return m, []effect{{kind: effResumeMic}}
		}
		return m, nil

	case evSpeechError:
		if m.noticeShown {
			return m, nil
		}
		m.noticeShown = true
		notice := speechTroubleNotice
		if ev.errCode == speech.ErrNotAllowed {
			notice = micPermissionNotice
		}
		return m, []effect{{kind: effNotice, text: notice}}

	case evToggleMic:
		return stepToggleMic(m)

	case evReset, evDisconnected, evStop:
		effs := []effect{{kind: effCancelSettles}, {kind: effDestroyMic}, {kind: effTeardown}}
		m = newMachine()
		if ev.kind == evStop {
			m.state = StateDestroyed
		}
		return m, effs
	}

	return m, nil
}

func stepSettle(m machine, ev event) (machine, []effect) {
	switch ev.settle {
	case settleGreeting:
		if m.state != StateGreeting || m.hasGreeted {
			return m, nil
		}
		// hasGreeted flips here, once per session, before the request is
		// even dispatched: a duplicate settle can never double-greet.
		m.hasGreeted = true
		m.processing = true
		return m, []effect{{kind: effGenerate, reply: replyGreeting, req: greetingRequest(m.profile)}}

	case settleMicResume:
		// Re-check current state: this timer may be stale, fired after a
		// newer avatar_start_talking.
		if !m.hasStarted || m.avatarSpeaking {
			return m, nil
		}
		m.state = StateListening
		if m.micInit && m.micEnabled {
			m.mic = MicListening
			return m, []effect{{kind: effResumeMic}}
		}
		return m, nil
	}
	return m, nil
}

func stepUtterance(m machine, ev event) (machine, []effect) {
	// Interim results are inert: they never touch the turn log and never
	// trigger processing.
	if !ev.final {
		return m, nil
	}
	// Self-echo suppression: anything recognized while the avatar speaks or
	// while the gate is closed is discarded with no side effect.
	if !m.hasStarted || m.avatarSpeaking || m.mic != MicListening {
		return m, nil
	}
	// One in-flight turn only; extra finals are dropped, not queued.
	if m.processing || ev.text == "" {
		return m, nil
	}

	history := chatHistory(m.turns)
	m.processing = true
	m.state = StateProcessing
	m.turns = appendTurn(m.turns, "user", ev.text)
	return m, []effect{
		{kind: effInterrupt},
		{kind: effGenerate, reply: replyChat, req: chatRequest(ev.text, history, m.profile)},
	}
}

func stepReply(m machine, ev event) (machine, []effect) {
	m.processing = false
	if !m.hasStarted || ev.text == "" {
		return m, nil
	}
	m.turns = appendTurn(m.turns, "assistant", ev.text)
	if ev.reply != replyGreeting {
		m.state = StateSpeaking
	}
	return m, []effect{{kind: effSpeak, text: ev.text}}
}

func stepToggleMic(m machine) (machine, []effect) {
	// No session, no microphone: a toggle before start would leak a live
	// recognizer whose results nothing consumes.
	if !m.hasStarted {
		return m, nil
	}
	// The toggle is only honored while the avatar is quiet.
	if m.avatarSpeaking {
		return m, nil
	}
	if !m.micInit {
		m.micInit = true
		m.micEnabled = true
		m.mic = MicListening
		return m, []effect{{kind: effEnsureMic}, {kind: effResumeMic}}
	}
	if m.mic == MicListening {
		m.micEnabled = false
		m.mic = MicPaused
		return m, []effect{{kind: effPauseMic}}
	}
	m.micEnabled = true
	m.mic = MicListening
	return m, []effect{{kind: effResumeMic}}
}

func appendTurn(turns []llm.Turn, role, content string) []llm.Turn {
	next := make([]llm.Turn, len(turns), len(turns)+1)
	copy(next, turns)
	return append(next, llm.Turn{Role: role, Content: content})
}

// chatHistory returns the exchange history for a response request: the
// greeting the avatar opened with is presentation, not conversation, so
// leading assistant turns are skipped.
func chatHistory(turns []llm.Turn) []llm.Turn {
	start := 0
	for start < len(turns) && turns[start].Role == "assistant" {
		start++
	}
	if start >= len(turns) {
		return nil
	}
	history := make([]llm.Turn, len(turns)-start)
	copy(history, turns[start:])
	return history
}

func greetingRequest(p Profile) llm.Request {
	return llm.Request{
		Type:      llm.TypeGreeting,
		UserName:  p.UserName,
		Customer:  p.Customer,
		UserStats: p.Stats,
	}
}

func chatRequest(message string, history []llm.Turn, p Profile) llm.Request {
	return llm.Request{
		Type:      llm.TypeChat,
		Message:   message,
		History:   history,
		UserName:  p.UserName,
		Customer:  p.Customer,
		UserStats: p.Stats,
	}
}
