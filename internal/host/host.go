// Package host exposes the widget control channel: the embedding page
// drives the session over a websocket with postMessage-style commands, and
// receives notices and avatar-talking updates back.
package host

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/coordinator"
)

// Controller is the slice of the turn coordinator the control channel needs.
type Controller interface {
	Start(profile coordinator.Profile) error
	Reset()
	Stop()
	UserMessage(text string)
	ExplainGame(game string)
	CustomerLogin(profile coordinator.Profile)
	CustomerLogout()
	ToggleMicrophone()
	FeedAudio(pcm []byte)
}

// Factory builds one Controller per widget connection, wired to the given
// observer callbacks.
type Factory func(obs coordinator.Observer) Controller

// controlMessage is the command envelope from the embedding page.
// Unrecognized types are ignored.
type controlMessage struct {
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	Stats    map[string]string `json:"stats,omitempty"`
	Customer string            `json:"customer,omitempty"`
	Game     string            `json:"game,omitempty"`
	Message  string            `json:"message,omitempty"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Talking bool   `json:"talking,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// The widget is embedded cross-origin by design.
		return true
	},
}

// Host upgrades widget connections and pumps control messages into a
// per-connection coordinator.
type Host struct {
	factory Factory
	log     zerolog.Logger
}

func New(factory Factory, logger zerolog.Logger) *Host {
	return &Host{factory: factory, log: logger}
}

// ServeWS handles one widget connection until it closes. The session is
// torn down when the transport goes away.
func (h *Host) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("widget upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	var writeMu sync.Mutex
	send := func(msg outboundMessage) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(msg); err != nil {
			h.log.Debug().Err(err).Msg("widget send failed")
		}
	}

	ctrl := h.factory(coordinator.Observer{
		OnNotice: func(text string) {
			send(outboundMessage{Type: "NOTICE", Message: text})
		},
		OnTalking: func(talking bool) {
			send(outboundMessage{Type: "AVATAR_TALKING", Talking: talking})
		},
	})
	defer ctrl.Stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			h.log.Debug().Err(err).Msg("widget connection closed")
			return
		}
		if msgType == websocket.BinaryMessage {
			ctrl.FeedAudio(data)
			continue
		}
		h.handleCommand(ctrl, data)
	}
}

func (h *Host) handleCommand(ctrl Controller, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Debug().Err(err).Msg("unparseable widget command")
		return
	}

	switch msg.Type {
	case "START_AVATAR":
		profile := coordinator.Profile{UserName: msg.Name, Customer: msg.Customer, Stats: msg.Stats}
		// Start blocks while a prior teardown quiesces; keep the read loop
		// responsive.
		go func() {
			if err := ctrl.Start(profile); err != nil {
				h.log.Warn().Err(err).Msg("session start rejected")
			}
		}()
	case "RESET_AVATAR":
		ctrl.Reset()
	case "STOP_AVATAR":
		ctrl.Stop()
	case "EXPLAIN_GAME":
		ctrl.ExplainGame(msg.Game)
	case "CUSTOMER_LOGIN":
		ctrl.CustomerLogin(coordinator.Profile{UserName: msg.Name, Customer: msg.Customer, Stats: msg.Stats})
	case "CUSTOMER_LOGOUT":
		ctrl.CustomerLogout()
	case "USER_MESSAGE":
		ctrl.UserMessage(msg.Message)
	case "TOGGLE_MIC":
		ctrl.ToggleMicrophone()
	default:
		h.log.Debug().Str("type", msg.Type).Msg("ignoring unknown widget command")
	}
}
