package host

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/coordinator"
)

type call struct {
	name string
	arg  string
}

type fakeController struct {
	mu      sync.Mutex
	calls   []call
	profile coordinator.Profile
	pcm     int
	obs     coordinator.Observer
}

func (f *fakeController) record(name, arg string) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name, arg})
	f.mu.Unlock()
}

func (f *fakeController) Start(p coordinator.Profile) error {
	f.mu.Lock()
	f.profile = p
	f.mu.Unlock()
	f.record("start", p.UserName)
	return nil
}
func (f *fakeController) Reset()                  { f.record("reset", "") }
func (f *fakeController) Stop()                   { f.record("stop", "") }
func (f *fakeController) UserMessage(text string) { f.record("message", text) }
func (f *fakeController) ExplainGame(game string) { f.record("explain", game) }
func (f *fakeController) CustomerLogin(p coordinator.Profile) {
	f.record("login", p.Customer)
}
func (f *fakeController) CustomerLogout() { f.record("logout", "") }
func (f *fakeController) ToggleMicrophone() {
	f.record("toggle", "")
}
func (f *fakeController) FeedAudio(pcm []byte) {
	f.mu.Lock()
	f.pcm += len(pcm)
	f.mu.Unlock()
}

func (f *fakeController) waitCall(t *testing.T, name string) call {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, c := range f.calls {
			if c.name == name {
				f.mu.Unlock()
				return c
			}
		}
		f.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("call %q never arrived", name)
	return call{}
}

func dialHost(t *testing.T) (*fakeController, *websocket.Conn) {
	t.Helper()
	ctrl := &fakeController{}
	h := New(func(obs coordinator.Observer) Controller {
		ctrl.mu.Lock()
		ctrl.obs = obs
		ctrl.mu.Unlock()
		return ctrl
	}, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return ctrl, conn
}

func TestHost_CommandsReachController(t *testing.T) {
	ctrl, conn := dialHost(t)

	send := func(msg map[string]any) {
		t.Helper()
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	send(map[string]any{
		"type":  "START_AVATAR",
		"name":  "민수",
		"stats": map[string]string{"score": "500"},
	})
	ctrl.waitCall(t, "start")
	ctrl.mu.Lock()
	profile := ctrl.profile
	ctrl.mu.Unlock()
	if profile.UserName != "민수" || profile.Stats["score"] != "500" {
		t.Fatalf("start profile: %+v", profile)
	}

	send(map[string]any{"type": "USER_MESSAGE", "message": "점수 알려줘"})
	if c := ctrl.waitCall(t, "message"); c.arg != "점수 알려줘" {
		t.Fatalf("message arg = %q", c.arg)
	}

	send(map[string]any{"type": "EXPLAIN_GAME", "game": "룰렛"})
	if c := ctrl.waitCall(t, "explain"); c.arg != "룰렛" {
		t.Fatalf("explain arg = %q", c.arg)
	}

	send(map[string]any{"type": "CUSTOMER_LOGIN", "customer": "c-1001"})
	if c := ctrl.waitCall(t, "login"); c.arg != "c-1001" {
		t.Fatalf("login arg = %q", c.arg)
	}

	send(map[string]any{"type": "CUSTOMER_LOGOUT"})
	ctrl.waitCall(t, "logout")
	send(map[string]any{"type": "TOGGLE_MIC"})
	ctrl.waitCall(t, "toggle")
	send(map[string]any{"type": "RESET_AVATAR"})
	ctrl.waitCall(t, "reset")

	// Unknown command types are ignored, the connection stays alive.
	send(map[string]any{"type": "SOMETHING_ELSE"})
	send(map[string]any{"type": "STOP_AVATAR"})
	ctrl.waitCall(t, "stop")
}

func TestHost_BinaryFramesCarryAudio(t *testing.T) {
	ctrl, conn := dialHost(t)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("send pcm: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctrl.mu.Lock()
		got := ctrl.pcm
		ctrl.mu.Unlock()
		if got == 320 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("pcm never forwarded")
}

func TestHost_ObserverEventsReachPage(t *testing.T) {
	ctrl, conn := dialHost(t)

	// The factory ran during dial; the observer is wired.
	ctrl.mu.Lock()
	obs := ctrl.obs
	ctrl.mu.Unlock()
	if obs.OnNotice == nil || obs.OnTalking == nil {
		t.Fatal("observer not wired")
	}

	obs.OnNotice("마이크를 확인해 주세요.")
	obs.OnTalking(true)

	read := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	}

	notice := read()
	if notice["type"] != "NOTICE" || notice["message"] != "마이크를 확인해 주세요." {
		t.Fatalf("notice frame: %v", notice)
	}
	talking := read()
	if talking["type"] != "AVATAR_TALKING" || talking["talking"] != true {
		t.Fatalf("talking frame: %v", talking)
	}
}

func TestHost_DisconnectStopsSession(t *testing.T) {
	ctrl, conn := dialHost(t)
	_ = conn.Close()
	ctrl.waitCall(t, "stop")
}
