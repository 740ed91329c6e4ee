package avatar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// avatarStub plays the platform side of the session websocket.
type avatarStub struct {
	t *testing.T

	mu       sync.Mutex
	conn     *websocket.Conn
	commands []command
	auth     string

	srv *httptest.Server
}

func newAvatarStub(t *testing.T) *avatarStub {
	t.Helper()
	s := &avatarStub{t: t}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()
		for {
			var cmd command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			s.mu.Lock()
			s.commands = append(s.commands, cmd)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *avatarStub) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *avatarStub) send(ev event) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatal("no connection yet")
	}
	data, _ := json.Marshal(ev)
	s.mu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, data)
	s.mu.Unlock()
	if err != nil {
		s.t.Fatalf("send: %v", err)
	}
}

func (s *avatarStub) waitCommands(n int) []command {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.commands) >= n {
			out := make([]command, len(s.commands))
			copy(out, s.commands)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	s.t.Fatalf("timed out waiting for %d commands", n)
	return nil
}

func TestClient_SessionLifecycle(t *testing.T) {
	stub := newAvatarStub(t)

	ready := make(chan struct{}, 1)
	talking := make(chan bool, 8)
	c := NewClient(stub.url(), "tok-1", SessionConfig{AvatarID: "june"}, Events{
		OnStreamReady:  func() { ready <- struct{}{} },
		OnStartTalking: func() { talking <- true },
		OnStopTalking:  func() { talking <- false },
	}, zerolog.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	cmds := stub.waitCommands(1)
	if cmds[0].Type != "start" || cmds[0].Config == nil || cmds[0].Config.AvatarID != "june" {
		t.Fatalf("start command: %+v", cmds[0])
	}
	if cmds[0].Config.Quality != "high" {
		t.Fatalf("default quality not applied: %+v", cmds[0].Config)
	}
	stub.mu.Lock()
	auth := stub.auth
	stub.mu.Unlock()
	if auth != "Bearer tok-1" {
		t.Fatalf("authorization header = %q", auth)
	}

	stub.send(event{Type: "stream_ready"})
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("stream_ready not delivered")
	}

	if err := c.Speak(context.Background(), "안녕하세요!"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	cmds = stub.waitCommands(2)
	if cmds[1].Type != "speak" || cmds[1].Text != "안녕하세요!" || cmds[1].TaskID == "" {
		t.Fatalf("speak command: %+v", cmds[1])
	}

	stub.send(event{Type: "avatar_start_talking"})
	stub.send(event{Type: "avatar_stop_talking"})
	for _, want := range []bool{true, false} {
		select {
		case got := <-talking:
			if got != want {
				t.Fatalf("talking = %v, want %v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("talking event not delivered")
		}
	}

	if err := c.Interrupt(context.Background()); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	cmds = stub.waitCommands(4)
	if cmds[2].Type != "interrupt" || cmds[3].Type != "stop" {
		t.Fatalf("tail commands: %+v", cmds[2:])
	}
}

func TestClient_NoDisconnectedAfterExplicitStop(t *testing.T) {
	stub := newAvatarStub(t)
	disconnected := make(chan struct{}, 1)
	c := NewClient(stub.url(), "tok", SessionConfig{AvatarID: "june"}, Events{
		OnDisconnected: func() { disconnected <- struct{}{} },
	}, zerolog.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stub.waitCommands(1)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-disconnected:
		t.Fatal("OnDisconnected fired after explicit stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_DisconnectedOnServerClose(t *testing.T) {
	stub := newAvatarStub(t)
	disconnected := make(chan struct{}, 1)
	c := NewClient(stub.url(), "tok", SessionConfig{AvatarID: "june"}, Events{
		OnDisconnected: func() { disconnected <- struct{}{} },
	}, zerolog.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stub.waitCommands(1)
	stub.mu.Lock()
	_ = stub.conn.Close()
	stub.mu.Unlock()

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnected not delivered")
	}
}

func TestClient_WriteAfterStopFails(t *testing.T) {
	stub := newAvatarStub(t)
	c := NewClient(stub.url(), "tok", SessionConfig{AvatarID: "june"}, Events{}, zerolog.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stub.waitCommands(1)
	_ = c.Stop(context.Background())
	if err := c.Speak(context.Background(), "아직 계세요?"); err == nil {
		t.Fatal("speak after stop should fail")
	}
}
