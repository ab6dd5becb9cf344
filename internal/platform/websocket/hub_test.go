package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func readEvent(t *testing.T, ch <-chan []byte) Event {
	t.Helper()
	select {
	case data := <-ch:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestUploadTopic(t *testing.T) {
	if got := UploadTopic("p1"); got != "uploads:p1" {
		t.Errorf("UploadTopic = %q", got)
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := newTestHub()
	client := NewClient(UploadTopic("p1"))

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("uploads:p1") != 1 {
		t.Fatalf("unexpected counts: clients=%d topic=%d", hub.ClientCount(), hub.TopicCount("uploads:p1"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("uploads:p1") != 0 {
		t.Fatalf("expected empty hub after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send channel to be closed")
	}

	hub.Unregister(client)
}

func TestHub_BroadcastOnlyToTopic(t *testing.T) {
	hub := newTestHub()
	a := NewClient(UploadTopic("p1"))
	b := NewClient(UploadTopic("p2"))
	hub.Register(a)
	hub.Register(b)

	hub.Broadcast(UploadTopic("p1"), Event{Type: "upload.progress", Topic: UploadTopic("p1"), TaskID: "t1", Progress: 40})

	ev := readEvent(t, a.Send)
	if ev.TaskID != "t1" || ev.Progress != 40 {
		t.Errorf("unexpected event %+v", ev)
	}
	select {
	case <-b.Send:
		t.Error("client on another topic received the event")
	default:
	}
}

func TestHub_BroadcastFullBufferDoesNotBlock(t *testing.T) {
	hub := newTestHub()
	client := &Client{ID: "slow", Topics: []string{"t"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		hub.Broadcast("t", Event{Type: "a"})
		hub.Broadcast("t", Event{Type: "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
}

func TestHub_SubscribeAndUnsubscribe(t *testing.T) {
	hub := newTestHub()
	client := NewClient()
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"a", "b", "a"}})
	if hub.TopicCount("a") != 1 || hub.TopicCount("b") != 1 {
		t.Fatalf("unexpected counts a=%d b=%d", hub.TopicCount("a"), hub.TopicCount("b"))
	}
	if len(client.Topics) != 2 {
		t.Errorf("expected duplicate subscription to be ignored, topics=%v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"a"}})
	if hub.TopicCount("a") != 0 || hub.TopicCount("b") != 1 {
		t.Fatalf("unexpected counts after unsubscribe a=%d b=%d", hub.TopicCount("a"), hub.TopicCount("b"))
	}
	if len(client.Topics) != 1 || client.Topics[0] != "b" {
		t.Errorf("topics = %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"c"}})
	if hub.TopicCount("c") != 0 {
		t.Error("unknown action should be ignored")
	}
}

func TestHub_PublishStampsTimestamp(t *testing.T) {
	hub := newTestHub()
	client := NewClient("uploads:p1")
	hub.Register(client)

	if err := hub.Publish(context.Background(), Event{Type: "upload.done", Topic: "uploads:p1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev := readEvent(t, client.Send)
	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient("t")
			hub.Register(c)
			hub.Broadcast("t", Event{Type: "x"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list allows all", nil, "http://evil", true},
		{"wildcard", []string{"*"}, "http://evil", true},
		{"listed", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"unlisted", []string{"http://localhost:3000"}, "http://evil", false},
		{"no origin header", []string{"http://localhost:3000"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.allowed)(req); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	handler := NewHandler(newTestHub(), nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.HandleConnect(c); err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected a plain HTTP request to be rejected")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := newTestHub()
	handler := NewHandler(hub, nil)

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=uploads:p1"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("uploads:p1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never subscribed to uploads:p1")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(context.Background(), Event{
		Type:     "upload.progress",
		Topic:    "uploads:p1",
		TaskID:   "task-1",
		Filename: "a.pdf",
		Progress: 55,
		Status:   "uploading",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.TaskID != "task-1" || received.Progress != 55 || received.Status != "uploading" {
		t.Fatalf("unexpected event %+v", received)
	}
}
