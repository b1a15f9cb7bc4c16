package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polyharvest/pkg/types"
)

func TestReconnectDelayStagger(t *testing.T) {
	t.Parallel()

	// First attempts across a 4-connection pool land at 0s, 2s, 4s, 6s.
	want := []time.Duration{0, 2 * time.Second, 4 * time.Second, 6 * time.Second}
	for i, w := range want {
		c := NewWSConn(i, "ws://unused", 30*time.Second, func(int, []byte) {}, testLogger())
		if got := c.reconnectDelay(0); got != w {
			t.Errorf("conn %d first delay = %v, want %v", i, got, w)
		}
	}
}

func TestReconnectDelayBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	c := NewWSConn(1, "ws://unused", 30*time.Second, func(int, []byte) {}, testLogger())
	stagger := 2 * time.Second

	wants := []time.Duration{
		stagger + 1*time.Second,
		stagger + 2*time.Second,
		stagger + 4*time.Second,
		stagger + 8*time.Second,
		stagger + 16*time.Second,
		stagger + 30*time.Second, // capped
		stagger + 30*time.Second,
	}
	for attempt := 1; attempt <= len(wants); attempt++ {
		if got := c.reconnectDelay(attempt); got != wants[attempt-1] {
			t.Errorf("attempt %d delay = %v, want %v", attempt, got, wants[attempt-1])
		}
	}

	// Far attempts must not overflow past the cap.
	if got := c.reconnectDelay(500); got != stagger+30*time.Second {
		t.Errorf("attempt 500 delay = %v, want %v", got, stagger+30*time.Second)
	}
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	t.Parallel()

	c := NewWSConn(0, "ws://unused", 30*time.Second, func(int, []byte) {}, testLogger())

	if err := c.Subscribe([]string{"tok1", "tok2"}); err != nil {
		t.Fatalf("Subscribe while down: %v", err)
	}
	if !c.Has("tok1") || !c.Has("tok2") {
		t.Error("subscription set not updated")
	}
	if got := c.SubscribedCount(); got != 2 {
		t.Errorf("SubscribedCount = %d, want 2", got)
	}

	if err := c.Unsubscribe([]string{"tok1"}); err != nil {
		t.Fatalf("Unsubscribe while down: %v", err)
	}
	if c.Has("tok1") {
		t.Error("tok1 should have been removed")
	}
	if got := c.SubscribedCount(); got != 1 {
		t.Errorf("SubscribedCount = %d, want 1", got)
	}
}

func TestConnReadsFramesFromServer(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	gotSub := make(chan types.WSSubscribeMsg, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		// First message is the initial subscription.
		var sub types.WSSubscribeMsg
		if err := ws.ReadJSON(&sub); err != nil {
			return
		}
		gotSub <- sub

		ws.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"book","asset_id":"tok1"}`))

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	frames := make(chan []byte, 4)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewWSConn(0, wsURL, time.Second, func(connID int, data []byte) {
		if connID != 0 {
			t.Errorf("connID = %d, want 0", connID)
		}
		frames <- data
	}, testLogger())

	if err := c.Subscribe([]string{"tok1"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case sub := <-gotSub:
		if sub.Type != "market" || len(sub.AssetIDs) != 1 || sub.AssetIDs[0] != "tok1" {
			t.Errorf("initial subscription = %+v", sub)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the initial subscription")
	}

	select {
	case raw := <-frames:
		var env struct {
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal(raw, &env); err != nil || env.EventType != "book" {
			t.Errorf("frame = %s", raw)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never received the frame")
	}

	if !c.Connected() {
		t.Error("Connected() should be true while the socket is up")
	}
	if c.LastEventAt().IsZero() {
		t.Error("LastEventAt should be set after a frame")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
