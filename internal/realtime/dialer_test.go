package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"claude-bridge/internal/reconnect"
)

func TestDialer_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32

	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.update"}`))
		// Drop the connection to force a redial.
		conn.Close()
	}))
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	d := NewDialer(url, reconnect.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	var frames atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx, func([]byte) { frames.Add(1) })
	}()

	// Wait for at least two connections, proving a redial happened. The
	// backoff includes up to 1s of jitter per attempt.
	deadline := time.Now().Add(10 * time.Second)
	for conns.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a reconnect, got %d connections", conns.Load())
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if frames.Load() < 1 {
		t.Error("expected at least one frame delivered")
	}
}

func TestDialer_GivesUpAfterMaxAttempts(t *testing.T) {
	// A server that immediately closes keeps every dial failing.
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	d := NewDialer(url, reconnect.Config{
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		MaxAttempts: 2,
	})

	err := d.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "giving up after 2 attempts") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDialer_OnConnectRunsBeforeRead(t *testing.T) {
	received := make(chan []byte, 1)

	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
		// Keep the connection open until the client goes away.
		conn.ReadMessage()
	}))
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	d := NewDialer(url, reconnect.Config{BaseDelay: time.Millisecond})
	d.OnConnect = func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.attach","payload":{"sessionId":"abc"}}`))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, nil)

	select {
	case data := <-received:
		if !strings.Contains(string(data), "session.attach") {
			t.Errorf("unexpected frame: %s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect frame never arrived")
	}
}
