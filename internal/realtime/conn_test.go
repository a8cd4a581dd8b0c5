package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startEchoServer accepts one websocket and keeps it open until the test
// closes it through the returned function.
func startEchoServer(t *testing.T) (string, func()) {
	t.Helper()

	var mu sync.Mutex
	var serverConn *websocket.Conn
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		serverConn = ws
		mu.Unlock()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	drop := func() {
		mu.Lock()
		ws := serverConn
		mu.Unlock()
		if ws != nil {
			ws.Close()
		}
	}
	return "ws" + strings.TrimPrefix(server.URL, "http"), drop
}

func TestConnRunsCloseHandlersOnServerDrop(t *testing.T) {
	url, drop := startEchoServer(t)

	conn, err := NewConn(ConnConfig{URL: url})
	if err != nil {
		t.Fatalf("unexpected conn error: %v", err)
	}
	causes := make(chan error, 2)
	conn.HandleClose(func(cause error) { causes <- cause })
	conn.HandleClose(func(cause error) { causes <- cause })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx, "board-conn-test"); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	drop()

	for i := 0; i < 2; i++ {
		select {
		case cause := <-causes:
			if cause == nil {
				t.Fatalf("expected a non-nil cause for an abnormal drop")
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("close handler %d never ran", i+1)
		}
	}
}

func TestConnCloseHandlersReportCleanLocalClose(t *testing.T) {
	url, _ := startEchoServer(t)

	conn, err := NewConn(ConnConfig{URL: url})
	if err != nil {
		t.Fatalf("unexpected conn error: %v", err)
	}
	causes := make(chan error, 1)
	conn.HandleClose(func(cause error) { causes <- cause })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx, "board-conn-test"); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	select {
	case cause := <-causes:
		if cause != nil {
			t.Fatalf("expected nil cause for a local close, got %v", cause)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("close handler never ran")
	}
}

func TestConnEmitBeforeConnect(t *testing.T) {
	conn, err := NewConn(ConnConfig{URL: "ws://localhost:0/realtime"})
	if err != nil {
		t.Fatalf("unexpected conn error: %v", err)
	}
	if err := conn.Emit(EventSelection, SelectionPayload{}); err == nil {
		t.Fatalf("expected error emitting before connect")
	}
}
