package wstransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asap-run/asap/internal/jsonrpc"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conn := NewConn(ws, Options{
			OnRequest: func(req jsonrpc.Request) (jsonrpc.Response, bool) {
				resp, _ := jsonrpc.NewResult(req.ID, map[string]string{"echo": req.Method})
				return resp, true
			},
		})
		conn.ReadLoop()
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConn_SendAndAwaitAck(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv.URL), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	go conn.ReadLoop()

	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "asap.ping", ID: json.RawMessage(`"1"`)}
	result, err := conn.SendAndAwaitAck(context.Background(), req, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["echo"] != "asap.ping" {
		t.Fatalf("unexpected echo result: %+v", decoded)
	}
}

func TestConn_AckTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, _ := upgrader.Upgrade(w, r, nil)
		conn := NewConn(ws, Options{}) // no OnRequest: never responds
		conn.ReadLoop()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv.URL), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	go conn.ReadLoop()

	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "asap.ping", ID: json.RawMessage(`"1"`)}
	_, err = conn.SendAndAwaitAck(context.Background(), req, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected ack wait to time out")
	}
}

func TestConn_NotificationDispatch(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, _ := upgrader.Upgrade(w, r, nil)
		conn := NewConn(ws, Options{})
		conn.ReadLoop()
	}))
	defer srv.Close()

	clientSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, _ := upgrader.Upgrade(w, r, nil)
		conn := NewConn(ws, Options{
			OnNotification: func(req jsonrpc.Request) { received <- req.Method },
		})
		conn.ReadLoop()
	}))
	defer clientSrv.Close()

	conn, err := Dial(context.Background(), wsURL(clientSrv.URL), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	go conn.ReadLoop()

	notif := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "asap.update"}
	if err := conn.Send(context.Background(), notif); err != nil {
		t.Fatal(err)
	}

	select {
	case method := <-received:
		if method != "asap.update" {
			t.Fatalf("unexpected method: %s", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification dispatch")
	}
}

func TestHub_BroadcastReachesAllSubscribers(t *testing.T) {
	received := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, _ := upgrader.Upgrade(w, r, nil)
		conn := NewConn(ws, Options{
			OnNotification: func(req jsonrpc.Request) { received <- req.Method },
		})
		conn.ReadLoop()
	}))
	defer srv.Close()

	hub := NewHub()
	for i := 0; i < 2; i++ {
		conn, err := Dial(context.Background(), wsURL(srv.URL), nil, Options{})
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		go conn.ReadLoop()
		hub.Register(string(rune('a'+i)), conn)
	}

	if hub.Len() != 2 {
		t.Fatalf("expected 2 registered connections, got %d", hub.Len())
	}

	errs := hub.Broadcast(context.Background(), jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "asap.broadcast"})
	if len(errs) != 0 {
		t.Fatalf("expected no broadcast errors, got %+v", errs)
	}

	for i := 0; i < 2; i++ {
		select {
		case method := <-received:
			if method != "asap.broadcast" {
				t.Fatalf("unexpected method: %s", method)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for broadcast delivery")
		}
	}
}

func TestCalculateBackoff_CapsAtMax(t *testing.T) {
	if d := calculateBackoff(0); d != baseReconnectDelay {
		t.Fatalf("expected base delay at attempt 0, got %s", d)
	}
	if d := calculateBackoff(20); d != maxReconnectDelay {
		t.Fatalf("expected capped delay at high attempt count, got %s", d)
	}
}
