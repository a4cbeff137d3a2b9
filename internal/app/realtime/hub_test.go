package realtime

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubBroadcastsToSubscribers(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription registers synchronously in ServeHTTP, but give the
	// server a moment to finish the handshake path.
	time.Sleep(20 * time.Millisecond)

	event := Event{Type: EventCallAccepted, Payload: map[string]interface{}{"sessionId": "s1"}}
	if err := hub.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read: %v", err)
	}
	if received.Type != EventCallAccepted || received.Payload["sessionId"] != "s1" {
		t.Fatalf("unexpected event: %+v", received)
	}
}

func TestHubDropsDeadConnections(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	time.Sleep(20 * time.Millisecond)

	// Publishing to a closed peer must not error; the hub just drops it.
	if err := hub.Publish(context.Background(), Event{Type: EventCallEnded}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, Event) error { return p.err }

type countingPublisher struct{ calls int }

func (p *countingPublisher) Publish(context.Context, Event) error {
	p.calls++
	return nil
}

func TestMultiPublisherAttemptsAllSinks(t *testing.T) {
	boom := errors.New("boom")
	counter := &countingPublisher{}
	multi := MultiPublisher{failingPublisher{err: boom}, counter}

	err := multi.Publish(context.Background(), Event{Type: EventCallRequested})
	if !errors.Is(err, boom) {
		t.Fatalf("expected first error surfaced, got %v", err)
	}
	if counter.calls != 1 {
		t.Fatalf("later sink skipped: %d calls", counter.calls)
	}
}

func TestLogPublisherNeverFails(t *testing.T) {
	p := NewLogPublisher(nil)
	if err := p.Publish(context.Background(), Event{Type: EventLoyaltyUpgraded}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
