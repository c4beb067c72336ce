package watch

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/draftwire/lockstep/v1/eventbus"
)

// publishUntilDelivered publishes payload on topic until a subscriber
// has buffered one copy, covering the gap between the client request
// and the handler's subscription.
func publishUntilDelivered(t *testing.T, bus *eventbus.InMemoryBus, topic string, payload []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := bus.Publish(context.Background(), eventbus.NewEvent(topic, payload)); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if bus.Metrics().Delivered > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no subscriber ever registered on %q", topic)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSSEHandlerStream(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(srv.URL + "?topic=draft:1")
		if err != nil {
			t.Errorf("get: %v", err)
			return
		}
		respCh <- resp
	}()

	publishUntilDelivered(t, bus, "draft:1", []byte(`{"type":"pick"}`))

	var resp *http.Response
	select {
	case resp = <-respCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != `data: {"type":"pick"}` {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestSSEHandlerMissingTopic(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSSEHandlerUnsubscribesOnCancel(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?topic=draft:2", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_, _ = http.DefaultClient.Do(req)
		close(done)
	}()

	publishUntilDelivered(t, bus, "draft:2", []byte(`{}`))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request did not end after cancel")
	}
	time.Sleep(50 * time.Millisecond)

	// Further publishes must find no subscriber left.
	before := bus.Metrics().Delivered
	for i := 0; i < 3; i++ {
		_ = bus.Publish(context.Background(), eventbus.NewEvent("draft:2", []byte(`{}`)))
	}
	if got := bus.Metrics().Delivered; got != before {
		t.Fatalf("delivered moved %d -> %d after disconnect", before, got)
	}
}

type failingWriter struct {
	header http.Header
}

func newFailingWriter() *failingWriter {
	return &failingWriter{header: make(http.Header)}
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Flush()                    {}

func TestSSEHandlerWriteErrorUnsubscribes(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	handler := SSEHandler(bus)
	req := httptest.NewRequest(http.MethodGet, "/?topic=draft:3", nil)

	done := make(chan struct{})
	go func() {
		handler(newFailingWriter(), req)
		close(done)
	}()

	publishUntilDelivered(t, bus, "draft:3", []byte(`{}`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit on write error")
	}
	time.Sleep(50 * time.Millisecond)

	before := bus.Metrics().Delivered
	_ = bus.Publish(context.Background(), eventbus.NewEvent("draft:3", []byte(`{}`)))
	if got := bus.Metrics().Delivered; got != before {
		t.Fatalf("subscriber survived write error")
	}
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topic=auction:5"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	publishUntilDelivered(t, bus, "auction:5", []byte(`{"type":"bid"}`))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"type":"bid"}` {
		t.Fatalf("unexpected message %s", msg)
	}
}

func TestWebSocketHandlerMissingTopic(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("dial unexpectedly succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response = %v, want 400", resp)
	}
}
