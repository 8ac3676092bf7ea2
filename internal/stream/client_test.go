package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/provana/cascata/internal/api"
)

// sseServer serves the given frames, then blocks until the client goes away
// or the returned close func is called.
func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		flusher.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	return server
}

func TestConnectForwardsEventsDroppingNoise(t *testing.T) {
	server := sseServer(t, []string{
		`{"type": "heartbeat"}`,
		`{not json`,
		`{"message_id": "m1", "type": "discovery", "summary": "searching"}`,
		`{"message_id": "m2", "type": "negotiation", "summary": "counter-offer"}`,
	})

	events := make(chan api.LiveEvent, 8)
	client := NewClient(server.URL)
	conn, err := client.Connect(context.Background(),
		func(evt api.LiveEvent) { events <- evt },
		func(error) {})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	first := waitEvent(t, events)
	if first.MessageID != "m1" || first.Type != "discovery" {
		t.Errorf("first event = %+v, want m1/discovery", first)
	}

	second := waitEvent(t, events)
	if second.MessageID != "m2" {
		t.Errorf("second event = %+v, want m2", second)
	}

	select {
	case evt := <-events:
		t.Errorf("unexpected extra event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectSignalsDownOnServerClose(t *testing.T) {
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"message_id\": \"m1\", \"type\": \"order\"}\n\n")
		w.(http.Flusher).Flush()
		<-done
	}))
	defer server.Close()

	downs := make(chan error, 1)
	client := NewClient(server.URL)
	conn, err := client.Connect(context.Background(),
		func(api.LiveEvent) {},
		func(cause error) { downs <- cause })
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	close(done)

	select {
	case <-downs:
	case <-time.After(2 * time.Second):
		t.Fatal("onDown was not called after server closed the stream")
	}
}

func TestConnectRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.Connect(context.Background(), func(api.LiveEvent) {}, func(error) {})
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server := sseServer(t, nil)

	downs := make(chan error, 2)
	client := NewClient(server.URL)
	conn, err := client.Connect(context.Background(),
		func(api.LiveEvent) {},
		func(cause error) { downs <- cause })
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	// A local close is not a transport failure.
	select {
	case cause := <-downs:
		if cause != nil {
			t.Errorf("onDown cause = %v, want nil for local close", cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onDown was not called after Close")
	}
}

func waitEvent(t *testing.T, events <-chan api.LiveEvent) api.LiveEvent {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return api.LiveEvent{}
	}
}
