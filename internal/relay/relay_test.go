package relay

import (
	"encoding/json"
	"testing"
	"time"

	"qms/inbox-service/internal/hub"
	"qms/inbox-service/internal/models"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

type instance struct {
	hub    *hub.Hub
	relay  *Relay
	client *hub.Client
}

func newInstance(t *testing.T, url string) *instance {
	t.Helper()
	h := hub.New()
	r, err := Connect(url, "inbox.test", h)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.SetForwarder(r.Forward)
	client := hub.NewClient("c-"+r.Origin(), 8)
	h.Register(client)
	if err := h.Subscribe(client, hub.TopicSessions); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return &instance{hub: h, relay: r, client: client}
}

func receive(t *testing.T, client *hub.Client) hub.Envelope {
	t.Helper()
	select {
	case raw := <-client.Send:
		var env hub.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return hub.Envelope{}
}

func expectNothing(t *testing.T, client *hub.Client) {
	t.Helper()
	select {
	case raw := <-client.Send:
		t.Fatalf("unexpected event %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventsCrossInstancesOnce(t *testing.T) {
	url := startTestNATS(t)
	a := newInstance(t, url)
	b := newInstance(t, url)

	event := hub.SessionStatusUpdate{SessionID: "s1", Status: models.SessionConnected}
	if err := a.hub.Publish(event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if env := receive(t, a.client); env.Type != hub.TypeSessionStatusUpdate {
		t.Fatalf("local client got %q", env.Type)
	}
	if env := receive(t, b.client); env.Type != hub.TypeSessionStatusUpdate {
		t.Fatalf("remote client got %q", env.Type)
	}
	// neither side sees an echo
	expectNothing(t, a.client)
	expectNothing(t, b.client)
}

func TestInvalidRemoteFramesAreDropped(t *testing.T) {
	url := startTestNATS(t)
	a := newInstance(t, url)

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect raw: %v", err)
	}
	defer nc.Close()

	for _, payload := range []string{
		`not json`,
		`{"origin":"other","event":{"type":"mystery","payload":{}}}`,
		`{"origin":"other","event":{"type":"session-qr-update","payload":{"session_id":"s1","status":"qr_ready"}}}`,
	} {
		if err := nc.Publish("inbox.test", []byte(payload)); err != nil {
			t.Fatalf("publish raw: %v", err)
		}
	}
	nc.Flush()
	expectNothing(t, a.client)
}
