package hub

import (
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	publishedEvents = expvar.NewInt("hub_events_published")
	droppedEvents   = expvar.NewInt("hub_events_dropped")
)

type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]struct{}
}

func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{ID: id, Send: make(chan []byte, buffer), topics: make(map[string]struct{})}
}

// Forwarder receives every locally published envelope, e.g. to relay it to
// other instances.
type Forwarder func(env Envelope, raw []byte)

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	forward Forwarder
	now     func() time.Time
}

type ClientMessage struct {
	Action string   `json:"action"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionSync        = "sync"
)

func New() *Hub {
	return &Hub{clients: make(map[string]*Client), now: func() time.Time { return time.Now().UTC() }}
}

func (h *Hub) SetForwarder(fn Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forward = fn
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.topics == nil {
		client.topics = make(map[string]struct{})
	}
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics ...string) error {
	for _, topic := range topics {
		if !ValidTopic(topic) {
			return fmt.Errorf("invalid topic %q", topic)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		client.topics[topic] = struct{}{}
	}
	return nil
}

// Unsubscribe with no topics drops every subscription of the client.
func (h *Hub) Unsubscribe(client *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(topics) == 0 {
		client.topics = make(map[string]struct{})
		return
	}
	for _, topic := range topics {
		delete(client.topics, topic)
	}
}

func (h *Hub) Topics(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := make([]string, 0, len(client.topics))
	for topic := range client.topics {
		topics = append(topics, topic)
	}
	return topics
}

// Publish validates the event, delivers it to local subscribers and hands it
// to the forwarder.
func (h *Hub) Publish(event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	env := Envelope{Type: event.EventType(), Payload: payload, CreatedAt: h.now()}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.broadcast(raw, event.Topics())
	publishedEvents.Add(1)

	h.mu.RLock()
	forward := h.forward
	h.mu.RUnlock()
	if forward != nil {
		forward(env, raw)
	}
	return nil
}

// Deliver decodes an envelope received from outside the process and delivers
// it to local subscribers only.
func (h *Hub) Deliver(raw []byte) error {
	event, _, err := Decode(raw)
	if err != nil {
		return err
	}
	h.broadcast(raw, event.Topics())
	return nil
}

// broadcast sends raw at most once to every client subscribed to any of the
// topics. Full client buffers drop the frame.
func (h *Hub) broadcast(raw []byte, topics []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !subscribed(client, topics) {
			continue
		}
		select {
		case client.Send <- raw:
		default:
			droppedEvents.Add(1)
			log.Printf("drop event for client %s", client.ID)
		}
	}
}

func subscribed(client *Client, topics []string) bool {
	for _, topic := range topics {
		if _, ok := client.topics[topic]; ok {
			return true
		}
	}
	return false
}

func ParseClientMessage(data []byte) (ClientMessage, bool) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, false
	}
	switch msg.Action {
	case ActionSubscribe, ActionUnsubscribe, ActionSync:
	default:
		return ClientMessage{}, false
	}
	if msg.Topic != "" {
		msg.Topics = append(msg.Topics, msg.Topic)
		msg.Topic = ""
	}
	return msg, true
}
