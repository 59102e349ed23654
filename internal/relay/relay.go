// Package relay shares hub events between service instances over NATS.
package relay

import (
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log"
	"sync"
	"time"

	"qms/inbox-service/internal/hub"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

var (
	relayedOut = expvar.NewInt("relay_events_out")
	relayedIn  = expvar.NewInt("relay_events_in")
	rejectedIn = expvar.NewInt("relay_events_rejected")
)

// Deliverer hands a remote envelope to local subscribers.
type Deliverer interface {
	Deliver(raw []byte) error
}

type frame struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

type Relay struct {
	conn    *nats.Conn
	subject string
	origin  string
	target  Deliverer

	mu  sync.Mutex
	sub *nats.Subscription
}

// Connect dials NATS with unlimited reconnects. Extra options are appended
// to the defaults.
func Connect(url, subject string, target Deliverer, opts ...nats.Option) (*Relay, error) {
	if subject == "" {
		return nil, errors.New("relay subject is required")
	}
	defaults := []nats.Option{
		nats.Name("inbox-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("relay disconnected error=%v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("relay reconnected url=%s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &Relay{conn: nc, subject: subject, origin: uuid.NewString(), target: target}, nil
}

func (r *Relay) Origin() string { return r.origin }

// Start subscribes to the subject. Frames this instance published are
// skipped; everything else is validated by the target before delivery.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}
	sub, err := r.conn.Subscribe(r.subject, r.receive)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.subject, err)
	}
	if err := r.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flushing subscription: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *Relay) receive(msg *nats.Msg) {
	var f frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		rejectedIn.Add(1)
		log.Printf("relay drop malformed frame error=%v", err)
		return
	}
	if f.Origin == r.origin {
		return
	}
	if err := r.target.Deliver(f.Event); err != nil {
		rejectedIn.Add(1)
		log.Printf("relay drop event origin=%s error=%v", f.Origin, err)
		return
	}
	relayedIn.Add(1)
}

// Forward publishes a locally produced envelope. It has the signature of
// hub.Forwarder.
func (r *Relay) Forward(env hub.Envelope, raw []byte) {
	data, err := json.Marshal(frame{Origin: r.origin, Event: raw})
	if err != nil {
		log.Printf("relay marshal %s error=%v", env.Type, err)
		return
	}
	if err := r.conn.Publish(r.subject, data); err != nil {
		log.Printf("relay publish %s error=%v", env.Type, err)
		return
	}
	relayedOut.Add(1)
}

func (r *Relay) Close() error {
	r.mu.Lock()
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
		r.sub = nil
	}
	r.mu.Unlock()
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
		return err
	}
	return nil
}
