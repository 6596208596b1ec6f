// Package presence publishes room lifecycle events of the signaling server to
// outside observers.
//
// The signaling server reports every membership change to a [Sink]. [Nop]
// discards them; [Publisher] forwards them as JSON to an MQTT broker, one
// topic per room.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Kind names a room lifecycle event.
type Kind string

const (
	RoomCreated Kind = "room-created"
	PeerJoined  Kind = "peer-joined"
	PeerLeft    Kind = "peer-left"
	RoomClosed  Kind = "room-closed"
)

// Event is one membership change.
type Event struct {
	Kind     Kind      `json:"event"`
	RoomID   string    `json:"room_id"`
	ClientID string    `json:"client_id,omitempty"`
	Members  int       `json:"members"`
	At       time.Time `json:"at"`
}

// Sink receives room events. Publish is called from connection goroutines
// and must not block.
type Sink interface {
	Publish(Event)
}

// Nop is a [Sink] that drops every event.
type Nop struct{}

// Publish implements [Sink].
func (Nop) Publish(Event) {}

// ─── MQTT ─────────────────────────────────────────────────────────────────────

// DefaultTopic is the topic pattern used when Config.Topic is empty.
const DefaultTopic = "sprechstunde/rooms/{room_id}"

const defaultBuffer = 256

// Client is the subset of [mqtt.Client] the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Config holds the broker connection settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// Topic is the topic pattern; "{room_id}" is replaced per event.
	Topic string
}

// Publisher is an MQTT-backed [Sink]. Events are queued and published by
// [Publisher.Start]; when the queue is full new events are dropped.
type Publisher struct {
	client     Client
	topic      string
	events     chan Event
	disconnect func()
	closeOnce  sync.Once
}

// Dial connects to the broker in cfg and returns a publisher that owns the
// connection.
func Dial(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("presence: broker is required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("presence: connected to broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("presence: broker connection lost", "broker", cfg.Broker, "err", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("presence: connect to %s: %w", cfg.Broker, token.Error())
	}

	p := NewPublisher(client, cfg.Topic, defaultBuffer)
	p.disconnect = func() { client.Disconnect(250) }
	return p, nil
}

// NewPublisher returns a publisher on an existing client. An empty topic
// selects [DefaultTopic].
func NewPublisher(client Client, topic string, buffer int) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Publisher{
		client: client,
		topic:  topic,
		events: make(chan Event, buffer),
	}
}

var _ Sink = (*Publisher)(nil)

// Publish implements [Sink].
func (p *Publisher) Publish(ev Event) {
	select {
	case p.events <- ev:
	default:
		slog.Warn("presence: queue full, dropping event", "event", ev.Kind, "room", ev.RoomID)
	}
}

// Start publishes queued events until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			if err := p.publish(ev); err != nil {
				slog.Warn("presence: publish failed", "event", ev.Kind, "room", ev.RoomID, "err", err)
			}
		}
	}
}

// Close disconnects from the broker if the publisher owns the connection.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		if p.disconnect != nil {
			p.disconnect()
		}
	})
}

func (p *Publisher) publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("presence: marshal event: %w", err)
	}
	topic := FormatTopic(p.topic, ev.RoomID)
	token := p.client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("presence: publish to %s: %w", topic, token.Error())
	}
	slog.Debug("presence: published", "event", ev.Kind, "topic", topic)
	return nil
}

// FormatTopic substitutes roomID into pattern.
func FormatTopic(pattern, roomID string) string {
	return strings.ReplaceAll(pattern, "{room_id}", roomID)
}
