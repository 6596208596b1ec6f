package presence_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/sprechstunde/internal/presence"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

type token struct {
	err  error
	done chan struct{}
}

func newToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu   sync.Mutex
	err  error
	msgs []published
	got  chan struct{}
}

func newFakeClient() *fakeClient { return &fakeClient{got: make(chan struct{}, 16)} }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.mu.Lock()
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	err := c.err
	c.mu.Unlock()
	c.got <- struct{}{}
	return newToken(err)
}

func (c *fakeClient) wait(t *testing.T, n int) []published {
	t.Helper()
	for range n {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for publish")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestFormatTopic(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pattern, room, want string
	}{
		{presence.DefaultTopic, "r1", "sprechstunde/rooms/r1"},
		{"a/{room_id}/b/{room_id}", "x", "a/x/b/x"},
		{"static", "r1", "static"},
	}
	for _, tc := range tests {
		if got := presence.FormatTopic(tc.pattern, tc.room); got != tc.want {
			t.Errorf("FormatTopic(%q, %q) = %q, want %q", tc.pattern, tc.room, got, tc.want)
		}
	}
}

func TestPublisher_PublishesJSONPerRoom(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	p := presence.NewPublisher(client, "", 8)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Start(ctx)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.Publish(presence.Event{Kind: presence.RoomCreated, RoomID: "r1", ClientID: "a", Members: 1, At: at})
	p.Publish(presence.Event{Kind: presence.PeerJoined, RoomID: "r2", ClientID: "b", Members: 2, At: at})

	msgs := client.wait(t, 2)
	if msgs[0].topic != "sprechstunde/rooms/r1" || msgs[1].topic != "sprechstunde/rooms/r2" {
		t.Errorf("topics = %q, %q", msgs[0].topic, msgs[1].topic)
	}
	if msgs[0].qos != 1 || msgs[0].retained {
		t.Errorf("qos=%d retained=%v, want 1/false", msgs[0].qos, msgs[0].retained)
	}

	var ev presence.Event
	if err := json.Unmarshal(msgs[1].payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Kind != presence.PeerJoined || ev.ClientID != "b" || ev.Members != 2 || !ev.At.Equal(at) {
		t.Errorf("decoded event = %+v", ev)
	}
}

func TestPublisher_PublishErrorDoesNotStopLoop(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.err = errors.New("broker gone")
	p := presence.NewPublisher(client, "t/{room_id}", 8)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Start(ctx)

	p.Publish(presence.Event{Kind: presence.RoomCreated, RoomID: "a"})
	p.Publish(presence.Event{Kind: presence.RoomClosed, RoomID: "a"})
	if got := len(client.wait(t, 2)); got != 2 {
		t.Errorf("publishes = %d, want 2", got)
	}
}

func TestPublisher_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	p := presence.NewPublisher(client, "", 1)

	done := make(chan struct{})
	go func() {
		for range 10 {
			p.Publish(presence.Event{Kind: presence.PeerLeft, RoomID: "r"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Start(ctx)
	client.wait(t, 1)

	select {
	case <-client.got:
		t.Error("more events published than the queue could hold")
	case <-time.After(50 * time.Millisecond):
	}
	p.Close()
	p.Close()
}

func TestDial_RequiresBroker(t *testing.T) {
	t.Parallel()
	if _, err := presence.Dial(presence.Config{}); err == nil {
		t.Error("expected error for empty broker")
	}
}

func TestNop(t *testing.T) {
	t.Parallel()
	var s presence.Sink = presence.Nop{}
	s.Publish(presence.Event{Kind: presence.RoomCreated})
}
