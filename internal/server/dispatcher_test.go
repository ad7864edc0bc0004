package server

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/harmony-realtime/internal/protocol"
	"github.com/Tyrowin/harmony-realtime/internal/store"
)

// queued reports how many raw payloads sit in the session's queue, draining it.
func queued(s *Session) [][]byte {
	var payloads [][]byte
	for {
		select {
		case payload := <-s.GetSendChan():
			payloads = append(payloads, payload)
		default:
			return payloads
		}
	}
}

// TestBroadcastScenario walks two users through subscribe, exclusion,
// disconnect and unsubscribe on one channel.
func TestBroadcastScenario(t *testing.T) {
	hub := newTestHub(t, 8)
	dispatcher := hub.Dispatcher()
	c1 := uuid.New()
	userA := uuid.New()
	userB := uuid.New()

	a := connectSession(hub, userA)
	hub.Subscribe(a, c1)

	if got := dispatcher.Broadcast(c1, []byte("hello"), uuid.Nil); got != 1 {
		t.Fatalf("broadcast hello delivered %d, want 1", got)
	}
	if payloads := queued(a); len(payloads) != 1 || string(payloads[0]) != "hello" {
		t.Fatalf("A received %q, want [hello]", payloads)
	}

	b := connectSession(hub, userB)
	hub.Subscribe(b, c1)

	if got := dispatcher.Broadcast(c1, []byte("hi"), userA); got != 1 {
		t.Fatalf("broadcast hi delivered %d, want 1", got)
	}
	if payloads := queued(a); len(payloads) != 0 {
		t.Errorf("Excluded user A received %q", payloads)
	}
	if payloads := queued(b); len(payloads) != 1 || string(payloads[0]) != "hi" {
		t.Errorf("B received %q, want [hi]", payloads)
	}

	hub.Disconnect(a)

	if got := dispatcher.Broadcast(c1, []byte("yo"), uuid.Nil); got != 1 {
		t.Fatalf("broadcast yo delivered %d, want 1", got)
	}
	if payloads := queued(b); len(payloads) != 1 || string(payloads[0]) != "yo" {
		t.Errorf("B received %q, want [yo]", payloads)
	}
	if payloads := queued(a); len(payloads) != 0 {
		t.Errorf("Disconnected user A received %q", payloads)
	}

	hub.Unsubscribe(b, c1)

	if got := dispatcher.Broadcast(c1, []byte("bye"), uuid.Nil); got != 0 {
		t.Errorf("broadcast bye delivered %d, want 0", got)
	}
	if hub.Index().HasChannel(c1) {
		t.Error("Channel entry still present after last unsubscribe")
	}
}

// TestBroadcastEmptyChannelSkipsRegistry verifies a channel nobody watches
// never touches the registry.
func TestBroadcastEmptyChannelSkipsRegistry(t *testing.T) {
	hub := newTestHub(t, 8)
	connectSession(hub, uuid.New())
	before := hub.Registry().Lookups()

	if got := hub.Dispatcher().Broadcast(uuid.New(), []byte("x"), uuid.Nil); got != 0 {
		t.Errorf("Broadcast() = %d, want 0", got)
	}
	if after := hub.Registry().Lookups(); after != before {
		t.Errorf("Registry lookups went from %d to %d", before, after)
	}
}

// TestBroadcastExcludesEverySessionOfUser checks exclusion across sessions.
func TestBroadcastExcludesEverySessionOfUser(t *testing.T) {
	hub := newTestHub(t, 8)
	channel := uuid.New()
	user := uuid.New()
	first := connectSession(hub, user)
	second := connectSession(hub, user)
	hub.Subscribe(first, channel)
	hub.Subscribe(second, channel)

	if got := hub.Dispatcher().Broadcast(channel, []byte("x"), user); got != 0 {
		t.Errorf("Broadcast() = %d, want 0", got)
	}
	if len(queued(first))+len(queued(second)) != 0 {
		t.Error("Excluded user's sessions received a payload")
	}
}

// TestBroadcastOnlyToSubscribedSessions verifies the per-session double
// check: a user's unsubscribed session gets nothing while its sibling does.
func TestBroadcastOnlyToSubscribedSessions(t *testing.T) {
	hub := newTestHub(t, 8)
	channel := uuid.New()
	user := uuid.New()
	watching := connectSession(hub, user)
	idle := connectSession(hub, user)
	hub.Subscribe(watching, channel)

	if got := hub.Dispatcher().Broadcast(channel, []byte("x"), uuid.Nil); got != 1 {
		t.Errorf("Broadcast() = %d, want 1", got)
	}
	if len(queued(idle)) != 0 {
		t.Error("Session without the subscription received a payload")
	}
	if len(queued(watching)) != 1 {
		t.Error("Subscribed session missed the payload")
	}
}

// TestBroadcastDropsWhenQueueFull verifies a stalled recipient neither
// blocks the caller nor other recipients.
func TestBroadcastDropsWhenQueueFull(t *testing.T) {
	hub := newTestHub(t, 1)
	channel := uuid.New()
	slow := connectSession(hub, uuid.New())
	fast := connectSession(hub, uuid.New())
	hub.Subscribe(slow, channel)
	hub.Subscribe(fast, channel)

	if got := hub.Dispatcher().Broadcast(channel, []byte("one"), uuid.Nil); got != 2 {
		t.Fatalf("first Broadcast() = %d, want 2", got)
	}
	queued(fast)

	done := make(chan int, 1)
	go func() {
		done <- hub.Dispatcher().Broadcast(channel, []byte("two"), uuid.Nil)
	}()

	select {
	case got := <-done:
		if got != 1 {
			t.Errorf("second Broadcast() = %d, want 1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}

	if slow.Dropped() != 1 {
		t.Errorf("slow.Dropped() = %d, want 1", slow.Dropped())
	}
	if payloads := queued(slow); len(payloads) != 1 || string(payloads[0]) != "one" {
		t.Errorf("slow session kept %q, want the oldest frame", payloads)
	}
	stats := hub.Stats()
	if stats.Missed != 1 || stats.Dropped != 1 || stats.Delivered != 3 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

// TestBroadcastPreservesOrder checks FIFO delivery within a session.
func TestBroadcastPreservesOrder(t *testing.T) {
	hub := newTestHub(t, 16)
	channel := uuid.New()
	s := connectSession(hub, uuid.New())
	hub.Subscribe(s, channel)

	want := []string{"a", "b", "c", "d"}
	for _, payload := range want {
		hub.Dispatcher().Broadcast(channel, []byte(payload), uuid.Nil)
	}

	payloads := queued(s)
	if len(payloads) != len(want) {
		t.Fatalf("received %d payloads, want %d", len(payloads), len(want))
	}
	for i := range want {
		if string(payloads[i]) != want[i] {
			t.Errorf("payload %d = %q, want %q", i, payloads[i], want[i])
		}
	}
}

// TestPublishEncodesMessageCreated verifies the frame built from a stored
// message.
func TestPublishEncodesMessageCreated(t *testing.T) {
	hub := newTestHub(t, 8)
	channel := uuid.New()
	s := connectSession(hub, uuid.New())
	hub.Subscribe(s, channel)

	msg := store.Message{
		ID:        uuid.New(),
		ChannelID: channel,
		UserID:    uuid.New(),
		Username:  "alice",
		Content:   "hello there",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	delivered, err := hub.Publish(channel, msg)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if delivered != 1 {
		t.Fatalf("Publish() delivered %d, want 1", delivered)
	}

	frames := drain(t, s)
	if len(frames) != 1 {
		t.Fatalf("received %d frames, want 1", len(frames))
	}
	created, ok := frames[0].(protocol.MessageCreated)
	if !ok {
		t.Fatalf("received %T, want MessageCreated", frames[0])
	}
	if created.ID != msg.ID || created.ChannelID != channel || created.UserID != msg.UserID ||
		created.Username != msg.Username || created.Content != msg.Content || !created.CreatedAt.Equal(msg.CreatedAt) {
		t.Errorf("MessageCreated = %+v, want fields of %+v", created, msg)
	}
}

// TestConcurrentBroadcastAndUnsubscribe races broadcasts against membership
// churn; run with -race.
func TestConcurrentBroadcastAndUnsubscribe(t *testing.T) {
	hub := newTestHub(t, 1024)
	channel := uuid.New()
	listener := connectSession(hub, uuid.New())
	hub.Subscribe(listener, channel)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			hub.Dispatcher().Broadcast(channel, []byte("x"), uuid.Nil)
		}
	}()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := connectSession(hub, uuid.New())
			for j := 0; j < 10; j++ {
				hub.Subscribe(s, channel)
				hub.Unsubscribe(s, channel)
			}
			hub.Disconnect(s)
		}()
	}
	wg.Wait()

	if got := len(queued(listener)); got != 500 {
		t.Errorf("listener received %d payloads, want 500", got)
	}
	subscribers := hub.Index().SubscribersOf(channel)
	if len(subscribers) != 1 || subscribers[0] != listener.UserID() {
		t.Errorf("SubscribersOf() = %v, want only the listener", subscribers)
	}
}
