package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertSilent(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTripChannels(t *testing.T) {
	ch := TripEventsChannel("T1")
	assert.Equal(t, "collab:trip:T1:events", ch)

	id, ok := TripIDFromChannel(ch)
	assert.True(t, ok)
	assert.Equal(t, "T1", id)

	for _, bad := range []string{"", "collab:trip::events", "signal:room:R1:to_media", "collab:trip:T1"} {
		_, ok := TripIDFromChannel(bad)
		assert.False(t, ok, bad)
	}
}

func TestKafkaTopicMapping(t *testing.T) {
	topic, key, err := channelToTopicAndKey(TripEventsChannel("T9"))
	require.NoError(t, err)
	assert.Equal(t, "collab-events", topic)
	assert.Equal(t, "T9", key)

	topic, err = patternToTopic(PatternTripEvents)
	require.NoError(t, err)
	assert.Equal(t, "collab-events", topic)

	_, _, err = channelToTopicAndKey("collab:events")
	assert.Error(t, err)
}

func TestKafkaGroupPerInstance(t *testing.T) {
	a := &KafkaPubSub{config: KafkaConfig{GroupID: "collab-service", InstanceID: "node/a"}}
	b := &KafkaPubSub{config: KafkaConfig{GroupID: "collab-service", InstanceID: "node-b"}}

	ga := a.consumerGroupID(PatternTripEvents)
	gb := b.consumerGroupID(PatternTripEvents)
	assert.NotEqual(t, ga, gb)
	assert.Equal(t, "collab-service-node-a-collab-trip---events", ga)
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(EventMemberJoined, "T1", "inst-1", MemberPayload{SessionID: "s1", UserID: "u1", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "T1", ev.TripID)
	assert.Equal(t, "inst-1", ev.OriginInstanceID)
	assert.False(t, ev.Timestamp.IsZero())

	var p MemberPayload
	require.NoError(t, ev.UnmarshalPayload(&p))
	assert.Equal(t, "Alice", p.DisplayName)

	ev, err = NewEvent(EventSyncRequest, "", "inst-1", nil)
	require.NoError(t, err)
	assert.Nil(t, ev.Payload)
}

func TestNewPubSubDrivers(t *testing.T) {
	ps, err := NewPubSub(Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryPubSub{}, ps)
	require.NoError(t, ps.Close())

	_, err = NewPubSub(Config{Driver: "nats"})
	assert.Error(t, err)
}

func TestMemoryPubSub_SharedBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	a := NewMemoryPubSubWithBroker(broker)
	b := NewMemoryPubSubWithBroker(broker)
	defer a.Close()
	defer b.Close()

	all, err := b.SubscribePattern(ctx, PatternTripEvents)
	require.NoError(t, err)
	only, err := b.Subscribe(ctx, TripEventsChannel("T2"))
	require.NoError(t, err)

	ev, err := NewEvent(EventRelay, "T1", "a", nil)
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, TripEventsChannel("T1"), ev))

	got := receive(t, all)
	assert.Equal(t, "T1", got.TripID)
	assertSilent(t, only)

	ev2, _ := NewEvent(EventRelay, "T2", "a", nil)
	require.NoError(t, a.Publish(ctx, TripEventsChannel("T2"), ev2))
	assert.Equal(t, "T2", receive(t, all).TripID)
	assert.Equal(t, "T2", receive(t, only).TripID)
}

func TestMemoryPubSub_UnsubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	ps := NewMemoryPubSub()

	ch, err := ps.Subscribe(ctx, TripEventsChannel("T1"))
	require.NoError(t, err)
	require.NoError(t, ps.Unsubscribe(ctx, TripEventsChannel("T1")))

	_, ok := <-ch
	assert.False(t, ok, "channel closed after unsubscribe")

	require.NoError(t, ps.Close())
	ev, _ := NewEvent(EventRelay, "T1", "x", nil)
	assert.ErrorIs(t, ps.Publish(ctx, TripEventsChannel("T1"), ev), ErrClosed)
	_, err = ps.Subscribe(ctx, TripEventsChannel("T1"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryPubSub_ContextCancelClosesSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := NewMemoryPubSub()
	defer ps.Close()

	ch, err := ps.SubscribePattern(ctx, PatternTripEvents)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestRedisPubSub(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultConfig().Redis
	cfg.Address = mr.Addr()

	pub, err := NewRedisPubSub(cfg)
	require.NoError(t, err)
	defer pub.Close()
	sub, err := NewRedisPubSub(cfg)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.SubscribePattern(ctx, PatternTripEvents)
	require.NoError(t, err)

	ev, err := NewEvent(EventMemberLeft, "T1", "inst-a", MemberPayload{SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, TripEventsChannel("T1"), ev))

	got := receive(t, ch)
	assert.Equal(t, EventMemberLeft, got.Type)
	assert.Equal(t, "inst-a", got.OriginInstanceID)

	var p MemberPayload
	require.NoError(t, got.UnmarshalPayload(&p))
	assert.Equal(t, "s1", p.SessionID)

	require.NoError(t, sub.Unsubscribe(ctx, PatternTripEvents))
}

func TestRedisPubSub_ConnectFailure(t *testing.T) {
	cfg := DefaultConfig().Redis
	cfg.Address = "127.0.0.1:1"
	_, err := NewRedisPubSub(cfg)
	assert.Error(t, err)
}
