package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/config"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func newTestClient(h *Hub, id string, buffer int) *Client {
	return NewClient(id, h, nil, domain.Identity{UserID: "u-" + id}, config.WebSocketConfig{SendBuffer: buffer})
}

func TestHub_CommandsRunInOrder(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, h.Do(ctx, func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestHub_DoWaitsForCompletion(t *testing.T) {
	h := startHub(t)

	ran := false
	require.NoError(t, h.Do(context.Background(), func() {
		time.Sleep(10 * time.Millisecond)
		ran = true
	}))
	assert.True(t, ran)
}

func TestHub_SendToRegisteredClient(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	c := newTestClient(h, "s1", 4)
	require.NoError(t, h.Register(ctx, c))

	var ok, missing bool
	require.NoError(t, h.Do(ctx, func() {
		ok = h.Send("s1", []byte("hello"))
		missing = h.Send("nobody", []byte("hello"))
	}))

	assert.True(t, ok)
	assert.False(t, missing)
	assert.Equal(t, []byte("hello"), <-c.Send)
}

func TestHub_SlowClientIsDetached(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	c := newTestClient(h, "slow", 1)
	require.NoError(t, h.Register(ctx, c))

	var first, second bool
	require.NoError(t, h.Do(ctx, func() {
		first = h.Send("slow", []byte("1"))
		second = h.Send("slow", []byte("2"))
	}))
	assert.True(t, first)
	assert.False(t, second)

	assert.Equal(t, []byte("1"), <-c.Send)
	_, open := <-c.Send
	assert.False(t, open, "send channel closed after drop")

	var present bool
	require.NoError(t, h.Do(ctx, func() { _, present = h.Client("slow") }))
	assert.False(t, present)
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	c := newTestClient(h, "s1", 4)
	require.NoError(t, h.Register(ctx, c))

	require.NoError(t, h.Unregister(ctx, c))
	require.NoError(t, h.Unregister(ctx, c))

	var ids []string
	require.NoError(t, h.Do(ctx, func() { ids = h.ClientIDs() }))
	assert.Empty(t, ids)
}

func TestHub_StopClosesClientsAndRejectsCommands(t *testing.T) {
	h := NewHub()
	go h.Run()
	ctx := context.Background()

	c := newTestClient(h, "s1", 4)
	require.NoError(t, h.Register(ctx, c))

	h.Stop()
	h.Stop()

	_, open := <-c.Send
	assert.False(t, open)
	assert.ErrorIs(t, h.Do(ctx, func() {}), ErrStopped)
}

func TestHub_DoHonoursContext(t *testing.T) {
	h := NewHub() // not running
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, h.Do(ctx, func() {}), context.Canceled)
}

func TestClient_SendMessageGoesThroughDispatcher(t *testing.T) {
	h := startHub(t)
	c := newTestClient(h, "s1", 4)
	require.NoError(t, h.Register(context.Background(), c))

	require.NoError(t, c.SendMessage(map[string]string{"type": "pong"}))
	assert.JSONEq(t, `{"type":"pong"}`, string(<-c.Send))
}
