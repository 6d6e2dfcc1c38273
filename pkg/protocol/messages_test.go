package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayedEvent_EncodeKeepsPayloadCharacters(t *testing.T) {
	payload := json.RawMessage(`{"title":"<b>Louvre</b> & Orsay","url":"https://x.test/?a=1&b=2"}`)
	ev := &RelayedEvent{
		Type:      string(EventActivityCreate),
		TripID:    "T1",
		Payload:   payload,
		From:      "alice",
		SessionID: "s1",
		EventID:   "01HX",
		SentAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := ev.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), string(payload))
	assert.NotContains(t, string(data), `<`)
	assert.NotContains(t, string(data), `&`)
	assert.NotEqual(t, byte('\n'), data[len(data)-1])

	var got RelayedEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.Equal(t, "alice", got.From)
}

func TestRelayedEvent_EncodeCompactsWhitespace(t *testing.T) {
	ev := &RelayedEvent{Type: string(EventNoteCreate), TripID: "T1", Payload: json.RawMessage("{ \"a\" : 1 }")}

	data, err := ev.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"payload":{"a":1}`)
}
