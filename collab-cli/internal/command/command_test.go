package command

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-trip-collab/pkg/collab"
	"github.com/weiawesome/wes-trip-collab/pkg/jwt"
	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	root := NewRootCmd(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	out, err := run(t, "token", "--user", "u1", "--name", "Alice", "--secret", "s3cret", "--ttl", "1h")
	require.NoError(t, err)

	tokens, err := jwt.NewManager("s3cret", "", time.Hour)
	require.NoError(t, err)
	claims, err := tokens.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "Alice", claims.Username)
}

func TestTokenCommand_SecretFromEnv(t *testing.T) {
	t.Setenv("COLLAB_JWT_SECRET", "from-env")

	out, err := run(t, "token", "--user", "u1")
	require.NoError(t, err)

	tokens, err := jwt.NewManager("from-env", "", time.Hour)
	require.NoError(t, err)
	_, err = tokens.ValidateToken(strings.TrimSpace(out))
	assert.NoError(t, err)
}

func TestTokenCommand_RequiresUser(t *testing.T) {
	_, err := run(t, "token", "--secret", "s3cret")
	assert.Error(t, err)
}

func TestEventsCommand(t *testing.T) {
	out, err := run(t, "events")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, len(protocol.EventNames()))
	assert.Contains(t, lines, string(protocol.EventChecklistItemToggle))
}

func TestEmitCommand_NeedsToken(t *testing.T) {
	_, err := run(t, "emit", "trip-1", "activity:create")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestParsePayload(t *testing.T) {
	raw, err := parsePayload(protocol.EventActivityCreate, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	raw, err = parsePayload(protocol.EventActivityCreate, []string{`{"id":"a1"}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a1"}`, string(raw))

	_, err = parsePayload(protocol.EventActivityCreate, []string{`{broken`})
	assert.Error(t, err)

	_, err = parsePayload(protocol.EventName("activity:explode"), nil)
	assert.ErrorIs(t, err, collab.ErrUnknownEvent)
}

func TestSubscribePrinter_HandlesAreClosable(t *testing.T) {
	session := collab.NewSession(collab.Options{URL: "ws://collab.test/ws"})
	t.Cleanup(func() { session.Close() })
	mux := collab.NewMultiplexer(session)

	subs := subscribePrinter(mux, &lineWriter{w: &bytes.Buffer{}})
	require.Len(t, subs, 4+len(protocol.EventNames()))
	assert.Equal(t, 1, mux.Subscribers(protocol.MsgTypeRoomMembers))
	assert.Equal(t, 1, mux.Subscribers(string(protocol.EventActivityCreate)))

	for _, sub := range subs {
		sub.Close()
	}
	assert.Zero(t, mux.Subscribers(protocol.MsgTypeRoomMembers))
	assert.Zero(t, mux.Subscribers(protocol.MsgTypeUserLeft))
	assert.Zero(t, mux.Subscribers(string(protocol.EventActivityCreate)))
}
