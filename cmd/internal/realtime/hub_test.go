package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"roster/cmd/internal/metrics"
	v1 "roster/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(m *metrics.Metrics) *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), m)
}

func TestHub_BroadcastSkipsClosedAndFullClients(t *testing.T) {
	t.Parallel()

	h := newTestHub(nil)

	live := NewClient("live", "", 32)
	closed := NewClient("closed", "", 32)
	full := NewClient("full", "", 1)
	full.Send <- v1.Envelope{Type: "filler"}

	h.Join(live)
	h.Join(closed)
	h.Join(full)
	closed.Close()

	n := h.Broadcast(newEnvelope(v1.TypeBotCommand, json.RawMessage(`{}`), time.Now()))
	assert.Equal(t, 1, n)
	assert.Len(t, live.Send, 1)
	assert.Len(t, closed.Send, 0)
}

func TestHub_LeaveClosesClient(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	h := newTestHub(m)
	c := NewClient("c1", "", 32)

	h.Join(c)
	h.Join(c)
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSConnections))

	h.Leave("c1")
	h.Leave("c1")
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WSConnections))

	select {
	case <-c.Done():
	default:
		t.Fatal("client must be closed after leave")
	}
}

func TestHub_BroadcastBotCommandPayload(t *testing.T) {
	t.Parallel()

	h := newTestHub(nil)
	c := NewClient("c1", "", 32)
	h.Join(c)

	require.Equal(t, 1, h.BroadcastBotCommand("!ping", "viewer"))

	env := <-c.Send
	require.NoError(t, env.Validate())
	assert.Equal(t, v1.TypeBotCommand, env.Type)
	assert.NotEmpty(t, env.ID)

	var p v1.BotCommandPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, v1.BotCommandPayload{Command: "!ping", Username: "viewer"}, p)
}

func TestClient_NilIsDone(t *testing.T) {
	t.Parallel()

	var c *Client
	select {
	case <-c.Done():
	default:
		t.Fatal("nil client must report done")
	}
	c.Close()
}
