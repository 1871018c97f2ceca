package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"roster/cmd/internal/metrics"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"gopkg.in/irc.v4"
)

// fakeTwitch is an IRC-over-websocket server that hands each accepted
// connection to the test.
type fakeTwitch struct {
	srv   *httptest.Server
	conns chan *fakeConn
}

type fakeConn struct {
	conn  *websocket.Conn
	lines chan *irc.Message
}

func newFakeTwitch(t *testing.T) *fakeTwitch {
	t.Helper()

	f := &fakeTwitch{conns: make(chan *fakeConn, 8)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{conn: conn, lines: make(chan *irc.Message, 64)}
		f.conns <- fc

		defer close(fc.lines)
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			for _, line := range strings.Split(strings.TrimSpace(string(data)), "\r\n") {
				if m, err := irc.ParseMessage(line); err == nil {
					fc.lines <- m
				}
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTwitch) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeTwitch) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case fc := <-f.conns:
		t.Cleanup(func() { _ = fc.conn.CloseNow() })
		return fc
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func (fc *fakeConn) send(t *testing.T, line string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fc.conn.Write(ctx, websocket.MessageText, []byte(line+"\r\n")))
}

func (fc *fakeConn) expect(t *testing.T, command string) *irc.Message {
	t.Helper()
	for {
		select {
		case m, ok := <-fc.lines:
			require.True(t, ok, "connection closed while waiting for %s", command)
			if m.Command == command {
				return m
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no %s received", command)
			return nil
		}
	}
}

func (fc *fakeConn) login(t *testing.T) {
	t.Helper()
	fc.expect(t, "PASS")
	fc.expect(t, "NICK")
	fc.expect(t, "JOIN")
	fc.send(t, ":tmi.twitch.tv 001 rosterbot :Welcome, GLHF!")
}

func testConfig(url string) Config {
	return Config{
		Username:  "RosterBot",
		Token:     "secret",
		Channel:   "#Chan",
		Reconnect: true,
		URL:       url,
	}
}

func newTestClient(t *testing.T, cfg Config, m *metrics.Metrics) *Client {
	t.Helper()
	c, err := NewClient(cfg, discardLogger(), m)
	require.NoError(t, err)
	c.minBackoff = 10 * time.Millisecond
	c.maxBackoff = 20 * time.Millisecond
	return c
}

func runClient(t *testing.T, c *Client, handler MessageHandler) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, handler) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestClient_LoginPingAndCommandRoundTrip(t *testing.T) {
	srv := newFakeTwitch(t)
	c := newTestClient(t, testConfig(srv.url()), nil)

	bc := &fakeBroadcaster{}
	bot := NewBot(discardLogger(), "RosterBot", DefaultCommands(), c, bc, nil)
	cancel, done := runClient(t, c, bot.HandleMessage)

	fc := srv.accept(t)

	pass := fc.expect(t, "PASS")
	assert.Equal(t, "oauth:secret", pass.Params[0])
	nick := fc.expect(t, "NICK")
	assert.Equal(t, "rosterbot", nick.Params[0])
	join := fc.expect(t, "JOIN")
	assert.Equal(t, "#chan", join.Params[0])

	fc.send(t, "PING :tmi.twitch.tv")
	pong := fc.expect(t, "PONG")
	assert.Equal(t, "tmi.twitch.tv", pong.Trailing())

	fc.send(t, ":tmi.twitch.tv 001 rosterbot :Welcome, GLHF!")
	fc.send(t, ":rosterbot!rosterbot@rosterbot.tmi.twitch.tv PRIVMSG #chan :!ping")
	fc.send(t, ":viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #chan :!PING")

	reply := fc.expect(t, "PRIVMSG")
	assert.Equal(t, "#chan", reply.Params[0])
	assert.Equal(t, "Pong!", reply.Trailing())

	require.Eventually(t, func() bool { return len(bc.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, broadcast{command: "!ping", username: "viewer"}, bc.all()[0])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	srv := newFakeTwitch(t)
	m := metrics.New(prometheus.NewRegistry())
	c := newTestClient(t, testConfig(srv.url()), m)
	runClient(t, c, nil)

	first := srv.accept(t)
	first.login(t)
	require.NoError(t, first.conn.Close(websocket.StatusGoingAway, "maintenance"))

	second := srv.accept(t)
	second.expect(t, "PASS")
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.ChatReconnects), 1.0)
}

func TestClient_ServerRequestedReconnect(t *testing.T) {
	srv := newFakeTwitch(t)
	c := newTestClient(t, testConfig(srv.url()), nil)
	runClient(t, c, nil)

	first := srv.accept(t)
	first.login(t)
	first.send(t, ":tmi.twitch.tv RECONNECT")

	second := srv.accept(t)
	second.expect(t, "PASS")
}

func TestClient_NoReconnectReturnsError(t *testing.T) {
	srv := newFakeTwitch(t)
	cfg := testConfig(srv.url())
	cfg.Reconnect = false
	c := newTestClient(t, cfg, nil)
	_, done := runClient(t, c, nil)

	fc := srv.accept(t)
	fc.login(t)
	require.NoError(t, fc.conn.Close(websocket.StatusGoingAway, "bye"))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run must return when reconnect is disabled")
	}
}

func TestClient_SayWithoutConnection(t *testing.T) {
	c := newTestClient(t, testConfig("ws://127.0.0.1:1"), nil)
	assert.ErrorIs(t, c.Say(context.Background(), "chan", "hi"), errNotConnected)
}

func TestSayLimiter_StaysWithinTwitchWindow(t *testing.T) {
	t.Parallel()

	const step = 100 * time.Millisecond
	lim := newSayLimiter()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// A sender that retries as fast as it can for three windows.
	var sent []time.Time
	for now := start; !now.After(start.Add(3 * sayWindow)); now = now.Add(step) {
		for lim.AllowN(now, 1) {
			sent = append(sent, now)
		}
	}
	require.NotEmpty(t, sent)

	for i, from := range sent {
		n := 0
		for _, at := range sent[i:] {
			if at.Sub(from) > sayWindow {
				break
			}
			n++
		}
		assert.LessOrEqual(t, n, sayLimit, "sends in the 30s window starting at %s", from.Sub(start))
	}
	assert.GreaterOrEqual(t, len(sent), sayLimit+sayBurst, "throttle should still let steady traffic through")
}

func TestConfig(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Username: "bot"}, nil, nil)
	require.ErrorIs(t, err, ErrNotConfigured)

	cfg := Config{Username: " Bot ", Token: "oauth:abc", Channel: "#Room"}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, insecureURL, cfg.ServerURL())
	assert.Equal(t, "bot", cfg.nick())
	assert.Equal(t, "room", cfg.channel())
	assert.Equal(t, "oauth:abc", cfg.pass())

	cfg.Secure = true
	assert.Equal(t, secureURL, cfg.ServerURL())
	cfg.URL = "ws://localhost:9999"
	assert.Equal(t, "ws://localhost:9999", cfg.ServerURL())
}

func TestTokenFromKeyring(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set(keyringService, "rosterbot", "oauth:stored"))

	tok, err := TokenFromKeyring("rosterbot")
	require.NoError(t, err)
	assert.Equal(t, "oauth:stored", tok)

	_, err = TokenFromKeyring("nobody")
	assert.ErrorIs(t, err, keyring.ErrNotFound)

	_, err = TokenFromKeyring(" ")
	assert.Error(t, err)
}
