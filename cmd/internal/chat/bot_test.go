package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"roster/cmd/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type said struct {
	channel string
	text    string
}

type fakeSayer struct {
	mu   sync.Mutex
	msgs []said
	err  error
}

func (s *fakeSayer) Say(_ context.Context, channel, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, said{channel: channel, text: text})
	return s.err
}

func (s *fakeSayer) all() []said {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]said(nil), s.msgs...)
}

type broadcast struct {
	command  string
	username string
}

type fakeBroadcaster struct {
	mu  sync.Mutex
	got []broadcast
}

func (b *fakeBroadcaster) BroadcastBotCommand(command, username string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, broadcast{command: command, username: username})
	return 1
}

func (b *fakeBroadcaster) all() []broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast(nil), b.got...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBot_PingAnyCase(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"!ping", "!PING", "  !Ping  "} {
		say := &fakeSayer{}
		bc := &fakeBroadcaster{}
		bot := NewBot(discardLogger(), "rosterbot", DefaultCommands(), say, bc, nil)

		bot.HandleMessage(context.Background(), Message{Channel: "chan", Username: "viewer", Text: text})

		assert.Equal(t, []said{{channel: "chan", text: "Pong!"}}, say.all(), "text=%q", text)
		assert.Equal(t, []broadcast{{command: "!ping", username: "viewer"}}, bc.all(), "text=%q", text)
	}
}

func TestBot_IgnoresOwnMessages(t *testing.T) {
	t.Parallel()

	say := &fakeSayer{}
	bc := &fakeBroadcaster{}
	bot := NewBot(discardLogger(), "RosterBot", DefaultCommands(), say, bc, nil)

	bot.HandleMessage(context.Background(), Message{Channel: "chan", Username: "rosterbot", Text: "!ping"})

	assert.Empty(t, say.all())
	assert.Empty(t, bc.all())
}

func TestBot_UnmatchedMessageHasNoEffect(t *testing.T) {
	t.Parallel()

	say := &fakeSayer{}
	bc := &fakeBroadcaster{}
	bot := NewBot(discardLogger(), "rosterbot", DefaultCommands(), say, bc, nil)

	for _, text := range []string{"hello", "!pingpong", "ping", ""} {
		bot.HandleMessage(context.Background(), Message{Channel: "chan", Username: "viewer", Text: text})
	}

	assert.Empty(t, say.all())
	assert.Empty(t, bc.all())
}

func TestBot_ReplyFailureStillBroadcasts(t *testing.T) {
	t.Parallel()

	say := &fakeSayer{err: errors.New("not connected")}
	bc := &fakeBroadcaster{}
	bot := NewBot(discardLogger(), "rosterbot", DefaultCommands(), say, bc, nil)

	bot.HandleMessage(context.Background(), Message{Channel: "chan", Username: "viewer", Text: "!ping"})

	assert.Len(t, say.all(), 1)
	assert.Len(t, bc.all(), 1)
}

func TestBot_CommandTableIsNormalized(t *testing.T) {
	t.Parallel()

	say := &fakeSayer{}
	bc := &fakeBroadcaster{}
	bot := NewBot(discardLogger(), "rosterbot", map[string]Command{" !Lurk ": {Reply: "see you"}}, say, bc, nil)

	bot.HandleMessage(context.Background(), Message{Channel: "chan", Username: "viewer", Text: "!LURK"})

	assert.Equal(t, []said{{channel: "chan", text: "see you"}}, say.all())
	assert.Equal(t, []broadcast{{command: "!lurk", username: "viewer"}}, bc.all())
}

func TestBot_Metrics(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	bot := NewBot(discardLogger(), "rosterbot", DefaultCommands(), &fakeSayer{}, &fakeBroadcaster{}, m)
	ctx := context.Background()

	bot.HandleMessage(ctx, Message{Username: "rosterbot", Text: "!ping"})
	bot.HandleMessage(ctx, Message{Username: "viewer", Text: "!ping"})
	bot.HandleMessage(ctx, Message{Username: "viewer", Text: "hi"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatMessages.WithLabelValues("self")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatMessages.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatMessages.WithLabelValues("unmatched")))
}
