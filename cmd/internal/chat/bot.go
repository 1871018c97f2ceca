package chat

import (
	"context"
	"log/slog"
	"strings"

	"roster/cmd/internal/metrics"
)

// Message is one inbound chat line.
type Message struct {
	Channel  string
	Username string
	Text     string
}

// MessageHandler consumes inbound chat messages.
type MessageHandler func(ctx context.Context, msg Message)

// Sayer sends a reply into the chat stream.
type Sayer interface {
	Say(ctx context.Context, channel, text string) error
}

// Broadcaster fans a matched command out to the generic websocket channel.
type Broadcaster interface {
	BroadcastBotCommand(command, username string) int
}

// Command is the response bound to a normalized chat message.
type Command struct {
	Reply string
}

// DefaultCommands returns the built-in command table.
func DefaultCommands() map[string]Command {
	return map[string]Command{
		"!ping": {Reply: "Pong!"},
	}
}

// Bot matches chat messages against its command table.
type Bot struct {
	log       *slog.Logger
	identity  string
	commands  map[string]Command
	say       Sayer
	broadcast Broadcaster
	metrics   *metrics.Metrics
}

// NewBot constructs a Bot. Command keys are normalized the same way as messages.
func NewBot(log *slog.Logger, identity string, commands map[string]Command, say Sayer, broadcast Broadcaster, m *metrics.Metrics) *Bot {
	if log == nil {
		log = slog.Default()
	}

	table := make(map[string]Command, len(commands))
	for k, v := range commands {
		table[normalize(k)] = v
	}

	return &Bot{
		log:       log,
		identity:  strings.TrimSpace(identity),
		commands:  table,
		say:       say,
		broadcast: broadcast,
		metrics:   m,
	}
}

// HandleMessage ignores the bot's own messages; on a command match it replies
// once in chat and broadcasts once to the websocket channel.
func (b *Bot) HandleMessage(ctx context.Context, msg Message) {
	if strings.EqualFold(strings.TrimSpace(msg.Username), b.identity) {
		b.metrics.ChatMessage("self")
		return
	}

	key := normalize(msg.Text)
	cmd, ok := b.commands[key]
	if !ok {
		b.metrics.ChatMessage("unmatched")
		return
	}
	b.metrics.ChatMessage("matched")

	b.log.Info("chat.command", "command", key, "username", msg.Username, "channel", msg.Channel)

	if b.say != nil && cmd.Reply != "" {
		if err := b.say.Say(ctx, msg.Channel, cmd.Reply); err != nil {
			b.log.Error("chat.reply.fail", "command", key, "err", err)
		}
	}
	if b.broadcast != nil {
		b.broadcast.BroadcastBotCommand(key, msg.Username)
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
