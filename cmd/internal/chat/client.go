package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"roster/cmd/internal/metrics"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
	"gopkg.in/irc.v4"
)

const (
	readLimitBytes = 64 << 10
	writeTimeout   = 5 * time.Second

	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second

	// Twitch allows 20 messages per 30 seconds for a regular bot account.
	// Burst plus refill across any 30s window must stay within that.
	sayWindow   = 30 * time.Second
	sayLimit    = 20
	sayBurst    = sayLimit / 2
	sayInterval = sayWindow / (sayLimit - sayBurst)
)

var (
	errNotConnected    = errors.New("chat: not connected")
	errServerReconnect = errors.New("chat: server requested reconnect")
	errLoginFailed     = errors.New("chat: login authentication failed")
)

// Client maintains the outbound connection to the chat stream.
type Client struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	minBackoff time.Duration
	maxBackoff time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient constructs a Client. Call Run to connect.
func NewClient(cfg Config, log *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		limiter:    newSayLimiter(),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}, nil
}

// Run connects and delivers PRIVMSG lines to handler until ctx is done.
//
// When the connection drops it reconnects with exponential backoff if
// Config.Reconnect is set; otherwise the drop is returned. A cancelled ctx
// returns nil.
func (c *Client) Run(ctx context.Context, handler MessageHandler) error {
	backoff := c.minBackoff
	for {
		joined, err := c.session(ctx, handler)
		if ctx.Err() != nil {
			c.log.Info("chat.stop")
			return nil
		}
		if !c.cfg.Reconnect {
			return fmt.Errorf("chat: connection lost: %w", err)
		}
		if errors.Is(err, errLoginFailed) {
			c.log.Error("chat.login.fail", "channel", c.cfg.channel())
		}

		if joined {
			backoff = c.minBackoff
		}
		c.log.Warn("chat.disconnected", "err", err, "retry_in", backoff)
		c.metrics.ChatReconnect()

		select {
		case <-ctx.Done():
			c.log.Info("chat.stop")
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// Say sends text to channel, throttled to the Twitch rate limit.
func (c *Client) Say(ctx context.Context, channel, text string) error {
	conn := c.current()
	if conn == nil {
		return errNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chat: throttle: %w", err)
	}

	channel = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(channel)), "#")
	if channel == "" {
		channel = c.cfg.channel()
	}
	return writeMessage(ctx, conn, &irc.Message{
		Command: "PRIVMSG",
		Params:  []string{"#" + channel, text},
	})
}

func newSayLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(sayInterval), sayBurst)
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// session runs one connection until it fails. joined reports whether the
// server accepted the login.
func (c *Client) session(ctx context.Context, handler MessageHandler) (joined bool, err error) {
	conn, resp, err := websocket.Dial(ctx, c.cfg.ServerURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	conn.SetReadLimit(readLimitBytes)

	login := []*irc.Message{
		{Command: "PASS", Params: []string{c.cfg.pass()}},
		{Command: "NICK", Params: []string{c.cfg.nick()}},
		{Command: "JOIN", Params: []string{"#" + c.cfg.channel()}},
	}
	for _, m := range login {
		if err := writeMessage(ctx, conn, m); err != nil {
			return false, fmt.Errorf("login: %w", err)
		}
	}

	c.setConn(conn)
	defer c.setConn(nil)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return joined, fmt.Errorf("read: %w", err)
		}

		// One frame may carry several CRLF-terminated lines.
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}

			msg, err := irc.ParseMessage(line)
			if err != nil {
				c.log.Debug("chat.parse.fail", "err", err)
				continue
			}

			switch msg.Command {
			case "PING":
				if err := writeMessage(ctx, conn, &irc.Message{Command: "PONG", Params: msg.Params}); err != nil {
					return joined, fmt.Errorf("pong: %w", err)
				}
			case "001":
				joined = true
				c.log.Info("chat.connected", "channel", c.cfg.channel(), "nick", c.cfg.nick())
			case "RECONNECT":
				return joined, errServerReconnect
			case "NOTICE":
				if strings.Contains(strings.ToLower(msg.Trailing()), "authentication failed") {
					return joined, errLoginFailed
				}
			case "PRIVMSG":
				c.deliver(ctx, handler, msg)
			}
		}
	}
}

// deliver runs the handler for one PRIVMSG; a panicking handler is contained.
func (c *Client) deliver(ctx context.Context, handler MessageHandler, msg *irc.Message) {
	if handler == nil || msg.Prefix == nil || len(msg.Params) == 0 {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("chat.handler.panic", "panic", rec)
		}
	}()

	handler(ctx, Message{
		Channel:  strings.TrimPrefix(msg.Params[0], "#"),
		Username: msg.Prefix.Name,
		Text:     msg.Trailing(),
	})
}

func writeMessage(parent context.Context, conn *websocket.Conn, m *irc.Message) error {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, []byte(m.String()+"\r\n"))
}
