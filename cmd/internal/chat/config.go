// Package chat connects to a Twitch chat channel and answers chat commands.
//
// The transport is Twitch IRC over WebSocket. Matched commands are replied to in
// chat and broadcast to the generic websocket channel.
package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	secureURL   = "wss://irc-ws.chat.twitch.tv:443"
	insecureURL = "ws://irc-ws.chat.twitch.tv:80"

	keyringService = "roster"
)

// ErrNotConfigured is returned when identity, token or channel is missing.
var ErrNotConfigured = errors.New("chat: not configured")

// Config is the startup-only chat stream configuration.
type Config struct {
	// Username is the bot identity; messages from it are ignored.
	Username string
	// Token is the OAuth token, with or without the "oauth:" prefix.
	Token   string
	Channel string

	Reconnect bool
	Secure    bool

	// URL overrides the Twitch endpoint (tests, proxies).
	URL string
}

// Validate reports ErrNotConfigured when any required field is empty.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Username) == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(c.Token) == "" {
		missing = append(missing, "token")
	}
	if strings.TrimSpace(c.Channel) == "" {
		missing = append(missing, "channel")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// ServerURL returns the websocket endpoint to dial.
func (c Config) ServerURL() string {
	if u := strings.TrimSpace(c.URL); u != "" {
		return u
	}
	if c.Secure {
		return secureURL
	}
	return insecureURL
}

func (c Config) nick() string {
	return strings.ToLower(strings.TrimSpace(c.Username))
}

func (c Config) channel() string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Channel), "#"))
}

func (c Config) pass() string {
	tok := strings.TrimSpace(c.Token)
	if strings.HasPrefix(tok, "oauth:") {
		return tok
	}
	return "oauth:" + tok
}

// TokenFromKeyring reads the chat token stored under account in the OS keyring.
func TokenFromKeyring(account string) (string, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return "", errors.New("chat: empty keyring account")
	}
	tok, err := keyring.Get(keyringService, account)
	if err != nil {
		return "", fmt.Errorf("chat: keyring %s: %w", account, err)
	}
	return tok, nil
}
