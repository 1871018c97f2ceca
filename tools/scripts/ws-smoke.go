// Package main is a CI-friendly smoke test for the roster websocket channel.
//
// It connects two clients and checks that a presence announce is acknowledged
// to its sender only, that module actions get no reply, and that malformed
// announces come back as error envelopes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "roster/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name  string
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		label   = flag.String("label", "smoke", "Display label to announce")
		timeout = flag.Duration("timeout", 5*time.Second, "Per-step timeout")
		quiet   = flag.Duration("quiet", 750*time.Millisecond, "How long to wait when asserting silence")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	// Announce from A: A gets the ack, B gets nothing.
	mustWrite(root, a, v1.TypePresenceAnnounce, v1.PresenceAnnouncePayload{Label: *label}, *timeout)
	ack := a.mustReadType(root, v1.TypePresenceAck, *timeout)

	var p v1.PresenceAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal presence_ack: %v", err)
	}
	if p.Label != strings.TrimSpace(*label) {
		fatalf("ack label mismatch: got=%q want=%q", p.Label, *label)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("ack missing session_id")
	}
	b.mustStayQuiet(root, *quiet)
	if *verbose {
		fmt.Printf("announce: label=%q session_id=%s\n", p.Label, p.SessionID)
	}

	// Module actions are fire-and-forget.
	mustWrite(root, a, v1.TypeModuleAction, v1.ModuleActionPayload{
		Tag:     "theme",
		Payload: mustJSON(map[string]string{"theme": "dark"}),
	}, *timeout)
	a.mustStayQuiet(root, *quiet)

	// An empty label is rejected with an error envelope.
	mustWrite(root, b, v1.TypePresenceAnnounce, v1.PresenceAnnouncePayload{Label: "   "}, *timeout)
	errEnv := b.mustReadType(root, v1.TypeError, *timeout)

	var ep v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &ep); err != nil {
		fatalf("unmarshal error payload: %v", err)
	}
	if *verbose {
		fmt.Printf("empty label rejected: code=%q msg=%q\n", ep.Code, ep.Message)
	}

	fmt.Printf("OK: session_id=%s label=%q\n", p.SessionID, p.Label)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	go c.readLoop()
	return c
}

func (c *smokeClient) readLoop() {
	defer close(c.inbox)

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.fail(err)
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.fail(fmt.Errorf("bad json: %w", err))
			return
		}
		if err := env.Validate(); err != nil {
			c.fail(fmt.Errorf("bad envelope: %w", err))
			return
		}

		select {
		case c.inbox <- env:
		default:
			c.fail(errors.New("inbox overflow"))
			return
		}
	}
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) mustReadType(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q (%s)", want, c.name)
	case err := <-c.errCh:
		fatalf("connection error waiting for %q (%s): %v", want, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed waiting for %q (%s)", want, c.name)
		}
		if env.Type != want {
			fatalf("unexpected envelope (%s): got=%q want=%q", c.name, env.Type, want)
		}
		return env
	}
	return v1.Envelope{}
}

func (c *smokeClient) mustStayQuiet(parent context.Context, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	select {
	case <-ctx.Done():
	case err := <-c.errCh:
		fatalf("connection closed unexpectedly (%s): %v", c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed unexpectedly (%s)", c.name)
		}
		fatalf("unexpected %q received (%s)", env.Type, c.name)
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
