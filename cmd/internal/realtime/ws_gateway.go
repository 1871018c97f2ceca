package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"roster/cmd/internal/metrics"
	v1 "roster/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3

	presenceAckMessage = "session registered"
)

// PresenceRegistry is the session store the gateway announces into.
type PresenceRegistry interface {
	Add(label string) string
}

// ModuleDispatcher routes module actions by tag.
type ModuleDispatcher interface {
	Dispatch(ctx context.Context, tag string, payload json.RawMessage) error
}

// WSGateway is the generic-channel WebSocket entrypoint.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and routes validated envelopes to the presence registry and module table.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	presence PresenceRegistry
	modules  ModuleDispatcher
	metrics  *metrics.Metrics

	cfg            GatewayConfig
	originPatterns []string
}

// NewWSGateway constructs a gateway. presence and modules are required.
func NewWSGateway(log *slog.Logger, hub *Hub, presence PresenceRegistry, modules ModuleDispatcher, cfg GatewayConfig, m *metrics.Metrics) (*WSGateway, error) {
	if presence == nil {
		return nil, errors.New("realtime: nil presence registry")
	}
	if modules == nil {
		return nil, errors.New("realtime: nil module dispatcher")
	}
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, m)
	}

	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		hub:            hub,
		presence:       presence,
		modules:        modules,
		metrics:        m,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// Hub returns the broadcast hub the gateway registers connections in.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs its event loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(NewConnectionID(), r.RemoteAddr, g.cfg.SendQueueSize)
	g.hub.Join(client)
	g.log.Info("ws.connect", "client_id", client.ID, "remote", client.Remote)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce   sync.Once
		closeReason string
	)

	// shutdown is idempotent. Hub removal happens before the client is closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			closeReason = reason
			g.hub.Leave(client.ID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, client, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, conn, client, shutdown)
	}()

	g.readLoop(ctx, conn, client, shutdown)

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	// Sessions are not tied to transport lifetime; they expire on their own.
	g.log.Info("ws.disconnect", "client_id", client.ID, "reason", closeReason)
}

func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "client_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (g *WSGateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "client_id", client.ID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if g.cfg.ReadIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		}
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "client_id", client.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if !rl.Allow(time.Now().UTC()) {
			g.metrics.WSEvent("any", "rate_limited")
			// Written directly: shutdown closes the send queue before writeLoop drains it.
			if err := writeEnvelope(ctx, conn, errorEnvelope("rate_limited", "too many events"), g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "client_id", client.ID, "err", err)
			}
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		g.handleFrame(ctx, client, data)
	}
}

// handleFrame processes one inbound frame. Failures are reported to the sender
// and never affect the loop or other connections.
func (g *WSGateway) handleFrame(ctx context.Context, client *Client, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			g.log.Error("ws.event.panic", "client_id", client.ID, "panic", rec)
			g.trySendError(ctx, client, "internal", "event failed")
		}
	}()

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		g.metrics.WSEvent("unknown", "bad_json")
		g.trySendError(ctx, client, "bad_json", "invalid JSON")
		return
	}
	if err := env.Validate(); err != nil {
		g.metrics.WSEvent("unknown", "bad_envelope")
		g.trySendError(ctx, client, "bad_envelope", err.Error())
		return
	}

	switch env.Type {
	case v1.TypePresenceAnnounce:
		if err := g.onPresenceAnnounce(ctx, client, env); err != nil {
			g.metrics.WSEvent(env.Type, "rejected")
			g.trySendError(ctx, client, "announce_failed", err.Error())
			return
		}

	case v1.TypeModuleAction:
		if err := g.onModuleAction(ctx, client, env); err != nil {
			g.metrics.WSEvent(env.Type, "rejected")
			g.trySendError(ctx, client, "bad_payload", err.Error())
			return
		}

	default:
		g.metrics.WSEvent(env.Type, "unsupported")
		g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		return
	}

	g.metrics.WSEvent(env.Type, "ok")
}

// ---- handlers ----

func (g *WSGateway) onPresenceAnnounce(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.PresenceAnnouncePayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}

	label := strings.TrimSpace(p.Label)
	if label == "" {
		return errors.New("missing label")
	}
	if utf8.RuneCountInString(label) > maxLabelChars {
		return fmt.Errorf("label too long: max=%d chars", maxLabelChars)
	}

	id := g.presence.Add(label)

	ackPayload, _ := json.Marshal(v1.PresenceAckPayload{
		Label:     label,
		Message:   presenceAckMessage,
		SessionID: id,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypePresenceAck, ackPayload, time.Now().UTC())) {
		g.log.Info("ws.ack.drop", "client_id", client.ID, "session_id", id)
	}
	return nil
}

// onModuleAction is fire-and-forget: only malformed payloads are reported back.
// Unknown tags and handler failures are logged by the dispatcher and dropped.
func (g *WSGateway) onModuleAction(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ModuleActionPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}

	tag := strings.TrimSpace(p.Tag)
	if tag == "" {
		return errors.New("missing tag")
	}
	if len(tag) > maxTagBytes {
		return fmt.Errorf("tag too long: max=%d bytes", maxTagBytes)
	}

	if err := g.modules.Dispatch(ctx, tag, p.Payload); err != nil {
		g.log.Info("ws.module_action.dropped", "client_id", client.ID, "tag", tag, "err", err)
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	_ = g.enqueue(ctx, client, errorEnvelope(code, msg))
}

func errorEnvelope(code, msg string) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return newEnvelope(v1.TypeError, p, time.Now().UTC())
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		TS:      ts,
		Payload: payload,
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
