package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/wallet_layer/internal/logging"
)

// DefaultHeartbeat is the Phoenix heartbeat period used by Supabase Realtime.
const DefaultHeartbeat = 30 * time.Second

var (
	ErrNotConnected  = errors.New("realtime: not connected")
	ErrChannelClosed = errors.New("realtime: channel closed")
)

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// URL is the project URL (http or https); the websocket endpoint is
	// derived from it.
	URL       string
	APIKey    string
	Heartbeat time.Duration
	Logger    *logging.Logger
}

// RealtimeClient multiplexes Supabase Realtime channels over one websocket.
type RealtimeClient struct {
	url       string
	apiKey    string
	heartbeat time.Duration
	log       *logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	channels map[string]*Channel
	ref      int

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// EventHandler receives change events. Handlers run on the read loop and
// must not block.
type EventHandler func(event *RealtimeEvent)

// RealtimeEvent is one postgres_changes delivery.
type RealtimeEvent struct {
	Topic  string
	Type   string // INSERT, UPDATE or DELETE
	Schema string
	Table  string
	Record json.RawMessage
	Old    json.RawMessage
}

// PostgresChangesConfig configures a postgres_changes subscription.
type PostgresChangesConfig struct {
	Event  string // INSERT, UPDATE, DELETE or *
	Schema string
	Table  string
	Filter string // optional, e.g. "to_user_id=eq.abc"
}

// Channel is one joined realtime topic.
type Channel struct {
	client  *RealtimeClient
	topic   string
	joinRef string
	event   string
	handler EventHandler

	done      chan struct{}
	closeOnce sync.Once
}

// NewRealtimeClient creates a client. Connect must be called before
// subscribing.
func NewRealtimeClient(cfg RealtimeConfig) *RealtimeClient {
	wsURL := strings.TrimSuffix(cfg.URL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https"):
		wsURL = "wss" + wsURL[5:]
	case strings.HasPrefix(wsURL, "http"):
		wsURL = "ws" + wsURL[4:]
	}
	wsURL += "/realtime/v1/websocket?apikey=" + url.QueryEscape(cfg.APIKey) + "&vsn=1.0.0"

	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &RealtimeClient{
		url:       wsURL,
		apiKey:    cfg.APIKey,
		heartbeat: hb,
		log:       log,
		channels:  make(map[string]*Channel),
	}
}

// Connect dials the websocket if there is no live connection.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	done := make(chan struct{})
	r.conn = conn
	r.done = done

	go r.readLoop(conn, done)
	go r.heartbeatLoop(conn, done)

	r.log.WithContext(ctx).Debug("realtime connected")
	return nil
}

// Connected reports whether a connection is open.
func (r *RealtimeClient) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Close sends a close frame and drops the connection. Open channels end.
func (r *RealtimeClient) Close() error {
	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return nil
	}
	r.teardownLocked()
	r.mu.Unlock()

	r.writeMu.Lock()
	err := conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.writeMu.Unlock()
	conn.Close()
	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

// teardownLocked forgets the connection and ends every channel.
func (r *RealtimeClient) teardownLocked() {
	r.conn = nil
	close(r.done)
	for topic, ch := range r.channels {
		ch.end()
		delete(r.channels, topic)
	}
}

// SubscribeToPostgresChanges joins a fresh channel for cfg. Every call gets
// its own topic, so handlers of earlier subscriptions on the same table are
// never invoked for this one.
func (r *RealtimeClient) SubscribeToPostgresChanges(ctx context.Context, cfg PostgresChangesConfig, handler EventHandler) (*Channel, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := &Channel{
		client:  r,
		topic:   fmt.Sprintf("realtime:%s-%s", cfg.Table, uuid.NewString()),
		joinRef: r.nextRefLocked(),
		event:   strings.ToUpper(cfg.Event),
		handler: handler,
		done:    make(chan struct{}),
	}
	r.channels[ch.topic] = ch
	r.mu.Unlock()

	change := map[string]any{
		"event":  cfg.Event,
		"schema": cfg.Schema,
		"table":  cfg.Table,
	}
	if cfg.Filter != "" {
		change["filter"] = cfg.Filter
	}
	msg := map[string]any{
		"topic": ch.topic,
		"event": "phx_join",
		"payload": map[string]any{
			"config": map[string]any{
				"postgres_changes": []any{change},
			},
			"access_token": r.apiKey,
		},
		"ref":      ch.joinRef,
		"join_ref": ch.joinRef,
	}
	if err := r.write(conn, msg); err != nil {
		r.remove(ch)
		return nil, fmt.Errorf("send join: %w", err)
	}

	r.log.WithContext(ctx).WithField("topic", ch.topic).Debug("realtime channel joined")
	return ch, nil
}

// Topic returns the channel topic.
func (c *Channel) Topic() string {
	return c.topic
}

// Done is closed when the channel ends, either by Unsubscribe, by the server
// or because the connection was lost.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Unsubscribe leaves the channel. It is safe to call more than once.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	r := c.client
	r.mu.Lock()
	if _, ok := r.channels[c.topic]; !ok {
		r.mu.Unlock()
		c.end()
		return nil
	}
	delete(r.channels, c.topic)
	conn := r.conn
	ref := r.nextRefLocked()
	r.mu.Unlock()
	c.end()

	if conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := map[string]any{
		"topic":    c.topic,
		"event":    "phx_leave",
		"payload":  map[string]any{},
		"ref":      ref,
		"join_ref": c.joinRef,
	}
	if err := r.write(conn, msg); err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

func (c *Channel) end() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Channel) wants(eventType string) bool {
	return c.event == "*" || c.event == eventType
}

func (r *RealtimeClient) remove(ch *Channel) {
	r.mu.Lock()
	delete(r.channels, ch.topic)
	r.mu.Unlock()
	ch.end()
}

func (r *RealtimeClient) nextRefLocked() string {
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *RealtimeClient) write(conn *websocket.Conn, msg any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (r *RealtimeClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			lost := r.conn == conn
			if lost {
				r.teardownLocked()
			}
			r.mu.Unlock()
			if lost {
				conn.Close()
				r.log.WithError(err).Warn("realtime connection lost")
			}
			return
		}
		r.dispatch(message)
	}
}

func (r *RealtimeClient) dispatch(message []byte) {
	if !gjson.ValidBytes(message) {
		r.log.Debug("realtime: dropping malformed frame")
		return
	}
	msg := gjson.ParseBytes(message)
	topic := msg.Get("topic").String()
	event := msg.Get("event").String()

	switch event {
	case "phx_reply":
		if msg.Get("payload.status").String() == "error" {
			r.log.WithField("topic", topic).
				WithField("response", msg.Get("payload.response").Raw).
				Warn("realtime join rejected")
			r.endTopic(topic)
		}
		return
	case "phx_close", "phx_error":
		r.endTopic(topic)
		return
	case "heartbeat", "system", "presence_state", "presence_diff":
		return
	}

	r.mu.Lock()
	ch := r.channels[topic]
	r.mu.Unlock()
	if ch == nil || ch.handler == nil {
		return
	}

	payload := msg.Get("payload")
	data := payload.Get("data")
	if !data.Exists() {
		data = payload
	}
	eventType := data.Get("type").String()
	if eventType == "" {
		eventType = payload.Get("type").String()
	}
	if eventType == "" {
		eventType = event
	}
	eventType = strings.ToUpper(eventType)
	if !ch.wants(eventType) {
		return
	}

	ch.handler(&RealtimeEvent{
		Topic:  topic,
		Type:   eventType,
		Schema: data.Get("schema").String(),
		Table:  data.Get("table").String(),
		Record: rawOrNil(data.Get("record")),
		Old:    rawOrNil(data.Get("old_record")),
	})
}

func (r *RealtimeClient) endTopic(topic string) {
	r.mu.Lock()
	ch := r.channels[topic]
	delete(r.channels, topic)
	r.mu.Unlock()
	if ch != nil {
		ch.end()
	}
}

func rawOrNil(res gjson.Result) json.RawMessage {
	if !res.Exists() {
		return nil
	}
	return json.RawMessage(res.Raw)
}

func (r *RealtimeClient) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			ref := r.nextRefLocked()
			r.mu.Unlock()
			msg := map[string]any{
				"topic":   "phoenix",
				"event":   "heartbeat",
				"payload": map[string]any{},
				"ref":     ref,
			}
			if err := r.write(conn, msg); err != nil {
				r.log.WithError(err).Debug("realtime heartbeat failed")
			}
		}
	}
}
