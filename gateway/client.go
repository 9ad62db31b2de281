// Package gateway keeps the bot's websocket session with the chat service.
// It performs the handshake, heartbeats, resumes after disconnects and
// carries the outbound ops that publish commands and answer interactions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/toolink/cogbot/command"
	"github.com/toolink/cogbot/pubsub"
)

// Broker topics fed by the client.
const (
	TopicReady       = "gateway.ready"
	TopicResumed     = "gateway.resumed"
	TopicInteraction = "gateway.interaction"
)

const writeTimeout = 10 * time.Second

var (
	// ErrNotConnected is returned when sending while no session is open.
	ErrNotConnected = errors.New("gateway: not connected")

	errReconnect      = errors.New("gateway: server requested reconnect")
	errInvalidSession = errors.New("gateway: session invalidated")
	errZombie         = errors.New("gateway: heartbeat not acknowledged")
)

// Config holds the connection settings.
type Config struct {
	URL              string        `mapstructure:"url"`
	Token            string        `mapstructure:"token"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MinBackoff       time.Duration `mapstructure:"min_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(30*time.Second, c.MinBackoff)
	}
}

// Resumed is the payload published on TopicResumed.
type Resumed struct {
	SessionID string `json:"session_id"`
}

// Client is one bot session. It is safe for concurrent use.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	broker *pubsub.Broker

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.RWMutex
	sessionID string
	user      User
	guilds    map[string]Guild

	seq           atomic.Uint64
	latency       atomic.Int64
	heartbeatSent atomic.Int64 // unix nanos of the unacknowledged heartbeat, 0 if none
}

// New creates a client publishing its events on broker.
func New(cfg Config, broker *pubsub.Broker) *Client {
	cfg.setDefaults()
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		broker: broker,
		guilds: make(map[string]Guild),
	}
}

// Run connects and keeps the session alive until ctx ends. A failure of the
// first connection is returned; later failures are retried with backoff.
func (c *Client) Run(ctx context.Context) error {
	conn, interval, err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("gateway: initial connect: %w", err)
	}
	log.Info().Str("url", c.cfg.URL).Dur("heartbeat_interval", interval).Msg("gateway connected")

	for {
		err := c.serve(ctx, conn, interval)
		_ = conn.Close()
		if ctx.Err() != nil {
			log.Info().Msg("gateway closed")
			return nil
		}
		log.Warn().Err(err).Msg("gateway session interrupted, reconnecting...")

		conn, interval, err = c.reconnect(ctx)
		if err != nil {
			log.Info().Msg("gateway closed while reconnecting")
			return nil
		}
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, time.Duration, error) {
	backoff := c.cfg.MinBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
		}

		conn, interval, err := c.connect(ctx)
		if err == nil {
			log.Info().Int("attempt", attempt).Msg("gateway reconnected")
			return conn, interval, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("gateway reconnect failed")
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// connect dials, reads hello and sends identify or resume.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, time.Duration, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dial: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("read hello: %w", err)
	}
	if f.Op != OpHello {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("expected %s, got %s", OpHello, f.Op)
	}
	var hello Hello
	if err := f.decode(&hello); err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("invalid heartbeat interval %d", hello.HeartbeatInterval)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.RLock()
	sessionID := c.sessionID
	c.mu.RUnlock()

	var out Frame
	if sessionID != "" {
		out, err = newFrame(OpResume, Resume{Token: c.cfg.Token, SessionID: sessionID, Seq: c.seq.Load()})
		log.Debug().Str("session_id", sessionID).Uint64("seq", c.seq.Load()).Msg("resuming gateway session")
	} else {
		out, err = newFrame(OpIdentify, Identify{Token: c.cfg.Token})
		log.Debug().Msg("identifying new gateway session")
	}
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(out); err != nil {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("write %s: %w", out.Op, err)
	}
	return conn, interval, nil
}

// serve reads frames from conn until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, interval time.Duration) error {
	c.setConn(conn)
	defer c.setConn(nil)
	c.heartbeatSent.Store(0)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	hbErr := make(chan error, 1)
	go func() { hbErr <- c.heartbeat(sessCtx, conn, interval) }()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case herr := <-hbErr:
				if herr != nil {
					return herr
				}
			default:
			}
			return fmt.Errorf("gateway: read: %w", err)
		}
		if err := c.handle(ctx, f); err != nil {
			return err
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if c.heartbeatSent.Load() != 0 {
			log.Warn().Dur("interval", interval).Msg("heartbeat not acknowledged, dropping connection")
			_ = conn.Close()
			return errZombie
		}
		if err := c.sendHeartbeat(); err != nil {
			log.Warn().Err(err).Msg("failed to send heartbeat")
			return err
		}
	}
}

func (c *Client) sendHeartbeat() error {
	f, err := newFrame(OpHeartbeat, c.seq.Load())
	if err != nil {
		return err
	}
	c.heartbeatSent.Store(time.Now().UnixNano())
	return c.send(f)
}

func (c *Client) handle(ctx context.Context, f Frame) error {
	if f.S > 0 {
		c.seq.Store(f.S)
	}

	switch f.Op {
	case OpHeartbeatAck:
		if sent := c.heartbeatSent.Swap(0); sent != 0 {
			c.latency.Store(time.Now().UnixNano() - sent)
		}
	case OpHeartbeat:
		return c.sendHeartbeat()
	case OpReconnect:
		return errReconnect
	case OpInvalidSession:
		c.resetSession()
		return errInvalidSession
	case OpDispatch:
		c.dispatch(ctx, f)
	default:
		log.Debug().Str("op", f.Op).Msg("ignoring unknown gateway op")
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, f Frame) {
	switch f.T {
	case EventReady:
		var r Ready
		if err := f.decode(&r); err != nil {
			log.Error().Err(err).Msg("malformed ready payload")
			return
		}
		c.mu.Lock()
		c.sessionID = r.SessionID
		c.user = r.User
		c.guilds = make(map[string]Guild, len(r.Guilds))
		for _, g := range r.Guilds {
			c.guilds[g.ID] = g
		}
		c.mu.Unlock()
		c.emit(ctx, TopicReady, r)

	case EventResumed:
		c.mu.RLock()
		sessionID := c.sessionID
		c.mu.RUnlock()
		c.emit(ctx, TopicResumed, Resumed{SessionID: sessionID})

	case EventInteraction:
		var in command.Interaction
		if err := f.decode(&in); err != nil {
			log.Error().Err(err).Msg("malformed interaction payload")
			return
		}
		c.emit(ctx, TopicInteraction, in)

	case EventGuildCreate, EventGuildDelete:
		var g Guild
		if err := f.decode(&g); err != nil {
			log.Error().Err(err).Str("event", f.T).Msg("malformed guild payload")
			return
		}
		c.mu.Lock()
		if f.T == EventGuildCreate {
			c.guilds[g.ID] = g
		} else {
			delete(c.guilds, g.ID)
		}
		c.mu.Unlock()

	default:
		log.Trace().Str("event", f.T).Msg("ignoring dispatch")
	}
}

func (c *Client) emit(ctx context.Context, topic string, v any) {
	if c.broker == nil {
		return
	}
	if err := c.broker.Emit(ctx, topic, v); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to publish gateway event")
	}
}

func (c *Client) resetSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.guilds = make(map[string]Guild)
	c.mu.Unlock()
	c.seq.Store(0)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

func (c *Client) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("gateway: write %s: %w", f.Op, err)
	}
	return nil
}

// SyncCommands publishes the full command list.
func (c *Client) SyncCommands(ctx context.Context, cmds []command.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	specs := make([]CommandSpec, 0, len(cmds))
	for _, cmd := range cmds {
		specs = append(specs, CommandSpec{Name: cmd.Name, Description: cmd.Description})
	}
	f, err := newFrame(OpSyncCommands, specs)
	if err != nil {
		return err
	}
	return c.send(f)
}

// Respond answers an interaction.
func (c *Client) Respond(ctx context.Context, interactionID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := newFrame(OpRespond, Response{InteractionID: interactionID, Content: content})
	if err != nil {
		return err
	}
	return c.send(f)
}

// SetPresence updates the bot's status and activity.
func (c *Client) SetPresence(ctx context.Context, p Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := newFrame(OpPresence, p)
	if err != nil {
		return err
	}
	if err := c.send(f); err != nil {
		return err
	}
	log.Debug().Str("status", p.Status).Str("activity", p.Activity).Msg("presence updated")
	return nil
}

// Latency is the round trip of the last acknowledged heartbeat, 0 before
// the first acknowledgement.
func (c *Client) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

// User returns the bot account of the current session.
func (c *Client) User() User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// SessionID returns the current session id, empty before READY.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// GuildCount returns the number of guilds the bot is in.
func (c *Client) GuildCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.guilds)
}

// UserCount sums the member counts of every guild.
func (c *Client) UserCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, g := range c.guilds {
		n += g.MemberCount
	}
	return n
}

// Guilds lists the guilds sorted by name.
func (c *Client) Guilds() []Guild {
	c.mu.RLock()
	out := make([]Guild, 0, len(c.guilds))
	for _, g := range c.guilds {
		out = append(out, g)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var (
	_ command.Syncer    = (*Client)(nil)
	_ command.Responder = (*Client)(nil)
)
