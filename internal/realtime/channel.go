// Package realtime maintains the bot's authenticated WebSocket channel to
// the broadcast daemon: auth on open, ping/pong liveness, exponential
// backoff reconnects and an hours-scale scheduled self-reconnect.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/quillhaven/keycast/internal/domain"
)

// TokenSource is the slice of the session manager the channel needs to
// authenticate after each (re)connect.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, bool)
}

// Options configures a Channel. Zero values pick the defaults.
type Options struct {
	URL     string
	Session TokenSource
	Log     *logrus.Logger

	PingInterval time.Duration // default 30s
	PongTimeout  time.Duration // default 10s
	AuthTimeout  time.Duration // default 10s
	DialTimeout  time.Duration // default 15s

	BackoffBase          time.Duration // default 1s
	BackoffCap           time.Duration // default 30s
	MaxReconnectAttempts int           // default 10

	// RotationInterval bounds the lifetime of any single connection,
	// forcing credential re-validation. Default 6h.
	RotationInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Log == nil {
		o.Log = logrus.New()
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 10 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.RotationInterval <= 0 {
		o.RotationInterval = 6 * time.Hour
	}
}

// Channel is one resilient client connection. All timers it arms have a
// guaranteed cancel path through Disconnect.
type Channel struct {
	opts   Options
	log    *logrus.Logger
	events chan Event

	writeMu sync.Mutex // conn writes are not concurrency-safe

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	attempts int
	closed   bool
	rotating bool
	backoff  *backoff.ExponentialBackOff

	authTimer      *time.Timer
	pongTimer      *time.Timer
	reconnectTimer *time.Timer
	rotationTimer  *time.Timer
	pingStop       chan struct{}
}

func NewChannel(opts Options) *Channel {
	opts.applyDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = opts.BackoffCap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &Channel{
		opts:    opts,
		log:     opts.Log,
		events:  make(chan Event, 32),
		state:   StateIdle,
		backoff: b,
	}
}

// Events is the owner's notification stream.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts a connection attempt unless one is already under way.
func (c *Channel) Connect() {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return
	case c.state == StateConnecting || c.state == StateAwaitingAuth || c.state == StateOpen:
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	go c.attempt()
}

// Disconnect is terminal: every timer is cancelled, the attempt counter is
// exhausted so no pending backoff fires, and the socket closes cleanly.
// No events are emitted after this call.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	c.attempts = c.opts.MaxReconnectAttempts
	c.stopTimersLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		conn.Close()
	}
	c.log.Info("realtime channel disconnected")
}

// attempt dials, sends auth and hands the socket to the read loop.
func (c *Channel) attempt() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	token, ok := c.opts.Session.EnsureValidToken(ctx)
	cancel()
	if !ok {
		c.log.Warn("no valid token for realtime connect")
		c.failAttempt(nil)
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	conn, _, err := dialer.Dial(c.opts.URL, nil)
	if err != nil {
		c.log.WithError(err).Warn("realtime dial failed")
		c.failAttempt(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateAwaitingAuth
	c.pingStop = make(chan struct{})
	pingStop := c.pingStop
	c.authTimer = time.AfterFunc(c.opts.AuthTimeout, func() {
		c.onAuthTimeout(conn)
	})
	c.mu.Unlock()

	if err := c.send(conn, domain.ClientMessage{Type: domain.TypeAuth, Token: token}); err != nil {
		c.log.WithError(err).Warn("failed to send auth message")
		conn.Close()
		// The read loop never started; route the failure directly.
		c.handleClosed(conn, err)
		return
	}

	c.readLoop(conn, pingStop)
}

// failAttempt treats a dial-stage failure as an abnormal close.
func (c *Channel) failAttempt(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	terminal := c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventDisconnected, Err: err})
	if terminal {
		c.emit(Event{Type: EventReconnectFailed, Message: "reconnect attempts exhausted"})
	}
}

func (c *Channel) readLoop(conn *websocket.Conn, pingStop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, err)
			return
		}

		var msg domain.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("malformed server message")
			continue
		}

		switch msg.Type {
		case domain.TypeAuthSuccess:
			c.onAuthSuccess(conn, pingStop)
		case domain.TypeAuthFailed:
			c.onAuthFailed(conn, msg.Message)
		case domain.TypePong:
			c.onPong()
		case domain.TypeNewKey:
			if msg.Data != nil && c.State() == StateOpen {
				c.emit(Event{Type: EventNewKey, Key: msg.Data})
			}
		case domain.TypeError:
			c.emit(Event{Type: EventError, Message: msg.Message})
		}
	}
}

func (c *Channel) onAuthSuccess(conn *websocket.Conn, pingStop chan struct{}) {
	c.mu.Lock()
	if c.closed || c.conn != conn || c.state != StateAwaitingAuth {
		c.mu.Unlock()
		return
	}
	c.state = StateOpen
	c.attempts = 0
	c.backoff.Reset()
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	if c.rotationTimer != nil {
		c.rotationTimer.Stop()
	}
	c.rotationTimer = time.AfterFunc(c.opts.RotationInterval, c.rotate)
	c.mu.Unlock()

	c.log.Info("realtime channel authenticated")
	c.emit(Event{Type: EventConnected})

	go c.pingLoop(conn, pingStop)
}

func (c *Channel) onAuthFailed(conn *websocket.Conn, message string) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	// Terminal: a rejected token will not get better by retrying.
	c.state = StateClosed
	c.stopTimersLocked()
	c.mu.Unlock()

	c.log.WithField("reason", message).Warn("realtime authentication rejected")
	c.emit(Event{Type: EventAuthFailed, Message: message})
	conn.Close()
}

// onAuthTimeout fires when the server never answered the auth message.
func (c *Channel) onAuthTimeout(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != conn || c.state != StateAwaitingAuth {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.stopTimersLocked()
	c.mu.Unlock()

	c.log.Warn("authentication timed out")
	c.emit(Event{Type: EventAuthFailed, Message: "authentication timed out"})
	conn.Close()
}

func (c *Channel) onPong() {
	c.mu.Lock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.mu.Unlock()
}

// pingLoop sends application-level pings and arms a pong deadline for each.
// A missed pong is a transport failure: the socket is forced closed and the
// read loop takes care of the reconnect.
func (c *Channel) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(conn, domain.ClientMessage{Type: domain.TypePing}); err != nil {
				return
			}
			c.mu.Lock()
			if c.pongTimer != nil {
				c.pongTimer.Stop()
			}
			c.pongTimer = time.AfterFunc(c.opts.PongTimeout, func() {
				c.log.Warn("pong deadline missed, forcing close")
				conn.Close()
			})
			c.mu.Unlock()
		}
	}
}

// rotate is the scheduled self-reconnect. It only acts on an open, current
// connection so it cannot race a failure-triggered reconnect.
func (c *Channel) rotate() {
	c.mu.Lock()
	if c.closed || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.rotating = true
	conn := c.conn
	c.mu.Unlock()

	c.log.Info("scheduled connection rotation")
	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scheduled rotation"),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	conn.Close()
}

// handleClosed is the single funnel for a dead connection, whatever killed
// it: remote close, pong timeout, rotation or auth failure.
func (c *Channel) handleClosed(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopTimersLocked()
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}

	if c.closed {
		c.state = StateClosed
		c.mu.Unlock()
		return
	}

	if c.rotating {
		c.rotating = false
		c.state = StateConnecting
		c.mu.Unlock()
		go c.attempt()
		return
	}

	if c.state == StateClosed {
		// auth-failed/timeout already settled this connection.
		c.mu.Unlock()
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.state = StateClosed
		c.mu.Unlock()
		c.emit(Event{Type: EventDisconnected})
		return
	}

	c.state = StateReconnecting
	terminal := c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventDisconnected, Err: err})
	if terminal {
		c.emit(Event{Type: EventReconnectFailed, Message: "reconnect attempts exhausted"})
	}
}

// scheduleReconnectLocked arms the backoff timer, or reports that the
// attempt ceiling is exhausted. Callers hold c.mu.
func (c *Channel) scheduleReconnectLocked() (terminal bool) {
	c.attempts++
	if c.attempts > c.opts.MaxReconnectAttempts {
		c.state = StateClosed
		return true
	}

	delay := c.backoff.NextBackOff()
	c.log.WithFields(logrus.Fields{
		"attempt": c.attempts,
		"delay":   delay,
	}).Info("scheduling reconnect")

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
		c.attempt()
	})
	return false
}

// stopTimersLocked cancels the per-connection timers. Callers hold c.mu.
func (c *Channel) stopTimersLocked() {
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	if c.rotationTimer != nil {
		c.rotationTimer.Stop()
		c.rotationTimer = nil
	}
}

func (c *Channel) send(conn *websocket.Conn, msg domain.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

// emit delivers an event without ever blocking the read loop; after
// Disconnect nothing is delivered at all.
func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.events <- ev:
	default:
		c.log.WithField("event", ev.Type.String()).Warn("event buffer full, dropping")
	}
}
