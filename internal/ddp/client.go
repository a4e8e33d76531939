// Package ddp implements a minimal DDP client: a persistent websocket
// carrying a connect/call/subscribe RPC protocol with server-pushed
// collection change events.
package ddp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/stewardhq/steward/internal/logging"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	// defaultPingGrace is how long the client waits without hearing from
	// the server before presuming the connection dead. The server pings
	// well inside this window; we do not wait for the OS socket to notice.
	defaultPingGrace = 30 * time.Second

	// defaultCallTimeout applies when the caller's context has no deadline.
	defaultCallTimeout = 30 * time.Second

	defaultQueueSize = 256
)

var (
	// ErrNotConnected is returned for calls issued outside the Connected state.
	ErrNotConnected = errors.New("ddp: not connected")

	// ErrConnectionLost fails every outstanding call when the transport drops.
	ErrConnectionLost = errors.New("ddp: connection lost")

	// ErrCallTimeout is returned when no result arrives within the deadline.
	ErrCallTimeout = errors.New("ddp: call timed out")
)

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// PingGrace overrides the dead-connection watchdog window.
	PingGrace time.Duration
	// QueueSize is the per-subscription event buffer.
	QueueSize int
	// Dialer overrides the websocket dialer (tests use this).
	Dialer *websocket.Dialer
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// Client is a single logical DDP connection. It is destroyed and rebuilt
// on reconnect; call and subscription tables never survive a teardown.
type Client struct {
	opts Options

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	state    State
	session  string
	pending  map[string]chan callOutcome
	subs     map[string]*Subscription
	byName   map[string]*Subscription
	subAcks  map[string]chan error
	hs       chan error
	watchdog *time.Timer
}

// New creates a client for the given endpoint. Dial establishes the
// connection and runs the handshake.
func New(opts Options) *Client {
	if opts.PingGrace <= 0 {
		opts.PingGrace = defaultPingGrace
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:    opts,
		pending: make(map[string]chan callOutcome),
		subs:    make(map[string]*Subscription),
		byName:  make(map[string]*Subscription),
		subAcks: make(map[string]chan error),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the server-assigned session id, empty until connected.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Dial connects and performs the DDP handshake. On a version rejection it
// returns a *HandshakeError and the connection is closed; the client does
// not renegotiate.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("ddp: dial in state %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("ddp: dial %s: %w", c.opts.URL, err)
	}

	hs := make(chan error, 1)
	c.mu.Lock()
	c.conn = conn
	c.state = StateHandshaking
	c.hs = hs
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.send(frame{
		Msg:     "connect",
		Version: protocolVersion,
		Support: []string{protocolVersion},
	}); err != nil {
		c.teardown(ErrConnectionLost)
		return err
	}

	select {
	case err := <-hs:
		if err != nil {
			c.teardown(ErrConnectionLost)
			return err
		}
		return nil
	case <-ctx.Done():
		c.teardown(ErrConnectionLost)
		return fmt.Errorf("ddp: handshake: %w", ctx.Err())
	}
}

// Call invokes a remote method and waits for the matching result frame.
// The deadline comes from ctx; without one a default timeout applies. A
// timed-out call's id is removed from the outstanding table so a late
// result is discarded with a warning, not delivered.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	id := ulid.Make().String()
	ch := make(chan callOutcome, 1)

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if params == nil {
		params = []any{}
	}
	if err := c.send(frame{Msg: "method", Method: method, Params: params, ID: id}); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s", ErrCallTimeout, method)
	}
}

// Subscribe requests a publication and waits for the server's ready or
// nosub acknowledgement.
func (c *Client) Subscribe(ctx context.Context, name string, params ...any) (*Subscription, error) {
	id := ulid.Make().String()
	sub := newSubscription(id, name, c.opts.QueueSize)
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	// Registered before the ready ack so no event between ready and
	// registration can be lost.
	c.subs[id] = sub
	c.byName[name] = sub
	c.subAcks[id] = ack
	c.mu.Unlock()

	if params == nil {
		params = []any{}
	}
	if err := c.send(frame{Msg: "sub", ID: id, Name: name, Params: params}); err != nil {
		c.dropSubscription(sub)
		return nil, err
	}

	select {
	case err := <-ack:
		if err != nil {
			c.dropSubscription(sub)
			return nil, err
		}
		return sub, nil
	case <-ctx.Done():
		c.dropSubscription(sub)
		return nil, fmt.Errorf("ddp: subscribe %s: %w", name, ctx.Err())
	}
}

// Unsubscribe tells the server to stop the publication and invalidates
// the local queue.
func (c *Client) Unsubscribe(sub *Subscription) error {
	c.dropSubscription(sub)
	return c.send(frame{Msg: "unsub", ID: sub.id})
}

// Close tears the connection down, failing all outstanding calls with
// ErrConnectionLost and invalidating every subscription.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()
	c.teardown(ErrConnectionLost)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("ddp: encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ddp: write: %w", err)
	}
	return nil
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) dropSubscription(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub.id)
	if c.byName[sub.name] == sub {
		delete(c.byName, sub.name)
	}
	delete(c.subAcks, sub.id)
	c.mu.Unlock()
	sub.invalidate()
}

// readLoop is the single reader task: it parses every inbound frame and
// dispatches to the call and subscription tables. It exits on the first
// transport error, tearing the connection down.
func (c *Client) readLoop(conn *websocket.Conn) {
	log := logging.For("ddp")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.teardown(ErrConnectionLost)
			return
		}
		c.resetWatchdog()

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}

		switch f.Msg {
		case "ping":
			if err := c.send(frame{Msg: "pong", ID: f.ID}); err != nil {
				log.Warn().Err(err).Msg("pong failed")
			}

		case "pong":
			// Watchdog already reset above.

		case "connected":
			c.finishHandshake(f.Session, nil)

		case "failed":
			supported := f.Support
			if len(supported) == 0 && f.Version != "" {
				supported = []string{f.Version}
			}
			c.finishHandshake("", &HandshakeError{Supported: supported})

		case "result":
			c.deliverResult(f)

		case "ready":
			for _, id := range f.Subs {
				c.ackSubscription(id, nil)
			}

		case "nosub":
			var subErr error
			if f.Error != nil {
				subErr = f.Error
			} else {
				subErr = fmt.Errorf("ddp: subscription %s rejected", f.ID)
			}
			c.ackSubscription(f.ID, subErr)

		case "added", "changed", "removed":
			c.routeEvent(Event{
				Kind:       EventKind(f.Msg),
				Collection: f.Collection,
				ID:         f.ID,
				Fields:     f.Fields,
			})

		case "updated":
			// Method writes acknowledged; nothing to correlate.

		default:
			log.Warn().Str("msg", f.Msg).Msg("unexpected frame dropped")
		}
	}
}

func (c *Client) finishHandshake(session string, err error) {
	c.mu.Lock()
	hs := c.hs
	if hs == nil {
		c.mu.Unlock()
		return
	}
	c.hs = nil
	if err == nil {
		c.session = session
		c.state = StateConnected
		c.watchdog = time.AfterFunc(c.opts.PingGrace, c.onWatchdog)
	}
	c.mu.Unlock()
	hs <- err
}

func (c *Client) deliverResult(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if !ok {
		log := logging.For("ddp")
		log.Warn().Str("id", f.ID).Msg("unmatched result discarded")
		return
	}

	out := callOutcome{result: f.Result}
	if f.Error != nil {
		out.err = f.Error
	}
	ch <- out
}

func (c *Client) ackSubscription(id string, err error) {
	c.mu.Lock()
	ack, ok := c.subAcks[id]
	delete(c.subAcks, id)
	c.mu.Unlock()
	if ok {
		ack <- err
	}
}

func (c *Client) routeEvent(ev Event) {
	c.mu.Lock()
	sub := c.byName[ev.Collection]
	c.mu.Unlock()

	if sub == nil {
		log := logging.For("ddp")
		log.Debug().Str("collection", ev.Collection).Msg("event with no subscriber")
		return
	}
	sub.push(ev)
}

func (c *Client) resetWatchdog() {
	c.mu.Lock()
	if c.watchdog != nil {
		c.watchdog.Reset(c.opts.PingGrace)
	}
	c.mu.Unlock()
}

func (c *Client) onWatchdog() {
	log := logging.For("ddp")
	log.Warn().
		Dur("grace", c.opts.PingGrace).
		Msg("no traffic within grace window, presuming connection dead")
	c.teardown(ErrConnectionLost)
}

// teardown moves to Disconnected exactly once: it closes the socket, fails
// every outstanding call, and invalidates every subscription. The tables
// are cleared; nothing survives into a future Dial.
func (c *Client) teardown(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.session = ""

	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}

	hs := c.hs
	c.hs = nil

	pending := c.pending
	c.pending = make(map[string]chan callOutcome)

	acks := c.subAcks
	c.subAcks = make(map[string]chan error)

	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.byName = make(map[string]*Subscription)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if hs != nil {
		hs <- err
	}
	for _, ch := range pending {
		ch <- callOutcome{err: err}
	}
	for _, ack := range acks {
		ack <- err
	}
	for _, sub := range subs {
		sub.invalidate()
	}
}
