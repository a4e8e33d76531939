package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/internal/ddp"
	"github.com/stewardhq/steward/internal/logging"
)

// Status values accepted by SetStatus.
const (
	StatusOnline = "online"
	StatusBusy   = "busy"
	StatusAway   = "away"
)

const notificationStream = "stream-notify-user"

var errNotConnected = errors.New("chat: not connected")

// Options configures a Client.
type Options struct {
	// ServerURL is the http(s) base URL of the chat server.
	ServerURL string
	Username  string
	Password  string

	// HistoryCount bounds a single history fetch. Defaults to 50.
	HistoryCount int

	// HTTPClient overrides the REST transport, mainly for tests.
	HTTPClient *http.Client

	// DDP overrides realtime connection tuning.
	DDP ddp.Options
}

// HistoryFunc receives primed room history after each successful connect.
type HistoryFunc func(room RoomInfo, messages []RoomMessage)

// Client is a hybrid chat client: a realtime connection for subscriptions
// and typing, REST for everything else.
type Client struct {
	opts Options
	http *http.Client
	log  zerolog.Logger

	mu        sync.Mutex
	conn      *ddp.Client
	authToken string
	userID    string
	roomKinds map[string]RoomKind
	highWater time.Time
}

func New(opts Options) *Client {
	if opts.HistoryCount <= 0 {
		opts.HistoryCount = 50
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		opts:      opts,
		http:      hc,
		log:       logging.For("chat"),
		roomKinds: make(map[string]RoomKind),
	}
}

// UserID returns the authenticated user id, empty before Connect.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) Username() string { return c.opts.Username }

// Connect authenticates over REST, opens the realtime connection, and
// logs in on it. Call Close to release the connection.
func (c *Client) Connect(ctx context.Context) error {
	base := strings.TrimRight(c.opts.ServerURL, "/")
	c.log.Info().Str("url", base).Msg("connecting")

	var login struct {
		Data struct {
			AuthToken string `json:"authToken"`
			UserID    string `json:"userId"`
		} `json:"data"`
	}
	err := c.rest(ctx, http.MethodPost, "login", map[string]any{
		"user":     c.opts.Username,
		"password": c.opts.Password,
	}, &login)
	if err != nil {
		return fmt.Errorf("chat: login: %w", err)
	}

	c.mu.Lock()
	c.authToken = login.Data.AuthToken
	c.userID = login.Data.UserID
	c.mu.Unlock()

	var me struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	}
	if err := c.rest(ctx, http.MethodGet, "me", nil, &me); err != nil {
		return fmt.Errorf("chat: me: %w", err)
	}
	c.log.Info().Str("username", me.Username).Str("name", me.Name).Msg("logged in")

	ddpOpts := c.opts.DDP
	ddpOpts.URL = toWebsocketURL(base)
	conn := ddp.New(ddpOpts)
	if err := conn.Dial(ctx); err != nil {
		return fmt.Errorf("chat: realtime dial: %w", err)
	}
	_, err = conn.Call(ctx, "login", map[string]any{
		"user":     map[string]any{"username": c.opts.Username},
		"password": c.opts.Password,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("chat: realtime login: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) realtime() (*ddp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errNotConnected
	}
	return c.conn, nil
}

func toWebsocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/websocket"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/websocket"
	}
	return base + "/websocket"
}

// rest issues a JSON API request and decodes the response into out.
func (c *Client) rest(ctx context.Context, method, endpoint string, body map[string]any, out any) error {
	u := strings.TrimRight(c.opts.ServerURL, "/") + "/api/v1/" + endpoint

	var reqBody io.Reader
	if method == http.MethodGet && len(body) > 0 {
		q := url.Values{}
		for k, v := range body {
			q.Set(k, fmt.Sprint(v))
		}
		u += "?" + q.Encode()
	} else if len(body) > 0 {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	if c.authToken != "" {
		req.Header.Set("X-Auth-Token", c.authToken)
		req.Header.Set("X-User-Id", c.userID)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SendMessage posts text to a room, optionally under a thread.
func (c *Client) SendMessage(ctx context.Context, roomID, text, threadID string) error {
	body := map[string]any{"roomId": roomID, "text": text}
	if threadID != "" {
		body["tmid"] = threadID
	}
	return c.rest(ctx, http.MethodPost, "chat.postMessage", body, nil)
}

// React toggles an emoji reaction on a message.
func (c *Client) React(ctx context.Context, messageID, emoji string, on bool) error {
	return c.rest(ctx, http.MethodPost, "chat.react", map[string]any{
		"messageId": messageID, "emoji": emoji, "shouldReact": on,
	}, nil)
}

// SetStatus sets presence, retrying on rate limits with exponential delay.
func (c *Client) SetStatus(ctx context.Context, status, message string) {
	op := func() error {
		return c.rest(ctx, http.MethodPost, "users.setStatus", map[string]any{
			"status": status, "message": message,
		}, nil)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(8*time.Second),
	), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.log.Warn().Err(err).Str("status", status).Msg("set status failed")
	}
}

// SendTyping toggles the typing indicator in a room over the realtime
// connection. Failures are logged, never surfaced.
func (c *Client) SendTyping(ctx context.Context, roomID string, typing bool) {
	conn, err := c.realtime()
	if err != nil {
		return
	}
	activities := []any{}
	if typing {
		activities = []any{"user-typing"}
	}
	_, err = conn.Call(ctx, "stream-notify-room",
		roomID+"/user-activity", c.opts.Username, activities, map[string]any{})
	if err != nil {
		c.log.Warn().Err(err).Str("room", roomID).Msg("typing indicator failed")
	}
}

// FetchAttachment downloads an attachment, resolving server-relative URLs.
func (c *Client) FetchAttachment(ctx context.Context, rawURL string) ([]byte, error) {
	full := rawURL
	if strings.HasPrefix(rawURL, "/") {
		full = strings.TrimRight(c.opts.ServerURL, "/") + rawURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	req.Header.Set("X-Auth-Token", c.authToken)
	req.Header.Set("X-User-Id", c.userID)
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat: fetch attachment: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// fetchFullMessage resolves a notification payload to the full message.
func (c *Client) fetchFullMessage(ctx context.Context, messageID string) (rawMessage, bool) {
	var result struct {
		Message rawMessage `json:"message"`
	}
	err := c.rest(ctx, http.MethodGet, "chat.getMessage", map[string]any{"msgId": messageID}, &result)
	if err != nil {
		c.log.Warn().Err(err).Str("message", messageID).Msg("fetch message failed")
		return rawMessage{}, false
	}
	return result.Message, true
}

// FetchMessages returns room history oldest first, bounded by the
// configured count. System messages are skipped.
func (c *Client) FetchMessages(ctx context.Context, roomID string, after time.Time) ([]RoomMessage, error) {
	params := map[string]any{"roomId": roomID, "count": c.opts.HistoryCount}
	if !after.IsZero() {
		params["oldest"] = after.UTC().Format(time.RFC3339)
	}

	c.mu.Lock()
	kind := c.roomKinds[roomID]
	c.mu.Unlock()

	endpoint := "dm.history"
	switch kind {
	case RoomPublic:
		endpoint = "channels.history"
	case RoomPrivate:
		endpoint = "groups.history"
	}

	var result struct {
		Messages []rawMessage `json:"messages"`
	}
	if err := c.rest(ctx, http.MethodGet, endpoint, params, &result); err != nil {
		return nil, fmt.Errorf("chat: history %s: %w", roomID, err)
	}

	var out []RoomMessage
	for i := len(result.Messages) - 1; i >= 0; i-- {
		raw := result.Messages[i]
		if raw.Type != "" || raw.TS.t.IsZero() {
			continue
		}
		out = append(out, RoomMessage{
			MessageID:   raw.ID,
			Timestamp:   raw.TS.t,
			Username:    raw.User.Username,
			DisplayName: displayName(raw.User),
			Text:        raw.Text,
			Attachments: parseAttachments(raw.Attachments),
			ThreadID:    raw.ThreadID,
		})
	}
	return out, nil
}

// ListRooms enumerates DMs, joined channels, and private groups. Partial
// failures degrade to whatever subset listed successfully.
func (c *Client) ListRooms(ctx context.Context) []RoomInfo {
	var rooms []RoomInfo

	var dms struct {
		IMs []struct {
			ID        string   `json:"_id"`
			Usernames []string `json:"usernames"`
		} `json:"ims"`
	}
	if err := c.rest(ctx, http.MethodGet, "dm.list", nil, &dms); err != nil {
		c.log.Warn().Err(err).Msg("list DM rooms failed")
	} else {
		for _, dm := range dms.IMs {
			kind := RoomDirect
			if len(dm.Usernames) > 2 {
				kind = RoomGroup
			}
			c.rememberKind(dm.ID, kind)
			rooms = append(rooms, RoomInfo{RoomID: dm.ID, Kind: kind, Members: dm.Usernames})
		}
	}

	var channels struct {
		Channels []struct {
			ID        string   `json:"_id"`
			Name      string   `json:"name"`
			Usernames []string `json:"usernames"`
		} `json:"channels"`
	}
	if err := c.rest(ctx, http.MethodGet, "channels.list.joined", nil, &channels); err != nil {
		c.log.Warn().Err(err).Msg("list channels failed")
	} else {
		for _, ch := range channels.Channels {
			c.rememberKind(ch.ID, RoomPublic)
			rooms = append(rooms, RoomInfo{RoomID: ch.ID, Kind: RoomPublic, Name: ch.Name, Members: ch.Usernames})
		}
	}

	var groups struct {
		Groups []struct {
			ID        string   `json:"_id"`
			Name      string   `json:"name"`
			Usernames []string `json:"usernames"`
		} `json:"groups"`
	}
	if err := c.rest(ctx, http.MethodGet, "groups.list", nil, &groups); err != nil {
		c.log.Warn().Err(err).Msg("list groups failed")
	} else {
		for _, grp := range groups.Groups {
			c.rememberKind(grp.ID, RoomPrivate)
			rooms = append(rooms, RoomInfo{RoomID: grp.ID, Kind: RoomPrivate, Name: grp.Name, Members: grp.Usernames})
		}
	}

	return rooms
}

func (c *Client) rememberKind(roomID string, kind RoomKind) {
	c.mu.Lock()
	c.roomKinds[roomID] = kind
	c.mu.Unlock()
}

func (c *Client) kindOf(roomID string) RoomKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.roomKinds[roomID]; ok {
		return k
	}
	return RoomDirect
}

// subscribeNotifications opens the per-user notification stream.
func (c *Client) subscribeNotifications(ctx context.Context) (*ddp.Subscription, error) {
	conn, err := c.realtime()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	uid := c.userID
	c.mu.Unlock()
	return conn.Subscribe(ctx, notificationStream, uid+"/notification", false)
}

// primeHistory loads DM history since the high-water mark into onHistory
// and advances the mark past everything delivered.
func (c *Client) primeHistory(ctx context.Context, onHistory HistoryFunc) {
	if onHistory == nil {
		return
	}
	rooms := c.ListRooms(ctx)

	c.mu.Lock()
	since := c.highWater
	c.mu.Unlock()

	var dmRooms []RoomInfo
	for _, room := range rooms {
		if !room.Kind.IsDM() {
			continue
		}
		for _, m := range room.Members {
			if m != c.opts.Username {
				dmRooms = append(dmRooms, room)
				break
			}
		}
	}
	sort.Slice(dmRooms, func(i, j int) bool { return dmRooms[i].RoomID < dmRooms[j].RoomID })
	c.log.Info().Int("rooms", len(dmRooms)).Time("since", since).Msg("loading history")

	for _, room := range dmRooms {
		messages, err := c.FetchMessages(ctx, room.RoomID, since)
		if err != nil {
			c.log.Warn().Err(err).Str("room", room.RoomID).Msg("history load failed")
			continue
		}
		if len(messages) == 0 {
			continue
		}
		onHistory(room, messages)
		for _, msg := range messages {
			c.advanceHighWater(msg.Timestamp)
		}
	}
}

func (c *Client) advanceHighWater(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.highWater) {
		c.highWater = ts
	}
	c.mu.Unlock()
}

// Stream delivers incoming messages to out until ctx is cancelled,
// reconnecting with capped backoff when the connection drops. Each
// successful connect re-subscribes, restores presence, and primes
// history; subscriptions never survive a reconnect on their own.
func (c *Client) Stream(ctx context.Context, out chan<- IncomingMessage, onHistory HistoryFunc) error {
	defer close(out)

	seen := make(map[string]struct{})

	for {
		sub, err := c.subscribeNotifications(ctx)
		if err != nil {
			return fmt.Errorf("chat: subscribe: %w", err)
		}
		c.SetStatus(ctx, StatusOnline, "")
		c.primeHistory(ctx, onHistory)

		c.streamEvents(ctx, sub, seen, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.log.Warn().Msg("connection lost, reconnecting")
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

// reconnect retries Connect with jittered exponential backoff until it
// succeeds or ctx ends. The cap keeps a long outage probing about once
// a minute.
func (c *Client) reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	op := func() error {
		c.Close()
		if err := c.Connect(ctx); err != nil {
			c.log.Error().Err(err).Msg("reconnect failed")
			return err
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// streamEvents drains one subscription until it is invalidated or ctx ends.
func (c *Client) streamEvents(ctx context.Context, sub *ddp.Subscription, seen map[string]struct{}, out chan<- IncomingMessage) {
	c.mu.Lock()
	selfID := c.userID
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Invalidated():
			return
		case ev := <-sub.Events():
			if ev.Kind != ddp.EventChanged {
				continue
			}
			msg, ok := parseMessageEvent(ev.Fields)
			if !ok {
				continue
			}
			// Notification stubs carry only a payload reference.
			if msg.Text == "" && len(msg.Attachments) == 0 {
				full, ok := c.fetchFullMessage(ctx, msg.MessageID)
				if !ok {
					continue
				}
				msg = fromRawMessage(full)
			}
			if msg.UserID == selfID {
				continue
			}
			if msg.Text == "" && len(msg.Attachments) == 0 {
				continue
			}
			if _, dup := seen[msg.MessageID]; dup {
				continue
			}
			seen[msg.MessageID] = struct{}{}

			msg.Kind = c.kindOf(msg.RoomID)
			msg.Direct = msg.Kind.IsDM()
			if !msg.Timestamp.IsZero() {
				c.advanceHighWater(msg.Timestamp)
			}
			c.log.Info().Str("from", msg.Username).Str("room", msg.RoomID).Msg("message received")

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}
