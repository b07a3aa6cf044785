// Package signaling is the client side of the relay connection.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var (
	// ErrSignalingTransport means the relay could not be reached.
	ErrSignalingTransport = errors.New("signaling transport")
	ErrClosed             = errors.New("signaling client closed")
	ErrSendBufferFull     = errors.New("signaling send buffer full")
)

type Options struct {
	URL      string
	Room     string
	UserName string
	UserID   string
	Backoff  config.Backoff
	Dialer   *websocket.Dialer
}

// Client keeps one relay connection alive, reconnecting with backoff.
type Client struct {
	opts Options
	url  string

	events chan Event
	errs   chan error
	out    chan []byte
	closed chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	joined    bool
}

// Dial connects to the relay. The first connection is attempted once;
// later losses are retried with backoff.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	q := u.Query()
	if opts.Room != "" {
		q.Set("roomId", opts.Room)
	}
	if opts.UserName != "" {
		q.Set("userName", opts.UserName)
	}
	if opts.UserID != "" {
		q.Set("userId", opts.UserID)
	}
	u.RawQuery = q.Encode()

	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Backoff.Attempts <= 0 {
		opts.Backoff.Attempts = 5
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff.Initial = time.Second
	}
	if opts.Backoff.Max < opts.Backoff.Initial {
		opts.Backoff.Max = 10 * opts.Backoff.Initial
	}

	c := &Client{
		opts:   opts,
		url:    u.String(),
		events: make(chan Event, sendBuffer),
		errs:   make(chan error, 1),
		out:    make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	go c.supervise(ctx, conn)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignalingTransport, err)
	}
	log.Info().Str("module", "client.signaling").Str("url", c.url).Msg("connected to relay")
	return conn, nil
}

// Events delivers inbound relay events in arrival order. It is closed when
// the client is closed or gave up reconnecting.
func (c *Client) Events() <-chan Event { return c.events }

// Errors receives the fatal error once reconnecting gave up.
func (c *Client) Errors() <-chan error { return c.errs }

// Delay returns the wait before reconnect attempt n (1-based).
func Delay(b config.Backoff, n int) time.Duration {
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return min(d, b.Max)
}

func (c *Client) supervise(ctx context.Context, conn *websocket.Conn) {
	defer close(c.events)
	for {
		err := c.serve(conn)
		if c.isClosed() || ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("module", "client.signaling").Msg("relay connection lost")

		conn = c.reconnect(ctx, err)
		if conn == nil {
			return
		}
	}
}

func (c *Client) reconnect(ctx context.Context, cause error) *websocket.Conn {
	lastErr := cause
	for attempt := 1; attempt <= c.opts.Backoff.Attempts; attempt++ {
		delay := Delay(c.opts.Backoff, attempt)
		c.emit(Reconnecting{Attempt: attempt, Delay: delay, Err: lastErr})
		log.Info().Str("module", "client.signaling").Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-c.closed:
			t.Stop()
			return nil
		case <-t.C:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if n := c.dropQueued(); n > 0 {
			log.Info().Str("module", "client.signaling").Int("frames", n).Msg("dropped frames queued for the lost connection")
		}
		c.mu.Lock()
		rejoin := c.joined
		c.mu.Unlock()
		if rejoin {
			if err := c.Send(protocol.EventJoinRoom, protocol.JoinRoom{}); err != nil {
				log.Warn().Err(err).Str("module", "client.signaling").Msg("rejoin")
			}
		}
		c.emit(Reconnected{Attempts: attempt})
		return conn
	}

	err := fmt.Errorf("%w: gave up after %d attempts: %w", ErrSignalingTransport, c.opts.Backoff.Attempts, lastErr)
	log.Error().Err(err).Str("module", "client.signaling").Msg("relay unreachable")
	select {
	case c.errs <- err:
	default:
	}
	return nil
}

// dropQueued empties the send queue. Frames queued while disconnected address
// socket ids of the old session and must not reach the relay before the rejoin.
func (c *Client) dropQueued() int {
	n := 0
	for {
		select {
		case <-c.out:
			n++
		default:
			return n
		}
	}
}

// serve runs the pumps of one connection until it breaks.
func (c *Client) serve(conn *websocket.Conn) error {
	done := make(chan struct{})
	go c.writePump(conn, done)
	err := c.readPump(conn)
	close(done)
	conn.Close()
	return err
}

func (c *Client) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := Parse(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.signaling").Msg("bad frame from relay")
			continue
		}
		if !c.emit(ev) {
			return ErrClosed
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-c.closed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		case <-done:
			return
		}
	}
}

func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Send queues one frame for the relay without waiting for it to be written.
func (c *Client) Send(event string, payload any) error {
	if c.isClosed() {
		return ErrClosed
	}
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Join asks the relay to join the room bound at dial time. It is repeated after every reconnect.
func (c *Client) Join() error {
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	return c.Send(protocol.EventJoinRoom, protocol.JoinRoom{})
}

func (c *Client) Leave() error {
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()
	return c.Send(protocol.EventLeaveRoom, nil)
}

// SendSignal relays s to one peer.
func (c *Client) SendSignal(to domain.ConnID, s protocol.Signal) error {
	msg, err := s.Message()
	if err != nil {
		return err
	}
	return c.Send(protocol.EventSDPProcess, protocol.SDPRelay{Message: msg, ReceiverID: string(to)})
}

// AnnounceStreamUpdate tells the room our stream is about to be rebuilt.
func (c *Client) AnnounceStreamUpdate() error {
	return c.Send(protocol.EventStreamUpdate, protocol.StreamUpdateRequest{UserID: c.opts.UserID})
}

func (c *Client) Chat(text string) error {
	return c.Send(protocol.EventChatMessage, protocol.ChatRequest{Text: text})
}

func (c *Client) MediaState(kind protocol.MediaKind, enabled bool) error {
	return c.Send(protocol.EventMediaStateChange, protocol.MediaStateRequest{Type: kind, Enabled: enabled})
}

func (c *Client) RequestRoomInfo() error {
	return c.Send(protocol.EventGetRoomInfo, protocol.RoomInfoRequest{RoomID: c.opts.Room})
}

// Close shuts the connection down; Events is closed shortly after.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
