package signal

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64

	SessionNameKey = "name"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
}

type SignalWSController struct {
	Relay *app.Relay
	opts  Options
}

func NewSignalWSController(relay *app.Relay, opts Options) *SignalWSController {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	return &SignalWSController{Relay: relay, opts: opts}
}

func (ctl *SignalWSController) pongWait() time.Duration {
	return ctl.opts.PingPeriod * 10 / 9
}

type WsSignalConn struct {
	id   domain.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) ID() domain.ConnID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// identityFromRequest reads roomId (or meetingId), userName and userId from the query.
// The client token cookie stands in for a missing userId, the session name for a missing userName.
func identityFromRequest(c *gin.Context) app.Identity {
	ident := app.Identity{
		RoomID:   domain.RoomID(strings.TrimSpace(c.Query("roomId"))),
		UserID:   strings.TrimSpace(c.Query("userId")),
		UserName: strings.TrimSpace(c.Query("userName")),
	}
	if ident.RoomID == "" {
		ident.RoomID = domain.RoomID(strings.TrimSpace(c.Query("meetingId")))
	}
	if ident.UserID == "" {
		ident.UserID = c.GetString("client_token")
	}
	if ident.UserName == "" {
		if name, ok := sessions.Default(c).Get(SessionNameKey).(string); ok {
			ident.UserName = name
		}
	}
	return ident
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ident := identityFromRequest(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		id:   domain.ConnID(uuid.NewString()),
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}
	log.Info().
		Str("module", "signal").
		Str("conn", string(conn.id)).
		Str("room", string(ident.RoomID)).
		Str("user", ident.UserID).
		Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	ctl.Relay.Connect(conn, ident, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
