package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	reason := "transport close"
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(c.id)).Str("reason", reason).Msg("readPump closing")
		cancel()
		ctl.Relay.Disconnect(c.id, reason)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				reason = "server shutdown"
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				reason = "client disconnect"
			case errors.Is(err, websocket.ErrReadLimit):
				reason = "message too large"
			default:
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
			}
			return
		}
		ctl.handleSignal(c.id, data)
	}
}

func bind[T any](f protocol.Frame, fn func(T) error) error {
	var req T
	if err := f.Bind(&req); err != nil {
		return err
	}
	return fn(req)
}

func (ctl *SignalWSController) handleSignal(id domain.ConnID, data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		ctl.Relay.Fail(id, err)
		return
	}

	r := ctl.Relay
	switch f.Event {
	case protocol.EventJoinRoom:
		err = bind(f, func(req protocol.JoinRoom) error { return r.Join(id, req) })
	case protocol.EventLeaveRoom:
		r.Leave(id)
	case protocol.EventSDPProcess:
		err = bind(f, func(req protocol.SDPRelay) error { return r.RelaySDP(id, req) })
	case protocol.EventChatMessage:
		err = bind(f, func(req protocol.ChatRequest) error { return r.Chat(id, req) })
	case protocol.EventMediaStateChange:
		err = bind(f, func(req protocol.MediaStateRequest) error { return r.MediaState(id, req) })
	case protocol.EventStreamUpdate:
		err = bind(f, func(req protocol.StreamUpdateRequest) error { return r.StreamUpdate(id, req) })
	case protocol.EventGetRoomInfo:
		err = bind(f, func(req protocol.RoomInfoRequest) error { return r.RoomInfo(id, req) })
	default:
		log.Warn().Str("module", "signal").Str("event", f.Event).Msg("unknown signal")
		err = fmt.Errorf("%w: unknown event %q", protocol.ErrMalformedFrame, f.Event)
	}
	if err != nil {
		r.Fail(id, err)
	}
}
