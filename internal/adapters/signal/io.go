package signal

import (
	"context"
	"time"

	"github.com/dkeye/callrelay/internal/domain"
	"github.com/dkeye/callrelay/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Cfg.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, cid domain.ConnID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(cid)).Msg("readPump closing")
		ctl.Orch.OnDisconnect(cid)
		cancel()
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.Cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Cfg.PongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.Cfg.PongWait()))
	})

	for {
		// writePump closes the socket on cancel, which unblocks ReadMessage
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("readPump read error")
			}
			return
		}
		ctl.handleSignal(cid, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(cid domain.ConnID, c *WsSignalConn, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("bad json")
		ctl.sendError(c, domain.ReasonBadPayload, err)
		return
	}

	switch f.Event {
	case wire.EventJoin:
		ctl.handleJoin(cid, c, f)
	case wire.EventPing:
		ctl.handlePing(c)
	case wire.EventWhoAmI:
		ctl.handleWhoAmI(cid, c)
	case wire.EventCallUser, wire.EventAnswerCall, wire.EventRejectCall, wire.EventEndCall:
		ctl.handleCall(cid, c, f)
	default:
		log.Warn().Str("module", "signal").Str("event", string(f.Event)).Msg("unknown signal")
		ctl.sendJSON(c, wire.EventError, wire.Error{Code: "unknown_event", Message: string(f.Event)})
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, ev wire.Event, v any) {
	b, err := wire.Encode(ev, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code string, err error) {
	ctl.sendJSON(c, wire.EventError, wire.Error{Code: code, Message: err.Error()})
}
