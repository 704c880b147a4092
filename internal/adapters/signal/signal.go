package signal

import (
	"context"
	"net/http"
	"sync"

	"github.com/dkeye/callrelay/internal/app"
	"github.com/dkeye/callrelay/internal/config"
	"github.com/dkeye/callrelay/internal/core"
	"github.com/dkeye/callrelay/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type SignalWSController struct {
	Orch *app.Orchestrator
	Cfg  *config.Config
}

func NewSignalWSController(orch *app.Orchestrator, cfg *config.Config) *SignalWSController {
	return &SignalWSController{
		Orch: orch,
		Cfg:  cfg,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

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
	// TODO: restrict origins to the web client's host once it is configurable.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and starts the connection pumps.
// A ?user= query binds presence immediately, same as a join event.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	cid := domain.ConnID(c.GetString("conn_id"))
	if cid == "" {
		cid = domain.NewConnID()
	}

	var user domain.UserID
	if raw := c.Query("user"); raw != "" {
		u, err := domain.ParseUserID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user = u
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(cid)).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Cfg.SendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(cid, conn, cancel)
	if user != "" {
		ctl.join(cid, conn, user)
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, cid, conn)
}
