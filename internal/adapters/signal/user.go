package signal

import (
	"github.com/dkeye/callrelay/internal/domain"
	"github.com/dkeye/callrelay/internal/wire"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(
	cid domain.ConnID,
	conn *WsSignalConn,
	f wire.Frame,
) {
	user, err := wire.DecodeJoin(f)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, domain.ReasonBadPayload, err)
		return
	}
	ctl.join(cid, conn, user)
}

func (ctl *SignalWSController) join(cid domain.ConnID, conn *WsSignalConn, user domain.UserID) {
	log.Info().Str("module", "signal").Str("conn", string(cid)).Str("user", string(user)).Msg("join")
	ctl.Orch.Join(cid, user)
	ctl.sendJSON(conn, wire.EventJoined, wire.Joined{UserID: string(user)})
}

func (ctl *SignalWSController) handleWhoAmI(
	cid domain.ConnID,
	conn *WsSignalConn,
) {
	resp := wire.WhoAmI{Conn: string(cid)}
	if user, ok := ctl.Orch.Presence.UserOf(cid); ok {
		resp.UserID = string(user)
	}
	ctl.sendJSON(conn, wire.EventWhoAmI, resp)
}
