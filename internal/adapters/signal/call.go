package signal

import (
	"errors"

	"github.com/dkeye/callrelay/internal/domain"
	"github.com/dkeye/callrelay/internal/wire"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleCall(
	cid domain.ConnID,
	conn *WsSignalConn,
	f wire.Frame,
) {
	env, err := wire.DecodeEnvelope(f)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", string(f.Event)).Msg("bad call payload")
		ctl.sendCallError(conn, domain.ReasonBadPayload, env.To, err)
		return
	}

	err = ctl.Orch.OnEnvelope(cid, env)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDeliveryFailed):
		// the relay already pushed call-failed to this connection
	case errors.Is(err, domain.ErrNotJoined):
		ctl.sendCallError(conn, domain.ReasonNotJoined, env.To, err)
	case errors.Is(err, domain.ErrSenderMismatch):
		ctl.sendCallError(conn, domain.ReasonSenderMismatch, env.To, err)
	case errors.Is(err, domain.ErrRateLimited):
		ctl.sendCallError(conn, domain.ReasonRateLimited, env.To, err)
	case errors.Is(err, domain.ErrInvalidEnvelope):
		ctl.sendCallError(conn, domain.ReasonBadPayload, env.To, err)
	default:
		log.Error().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("relay")
		ctl.sendCallError(conn, domain.ReasonInternal, env.To, err)
	}
}

func (ctl *SignalWSController) sendCallError(c *WsSignalConn, code string, to domain.UserID, err error) {
	ctl.sendJSON(c, wire.EventError, wire.Error{Code: code, Message: err.Error(), To: string(to)})
}
