package app

import (
	"context"
	"sync"

	"github.com/dkeye/callrelay/internal/core"
	"github.com/dkeye/callrelay/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Signal core.SignalConnection
	Cancel context.CancelFunc
}

// Registry holds the live transport handle of every open connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[domain.ConnID]*connEntry),
	}
}

func (r *Registry) BindSignal(cid domain.ConnID, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[cid] = &connEntry{Signal: sig, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn", string(cid)).Msg("bound signal")
}

func (r *Registry) GetSignal(cid domain.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[cid]; ok {
		return e.Signal, true
	}
	return nil, false
}

func (r *Registry) Unbind(cid domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, cid)
	log.Info().Str("module", "app.registry").Str("conn", string(cid)).Msg("unbind signal")
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Cancel stops the pumps of cid; the read pump then runs the disconnect path.
func (r *Registry) Cancel(cid domain.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[cid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(cid)).Msg("canceled connection")
	return true
}
