package app

import (
	"sync"

	"github.com/dkeye/callrelay/internal/domain"
	"github.com/rs/zerolog/log"
)

// Presence maps each user to the one connection that currently represents it.
// Rebinding a user overwrites the previous connection (reconnect wins).
type Presence struct {
	mu     sync.RWMutex
	byUser map[domain.UserID]domain.ConnID
	byConn map[domain.ConnID]domain.UserID
}

func NewPresence() *Presence {
	return &Presence{
		byUser: make(map[domain.UserID]domain.ConnID),
		byConn: make(map[domain.ConnID]domain.UserID),
	}
}

func (p *Presence) Bind(user domain.UserID, conn domain.ConnID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.byUser[user]; ok && old != conn {
		delete(p.byConn, old)
	}
	if prev, ok := p.byConn[conn]; ok && prev != user && p.byUser[prev] == conn {
		delete(p.byUser, prev)
	}
	p.byUser[user] = conn
	p.byConn[conn] = user
	log.Info().Str("module", "app.presence").Str("user", string(user)).Str("conn", string(conn)).Msg("bound")
}

// Unbind drops whatever user is bound to conn. A connection that lost its
// binding to a newer one unbinds nothing.
func (p *Presence) Unbind(conn domain.ConnID) (domain.UserID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.byConn[conn]
	if !ok {
		return "", false
	}
	delete(p.byConn, conn)
	if p.byUser[user] == conn {
		delete(p.byUser, user)
	}
	log.Info().Str("module", "app.presence").Str("user", string(user)).Str("conn", string(conn)).Msg("unbound")
	return user, true
}

func (p *Presence) Resolve(user domain.UserID) (domain.ConnID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.byUser[user]
	return conn, ok
}

// UserOf is the reverse of Resolve.
func (p *Presence) UserOf(conn domain.ConnID) (domain.UserID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	user, ok := p.byConn[conn]
	return user, ok
}

func (p *Presence) Online() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser)
}
