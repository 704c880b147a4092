package app

import "github.com/dkeye/callrelay/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a connection whose send queue is full.
type Policy interface {
	OnBackPressure(conn domain.ConnID) BackpressureAction
}

// SimplePolicy kicks slow receivers; a client that cannot drain a handful of
// signaling frames is not going to complete a handshake.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ConnID) BackpressureAction {
	return KickMember
}

// DropPolicy keeps the connection and loses the frame.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.ConnID) BackpressureAction {
	return DropFrame
}
