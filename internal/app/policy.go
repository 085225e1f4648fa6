package app

import (
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
)

// Policy decides what happens to a participant whose send queue is full.
type Policy interface {
	OnBackPressure(room *core.Room, p core.ParticipantDTO) BackpressureAction
}

// SimplePolicy kicks subscribers and keeps publishers, whose departure would
// put the whole room to sleep.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ *core.Room, p core.ParticipantDTO) BackpressureAction {
	if p.Role == domain.RolePublisher {
		return MarkSlow
	}
	return KickMember
}
