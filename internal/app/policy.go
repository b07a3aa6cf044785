package app

import (
	"errors"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

func (a BackpressureAction) String() string {
	if a == KickMember {
		return "kick"
	}
	return "none"
}

// Policy decides what happens to a receiver whose send failed.
type Policy interface {
	OnBackPressure(to domain.ConnID, event string, err error) BackpressureAction
}

// SimplePolicy kicks receivers whose queue is full; signaling frames are never dropped.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ domain.ConnID, _ string, err error) BackpressureAction {
	if errors.Is(err, core.ErrBackpressure) {
		return KickMember
	}
	return NoAction
}
