package flow_rules

import (
	"errors"

	"controlplane/southbound/protocol"
)

var ErrSwitchUnreachable = errors.New("switch unreachable")

// AllPriorities selects every priority tier of a match in Remove.
const AllPriorities = -1

// Priority tiers used across the controller. A higher tier shadows a lower
// one for the same match.
const (
	PriorityTableMiss uint16 = 0
	PriorityLearned   uint16 = 10
	PriorityDefault   uint16 = 100
	PriorityReroute   uint16 = 200
)

// FlowRule is immutable once issued. Superseding a rule means installing
// another priority or removing it, never editing it in place.
type FlowRule struct {
	Match       protocol.Match
	Actions     []protocol.Action
	Priority    uint16
	Cookie      uint64
	IdleTimeout uint16
	HardTimeout uint16
}

// sameAs reports whether installing r would leave an installed rule
// unchanged. A zero cookie on r matches any installed cookie.
func (r FlowRule) sameAs(installed FlowRule) bool {
	if r.Cookie != 0 && r.Cookie != installed.Cookie {
		return false
	}
	return r.Match == installed.Match &&
		r.Priority == installed.Priority &&
		r.IdleTimeout == installed.IdleTimeout &&
		r.HardTimeout == installed.HardTimeout &&
		protocol.ActionsEqual(r.Actions, installed.Actions)
}

type indexKey struct {
	Signature string
	Priority  uint16
}

// InstalledRule is one entry of a switch's installed flow index.
type InstalledRule struct {
	Signature string
	Cookie    uint64
	Rule      FlowRule
}

// Counters count wire commands issued by the manager.
type Counters struct {
	Adds           uint64
	Deletes        uint64
	StrictDeletes  uint64
	Barriers       uint64
	SkippedInstall uint64
}
