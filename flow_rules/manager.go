package flow_rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"controlplane/common"
	"controlplane/metrics"
	"controlplane/southbound"
	"controlplane/southbound/protocol"
)

type switchIndex struct {
	mu      sync.Mutex
	entries map[indexKey]InstalledRule
}

// Manager installs and removes rules, keeping a per-switch index so that
// repeating an install is free and removing an unknown rule sends nothing.
type Manager struct {
	registry southbound.Registry
	cookies  atomic.Uint64

	mu       sync.Mutex
	switches map[common.DPID]*switchIndex

	adds          atomic.Uint64
	deletes       atomic.Uint64
	strictDeletes atomic.Uint64
	barriers      atomic.Uint64
	skipped       atomic.Uint64
}

func NewManager(registry southbound.Registry) *Manager {
	return &Manager{
		registry: registry,
		switches: make(map[common.DPID]*switchIndex),
	}
}

func (m *Manager) index(dpid common.DPID) *switchIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.switches[dpid]
	if !ok {
		idx = &switchIndex{entries: make(map[indexKey]InstalledRule)}
		m.switches[dpid] = idx
	}
	return idx
}

func (m *Manager) conn(dpid common.DPID) (southbound.Conn, error) {
	conn, ok := m.registry.Conn(dpid)
	if !ok {
		return nil, fmt.Errorf("switch %d has no session: %w", dpid, ErrSwitchUnreachable)
	}
	return conn, nil
}

func unreachable(dpid common.DPID, err error) error {
	if errors.Is(err, southbound.ErrSessionClosed) {
		return fmt.Errorf("switch %d: %w: %w", dpid, ErrSwitchUnreachable, err)
	}
	return fmt.Errorf("switch %d: %w", dpid, err)
}

// Install sends rule to dpid unless an identical rule is already recorded
// for the same match and priority.
func (m *Manager) Install(ctx context.Context, dpid common.DPID, rule FlowRule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	idx := m.index(dpid)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := indexKey{Signature: rule.Match.Signature(), Priority: rule.Priority}
	if installed, ok := idx.entries[key]; ok && rule.sameAs(installed.Rule) {
		m.skipped.Add(1)
		return nil
	}

	conn, err := m.conn(dpid)
	if err != nil {
		return err
	}
	if rule.Cookie == 0 {
		rule.Cookie = m.cookies.Add(1)
	}
	mod := &protocol.FlowMod{
		Command:     protocol.FlowAdd,
		Cookie:      rule.Cookie,
		Priority:    rule.Priority,
		IdleTimeout: rule.IdleTimeout,
		HardTimeout: rule.HardTimeout,
		BufferID:    protocol.BufferNone,
		Match:       rule.Match,
		Actions:     rule.Actions,
	}
	if err := conn.Send(mod); err != nil {
		return unreachable(dpid, err)
	}
	m.adds.Add(1)
	metrics.RecordFlowMod(protocol.FlowAdd.String())

	idx.entries[key] = InstalledRule{Signature: key.Signature, Cookie: rule.Cookie, Rule: rule}
	log.Debugf("[FlowRules] switch %d add cookie=%d priority=%d match=%s actions=%v",
		dpid, rule.Cookie, rule.Priority, key.Signature, rule.Actions)
	return nil
}

// Remove deletes the rule for match at priority, or at every priority when
// priority is AllPriorities. Without a recorded entry nothing is sent.
func (m *Manager) Remove(ctx context.Context, dpid common.DPID, match protocol.Match, priority int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	idx := m.index(dpid)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	signature := match.Signature()
	var keys []indexKey
	for key := range idx.entries {
		if key.Signature == signature && (priority == AllPriorities || int(key.Priority) == priority) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	conn, err := m.conn(dpid)
	if err != nil {
		return err
	}
	mod := &protocol.FlowMod{Command: protocol.FlowDelete, BufferID: protocol.BufferNone, Match: match}
	if priority != AllPriorities {
		mod.Command = protocol.FlowDeleteStrict
		mod.Priority = uint16(priority)
	}
	if err := conn.Send(mod); err != nil {
		return unreachable(dpid, err)
	}
	if mod.Command == protocol.FlowDelete {
		m.deletes.Add(1)
	} else {
		m.strictDeletes.Add(1)
	}
	metrics.RecordFlowMod(mod.Command.String())

	for _, key := range keys {
		delete(idx.entries, key)
	}
	log.Debugf("[FlowRules] switch %d %s match=%s cleared %d entries", dpid, mod.Command, signature, len(keys))
	return nil
}

// Barrier returns once dpid confirmed every command sent before it.
func (m *Manager) Barrier(ctx context.Context, dpid common.DPID) error {
	conn, err := m.conn(dpid)
	if err != nil {
		return err
	}
	reply, err := conn.Request(ctx, &protocol.BarrierRequest{})
	if err != nil {
		return unreachable(dpid, err)
	}
	if reply.MsgType() != protocol.TypeBarrierReply {
		return fmt.Errorf("switch %d answered barrier with %s: %w", dpid, reply.MsgType(), protocol.ErrMalformed)
	}
	m.barriers.Add(1)
	return nil
}

// Reset wipes the flow table of a freshly connected switch and installs the
// table-miss rule sending unmatched packets to the controller.
func (m *Manager) Reset(ctx context.Context, dpid common.DPID) error {
	conn, err := m.conn(dpid)
	if err != nil {
		return err
	}
	idx := m.index(dpid)
	idx.mu.Lock()
	err = conn.Send(&protocol.FlowMod{Command: protocol.FlowDelete, BufferID: protocol.BufferNone})
	if err == nil {
		idx.entries = make(map[indexKey]InstalledRule)
		m.deletes.Add(1)
		metrics.RecordFlowMod(protocol.FlowDelete.String())
	}
	idx.mu.Unlock()
	if err != nil {
		return unreachable(dpid, err)
	}

	if err := m.Barrier(ctx, dpid); err != nil {
		return err
	}
	return m.Install(ctx, dpid, FlowRule{
		Match:    protocol.Match{},
		Actions:  []protocol.Action{protocol.Output(protocol.PortController)},
		Priority: PriorityTableMiss,
	})
}

// Expired drops the entry of a rule the switch removed on its own, so the
// next Install of it reaches the wire again. An entry already replaced by a
// newer cookie is kept.
func (m *Manager) Expired(dpid common.DPID, removed *protocol.FlowRemoved) bool {
	return m.dropEntry(dpid, removed.Match, removed.Priority, removed.Cookie)
}

// Rejected reconciles the index with a FlowMod the switch refused. A refused
// add never reached the table and only its entry is dropped. A refused delete
// leaves rules on the switch the index no longer knows about; Rejected then
// reports that the switch needs a Reset.
func (m *Manager) Rejected(dpid common.DPID, mod *protocol.FlowMod) (needsReset bool) {
	if mod.Command != protocol.FlowAdd {
		log.Warnf("[FlowRules] switch %d refused %s match=%s priority=%d, index out of sync",
			dpid, mod.Command, mod.Match.Signature(), mod.Priority)
		return true
	}
	if m.dropEntry(dpid, mod.Match, mod.Priority, mod.Cookie) {
		log.Warnf("[FlowRules] switch %d refused add cookie=%d match=%s priority=%d",
			dpid, mod.Cookie, mod.Match.Signature(), mod.Priority)
	}
	return false
}

func (m *Manager) dropEntry(dpid common.DPID, match protocol.Match, priority uint16, cookie uint64) bool {
	m.mu.Lock()
	idx, ok := m.switches[dpid]
	m.mu.Unlock()
	if !ok {
		return false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := indexKey{Signature: match.Signature(), Priority: priority}
	if e, ok := idx.entries[key]; ok && e.Cookie == cookie {
		delete(idx.entries, key)
		return true
	}
	return false
}

// Forget discards the index of dpid after a disconnect or protocol error.
func (m *Manager) Forget(dpid common.DPID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.switches[dpid]; ok {
		log.Infof("[FlowRules] forgetting %d installed rules of switch %d", m.count(idx), dpid)
		delete(m.switches, dpid)
	}
}

func (m *Manager) count(idx *switchIndex) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}

// Installed returns a copy of the index of dpid ordered by signature and
// priority.
func (m *Manager) Installed(dpid common.DPID) []InstalledRule {
	m.mu.Lock()
	idx, ok := m.switches[dpid]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	idx.mu.Lock()
	out := make([]InstalledRule, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	idx.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Signature != out[j].Signature {
			return out[i].Signature < out[j].Signature
		}
		return out[i].Rule.Priority < out[j].Rule.Priority
	})
	return out
}

// Lookup returns the recorded cookie of match at priority on dpid.
func (m *Manager) Lookup(dpid common.DPID, match protocol.Match, priority uint16) (InstalledRule, bool) {
	m.mu.Lock()
	idx, ok := m.switches[dpid]
	m.mu.Unlock()
	if !ok {
		return InstalledRule{}, false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[indexKey{Signature: match.Signature(), Priority: priority}]
	return e, ok
}

func (m *Manager) Counters() Counters {
	return Counters{
		Adds:           m.adds.Load(),
		Deletes:        m.deletes.Load(),
		StrictDeletes:  m.strictDeletes.Load(),
		Barriers:       m.barriers.Load(),
		SkippedInstall: m.skipped.Load(),
	}
}
