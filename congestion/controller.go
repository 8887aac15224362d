package congestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"controlplane/common"
	"controlplane/event_sink"
	"controlplane/flow_rules"
	"controlplane/forecast"
	"controlplane/metrics"
	"controlplane/routing"
	"controlplane/southbound/protocol"
)

type State int

const (
	Normal State = iota
	Congested
)

func (s State) String() string {
	if s == Congested {
		return "CONGESTED"
	}
	return "NORMAL"
}

type Config struct {
	UpperBps float64
	LowerBps float64
	Cooldown time.Duration
	K        int

	Ingress common.DPID
	Egress  common.DPID
	// EgressPort is the host-facing port of Egress the monitored traffic leaves on.
	EgressPort uint32
	Match      protocol.Match

	DefaultPriority uint16
	ReroutePriority uint16
}

// FlowRules is the part of the flow rule manager the controller drives.
type FlowRules interface {
	Install(ctx context.Context, dpid common.DPID, rule flow_rules.FlowRule) error
	Remove(ctx context.Context, dpid common.DPID, match protocol.Match, priority int) error
	Barrier(ctx context.Context, dpid common.DPID) error
}

type GraphSource interface {
	Snapshot() *common.Graph
}

type Status struct {
	State          State
	LastTransition time.Time
	LastCongestion time.Time
	Transitions    uint64
	RerouteBatches uint64
	RevertBatches  uint64
	ReroutePath    []common.DPID
}

// Controller is the hysteresis state machine steering the monitored pair.
// Observe is the only method that changes the state.
type Controller struct {
	config   Config
	topology GraphSource
	paths    *routing.PathComputer
	rules    FlowRules
	sink     event_sink.Sink
	now      func() time.Time

	// applyMu serializes every rule rollout for the monitored pair.
	applyMu sync.Mutex

	stateMu        sync.Mutex
	state          State
	lastTransition time.Time
	lastCongestion time.Time
	rerouteHops    []routing.Hop
	reroutePath    []common.DPID
	transitions    uint64
	rerouteBatches uint64
	revertBatches  uint64
}

func NewController(config Config, topology GraphSource, paths *routing.PathComputer,
	rules FlowRules, sink event_sink.Sink) *Controller {
	if sink == nil {
		sink = event_sink.LogSink{}
	}
	return &Controller{
		config:   config,
		topology: topology,
		paths:    paths,
		rules:    rules,
		sink:     sink,
		now:      time.Now,
	}
}

// WithClock replaces the time source used for cooldown accounting.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

func (c *Controller) MonitoredMatch() protocol.Match { return c.config.Match }

func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return Status{
		State:          c.state,
		LastTransition: c.lastTransition,
		LastCongestion: c.lastCongestion,
		Transitions:    c.transitions,
		RerouteBatches: c.rerouteBatches,
		RevertBatches:  c.revertBatches,
		ReroutePath:    append([]common.DPID(nil), c.reroutePath...),
	}
}

// Observe evaluates one forecast sample. Only a sample above the upper
// threshold in NORMAL, or a sample below the lower threshold in CONGESTED
// once the cooldown has elapsed, changes anything.
func (c *Controller) Observe(ctx context.Context, sample forecast.Sample) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.stateMu.Lock()
	state, lastCongestion := c.state, c.lastCongestion
	c.stateMu.Unlock()
	// cooldown runs on sample time; untimed samples use the local clock
	now := sample.SampledAt
	if now.IsZero() {
		now = c.now()
	}
	load := sample.PredictedBps

	switch state {
	case Normal:
		if load > c.config.UpperBps {
			c.reroute(ctx, now, load)
			return
		}
	case Congested:
		if load < c.config.LowerBps {
			elapsed := now.Sub(lastCongestion)
			if elapsed >= c.config.Cooldown {
				c.revert(ctx, now, load)
				return
			}
			log.Debugf("[Congestion] load %.0f bps below lower threshold, cooldown %v of %v", load, elapsed, c.config.Cooldown)
			return
		}
	}
	log.Debugf("[Congestion] state %s, load %.0f bps, no transition", state, load)
}

func (c *Controller) reroute(ctx context.Context, now time.Time, load float64) {
	g := c.topology.Snapshot()
	paths, err := c.paths.KShortestPaths(g, c.config.Ingress, c.config.Egress, c.config.K)
	if err != nil {
		log.Warnf("[Congestion] load %.0f bps above %.0f but no path %d -> %d, staying NORMAL: %v",
			load, c.config.UpperBps, c.config.Ingress, c.config.Egress, err)
		return
	}
	if len(paths) < c.config.K {
		log.Warnf("[Congestion] load %.0f bps above %.0f but only %d of %d paths %d -> %d, staying NORMAL",
			load, c.config.UpperBps, len(paths), c.config.K, c.config.Ingress, c.config.Egress)
		return
	}
	path, idx := routing.MostDivergent(paths)
	hops, err := routing.Hops(g, path, c.config.EgressPort)
	if err != nil {
		log.Warnf("[Congestion] cannot resolve reroute path %v, staying NORMAL: %v", path.Nodes, err)
		return
	}

	failed := c.installPath(ctx, hops, c.config.ReroutePriority)

	c.stateMu.Lock()
	c.state = Congested
	c.lastTransition = now
	c.lastCongestion = now
	c.rerouteHops = hops
	c.reroutePath = append([]common.DPID(nil), path.Nodes...)
	c.transitions++
	c.rerouteBatches++
	c.stateMu.Unlock()

	metrics.RecordTransition(Congested.String())
	metrics.SetCongested(true)
	log.Infof("[Congestion] NORMAL -> CONGESTED, load %.0f bps > %.0f, reroute path %v (path %d of %d, %d shared edges), %d switch failures",
		load, c.config.UpperBps, path.Nodes, idx+1, len(paths), routing.SharedEdges(paths[0], path), failed)
	c.emit(ctx, now, event_sink.EventRerouteActive,
		fmt.Sprintf("predicted load %.0f bps exceeded %.0f bps, monitored pair %d->%d rerouted via %v",
			load, c.config.UpperBps, c.config.Ingress, c.config.Egress, path.Nodes), load)
}

func (c *Controller) revert(ctx context.Context, now time.Time, load float64) {
	c.stateMu.Lock()
	rerouteHops := c.rerouteHops
	c.stateMu.Unlock()

	failed := 0
	if hops, err := c.defaultHops(); err != nil {
		log.Warnf("[Congestion] no default path to fall back to, removing reroute rules anyway: %v", err)
	} else {
		failed += c.installPath(ctx, hops, c.config.DefaultPriority)
	}
	failed += c.removePath(ctx, rerouteHops, c.config.ReroutePriority)

	c.stateMu.Lock()
	c.state = Normal
	c.lastTransition = now
	c.rerouteHops = nil
	c.reroutePath = nil
	c.transitions++
	c.revertBatches++
	c.stateMu.Unlock()

	metrics.RecordTransition(Normal.String())
	metrics.SetCongested(false)
	log.Infof("[Congestion] CONGESTED -> NORMAL, load %.0f bps < %.0f, %d switch failures", load, c.config.LowerBps, failed)
	c.emit(ctx, now, event_sink.EventRerouteRevert,
		fmt.Sprintf("predicted load %.0f bps below %.0f bps, monitored pair %d->%d back on default path",
			load, c.config.LowerBps, c.config.Ingress, c.config.Egress), load)
}

func (c *Controller) defaultHops() ([]routing.Hop, error) {
	g := c.topology.Snapshot()
	path, err := c.paths.ShortestPath(g, c.config.Ingress, c.config.Egress)
	if err != nil {
		return nil, err
	}
	return routing.Hops(g, path, c.config.EgressPort)
}

func (c *Controller) rule(hop routing.Hop, priority uint16) flow_rules.FlowRule {
	return flow_rules.FlowRule{
		Match:    c.config.Match,
		Actions:  []protocol.Action{protocol.Output(hop.OutPort)},
		Priority: priority,
	}
}

// installPath writes the rules from egress toward ingress so that no switch
// forwards onto a hop that is not ready yet, then waits for a barrier on
// every switch. It returns the number of switches that failed.
func (c *Controller) installPath(ctx context.Context, hops []routing.Hop, priority uint16) int {
	failed := make(map[common.DPID]bool)
	for i := len(hops) - 1; i >= 0; i-- {
		hop := hops[i]
		if err := c.rules.Install(ctx, hop.DPID, c.rule(hop, priority)); err != nil {
			log.Warnf("[Congestion] install on switch %d priority %d: %v", hop.DPID, priority, err)
			failed[hop.DPID] = true
		}
	}
	return len(failed) + c.barrierAll(ctx, hops, failed)
}

// removePath deletes the rules from ingress toward egress.
func (c *Controller) removePath(ctx context.Context, hops []routing.Hop, priority uint16) int {
	failed := make(map[common.DPID]bool)
	for _, hop := range hops {
		if err := c.rules.Remove(ctx, hop.DPID, c.config.Match, int(priority)); err != nil {
			log.Warnf("[Congestion] remove on switch %d priority %d: %v", hop.DPID, priority, err)
			failed[hop.DPID] = true
		}
	}
	return len(failed) + c.barrierAll(ctx, hops, failed)
}

func (c *Controller) barrierAll(ctx context.Context, hops []routing.Hop, skip map[common.DPID]bool) int {
	n := 0
	for _, hop := range hops {
		if skip[hop.DPID] {
			continue
		}
		if err := c.rules.Barrier(ctx, hop.DPID); err != nil {
			log.Warnf("[Congestion] barrier on switch %d: %v", hop.DPID, err)
			n++
		}
	}
	return n
}

// ActiveRoute returns the hops and priority of the tier currently carrying
// the monitored pair.
func (c *Controller) ActiveRoute(ctx context.Context) ([]routing.Hop, uint16, error) {
	c.stateMu.Lock()
	state, hops := c.state, c.rerouteHops
	c.stateMu.Unlock()
	if state == Congested && len(hops) > 0 {
		return hops, c.config.ReroutePriority, nil
	}
	hops, err := c.defaultHops()
	if err != nil {
		return nil, 0, err
	}
	return hops, c.config.DefaultPriority, nil
}

// EnsureActiveRoute installs the active tier along its path. Repeated calls
// send nothing once the rules are in place.
func (c *Controller) EnsureActiveRoute(ctx context.Context) ([]routing.Hop, error) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	hops, priority, err := c.ActiveRoute(ctx)
	if err != nil {
		return nil, err
	}
	var errs []error
	for i := len(hops) - 1; i >= 0; i-- {
		if err := c.rules.Install(ctx, hops[i].DPID, c.rule(hops[i], priority)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Warnf("[Congestion] active route partially installed: %v", errors.Join(errs...))
	}
	return hops, nil
}

func (c *Controller) emit(ctx context.Context, at time.Time, kind, description string, value float64) {
	err := c.sink.Append(ctx, event_sink.Event{
		Timestamp:    at,
		EventType:    kind,
		Description:  description,
		TriggerValue: value,
	})
	if err != nil {
		log.Warnf("[Congestion] failed to record %s event: %v", kind, err)
	}
}
