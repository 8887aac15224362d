package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"controlplane/common"
	"controlplane/metrics"
	"controlplane/southbound"
	"controlplane/southbound/protocol"
)

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// WatchFunc returns the match whose rule counters are logged on each poll.
type WatchFunc func() protocol.Match

type portKey struct {
	dpid common.DPID
	port uint32
}

type portSample struct {
	at      time.Time
	rxBytes uint64
	txBytes uint64
}

// Rate is the byte rate of one port between two polls, in bits per second.
type Rate struct {
	RxBps float64
	TxBps float64
}

// Poller collects port and flow counters from every connected switch in
// parallel and turns successive port samples into rates.
type Poller struct {
	config   Config
	registry southbound.Registry
	pool     *ants.Pool
	watch    WatchFunc
	now      func() time.Time

	mu    sync.Mutex
	prev  map[portKey]portSample
	rates map[portKey]Rate
}

func NewPoller(config Config, registry southbound.Registry, pool *ants.Pool, watch WatchFunc) *Poller {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout <= 0 || config.Timeout > config.Interval {
		config.Timeout = config.Interval
	}
	return &Poller{
		config:   config,
		registry: registry,
		pool:     pool,
		watch:    watch,
		now:      time.Now,
		prev:     make(map[portKey]portSample),
		rates:    make(map[portKey]Rate),
	}
}

// Poll queries every connected switch once and waits for all of them.
func (p *Poller) Poll(ctx context.Context) {
	conns := p.registry.Conns()
	var wg sync.WaitGroup
	for _, conn := range conns {
		conn := conn
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
			defer cancel()
			if err := p.pollSwitch(callCtx, conn); err != nil {
				log.Warnf("[StatsPoller] switch %d: %v", conn.DPID(), err)
			}
		})
		if err != nil {
			wg.Done()
			log.Warnf("[StatsPoller] failed to submit poll of switch %d: %v", conn.DPID(), err)
		}
	}
	wg.Wait()
}

func (p *Poller) pollSwitch(ctx context.Context, conn southbound.Conn) error {
	reply, err := conn.Request(ctx, &protocol.StatsRequest{StatsType: protocol.StatsPort, PortNo: protocol.PortAny})
	if err != nil {
		return fmt.Errorf("port stats: %w", err)
	}
	ports, ok := reply.(*protocol.StatsReply)
	if !ok {
		return fmt.Errorf("port stats answered with %s: %w", reply.MsgType(), protocol.ErrMalformed)
	}
	p.recordPorts(conn.DPID(), ports.Ports)

	if p.watch == nil {
		return nil
	}
	match := p.watch()
	reply, err = conn.Request(ctx, &protocol.StatsRequest{StatsType: protocol.StatsFlow, Match: match})
	if err != nil {
		return fmt.Errorf("flow stats: %w", err)
	}
	flows, ok := reply.(*protocol.StatsReply)
	if !ok {
		return fmt.Errorf("flow stats answered with %s: %w", reply.MsgType(), protocol.ErrMalformed)
	}
	for _, f := range flows.Flows {
		log.Debugf("[StatsPoller] switch %d priority %d cookie=%d packets=%d bytes=%d age=%ds match=%s",
			conn.DPID(), f.Priority, f.Cookie, f.PacketCount, f.ByteCount, f.DurationSec, f.Match.Signature())
	}
	return nil
}

func (p *Poller) recordPorts(dpid common.DPID, ports []protocol.PortStats) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ps := range ports {
		key := portKey{dpid: dpid, port: ps.PortNo}
		cur := portSample{at: now, rxBytes: ps.RxBytes, txBytes: ps.TxBytes}
		prev, ok := p.prev[key]
		p.prev[key] = cur
		// counters going backwards mean the switch restarted
		if !ok || cur.rxBytes < prev.rxBytes || cur.txBytes < prev.txBytes {
			continue
		}
		elapsed := cur.at.Sub(prev.at).Seconds()
		if elapsed <= 0 {
			continue
		}
		rate := Rate{
			RxBps: float64(cur.rxBytes-prev.rxBytes) * 8 / elapsed,
			TxBps: float64(cur.txBytes-prev.txBytes) * 8 / elapsed,
		}
		p.rates[key] = rate
		metrics.SetPortRate(uint64(dpid), ps.PortNo, "rx", rate.RxBps)
		metrics.SetPortRate(uint64(dpid), ps.PortNo, "tx", rate.TxBps)
	}
}

func (p *Poller) PortRate(dpid common.DPID, port uint32) (Rate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rates[portKey{dpid: dpid, port: port}]
	return r, ok
}

// Forget drops the samples of a disconnected switch.
func (p *Poller) Forget(dpid common.DPID) {
	p.mu.Lock()
	for key := range p.prev {
		if key.dpid == dpid {
			delete(p.prev, key)
			delete(p.rates, key)
		}
	}
	p.mu.Unlock()
	metrics.DeleteSwitchPortRates(uint64(dpid))
}

func (p *Poller) Run(ctx context.Context) {
	common.RunPeriodic(ctx, "StatsPoller", p.config.Interval, p.Poll)
}
