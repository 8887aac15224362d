package control_plane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"controlplane/collector"
	"controlplane/common"
	"controlplane/config"
	"controlplane/congestion"
	"controlplane/discovery"
	"controlplane/etcd"
	"controlplane/event_sink"
	"controlplane/flow_rules"
	"controlplane/forecast"
	"controlplane/metrics"
	"controlplane/packet_processing"
	"controlplane/routing"
	"controlplane/southbound"
	"controlplane/southbound/connection"
	"controlplane/southbound/protocol"
	"controlplane/stats"
)

// Deps overrides the externally backed components built from the
// configuration. Nil fields are built from the configuration.
type Deps struct {
	Discoverer common.Discoverer
	Forecast   forecast.Client
	Sink       event_sink.Sink
}

// ControlPlane owns every component of one controller instance.
type ControlPlane struct {
	config *config.Config

	pool       *ants.Pool
	server     *southbound.Server
	flows      *flow_rules.Manager
	topology   *common.TopologyStore
	probes     *discovery.ProbeDiscoverer
	paths      *routing.PathComputer
	processor  *packet_processing.Processor
	congestion *congestion.Controller
	forecast   *forecast.Poller
	stats      *stats.Poller
	sink       *event_sink.AsyncSink
	etcd       *clientv3.Client

	closers []io.Closer

	resyncMu   sync.Mutex
	lastResync map[common.DPID]time.Time

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// resyncInterval bounds how often a switch that keeps refusing commands has
// its table reset.
const resyncInterval = 5 * time.Second

// New builds and wires the components of cfg without starting any of them.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*ControlPlane, error) {
	cp := &ControlPlane{config: cfg, lastResync: make(map[common.DPID]time.Time)}
	if err := cp.build(ctx, deps); err != nil {
		cp.closeResources()
		return nil, err
	}
	return cp, nil
}

func (cp *ControlPlane) build(ctx context.Context, deps Deps) error {
	cfg := cp.config

	pool, err := common.NewPool(common.PoolConfig{Name: "controller", MaxWorkers: cfg.Controller.PoolSize})
	if err != nil {
		return err
	}
	cp.pool = pool

	smuxConfig, err := connection.SmuxConfig(connection.Config{
		KeepAliveInterval: cfg.Controller.KeepAliveInterval.Duration,
		KeepAliveTimeout:  cfg.Controller.KeepAliveTimeout.Duration,
	})
	if err != nil {
		return err
	}
	cp.server = southbound.NewServer(southbound.ServerConfig{
		ListenAddr:       cfg.Controller.ListenAddr,
		HandshakeTimeout: cfg.Controller.HandshakeTimeout.Duration,
		Smux:             smuxConfig,
	}, pool)
	cp.flows = flow_rules.NewManager(cp.server)

	if (cfg.Topology.Source == "etcd" && deps.Discoverer == nil) || (cfg.Forecast.Source == "etcd" && deps.Forecast == nil) {
		client, err := etcd.NewClient(etcd.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout.Duration,
		})
		if err != nil {
			return err
		}
		cp.etcd = client
		cp.closers = append(cp.closers, client)
	}

	discoverer := deps.Discoverer
	if discoverer == nil {
		if cfg.Topology.Source == "etcd" {
			discoverer = discovery.NewEtcdDiscoverer(cp.etcd)
		} else {
			cp.probes = discovery.NewProbeDiscoverer(discovery.ProbeConfig{LinkTTL: cfg.Topology.LinkTTL.Duration}, cp.server)
			discoverer = cp.probes
		}
	}
	cp.topology = common.NewTopologyStore(discoverer)
	cp.topology.OnUpdate(func(g *common.Graph) {
		metrics.SetGraphLinks(g.LinkCount(), g.HalfUpLinks())
	})
	cp.paths = routing.NewPathComputer()

	sink := deps.Sink
	if sink == nil {
		if sink, err = cp.buildSink(ctx); err != nil {
			return err
		}
	}
	cp.sink = event_sink.NewAsyncSink(sink, cfg.EventSink.QueueSize, 0)

	match, err := cfg.MonitoredMatch()
	if err != nil {
		return err
	}
	cp.congestion = congestion.NewController(congestion.Config{
		UpperBps:        cfg.Congestion.UpperBps,
		LowerBps:        cfg.Congestion.LowerBps,
		Cooldown:        cfg.Congestion.Cooldown.Duration,
		K:               cfg.Congestion.K,
		Ingress:         cfg.Ingress(),
		Egress:          cfg.Egress(),
		EgressPort:      cfg.Congestion.EgressPort,
		Match:           match,
		DefaultPriority: cfg.Congestion.DefaultPriority,
		ReroutePriority: cfg.Congestion.ReroutePriority,
	}, cp.topology, cp.paths, cp.flows, cp.sink)

	cp.processor = packet_processing.NewProcessor(packet_processing.Config{
		LearnedPriority:    cfg.Forwarding.LearnedPriority,
		LearnedIdleTimeout: cfg.Forwarding.LearnedIdleTimeout,
	}, cp.topology, cp.paths, cp.flows, cp.server)
	cp.processor.SetRouteManager(cp.congestion)
	if cp.probes != nil {
		cp.processor.SetProbeHandler(cp.probes)
	}

	client := deps.Forecast
	if client == nil {
		if client, err = cp.buildForecastClient(); err != nil {
			return err
		}
	}
	cp.forecast = forecast.NewPoller(client, forecast.PollerConfig{
		Interval: cfg.Forecast.PollInterval.Duration,
		Timeout:  cfg.Forecast.Timeout.Duration,
		MaxAge:   cfg.Forecast.MaxAge.Duration,
	}, cp.congestion.Observe)

	cp.stats = stats.NewPoller(stats.Config{
		Interval: cfg.Stats.PollInterval.Duration,
		Timeout:  cfg.Stats.Timeout.Duration,
	}, cp.server, pool, cp.congestion.MonitoredMatch)

	cp.server.Handle(protocol.TypePacketIn, cp.handlePacketIn)
	cp.server.Handle(protocol.TypePortStatus, cp.handlePortStatus)
	cp.server.Handle(protocol.TypeError, cp.handleError)
	cp.server.Handle(protocol.TypeFlowRemoved, cp.handleFlowRemoved)
	cp.server.OnConnect(cp.switchConnected)
	cp.server.OnDisconnect(cp.switchDisconnected)
	return nil
}

func (cp *ControlPlane) buildSink(ctx context.Context) (event_sink.Sink, error) {
	cfg := cp.config.EventSink
	switch cfg.Type {
	case "mysql":
		db, err := event_sink.ConnectMySQL(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		sink := event_sink.NewMySQLSink(db)
		cp.closers = append(cp.closers, sink)
		if err := sink.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	case "redis":
		pool := event_sink.NewRedisPool(cfg.RedisAddr)
		cp.closers = append(cp.closers, pool)
		return event_sink.NewRedisSink(pool, cfg.RedisKey, cfg.RedisMaxLen), nil
	default:
		return event_sink.LogSink{}, nil
	}
}

func (cp *ControlPlane) buildForecastClient() (forecast.Client, error) {
	cfg := cp.config.Forecast
	if cfg.Source == "etcd" {
		return forecast.NewEtcdSource(cp.etcd, cfg.EtcdKey), nil
	}
	client, err := forecast.NewGrpcClient(cfg.GrpcAddr)
	if err != nil {
		return nil, err
	}
	cp.closers = append(cp.closers, client)
	return client, nil
}

// Start builds a control plane from cfg, binds the switch listener and runs
// it in the background until ctx is cancelled or Shutdown is called.
func Start(ctx context.Context, cfg *config.Config) (*ControlPlane, error) {
	metrics.Register()
	cp, err := New(ctx, cfg, Deps{})
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.Controller.ListenAddr)
	if err != nil {
		cp.closeResources()
		return nil, fmt.Errorf("listening on %s failed: %w", cfg.Controller.ListenAddr, err)
	}
	log.Infof("[ControlPlane] listening for switches on %s", ln.Addr())
	cp.Run(ctx, ln)
	return cp, nil
}

// Run starts the periodic tasks and serves switches connecting on ln. It
// returns immediately; Shutdown stops everything it started.
func (cp *ControlPlane) Run(ctx context.Context, ln net.Listener) {
	cp.runCtx, cp.cancel = context.WithCancel(ctx)
	ctx = cp.runCtx

	cp.emitStart(ctx)

	cp.goTask("switch server", func() {
		if err := cp.server.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			log.Errorf("[ControlPlane] switch server stopped: %v", err)
		}
	})
	cp.goTask("topology refresh", func() {
		common.RunPeriodic(ctx, "topology refresh", cp.config.Topology.RefreshInterval.Duration, cp.refreshTopology)
	})
	if cp.probes != nil {
		cp.goTask("probe emission", func() {
			common.RunPeriodic(ctx, "probe emission", cp.config.Topology.ProbeInterval.Duration, cp.probes.SendProbes)
		})
	}
	if cp.etcd != nil && cp.config.Topology.Source == "etcd" {
		cp.goTask("fabric watch", func() { cp.watchFabric(ctx) })
	}
	cp.goTask("forecast poll", func() { cp.forecast.Run(ctx) })
	cp.goTask("stats poll", func() { cp.stats.Run(ctx) })
	if addr := cp.config.Controller.MetricsAddr; addr != "" {
		cp.goTask("metrics server", func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				log.Errorf("[ControlPlane] metrics server stopped: %v", err)
			}
		})
	}
}

func (cp *ControlPlane) goTask(name string, fn func()) {
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		fn()
		log.Debugf("[ControlPlane] %s stopped", name)
	}()
}

func (cp *ControlPlane) emitStart(ctx context.Context) {
	description := "controller started"
	if h, err := collector.GetHostInfo(); err != nil {
		log.Warnf("[ControlPlane] host information unavailable: %v", err)
	} else {
		description = "controller started on " + h.Describe()
	}
	_ = cp.sink.Append(ctx, event_sink.Event{
		Timestamp:   time.Now(),
		EventType:   event_sink.EventControllerStart,
		Description: description,
	})
}

func (cp *ControlPlane) refreshTopology(ctx context.Context) {
	if err := cp.topology.Refresh(ctx); err != nil {
		metrics.RecordDiscoveryFailure()
		log.Warnf("[ControlPlane] topology refresh failed, keeping epoch %d: %v", cp.topology.Snapshot().Epoch(), err)
	}
}

// watchFabric refreshes the topology as soon as the fabric registry changes,
// on top of the periodic refresh.
func (cp *ControlPlane) watchFabric(ctx context.Context) {
	for ctx.Err() == nil {
		err := etcd.WatchPrefix(ctx, cp.etcd, etcd.FabricPrefix, func(changed int) {
			log.Debugf("[ControlPlane] %d fabric registry changes", changed)
			cp.refreshTopology(ctx)
		})
		if err == nil {
			return
		}
		log.Warnf("[ControlPlane] fabric watch interrupted: %v", err)
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

func (cp *ControlPlane) handlePacketIn(sess *southbound.Session, msg protocol.Message) {
	cp.processor.HandlePacketIn(cp.runCtx, sess.DPID(), msg.(*protocol.PacketIn))
}

func (cp *ControlPlane) handlePortStatus(sess *southbound.Session, msg protocol.Message) {
	ps := msg.(*protocol.PortStatus)
	log.Infof("[ControlPlane] switch %d port %d status reason %d, up %v", sess.DPID(), ps.Port.PortNo, ps.Reason, ps.Port.Up)
	if cp.probes != nil {
		cp.probes.HandlePortStatus(sess.DPID(), ps)
		cp.refreshTopology(cp.runCtx)
	}
}

func (cp *ControlPlane) handleFlowRemoved(sess *southbound.Session, msg protocol.Message) {
	removed := msg.(*protocol.FlowRemoved)
	if cp.flows.Expired(sess.DPID(), removed) {
		log.Debugf("[ControlPlane] switch %d expired cookie=%d priority=%d reason=%d",
			sess.DPID(), removed.Cookie, removed.Priority, removed.Reason)
	}
}

// handleError reconciles the rule index with a refused command. When the
// switch table can no longer be trusted it is reset, off the receive loop
// since the reset waits for a barrier reply on this stream.
func (cp *ControlPlane) handleError(sess *southbound.Session, msg protocol.Message) {
	e := msg.(*protocol.Error)
	dpid := sess.DPID()
	log.Errorf("[ControlPlane] switch %d reported %v", dpid, e)
	if mod, ok := e.FailedFlowMod(); ok && !cp.flows.Rejected(dpid, mod) {
		return
	}
	if !cp.claimResync(dpid) {
		log.Warnf("[ControlPlane] switch %d reset already ran in the last %v", dpid, resyncInterval)
		return
	}
	if err := cp.pool.Submit(func() { cp.resync(dpid) }); err != nil {
		log.Errorf("[ControlPlane] failed to submit reset of switch %d: %v", dpid, err)
	}
}

func (cp *ControlPlane) claimResync(dpid common.DPID) bool {
	cp.resyncMu.Lock()
	defer cp.resyncMu.Unlock()
	now := time.Now()
	if last, ok := cp.lastResync[dpid]; ok && now.Sub(last) < resyncInterval {
		return false
	}
	cp.lastResync[dpid] = now
	return true
}

// resync wipes the table of dpid and lets traffic reinstall what it needs.
// The monitored pair comes back through its next packet-in.
func (cp *ControlPlane) resync(dpid common.DPID) {
	if err := cp.flows.Reset(cp.runCtx, dpid); err != nil {
		log.Errorf("[ControlPlane] resetting flow table of switch %d after error failed: %v", dpid, err)
		return
	}
	cp.processor.SwitchDown(dpid)
	log.Infof("[ControlPlane] switch %d flow table reset after refused command", dpid)
}

func (cp *ControlPlane) switchConnected(sess *southbound.Session) {
	dpid := sess.DPID()
	if cp.probes != nil {
		cp.probes.SwitchUp(dpid, sess.Ports())
	}
	if err := cp.flows.Reset(cp.runCtx, dpid); err != nil {
		log.Errorf("[ControlPlane] resetting flow table of switch %d failed: %v", dpid, err)
		return
	}
	log.Infof("[ControlPlane] switch %d ready", dpid)
}

func (cp *ControlPlane) switchDisconnected(sess *southbound.Session) {
	dpid := sess.DPID()
	cp.flows.Forget(dpid)
	cp.processor.SwitchDown(dpid)
	if cp.probes != nil {
		cp.probes.SwitchDown(dpid)
	}
	cp.stats.Forget(dpid)
	log.Infof("[ControlPlane] switch %d gone", dpid)
}

func (cp *ControlPlane) Congestion() *congestion.Controller { return cp.congestion }

func (cp *ControlPlane) Topology() *common.TopologyStore { return cp.topology }

func (cp *ControlPlane) Server() *southbound.Server { return cp.server }

// Shutdown stops the periodic tasks, disconnects every switch and flushes the
// queued events before releasing external clients.
func (cp *ControlPlane) Shutdown(ctx context.Context) error {
	if cp.cancel != nil {
		cp.cancel()
	}
	cp.server.Close()

	done := make(chan struct{})
	go func() {
		cp.wg.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background tasks: %w", ctx.Err()))
	}

	if err := cp.sink.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing events: %w", err))
	}
	errs = append(errs, cp.closeResources())
	log.Infof("[ControlPlane] shut down")
	return errors.Join(errs...)
}

func (cp *ControlPlane) closeResources() error {
	var errs []error
	for i := len(cp.closers) - 1; i >= 0; i-- {
		if err := cp.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	cp.closers = nil
	if cp.pool != nil {
		cp.pool.Release()
	}
	return errors.Join(errs...)
}
