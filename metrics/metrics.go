package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const namespace = "controlplane"

// Registry holds every controller metric. It is separate from the default
// registry so tests can gather from it without global side effects.
var Registry = prometheus.NewRegistry()

var (
	flowModCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_mods_total",
			Help:      "Count of flow modification commands sent to switches, by command.",
		},
		[]string{"command"},
	)
	packetInCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_in_total",
			Help:      "Count of packet-in events handled, by frame kind.",
		},
		[]string{"kind"},
	)
	arpReplyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arp_replies_total",
			Help:      "Count of ARP replies synthesized by the controller.",
		},
	)
	transitionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "congestion_transitions_total",
			Help:      "Count of congestion state transitions, by target state.",
		},
		[]string{"state"},
	)
	discoveryFailureCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_failures_total",
			Help:      "Count of topology discovery cycles that failed and kept the previous graph.",
		},
	)
	droppedEventCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Count of audit events dropped because the sink queue was full.",
		},
	)

	connectedSwitchesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_switches",
			Help:      "Number of switches with an established session.",
		},
	)
	graphLinksGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_links",
			Help:      "Directed links in the current topology snapshot, total and half-up.",
		},
		[]string{"kind"},
	)
	congestionStateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "congestion_state",
			Help:      "Current congestion state: 0 normal, 1 congested.",
		},
	)
	predictedLoadGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "predicted_load_bps",
			Help:      "Last observed forecast of the monitored pair load in bits per second.",
		},
	)
	portRateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "port_rate_bps",
			Help:      "Port throughput computed from successive statistics samples.",
		},
		[]string{"dpid", "port", "direction"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(flowModCounter)
		Registry.MustRegister(packetInCounter)
		Registry.MustRegister(arpReplyCounter)
		Registry.MustRegister(transitionCounter)
		Registry.MustRegister(discoveryFailureCounter)
		Registry.MustRegister(droppedEventCounter)
		Registry.MustRegister(connectedSwitchesGauge)
		Registry.MustRegister(graphLinksGauge)
		Registry.MustRegister(congestionStateGauge)
		Registry.MustRegister(predictedLoadGauge)
		Registry.MustRegister(portRateGauge)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

func RecordFlowMod(command string) {
	flowModCounter.WithLabelValues(command).Inc()
}

func RecordPacketIn(kind string) {
	packetInCounter.WithLabelValues(kind).Inc()
}

func RecordARPReply() {
	arpReplyCounter.Inc()
}

func RecordTransition(state string) {
	transitionCounter.WithLabelValues(state).Inc()
}

func RecordDiscoveryFailure() {
	discoveryFailureCounter.Inc()
}

func RecordDroppedEvent() {
	droppedEventCounter.Inc()
}

func SetConnectedSwitches(n int) {
	connectedSwitchesGauge.Set(float64(n))
}

func SetGraphLinks(total, halfUp int) {
	graphLinksGauge.WithLabelValues("total").Set(float64(total))
	graphLinksGauge.WithLabelValues("half_up").Set(float64(halfUp))
}

func SetCongested(congested bool) {
	if congested {
		congestionStateGauge.Set(1)
		return
	}
	congestionStateGauge.Set(0)
}

func SetPredictedLoad(bps float64) {
	predictedLoadGauge.Set(bps)
}

func SetPortRate(dpid uint64, port uint32, direction string, bps float64) {
	portRateGauge.WithLabelValues(strconv.FormatUint(dpid, 10), strconv.FormatUint(uint64(port), 10), direction).Set(bps)
}

// DeleteSwitchPortRates drops the port gauges of a disconnected switch.
func DeleteSwitchPortRates(dpid uint64) {
	portRateGauge.DeletePartialMatch(prometheus.Labels{"dpid": strconv.FormatUint(dpid, 10)})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("[Metrics] serving /metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
