package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"controlplane/common"
	"controlplane/flow_rules"
	"controlplane/southbound/protocol"
)

// Duration decodes TOML strings such as "5s" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Controller ControllerConfig `toml:"controller"`
	Log        LogConfig        `toml:"log"`
	Topology   TopologyConfig   `toml:"topology"`
	Forecast   ForecastConfig   `toml:"forecast"`
	Congestion CongestionConfig `toml:"congestion"`
	Forwarding ForwardingConfig `toml:"forwarding"`
	Stats      StatsConfig      `toml:"stats"`
	EventSink  EventSinkConfig  `toml:"event_sink"`
	Etcd       EtcdConfig       `toml:"etcd"`
}

type ControllerConfig struct {
	ListenAddr        string   `toml:"listen_addr"`
	MetricsAddr       string   `toml:"metrics_addr"`
	HandshakeTimeout  Duration `toml:"handshake_timeout"`
	KeepAliveInterval Duration `toml:"keepalive_interval"`
	KeepAliveTimeout  Duration `toml:"keepalive_timeout"`
	PoolSize          int      `toml:"pool_size"`
}

type LogConfig struct {
	Dir   string `toml:"dir"`
	Level string `toml:"level"`
}

type TopologyConfig struct {
	// Source is "probe" or "etcd".
	Source          string   `toml:"source"`
	RefreshInterval Duration `toml:"refresh_interval"`
	ProbeInterval   Duration `toml:"probe_interval"`
	LinkTTL         Duration `toml:"link_ttl"`
}

type ForecastConfig struct {
	// Source is "grpc" or "etcd".
	Source       string   `toml:"source"`
	GrpcAddr     string   `toml:"grpc_addr"`
	EtcdKey      string   `toml:"etcd_key"`
	PollInterval Duration `toml:"poll_interval"`
	Timeout      Duration `toml:"timeout"`
	MaxAge       Duration `toml:"max_age"`
}

type CongestionConfig struct {
	UpperBps        float64  `toml:"upper_bps"`
	LowerBps        float64  `toml:"lower_bps"`
	Cooldown        Duration `toml:"cooldown"`
	K               int      `toml:"k"`
	IngressDPID     uint64   `toml:"ingress_dpid"`
	EgressDPID      uint64   `toml:"egress_dpid"`
	EgressPort      uint32   `toml:"egress_port"`
	SrcIP           string   `toml:"src_ip"`
	DstIP           string   `toml:"dst_ip"`
	IPProto         uint8    `toml:"ip_proto"`
	DstPort         uint16   `toml:"dst_port"`
	DefaultPriority uint16   `toml:"default_priority"`
	ReroutePriority uint16   `toml:"reroute_priority"`
}

type ForwardingConfig struct {
	LearnedPriority    uint16 `toml:"learned_priority"`
	LearnedIdleTimeout uint16 `toml:"learned_idle_timeout"`
}

type StatsConfig struct {
	PollInterval Duration `toml:"poll_interval"`
	Timeout      Duration `toml:"timeout"`
}

type EventSinkConfig struct {
	// Type is "log", "mysql" or "redis".
	Type        string `toml:"type"`
	MySQLDSN    string `toml:"mysql_dsn"`
	RedisAddr   string `toml:"redis_addr"`
	RedisKey    string `toml:"redis_key"`
	RedisMaxLen int    `toml:"redis_max_len"`
	QueueSize   int    `toml:"queue_size"`
}

type EtcdConfig struct {
	Endpoints   []string `toml:"endpoints"`
	DialTimeout Duration `toml:"dial_timeout"`
}

func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			ListenAddr:        ":6653",
			MetricsAddr:       ":9100",
			HandshakeTimeout:  Duration{5 * time.Second},
			KeepAliveInterval: Duration{5 * time.Second},
			KeepAliveTimeout:  Duration{30 * time.Second},
			PoolSize:          64,
		},
		Log: LogConfig{Dir: "./logs", Level: "info"},
		Topology: TopologyConfig{
			Source:          "probe",
			RefreshInterval: Duration{5 * time.Second},
			ProbeInterval:   Duration{3 * time.Second},
			LinkTTL:         Duration{10 * time.Second},
		},
		Forecast: ForecastConfig{
			Source:       "grpc",
			GrpcAddr:     "127.0.0.1:50061",
			EtcdKey:      "/forecast/latest",
			PollInterval: Duration{2 * time.Second},
			Timeout:      Duration{time.Second},
		},
		Congestion: CongestionConfig{
			UpperBps:        120000,
			LowerBps:        80000,
			Cooldown:        Duration{30 * time.Second},
			K:               3,
			IPProto:         17,
			DefaultPriority: flow_rules.PriorityDefault,
			ReroutePriority: flow_rules.PriorityReroute,
		},
		Forwarding: ForwardingConfig{
			LearnedPriority:    flow_rules.PriorityLearned,
			LearnedIdleTimeout: 20,
		},
		Stats: StatsConfig{
			PollInterval: Duration{10 * time.Second},
			Timeout:      Duration{3 * time.Second},
		},
		EventSink: EventSinkConfig{
			Type:        "log",
			RedisKey:    "controlplane:events",
			RedisMaxLen: 10000,
			QueueSize:   256,
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: Duration{5 * time.Second},
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("error getting absolute path for %s: %w", path, err)
	}
	log.Infof("Attempting to load configuration from: %s", absPath)

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("error decoding TOML file %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		log.Warnf("unknown configuration key %q ignored", key.String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	cg := c.Congestion
	if cg.LowerBps >= cg.UpperBps {
		errs = append(errs, fmt.Errorf("congestion.lower_bps %.0f must be below upper_bps %.0f", cg.LowerBps, cg.UpperBps))
	}
	if cg.K < 2 {
		errs = append(errs, fmt.Errorf("congestion.k must be at least 2, got %d", cg.K))
	}
	if cg.Cooldown.Duration <= c.Forecast.PollInterval.Duration {
		errs = append(errs, fmt.Errorf("congestion.cooldown %v must exceed forecast.poll_interval %v",
			cg.Cooldown.Duration, c.Forecast.PollInterval.Duration))
	}
	if cg.IngressDPID == 0 || cg.EgressDPID == 0 {
		errs = append(errs, errors.New("congestion.ingress_dpid and egress_dpid are required"))
	} else if cg.IngressDPID == cg.EgressDPID {
		errs = append(errs, errors.New("congestion.ingress_dpid and egress_dpid must differ"))
	}
	if cg.EgressPort == 0 {
		errs = append(errs, errors.New("congestion.egress_port is required"))
	}
	if cg.ReroutePriority <= cg.DefaultPriority {
		errs = append(errs, fmt.Errorf("congestion.reroute_priority %d must exceed default_priority %d",
			cg.ReroutePriority, cg.DefaultPriority))
	}
	if cg.DefaultPriority <= c.Forwarding.LearnedPriority {
		errs = append(errs, fmt.Errorf("congestion.default_priority %d must exceed forwarding.learned_priority %d",
			cg.DefaultPriority, c.Forwarding.LearnedPriority))
	}
	if _, err := c.MonitoredMatch(); err != nil {
		errs = append(errs, err)
	}

	switch c.Topology.Source {
	case "probe", "etcd":
	default:
		errs = append(errs, fmt.Errorf("topology.source must be probe or etcd, got %q", c.Topology.Source))
	}
	switch c.Forecast.Source {
	case "grpc", "etcd":
	default:
		errs = append(errs, fmt.Errorf("forecast.source must be grpc or etcd, got %q", c.Forecast.Source))
	}
	switch c.EventSink.Type {
	case "log":
	case "mysql":
		if c.EventSink.MySQLDSN == "" {
			errs = append(errs, errors.New("event_sink.mysql_dsn is required for the mysql sink"))
		}
	case "redis":
		if c.EventSink.RedisAddr == "" {
			errs = append(errs, errors.New("event_sink.redis_addr is required for the redis sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("event_sink.type must be log, mysql or redis, got %q", c.EventSink.Type))
	}
	if (c.Topology.Source == "etcd" || c.Forecast.Source == "etcd") && len(c.Etcd.Endpoints) == 0 {
		errs = append(errs, errors.New("etcd.endpoints is required when an etcd source is used"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// MonitoredMatch builds the match of the monitored traffic pair.
func (c *Config) MonitoredMatch() (protocol.Match, error) {
	cg := c.Congestion
	src, err := netip.ParseAddr(cg.SrcIP)
	if err != nil || !src.Is4() {
		return protocol.Match{}, fmt.Errorf("congestion.src_ip %q is not an IPv4 address", cg.SrcIP)
	}
	dst, err := netip.ParseAddr(cg.DstIP)
	if err != nil || !dst.Is4() {
		return protocol.Match{}, fmt.Errorf("congestion.dst_ip %q is not an IPv4 address", cg.DstIP)
	}
	m := protocol.Match{}.WithEthType(0x0800).WithIPSrc(src).WithIPDst(dst)
	if cg.IPProto != 0 {
		m = m.WithIPProto(cg.IPProto)
		if cg.DstPort != 0 {
			m = m.WithTPDst(cg.DstPort)
		}
	}
	return m, nil
}

func (c *Config) Ingress() common.DPID { return common.DPID(c.Congestion.IngressDPID) }

func (c *Config) Egress() common.DPID { return common.DPID(c.Congestion.EgressDPID) }
