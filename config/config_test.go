package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlplane/common"
	"controlplane/southbound/protocol"
)

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load("../controlplane_config.toml")
	require.NoError(t, err)

	assert.Equal(t, ":6653", cfg.Controller.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Congestion.Cooldown.Duration)
	assert.Equal(t, 2*time.Second, cfg.Forecast.PollInterval.Duration)
	assert.Equal(t, common.DPID(1), cfg.Ingress())
	assert.Equal(t, common.DPID(5), cfg.Egress())
	assert.Equal(t, 3, cfg.Congestion.K)

	m, err := cfg.MonitoredMatch()
	require.NoError(t, err)
	want := protocol.Match{}.WithEthType(0x0800).WithIPProto(17).
		WithIPSrc(netip.MustParseAddr("10.0.0.1")).WithIPDst(netip.MustParseAddr("10.0.0.2")).WithTPDst(5001)
	assert.Equal(t, want.Signature(), m.Signature())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "controlplane_config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimal = `
[congestion]
ingress_dpid = 1
egress_dpid = 2
egress_port = 1
src_ip = "10.0.0.1"
dst_ip = "10.0.0.2"
`

func TestDefaultsFillMissingSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, "probe", cfg.Topology.Source)
	assert.Equal(t, 5*time.Second, cfg.Topology.RefreshInterval.Duration)
	assert.Equal(t, 120000.0, cfg.Congestion.UpperBps)
	assert.Equal(t, "log", cfg.EventSink.Type)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"inverted thresholds":     minimal + "upper_bps = 1000.0\nlower_bps = 2000.0\n",
		"k below two":             minimal + "k = 1\n",
		"cooldown below poll":     minimal + "cooldown = \"1s\"\n",
		"ingress equals egress":   "[congestion]\ningress_dpid = 1\negress_dpid = 1\negress_port = 1\nsrc_ip = \"10.0.0.1\"\ndst_ip = \"10.0.0.2\"\n",
		"bad ip":                  "[congestion]\ningress_dpid = 1\negress_dpid = 2\negress_port = 1\nsrc_ip = \"ten\"\ndst_ip = \"10.0.0.2\"\n",
		"reroute below default":   minimal + "reroute_priority = 50\n",
		"unknown sink":            minimal + "[event_sink]\ntype = \"kafka\"\n",
		"mysql without dsn":       minimal + "[event_sink]\ntype = \"mysql\"\n",
		"unknown topology source": minimal + "[topology]\nsource = \"snmp\"\n",
		"bad duration":            minimal + "cooldown = \"soon\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
