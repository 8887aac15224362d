package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHostInfo(t *testing.T) {
	h, err := GetHostInfo()
	require.NoError(t, err)
	assert.NotEmpty(t, h.Hostname)
	assert.NotEmpty(t, h.OS)
	assert.Contains(t, h.Describe(), "host="+h.Hostname)
}

func TestDescribe(t *testing.T) {
	h := ControllerHost{
		Hostname:        "ctrl-1",
		IP:              "192.0.2.10",
		OS:              "linux",
		Platform:        "debian",
		PlatformVersion: "12",
		Uptime:          3600,
		CPUCores:        8,
		MemoryTotal:     16 << 30,
	}
	assert.Equal(t, "host=ctrl-1 ip=192.0.2.10 os=linux/debian 12 cores=8 mem=16384MiB uptime=3600s", h.Describe())

	h.IP = ""
	assert.NotContains(t, h.Describe(), "ip=")
}
