package collector

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// ControllerHost identifies the machine running the controller in audit
// records.
type ControllerHost struct {
	Hostname        string
	IP              string
	OS              string
	Platform        string
	PlatformVersion string
	Uptime          uint64
	CPUCores        int
	MemoryTotal     uint64
}

func GetHostInfo() (ControllerHost, error) {
	info, err := host.Info()
	if err != nil {
		return ControllerHost{}, fmt.Errorf("failed to get host info: %w", err)
	}
	h := ControllerHost{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		Uptime:          info.Uptime,
	}
	// the rest is best effort
	if cores, err := cpu.Counts(true); err == nil {
		h.CPUCores = cores
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemoryTotal = vm.Total
	}
	if ip, err := GetIP(); err == nil {
		h.IP = ip
	}
	return h, nil
}

// GetIP returns the first IPv4 address of an up, non-loopback interface.
func GetIP() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, iface := range interfaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			prefix, err := netip.ParsePrefix(addr.Addr)
			if err != nil {
				continue
			}
			if ip := prefix.Addr(); ip.Is4() && !ip.IsLoopback() {
				return ip.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no non-loopback interface found")
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Describe renders the identity for an event description.
func (h ControllerHost) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s", h.Hostname)
	if h.IP != "" {
		fmt.Fprintf(&b, " ip=%s", h.IP)
	}
	fmt.Fprintf(&b, " os=%s/%s %s cores=%d mem=%dMiB uptime=%ds",
		h.OS, h.Platform, h.PlatformVersion, h.CPUCores, h.MemoryTotal>>20, h.Uptime)
	return b.String()
}
