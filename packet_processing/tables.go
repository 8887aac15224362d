package packet_processing

import (
	"net/netip"
	"sync"

	"controlplane/common"
	"controlplane/southbound/protocol"
)

// MacTable maps learned source MACs of one switch to the port they were seen on.
type MacTable struct {
	mu   sync.RWMutex
	macs map[protocol.MAC]uint32
}

func newMacTable() *MacTable {
	return &MacTable{macs: make(map[protocol.MAC]uint32)}
}

// Learn records mac on port and reports whether the entry changed.
func (t *MacTable) Learn(mac protocol.MAC, port uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.macs[mac]; ok && p == port {
		return false
	}
	t.macs[mac] = port
	return true
}

func (t *MacTable) Lookup(mac protocol.MAC) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.macs[mac]
	return p, ok
}

func (t *MacTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.macs)
}

type ipMacEntry struct {
	MAC  protocol.MAC
	DPID common.DPID
}

// IpMacTable is the fabric-wide IP to MAC binding table. Each binding
// remembers the switch it was learned on so it can be dropped with it.
type IpMacTable struct {
	mu      sync.RWMutex
	entries map[netip.Addr]ipMacEntry
}

func newIpMacTable() *IpMacTable {
	return &IpMacTable{entries: make(map[netip.Addr]ipMacEntry)}
}

// LearnIfAbsent binds ip to mac unless ip is already bound.
func (t *IpMacTable) LearnIfAbsent(ip netip.Addr, mac protocol.MAC, dpid common.DPID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[ip]; ok {
		return false
	}
	t.entries[ip] = ipMacEntry{MAC: mac, DPID: dpid}
	return true
}

func (t *IpMacTable) Lookup(ip netip.Addr) (protocol.MAC, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ip]
	return e.MAC, ok
}

func (t *IpMacTable) dropSwitch(dpid common.DPID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ip, e := range t.entries {
		if e.DPID == dpid {
			delete(t.entries, ip)
			n++
		}
	}
	return n
}

// hostLocation is the edge port a host was last seen behind.
type hostLocation struct {
	DPID common.DPID
	Port uint32
}

type hostTable struct {
	mu    sync.RWMutex
	hosts map[protocol.MAC]hostLocation
}

func (t *hostTable) learn(mac protocol.MAC, loc hostLocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts[mac] = loc
}

func (t *hostTable) lookup(mac protocol.MAC) (hostLocation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	loc, ok := t.hosts[mac]
	return loc, ok
}

func (t *hostTable) dropSwitch(dpid common.DPID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for mac, loc := range t.hosts {
		if loc.DPID == dpid {
			delete(t.hosts, mac)
		}
	}
}
