package network

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/gaissmai/bart"
	"github.com/jellydator/ttlcache/v3"

	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/packet"
)

// MACTable maps learned source MACs to the interface they were seen on.
type MACTable struct {
	cache *ttlcache.Cache[string, packet.Iface]
}

// NewMACTable returns a table whose entries expire after timeout.
func NewMACTable(timeout time.Duration) *MACTable {
	return &MACTable{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, packet.Iface](timeout),
			ttlcache.WithDisableTouchOnHit[string, packet.Iface](),
		),
	}
}

// Record learns or refreshes mac on iface.
func (t *MACTable) Record(mac net.HardwareAddr, iface packet.Iface) {
	t.cache.Set(mac.String(), iface, ttlcache.DefaultTTL)
}

// Lookup returns the interface mac was last seen on, nil if unknown.
func (t *MACTable) Lookup(mac net.HardwareAddr) packet.Iface {
	item := t.cache.Get(mac.String())
	if item == nil {
		return nil
	}
	return item.Value()
}

// Disconnect forgets every entry pointing at iface.
func (t *MACTable) Disconnect(iface packet.Iface) {
	for k, item := range t.cache.Items() {
		if item.Value() == iface {
			t.cache.Delete(k)
		}
	}
}

func (t *MACTable) Len() int { return t.cache.Len() }

func (t *MACTable) Expire() { t.cache.DeleteExpired() }

func (t *MACTable) Clear() { t.cache.DeleteAll() }

// ARPTable maps IPs to MACs learned from ARP and ingress traffic.
type ARPTable struct {
	cache *ttlcache.Cache[netip.Addr, net.HardwareAddr]
}

// NewARPTable returns a table whose entries expire after timeout.
func NewARPTable(timeout time.Duration) *ARPTable {
	return &ARPTable{
		cache: ttlcache.New(
			ttlcache.WithTTL[netip.Addr, net.HardwareAddr](timeout),
			ttlcache.WithDisableTouchOnHit[netip.Addr, net.HardwareAddr](),
		),
	}
}

// Record learns or refreshes ip at mac.
func (t *ARPTable) Record(ip netip.Addr, mac net.HardwareAddr) {
	if !ip.IsValid() || ip.IsUnspecified() {
		return
	}
	cp := make(net.HardwareAddr, len(mac))
	copy(cp, mac)
	t.cache.Set(ip, cp, ttlcache.DefaultTTL)
}

// Lookup returns the mac of ip, nil if unknown or expired.
func (t *ARPTable) Lookup(ip netip.Addr) net.HardwareAddr {
	item := t.cache.Get(ip)
	if item == nil {
		return nil
	}
	return item.Value()
}

func (t *ARPTable) Len() int { return t.cache.Len() }

func (t *ARPTable) Expire() { t.cache.DeleteExpired() }

func (t *ARPTable) Clear() { t.cache.DeleteAll() }

// SyntheticIPs are the addresses the switch answers for inside a network.
type SyntheticIPs struct {
	ips map[netip.Addr]net.HardwareAddr
}

func newSyntheticIPs() *SyntheticIPs {
	return &SyntheticIPs{ips: make(map[netip.Addr]net.HardwareAddr)}
}

// Add owns ip with mac. An ip already owned is an error.
func (s *SyntheticIPs) Add(ip netip.Addr, mac net.HardwareAddr) error {
	if _, ok := s.ips[ip]; ok {
		return fmt.Errorf("synthetic ip %s: %w", ip, core.ErrIPAlreadyExists)
	}
	s.ips[ip] = mac
	return nil
}

func (s *SyntheticIPs) Remove(ip netip.Addr) { delete(s.ips, ip) }

func (s *SyntheticIPs) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	mac, ok := s.ips[ip]
	return mac, ok
}

// HasMAC reports whether mac belongs to a synthetic ip.
func (s *SyntheticIPs) HasMAC(mac net.HardwareAddr) bool {
	for _, m := range s.ips {
		if slices.Equal(m, mac) {
			return true
		}
	}
	return false
}

// All returns the addresses in ascending order.
func (s *SyntheticIPs) All() []netip.Addr {
	ls := make([]netip.Addr, 0, len(s.ips))
	for ip := range s.ips {
		ls = append(ls, ip)
	}
	slices.SortFunc(ls, func(a, b netip.Addr) int { return a.Compare(b) })
	return ls
}

// Route sends a prefix either to another network or to a gateway ip.
type Route struct {
	Name    string
	Prefix  netip.Prefix
	ToVNI   uint32
	Gateway netip.Addr
}

// IsGateway reports whether the route points at a gateway ip instead of a vni.
func (r Route) IsGateway() bool { return r.Gateway.IsValid() }

func (r Route) String() string {
	if r.IsGateway() {
		return fmt.Sprintf("%s %s via %s", r.Name, r.Prefix, r.Gateway)
	}
	return fmt.Sprintf("%s %s vni %d", r.Name, r.Prefix, r.ToVNI)
}

// RouteTable does longest-prefix match over the configured routes.
type RouteTable struct {
	table  bart.Table[Route]
	routes []Route
}

// Add inserts r with its prefix masked. Names and prefixes are unique.
func (t *RouteTable) Add(r Route) error {
	r.Prefix = r.Prefix.Masked()
	for _, o := range t.routes {
		if o.Name == r.Name || o.Prefix == r.Prefix {
			return fmt.Errorf("route %s: %w", r, core.ErrConfigInvalid)
		}
	}
	t.table.Insert(r.Prefix, r)
	t.routes = append(t.routes, r)
	return nil
}

// Remove deletes the route called name and reports whether it existed.
func (t *RouteTable) Remove(name string) bool {
	for i, r := range t.routes {
		if r.Name == name {
			t.table.Delete(r.Prefix)
			t.routes = slices.Delete(t.routes, i, i+1)
			return true
		}
	}
	return false
}

// Lookup returns the longest prefix route containing ip.
func (t *RouteTable) Lookup(ip netip.Addr) (Route, bool) {
	return t.table.Lookup(ip)
}

func (t *RouteTable) List() []Route { return slices.Clone(t.routes) }
