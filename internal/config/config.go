// Package config handles the switch configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/vswitch/internal/conntrack"
	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/filter"
	"firestige.xyz/vswitch/internal/iface"
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/network"
	"firestige.xyz/vswitch/internal/vswitch"
)

// Config represents the top-level configuration.
// Maps to the `vswitch:` root key in YAML.
type Config struct {
	Log      log.LoggerConfig     `mapstructure:"log"`
	Metrics  MetricsConfig        `mapstructure:"metrics"`
	Switch   SwitchConfig         `mapstructure:"switch"`
	TCP      TCPConfig            `mapstructure:"tcp"`
	Networks []NetworkConfig      `mapstructure:"networks"`
	Ifaces   []IfaceConfig        `mapstructure:"ifaces"`
	Filters  []filter.TableConfig `mapstructure:"filters"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Switch ───

// SwitchConfig is the switch section.
type SwitchConfig struct {
	Loops   int `mapstructure:"loops"`
	MaxHops int `mapstructure:"max_hops"`
	// VXLANListen is the udp address of the shared vxlan socket, empty
	// disables it.
	VXLANListen string `mapstructure:"vxlan_listen"`
	Capture     string `mapstructure:"capture"`
	PIDFile     string `mapstructure:"pid_file"`
}

// ─── TCP ───

// TCPConfig is the conntrack configuration shared by every network.
type TCPConfig struct {
	RTOMin                        time.Duration `mapstructure:"rto_min"`
	RTOMax                        time.Duration `mapstructure:"rto_max"`
	DelayedAck                    time.Duration `mapstructure:"delayed_ack"`
	MaxRetransmissionAfterClosing int           `mapstructure:"max_retransmission_after_closing"`
	MSS                           int           `mapstructure:"mss"`
	SendBuffer                    int           `mapstructure:"send_buffer"`
	ReceiveBuffer                 int           `mapstructure:"receive_buffer"`
}

// Conntrack converts the section into conntrack settings.
func (c TCPConfig) Conntrack() conntrack.Config {
	return conntrack.Config{
		RTOMin:                        c.RTOMin,
		RTOMax:                        c.RTOMax,
		DelayedAckTimeout:             c.DelayedAck,
		MaxRetransmissionAfterClosing: c.MaxRetransmissionAfterClosing,
		RcvMSS:                        c.MSS,
		SendBuffer:                    c.SendBuffer,
		ReceiveBuffer:                 c.ReceiveBuffer,
	}
}

// ─── Networks ───

// NetworkConfig is one entry of networks.
type NetworkConfig struct {
	VNI        uint32              `mapstructure:"vni"`
	V4         string              `mapstructure:"v4"`
	V6         string              `mapstructure:"v6"`
	MACTimeout time.Duration       `mapstructure:"mac_timeout"`
	ARPTimeout time.Duration       `mapstructure:"arp_timeout"`
	IPs        []SyntheticIPConfig `mapstructure:"ips"`
	Routes     []RouteConfig       `mapstructure:"routes"`
}

// SyntheticIPConfig is an address the switch answers for itself.
type SyntheticIPConfig struct {
	IP  string `mapstructure:"ip"`
	MAC string `mapstructure:"mac"`
}

// RouteConfig targets either another vni or a gateway.
type RouteConfig struct {
	Name    string `mapstructure:"name"`
	Prefix  string `mapstructure:"prefix"`
	VNI     uint32 `mapstructure:"vni"`
	Gateway string `mapstructure:"gateway"`
}

// SyntheticIP is a parsed SyntheticIPConfig.
type SyntheticIP struct {
	IP  netip.Addr
	MAC net.HardwareAddr
}

// Network converts the section into the network parameters.
func (n NetworkConfig) Network(tcp TCPConfig) (network.Config, error) {
	cfg := network.Config{
		VNI:             n.VNI,
		MACTableTimeout: n.MACTimeout,
		ARPTableTimeout: n.ARPTimeout,
		TCP:             tcp.Conntrack(),
	}
	var err error
	if n.V4 != "" {
		if cfg.V4Net, err = netip.ParsePrefix(n.V4); err != nil {
			return cfg, fmt.Errorf("vni %d: v4: %w", n.VNI, err)
		}
	}
	if n.V6 != "" {
		if cfg.V6Net, err = netip.ParsePrefix(n.V6); err != nil {
			return cfg, fmt.Errorf("vni %d: v6: %w", n.VNI, err)
		}
	}
	return cfg, nil
}

// SyntheticIPs parses the synthetic addresses.
func (n NetworkConfig) SyntheticIPs() ([]SyntheticIP, error) {
	out := make([]SyntheticIP, 0, len(n.IPs))
	for _, s := range n.IPs {
		ip, err := netip.ParseAddr(s.IP)
		if err != nil {
			return nil, fmt.Errorf("vni %d: ip: %w", n.VNI, err)
		}
		mac, err := net.ParseMAC(s.MAC)
		if err != nil {
			return nil, fmt.Errorf("vni %d: ip %s: %w", n.VNI, ip, err)
		}
		out = append(out, SyntheticIP{IP: ip, MAC: mac})
	}
	return out, nil
}

// RouteList parses the routes with their prefixes masked.
func (n NetworkConfig) RouteList() ([]network.Route, error) {
	out := make([]network.Route, 0, len(n.Routes))
	for _, r := range n.Routes {
		prefix, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("vni %d: route %s: %w", n.VNI, r.Name, err)
		}
		route := network.Route{Name: r.Name, Prefix: prefix.Masked(), ToVNI: r.VNI}
		if r.Gateway != "" {
			if route.Gateway, err = netip.ParseAddr(r.Gateway); err != nil {
				return nil, fmt.Errorf("vni %d: route %s: %w", n.VNI, r.Name, err)
			}
		}
		if route.ToVNI == 0 && !route.Gateway.IsValid() {
			return nil, fmt.Errorf("vni %d: route %s needs a vni or a gateway: %w", n.VNI, r.Name, core.ErrConfigInvalid)
		}
		out = append(out, route)
	}
	return out, nil
}

// ─── Interfaces ───

// Interface kinds accepted in the ifaces section.
const (
	IfaceVXLan        = "vxlan"
	IfaceRemoteSwitch = "remote-switch"
	IfaceVLan         = "vlan"
)

// IfaceConfig is one entry of ifaces.
type IfaceConfig struct {
	Kind string `mapstructure:"kind"`
	// Name is the alias of a remote switch.
	Name   string `mapstructure:"name"`
	Remote string `mapstructure:"remote"`
	// VNI is the local network of a vxlan or vlan interface.
	VNI uint32 `mapstructure:"vni"`
	// Parent names the interface carrying a vlan.
	Parent        string `mapstructure:"parent"`
	VLan          uint16 `mapstructure:"vlan"`
	AddSwitchFlag bool   `mapstructure:"add_switch_flag"`
}

// RemoteAddr parses remote, defaulting the port to the vxlan port.
func (c IfaceConfig) RemoteAddr() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(c.Remote)
	if err != nil {
		if addr, aerr := netip.ParseAddr(c.Remote); aerr == nil {
			return netip.AddrPortFrom(addr, iface.VXLANPort), nil
		}
		return netip.AddrPort{}, fmt.Errorf("iface %s: remote: %w", c.Kind, err)
	}
	return ap, nil
}

func (c IfaceConfig) validate() error {
	switch c.Kind {
	case IfaceVXLan, IfaceRemoteSwitch:
		if _, err := c.RemoteAddr(); err != nil {
			return err
		}
		if c.Kind == IfaceRemoteSwitch && c.Name == "" {
			return fmt.Errorf("remote-switch %s requires a name: %w", c.Remote, core.ErrConfigInvalid)
		}
	case IfaceVLan:
		if c.Parent == "" {
			return fmt.Errorf("vlan %d requires a parent: %w", c.VLan, core.ErrConfigInvalid)
		}
		if c.VLan == 0 || c.VLan >= 4095 {
			return fmt.Errorf("vlan id %d out of range: %w", c.VLan, core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("unsupported iface kind '%s': %w", c.Kind, core.ErrConfigInvalid)
	}
	return nil
}

// SwitchOptions returns the parameters of the switch itself.
func (cfg *Config) SwitchOptions() vswitch.Config {
	return vswitch.Config{
		Loops:   cfg.Switch.Loops,
		MaxHops: cfg.Switch.MaxHops,
		Filters: cfg.Filters,
		Capture: cfg.Switch.Capture,
	}
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `vswitch: ...`.
type configRoot struct {
	VSwitch Config `mapstructure:"vswitch"`
}

// Load loads configuration from file.
// The YAML file uses `vswitch:` as root key; env vars use the VSWITCH_ prefix
// (e.g., VSWITCH_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// key "vswitch.log.level" maps to env "VSWITCH_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.VSwitch

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "vswitch." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("vswitch.log.level", "info")
	v.SetDefault("vswitch.log.format", "text")
	v.SetDefault("vswitch.log.file.enabled", false)
	v.SetDefault("vswitch.log.file.filename", "/var/log/vswitch/vswitch.log")
	v.SetDefault("vswitch.log.file.max_size", 100)
	v.SetDefault("vswitch.log.file.max_backups", 5)
	v.SetDefault("vswitch.log.file.max_age", 30)
	v.SetDefault("vswitch.log.file.compress", true)

	// Metrics defaults
	v.SetDefault("vswitch.metrics.enabled", true)
	v.SetDefault("vswitch.metrics.listen", ":9091")
	v.SetDefault("vswitch.metrics.path", "/metrics")

	// Switch defaults
	v.SetDefault("vswitch.switch.loops", vswitch.DefaultLoops)
	v.SetDefault("vswitch.switch.max_hops", 0)
	v.SetDefault("vswitch.switch.vxlan_listen", fmt.Sprintf(":%d", iface.VXLANPort))

	// TCP defaults
	v.SetDefault("vswitch.tcp.rto_min", conntrack.DefaultRTOMin)
	v.SetDefault("vswitch.tcp.rto_max", conntrack.DefaultRTOMax)
	v.SetDefault("vswitch.tcp.delayed_ack", conntrack.DefaultDelayedAckTimeout)
	v.SetDefault("vswitch.tcp.max_retransmission_after_closing", conntrack.DefaultMaxRetransmissionAfterClosing)
	v.SetDefault("vswitch.tcp.mss", conntrack.DefaultRcvMSS)
	v.SetDefault("vswitch.tcp.send_buffer", conntrack.DefaultSendBuffer)
	v.SetDefault("vswitch.tcp.receive_buffer", conntrack.DefaultReceiveBuffer)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "", "text", "json", "pattern":
	default:
		return fmt.Errorf("invalid log format: %s (must be text/json/pattern)", cfg.Log.Format)
	}

	// ── Switch ──
	if cfg.Switch.Loops <= 0 {
		cfg.Switch.Loops = vswitch.DefaultLoops
	}
	if cfg.Switch.MaxHops < 0 {
		return fmt.Errorf("switch.max_hops must not be negative: %w", core.ErrConfigInvalid)
	}
	if cfg.Switch.VXLANListen != "" {
		if _, err := net.ResolveUDPAddr("udp", cfg.Switch.VXLANListen); err != nil {
			return fmt.Errorf("switch.vxlan_listen: %w", err)
		}
	}

	// ── TCP ──
	if cfg.TCP.RTOMin > 0 && cfg.TCP.RTOMax > 0 && cfg.TCP.RTOMin > cfg.TCP.RTOMax {
		return fmt.Errorf("tcp.rto_min %s exceeds tcp.rto_max %s: %w", cfg.TCP.RTOMin, cfg.TCP.RTOMax, core.ErrConfigInvalid)
	}

	// ── Networks ──
	vnis := make(map[uint32]bool, len(cfg.Networks))
	for _, n := range cfg.Networks {
		if vnis[n.VNI] {
			return fmt.Errorf("vni %d: %w", n.VNI, core.ErrNetworkAlreadyExists)
		}
		vnis[n.VNI] = true
		if _, err := n.Network(cfg.TCP); err != nil {
			return err
		}
		if _, err := n.SyntheticIPs(); err != nil {
			return err
		}
		if _, err := n.RouteList(); err != nil {
			return err
		}
	}

	// ── Interfaces ──
	for i := range cfg.Ifaces {
		if err := cfg.Ifaces[i].validate(); err != nil {
			return fmt.Errorf("ifaces[%d]: %w", i, err)
		}
	}

	// ── Filters ──
	for _, t := range cfg.Filters {
		for _, f := range t.Filters {
			if f.Kind == "" {
				return fmt.Errorf("filter %s requires a kind: %w", f.Name, core.ErrConfigInvalid)
			}
		}
	}
	return nil
}
