// Package vswitch assembles the switch: event loops, virtual networks,
// interfaces, the node graph and one scheduler per loop.
package vswitch

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/filter"
	"firestige.xyz/vswitch/internal/graph"
	"firestige.xyz/vswitch/internal/iface"
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/loop"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/network"
	"firestige.xyz/vswitch/internal/packet"
	"firestige.xyz/vswitch/internal/stack"
)

const DefaultLoops = 1

// Config holds the switch settings.
type Config struct {
	Loops   int
	MaxHops int
	Filters []filter.TableConfig
	// Capture is a pcap file receiving every ingress frame, empty disables.
	Capture string
}

// vlanKey identifies a vlan adaptor by its parent and tag.
type vlanKey struct {
	parent string
	vlan   uint16
}

// Switch is safe for concurrent use. Packet processing of a network runs on
// the loop the network is pinned to.
type Switch struct {
	cfg    Config
	insp   *metrics.Inspection
	group  *loop.Group
	pick   func(vni uint32) loop.Loop
	scheds map[loop.Loop]*graph.Scheduler
	graph  *graph.Graph
	stack  *stack.Stack

	mu       sync.RWMutex
	networks map[uint32]*network.VirtualNetwork
	ifaces   map[string]packet.Iface
	vlans    map[vlanKey]*iface.VLanAdaptorIface
	remotes  map[string]vxlanIface

	capture *Capture
	logger  log.Logger
}

// New creates a switch running cfg.Loops event loops. The loops start with
// Start.
func New(cfg Config, reg *filter.Registry, insp *metrics.Inspection) (*Switch, error) {
	if cfg.Loops <= 0 {
		cfg.Loops = DefaultLoops
	}
	group, err := loop.NewGroup("vswitch", cfg.Loops)
	if err != nil {
		return nil, err
	}
	loops := make([]loop.Loop, 0, cfg.Loops)
	for _, l := range group.Loops() {
		loops = append(loops, l)
	}
	pick := func(vni uint32) loop.Loop {
		return group.Pick(strconv.FormatUint(uint64(vni), 10))
	}
	s, err := newSwitch(cfg, reg, insp, loops, pick)
	if err != nil {
		return nil, err
	}
	s.group = group
	return s, nil
}

func newSwitch(cfg Config, reg *filter.Registry, insp *metrics.Inspection, loops []loop.Loop, pick func(uint32) loop.Loop) (*Switch, error) {
	if insp == nil {
		insp = metrics.NewInspection()
	}
	if reg == nil {
		reg = filter.NewRegistry()
	}
	s := &Switch{
		cfg:      cfg,
		insp:     insp,
		pick:     pick,
		scheds:   make(map[loop.Loop]*graph.Scheduler, len(loops)),
		networks: make(map[uint32]*network.VirtualNetwork),
		ifaces:   make(map[string]packet.Iface),
		vlans:    make(map[vlanKey]*iface.VLanAdaptorIface),
		remotes:  make(map[string]vxlanIface),
		logger:   log.GetLogger().WithField("component", "vswitch"),
	}

	s.stack = stack.New(s, insp)
	b := graph.NewBuilder()
	s.stack.Install(b, filter.NodeName)
	tables, err := filter.BuildTables(reg, filter.NewHelper(s), insp, cfg.Filters, stack.NodeEthernetInput)
	if err != nil {
		return nil, fmt.Errorf("filters: %w", err)
	}
	for _, t := range tables {
		b.AddNode(t)
	}
	if s.graph, err = b.Build(); err != nil {
		return nil, err
	}
	for _, l := range loops {
		s.scheds[l] = graph.NewScheduler(s.graph, cfg.MaxHops, insp)
	}

	if cfg.Capture != "" {
		if s.capture, err = OpenCapture(cfg.Capture); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start starts the loops. Switches built on a manual loop are driven by
// the caller.
func (s *Switch) Start() {
	if s.group != nil {
		s.group.Start()
	}
}

// Close destroys interfaces and networks and stops the loops.
func (s *Switch) Close() {
	for _, i := range s.Ifaces() {
		s.DestroyIface(i.Name())
	}
	s.mu.Lock()
	nets := s.networks
	s.networks = make(map[uint32]*network.VirtualNetwork)
	s.mu.Unlock()
	if s.group != nil {
		s.group.Close()
		// the loops are stopped, nothing else touches the networks
		for _, n := range nets {
			n.Destroy()
		}
	} else {
		for _, n := range nets {
			n.Loop.RunOnLoop(n.Destroy)
		}
	}
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			s.logger.WithError(err).Warn("closing capture file failed")
		}
	}
}

func (s *Switch) Graph() *graph.Graph             { return s.graph }
func (s *Switch) Stack() *stack.Stack             { return s.stack }
func (s *Switch) Inspection() *metrics.Inspection { return s.insp }

// AddNetwork creates a virtual network on the loop its vni hashes to.
func (s *Switch) AddNetwork(cfg network.Config) (*network.VirtualNetwork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.networks[cfg.VNI]; ok {
		return nil, fmt.Errorf("vni %d: %w", cfg.VNI, core.ErrNetworkAlreadyExists)
	}
	l := s.pick(cfg.VNI)
	n, err := network.New(cfg, l, s.insp)
	if err != nil {
		return nil, err
	}
	s.networks[cfg.VNI] = n
	l.RunOnLoop(n.StartAging)
	s.logger.WithField("vni", cfg.VNI).Infof("network added, v4 %s, v6 %s", n.V4Net, n.V6Net)
	return n, nil
}

// RemoveNetwork destroys the network on its loop.
func (s *Switch) RemoveNetwork(vni uint32) error {
	s.mu.Lock()
	n, ok := s.networks[vni]
	delete(s.networks, vni)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("vni %d: %w", vni, core.ErrNetworkNotFound)
	}
	n.Loop.RunOnLoop(n.Destroy)
	s.logger.WithField("vni", vni).Info("network removed")
	return nil
}

// Network returns the network of vni, nil if unknown.
func (s *Switch) Network(vni uint32) *network.VirtualNetwork {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.networks[vni]
}

// Networks returns the networks ordered by vni.
func (s *Switch) Networks() []*network.VirtualNetwork {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*network.VirtualNetwork, 0, len(s.networks))
	for _, n := range s.networks {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *network.VirtualNetwork) int { return cmp.Compare(a.VNI, b.VNI) })
	return out
}

// AddIface attaches i, initializing it with the switch as callback.
func (s *Switch) AddIface(i packet.Iface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ifaces[i.Name()]; ok {
		return fmt.Errorf("iface %s: %w", i.Name(), core.ErrIfaceAlreadyExists)
	}
	if i.IsDestroyed() {
		return fmt.Errorf("iface %s: %w", i.Name(), core.ErrIfaceDestroyed)
	}
	if init, ok := i.(iface.Initializer); ok {
		if err := init.Init(iface.InitParams{Callback: s, Inspection: s.insp}); err != nil {
			return fmt.Errorf("iface %s: %w", i.Name(), err)
		}
	}
	s.ifaces[i.Name()] = i
	if v, ok := i.(*iface.VLanAdaptorIface); ok {
		s.vlans[vlanKey{parent: v.Parent().Name(), vlan: v.RemoteVLan()}] = v
	}
	if vx, ok := i.(vxlanIface); ok {
		s.remotes[vx.Remote().String()] = vx
	}
	s.logger.WithFields(map[string]interface{}{
		"iface": i.Name(),
		"kind":  string(i.Kind()),
	}).Info("iface added")
	return nil
}

// DestroyIface detaches and destroys the interface.
func (s *Switch) DestroyIface(name string) error {
	s.mu.RLock()
	i, ok := s.ifaces[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("iface %s: %w", name, core.ErrIfaceNotFound)
	}
	s.forget(i)
	i.Destroy()
	return nil
}

// DeviceDown is called by interfaces going away by themselves.
func (s *Switch) DeviceDown(i packet.Iface) {
	s.forget(i)
}

// forget removes i from the switch and from every MAC table.
func (s *Switch) forget(i packet.Iface) {
	s.mu.Lock()
	if cur, ok := s.ifaces[i.Name()]; !ok || cur != i {
		s.mu.Unlock()
		return
	}
	delete(s.ifaces, i.Name())
	if v, ok := i.(*iface.VLanAdaptorIface); ok {
		delete(s.vlans, vlanKey{parent: v.Parent().Name(), vlan: v.RemoteVLan()})
	}
	if vx, ok := i.(vxlanIface); ok {
		delete(s.remotes, vx.Remote().String())
	}
	nets := make([]*network.VirtualNetwork, 0, len(s.networks))
	for _, n := range s.networks {
		nets = append(nets, n)
	}
	s.mu.Unlock()

	for _, n := range nets {
		n.Loop.RunOnLoop(func() { n.MACTable.Disconnect(i) })
	}
	s.logger.WithField("iface", i.Name()).Info("iface removed")
}

// Iface returns the interface called name, nil if unknown.
func (s *Switch) Iface(name string) packet.Iface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ifaces[name]
}

// Ifaces returns the attached interfaces ordered by name.
func (s *Switch) Ifaces() []packet.Iface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]packet.Iface, 0, len(s.ifaces))
	for _, i := range s.ifaces {
		out = append(out, i)
	}
	slices.SortFunc(out, func(a, b packet.Iface) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// Received hands a frame received on pkb.DevIn to the loop of its network.
// It takes over the reference.
func (s *Switch) Received(pkb *packet.Buffer) {
	if pkb.DevIn == nil {
		pkb.Release()
		return
	}
	if s.capture != nil {
		s.capture.Write(pkb)
	}
	if pkb.HasVLAN() {
		s.mu.RLock()
		v := s.vlans[vlanKey{parent: pkb.DevIn.Name(), vlan: pkb.Dot1Q.VLANIdentifier}]
		s.mu.RUnlock()
		if v != nil {
			if err := v.Handle(pkb); err != nil {
				s.logger.WithError(err).Debug("untagging frame failed")
				pkb.Release()
				return
			}
		}
	}
	hint, _ := pkb.VNI()
	n := s.Network(pkb.DevIn.LocalSideVRF(hint))
	if n == nil {
		s.insp.NodeDropsTotal.WithLabelValues(stack.NodeDevInput).Inc()
		pkb.Release()
		return
	}
	n.Loop.RunOnLoop(func() {
		sched := s.scheds[n.Loop]
		sched.Schedule(pkb, stack.NodeDevInput)
		sched.Flush()
	})
}

// scheduler returns the scheduler of the loop owning the buffer's network.
func (s *Switch) scheduler(pkb *packet.Buffer) *graph.Scheduler {
	vni, ok := pkb.VNI()
	if !ok {
		return nil
	}
	n := s.Network(vni)
	if n == nil {
		return nil
	}
	return s.scheds[n.Loop]
}

// SendPacket queues pkb on i. The caller keeps its reference. Must be
// called on the loop of the buffer's network.
func (s *Switch) SendPacket(i packet.Iface, pkb *packet.Buffer) {
	if sched := s.scheduler(pkb); sched != nil {
		sched.SendPacket(i, pkb)
		return
	}
	if i == nil || i.IsDestroyed() {
		return
	}
	i.SendPacket(pkb)
	i.CompleteTx()
}

// Output walks pkb from node on the loop it is called on and completes the
// transmissions. It takes over the reference.
func (s *Switch) Output(pkb *packet.Buffer, node string) {
	sched := s.scheduler(pkb)
	if sched == nil {
		pkb.Release()
		return
	}
	sched.Schedule(pkb, node)
	sched.Flush()
}
