package filter

import (
	"fmt"
	"slices"

	"golang.org/x/net/bpf"
	"golang.org/x/time/rate"

	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/packet"
)

// Instruction is one classic BPF instruction in its raw form, as printed by
// tcpdump -dd.
type Instruction struct {
	Op uint16 `mapstructure:"op"`
	Jt uint8  `mapstructure:"jt"`
	Jf uint8  `mapstructure:"jf"`
	K  uint32 `mapstructure:"k"`
}

// BPFConfig holds a classic BPF program as raw instructions.
type BPFConfig struct {
	Program []Instruction `mapstructure:"program"`
	// DropOnMatch inverts the verdict: matching packets are dropped.
	DropOnMatch bool `mapstructure:"drop_on_match"`
}

// BPFFilter runs a classic BPF program over the frame. A non zero return
// value is a match.
type BPFFilter struct {
	name        string
	vm          *bpf.VM
	dropOnMatch bool
}

// NewBPFFilter assembles cfg into a filter.
func NewBPFFilter(name string, cfg BPFConfig) (*BPFFilter, error) {
	if len(cfg.Program) == 0 {
		return nil, fmt.Errorf("bpf filter %s: empty program: %w", name, core.ErrConfigInvalid)
	}
	raw := make([]bpf.RawInstruction, len(cfg.Program))
	for i, ins := range cfg.Program {
		raw[i] = bpf.RawInstruction{Op: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	insts, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("bpf filter %s: program contains unknown instructions: %w", name, core.ErrConfigInvalid)
	}
	vm, err := bpf.NewVM(insts)
	if err != nil {
		return nil, fmt.Errorf("bpf filter %s: %v: %w", name, err, core.ErrConfigInvalid)
	}
	return &BPFFilter{name: name, vm: vm, dropOnMatch: cfg.DropOnMatch}, nil
}

// NewBPFFilterFromInstructions builds a filter from assembled instructions.
func NewBPFFilterFromInstructions(name string, insts []bpf.Instruction, dropOnMatch bool) (*BPFFilter, error) {
	raw, err := bpf.Assemble(insts)
	if err != nil {
		return nil, fmt.Errorf("bpf filter %s: %v: %w", name, err, core.ErrConfigInvalid)
	}
	cfg := BPFConfig{DropOnMatch: dropOnMatch}
	for _, r := range raw {
		cfg.Program = append(cfg.Program, Instruction{Op: r.Op, Jt: r.Jt, Jf: r.Jf, K: r.K})
	}
	return NewBPFFilter(name, cfg)
}

func (f *BPFFilter) Name() string { return f.name }

func (f *BPFFilter) HandleIngress(_ *Helper, pkb *packet.Buffer) Result {
	n, err := f.vm.Run(pkb.Bytes())
	if err != nil {
		return Drop
	}
	if (n > 0) != f.dropOnMatch {
		return Pass
	}
	return Drop
}

// RateLimitConfig configures the limits of a RateLimitFilter.
type RateLimitConfig struct {
	// PPS limits packets per second, BPS bits per second. Zero disables.
	PPS   float64 `mapstructure:"pps"`
	BPS   float64 `mapstructure:"bps"`
	Burst int     `mapstructure:"burst"`
}

// RateLimitFilter drops packets exceeding the configured rates.
type RateLimitFilter struct {
	name string
	pps  *rate.Limiter
	bps  *rate.Limiter
}

// NewRateLimitFilter validates cfg and builds its limiter.
func NewRateLimitFilter(name string, cfg RateLimitConfig) (*RateLimitFilter, error) {
	if cfg.PPS <= 0 && cfg.BPS <= 0 {
		return nil, fmt.Errorf("ratelimit filter %s: pps or bps is required: %w", name, core.ErrConfigInvalid)
	}
	f := &RateLimitFilter{name: name}
	if cfg.PPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(int(cfg.PPS), 1)
		}
		f.pps = rate.NewLimiter(rate.Limit(cfg.PPS), burst)
	}
	if cfg.BPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			// one full sized jumbo frame at least
			burst = max(int(cfg.BPS), 9000*8)
		}
		f.bps = rate.NewLimiter(rate.Limit(cfg.BPS), burst)
	}
	return f, nil
}

func (f *RateLimitFilter) Name() string { return f.name }

func (f *RateLimitFilter) HandleIngress(h *Helper, pkb *packet.Buffer) Result {
	if f.pps != nil && !h.RateLimitPackets(pkb, f.pps) {
		return Drop
	}
	if f.bps != nil && !h.RateLimitBits(pkb, f.bps) {
		return Drop
	}
	return Pass
}

// VLanDropConfig lists the vlans to drop. Empty drops every tagged frame.
type VLanDropConfig struct {
	// VLans lists the dropped vlan ids. Empty drops every tagged frame.
	VLans []uint16 `mapstructure:"vlans"`
}

// VLanDropFilter drops tagged frames.
type VLanDropFilter struct {
	name  string
	vlans []uint16
}

func NewVLanDropFilter(name string, cfg VLanDropConfig) (*VLanDropFilter, error) {
	return &VLanDropFilter{name: name, vlans: slices.Clone(cfg.VLans)}, nil
}

func (f *VLanDropFilter) Name() string { return f.name }

func (f *VLanDropFilter) HandleIngress(_ *Helper, pkb *packet.Buffer) Result {
	if !pkb.HasVLAN() {
		return Pass
	}
	if len(f.vlans) == 0 || slices.Contains(f.vlans, pkb.Dot1Q.VLANIdentifier) {
		return Drop
	}
	return Pass
}
