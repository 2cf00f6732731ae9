// Package metrics implements Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Inspection owns every collector of one switch instance. It is created once
// at startup and handed to the components that report into it.
type Inspection struct {
	Registry *prometheus.Registry

	// NodeDropsTotal counts buffers dropped by graph nodes
	NodeDropsTotal *prometheus.CounterVec
	// HopLimitDropsTotal counts buffers dropped for exceeding the hop limit
	HopLimitDropsTotal prometheus.Counter
	// ParseErrorsTotal counts frames that failed to decode
	ParseErrorsTotal *prometheus.CounterVec
	// BufferExhaustedTotal counts frames dropped for lack of a free chunk or queue slot
	BufferExhaustedTotal *prometheus.CounterVec
	// ConntrackAnomaliesTotal counts duplicate flow and bind replacements
	ConntrackAnomaliesTotal *prometheus.CounterVec
	// TCPFlows tracks live tcp flows per network
	TCPFlows *prometheus.GaugeVec
	// TCPRetransmissionsTotal counts retransmission timer expiries
	TCPRetransmissionsTotal *prometheus.CounterVec
	// TCPResetsTotal counts connections torn down with RST
	TCPResetsTotal *prometheus.CounterVec

	IfaceRxPacketsTotal *prometheus.CounterVec
	IfaceRxBytesTotal   *prometheus.CounterVec
	IfaceTxPacketsTotal *prometheus.CounterVec
	IfaceTxBytesTotal   *prometheus.CounterVec
	IfaceTxErrorsTotal  *prometheus.CounterVec

	// FilterVerdictsTotal counts packet filter results by filter and verdict
	FilterVerdictsTotal *prometheus.CounterVec
}

// NewInspection registers every metric on a fresh registry.
func NewInspection() *Inspection {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Inspection{
		Registry: reg,
		NodeDropsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_node_drops_total",
				Help: "Total number of buffers dropped by graph nodes",
			},
			[]string{"node"},
		),
		HopLimitDropsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vswitch_hop_limit_drops_total",
				Help: "Total number of buffers dropped for exceeding the graph hop limit",
			},
		),
		ParseErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_parse_errors_total",
				Help: "Total number of frames that failed to decode",
			},
			[]string{"iface"},
		),
		BufferExhaustedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_buffer_exhausted_total",
				Help: "Total number of frames dropped because no buffer was available",
			},
			[]string{"iface"},
		),
		ConntrackAnomaliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_conntrack_anomalies_total",
				Help: "Total number of conntrack entries replaced by a duplicate",
			},
			[]string{"vni", "kind"},
		),
		TCPFlows: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vswitch_tcp_flows",
				Help: "Current number of tcp flows tracked",
			},
			[]string{"vni"},
		),
		TCPRetransmissionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_tcp_retransmissions_total",
				Help: "Total number of tcp retransmissions",
			},
			[]string{"vni"},
		),
		TCPResetsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_tcp_resets_total",
				Help: "Total number of tcp connections reset",
			},
			[]string{"vni"},
		),
		IfaceRxPacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_iface_rx_packets_total",
				Help: "Total number of packets received by interface",
			},
			[]string{"iface"},
		),
		IfaceRxBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_iface_rx_bytes_total",
				Help: "Total number of bytes received by interface",
			},
			[]string{"iface"},
		),
		IfaceTxPacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_iface_tx_packets_total",
				Help: "Total number of packets sent by interface",
			},
			[]string{"iface"},
		),
		IfaceTxBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_iface_tx_bytes_total",
				Help: "Total number of bytes sent by interface",
			},
			[]string{"iface"},
		),
		IfaceTxErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_iface_tx_errors_total",
				Help: "Total number of packets an interface failed to send",
			},
			[]string{"iface"},
		),
		FilterVerdictsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vswitch_filter_verdicts_total",
				Help: "Total number of packet filter verdicts",
			},
			[]string{"filter", "verdict"},
		),
	}
}

// VNI formats a network id as a label value.
func VNI(vni uint32) string {
	return strconv.FormatUint(uint64(vni), 10)
}

// Value reads the current value of a counter or gauge.
func Value(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	return 0
}
