package netif

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Stats are the per-interface counters exposed on the control socket
// and, for operators who enable it, scraped directly as Prometheus
// metrics.
type Stats struct {
	RxPackets prometheus.Counter
	RxBytes   prometheus.Counter
	RxDropped prometheus.Counter
	TxPackets prometheus.Counter
	TxBytes   prometheus.Counter
	TxErrors  prometheus.Counter
}

// NewStats builds and registers a Stats set labeled with the interface
// name. Registration errors are ignored: when a netif for the same
// interface name is built again (link down/up or an MTU change), its new
// counters fail to register and the registry keeps exporting the first
// set, while Values reads the new ones.
func NewStats(reg prometheus.Registerer, ifaceName string) *Stats {
	labels := prometheus.Labels{"interface": ifaceName}
	s := &Stats{
		RxPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoetgtd_netif_rx_packets_total", Help: "Frames received on this interface.", ConstLabels: labels,
		}),
		RxBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoetgtd_netif_rx_bytes_total", Help: "Bytes received on this interface.", ConstLabels: labels,
		}),
		RxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoetgtd_netif_rx_dropped_total", Help: "Received frames dropped before dispatch.", ConstLabels: labels,
		}),
		TxPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoetgtd_netif_tx_packets_total", Help: "Frames transmitted on this interface.", ConstLabels: labels,
		}),
		TxBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoetgtd_netif_tx_bytes_total", Help: "Bytes transmitted on this interface.", ConstLabels: labels,
		}),
		TxErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoetgtd_netif_tx_errors_total", Help: "Transmit failures on this interface.", ConstLabels: labels,
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{s.RxPackets, s.RxBytes, s.RxDropped, s.TxPackets, s.TxBytes, s.TxErrors} {
			_ = reg.Register(c)
		}
	}
	return s
}

// Values reads the current counter values for control-socket snapshots.
func (s *Stats) Values() (rxPackets, rxBytes, rxDropped, txPackets, txBytes, txErrors float64) {
	return counterValue(s.RxPackets), counterValue(s.RxBytes), counterValue(s.RxDropped),
		counterValue(s.TxPackets), counterValue(s.TxBytes), counterValue(s.TxErrors)
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}
