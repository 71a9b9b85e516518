package router

import "github.com/prometheus/client_golang/prometheus"

// Stats are the router-wide counters: how many
// frames were dropped and why. Unlike netif.Stats these are not
// per-interface, so they're plain counters rather than a label set.
type Stats struct {
	Malformed     prometheus.Counter
	UnknownExport prometheus.Counter
	ACLDenied     prometheus.Counter
	Broadcast     prometheus.Counter
	IOErrors      prometheus.Counter
}

// NewStats builds and registers router-wide counters.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		Malformed:     prometheus.NewCounter(prometheus.CounterOpts{Name: "aoetgtd_router_malformed_total", Help: "Frames dropped for failing to parse."}),
		UnknownExport: prometheus.NewCounter(prometheus.CounterOpts{Name: "aoetgtd_router_unknown_export_total", Help: "Frames addressed to an unconfigured (shelf, slot)."}),
		ACLDenied:     prometheus.NewCounter(prometheus.CounterOpts{Name: "aoetgtd_router_acl_denied_total", Help: "Frames dropped by ACL policy."}),
		Broadcast:     prometheus.NewCounter(prometheus.CounterOpts{Name: "aoetgtd_router_broadcast_total", Help: "Broadcast shelf/slot frames fanned out."}),
		IOErrors:      prometheus.NewCounter(prometheus.CounterOpts{Name: "aoetgtd_router_reply_errors_total", Help: "Replies that failed to enqueue on their netif."}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{s.Malformed, s.UnknownExport, s.ACLDenied, s.Broadcast, s.IOErrors} {
			_ = reg.Register(c)
		}
	}
	return s
}
