// Package metrics defines the Prometheus collectors shared by the linker,
// the message dispatcher and the session.
package metrics

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "microhle"

type Collectors struct {
	Bindings          *prometheus.CounterVec
	UnresolvedCalls   prometheus.Counter
	HostCalls         prometheus.Counter
	GuestCalls        prometheus.Counter
	DispatchWalks     prometheus.Counter
	DispatchCacheHits prometheus.Counter
	Forwarded         prometheus.Counter
	Unrecognized      prometheus.Counter
	Halts             *prometheus.CounterVec
	Crashes           prometheus.Counter
}

// New builds the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		Bindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "linker", Name: "bindings_total",
			Help: "Symbol bindings created, by kind.",
		}, []string{"kind"}),
		UnresolvedCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "linker", Name: "unresolved_calls_total",
			Help: "Calls that reached a symbol with no binding.",
		}),
		HostCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "host_calls_total",
			Help: "Guest to host calls serviced.",
		}),
		GuestCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "guest_calls_total",
			Help: "Host to guest calls made.",
		}),
		DispatchWalks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "objc", Name: "dispatch_walks_total",
			Help: "Method lookups that walked the class chain.",
		}),
		DispatchCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "objc", Name: "dispatch_cache_hits_total",
			Help: "Method lookups answered from the per class cache.",
		}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "objc", Name: "forwarded_total",
			Help: "Messages redispatched to forwardInvocation:.",
		}),
		Unrecognized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "objc", Name: "unrecognized_selectors_total",
			Help: "Messages no class in the chain could handle.",
		}),
		Halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cpu", Name: "halts_total",
			Help: "Engine halts, by reason.",
		}, []string{"reason"}),
		Crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "crashes_total",
			Help: "Guest threads terminated with a crash report.",
		}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range c.all() {
		if err := reg.Register(col); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return c, nil
}

// Discard returns unregistered collectors.
func Discard() *Collectors {
	c, _ := New(nil)
	return c
}

func (c *Collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.Bindings, c.UnresolvedCalls, c.HostCalls, c.GuestCalls,
		c.DispatchWalks, c.DispatchCacheHits, c.Forwarded, c.Unrecognized,
		c.Halts, c.Crashes,
	}
}
