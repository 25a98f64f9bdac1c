package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lookupMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "realtime",
	Subsystem: "publisher",
	Name:      "lookup_misses_total",
	Help:      "Entity lookups that degraded a message to id-only descriptors.",
}, []string{"entity"})
