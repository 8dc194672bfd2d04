package kvstore

import "github.com/prometheus/client_golang/prometheus"

var txConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardian",
	Subsystem: "kvstore",
	Name:      "tx_conflicts_total",
	Help:      "Optimistic transaction conflicts that forced a retry, by backend.",
}, []string{"backend"})

func init() {
	prometheus.MustRegister(txConflicts)
}

func recordConflict(backend string) {
	txConflicts.WithLabelValues(backend).Inc()
}
