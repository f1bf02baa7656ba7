package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	txReserved	prometheus.Counter
	txSubmitted	prometheus.Counter
	txCancelled	prometheus.Counter
	rxPopped	prometheus.Counter
	rxDeferred	prometheus.Counter
	rxReaped	prometheus.Counter
	abandoned	prometheus.Counter
	waits		prometheus.Counter
	donations	prometheus.Counter
}

// A nil registerer gets a private registry, so several transports can coexist in one process.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace:	"dux",
			Subsystem:	"ipc",
			Name:		name,
			Help:		help,
		})
	}
	return &metrics{
		txReserved:		counter("tx_reserved_total", "Transmit slots handed out"),
		txSubmitted:	counter("tx_submitted_total", "Transmit slots published to the kernel"),
		txCancelled:	counter("tx_cancelled_total", "Transmit reservations released unpublished"),
		rxPopped:		counter("rx_popped_total", "Received packets consumed"),
		rxDeferred:		counter("rx_deferred_total", "Received packets requeued for another poll"),
		rxReaped:		counter("rx_reaped_total", "Completions of abandoned requests freed unread"),
		abandoned:		counter("abandoned_total", "Submitted requests whose caller stopped waiting"),
		waits:			counter("wait_total", "Calls to the kernel's blocking wait"),
		donations:		counter("donations_total", "Free ranges offered to the kernel"),
	}
}
