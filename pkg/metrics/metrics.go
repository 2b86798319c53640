// Package metrics exposes the prometheus collectors used across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersPublished counts successfully published orders per kind.
	OrdersPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_orders_published_total",
		Help: "Number of orders admitted by the publication pipeline",
	}, []string{"kind"})

	// OrdersUnpublished counts orders transitioned to dead, per kind and cause.
	OrdersUnpublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_orders_unpublished_total",
		Help: "Number of orders transitioned to dead",
	}, []string{"kind", "cause"})

	// PublishRejected counts rejected publications per error class.
	PublishRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_publish_rejected_total",
		Help: "Number of publications rejected by the pipeline",
	}, []string{"class"})

	// WSConnections tracks currently connected websocket clients.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_ws_connections",
		Help: "Currently connected websocket clients",
	})

	// EmitFailures counts fan-out emissions that could not be delivered.
	EmitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_emit_failures_total",
		Help: "Fan-out emissions dropped or failed",
	})

	// DispatchDropped counts background tasks dropped because the queue was full.
	DispatchDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_dispatch_dropped_total",
		Help: "Background tasks dropped by the dispatcher",
	})
)
