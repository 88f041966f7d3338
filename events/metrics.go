package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_events_delivered_total",
	Help: "Total number of events delivered to stream subscribers",
}, []string{"kind", "event"})

var eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_events_dropped_total",
	Help: "Total number of events dropped because a subscriber was slow",
}, []string{"kind", "event"})
