package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "krishi_session_transitions_total",
	Help: "Session state transitions applied by the client store, by target state and source.",
}, []string{"to", "source"})
