// Package metrics exposes Prometheus counters for the gateway, fed
// from the internal event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wagate/internal/dispatch"
	"wagate/internal/eventbus"
	"wagate/internal/session"
	logx "wagate/pkg/logx"
)

var (
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagate_session_transitions_total",
			Help: "Session state transitions by tenant and target state",
		},
		[]string{"tenant", "to"},
	)

	SessionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wagate_sessions_expired_total",
			Help: "Sessions removed by the registry expiry sweep",
		},
	)

	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagate_dispatches_total",
			Help: "Completed dispatches by tenant and outcome",
		},
		[]string{"tenant", "outcome"},
	)

	DispatchAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wagate_dispatch_attempts",
			Help:    "Send attempts consumed per successful dispatch",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"tenant"},
	)

	ChannelPageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagate_channel_page_errors_total",
			Help: "Channel page errors by tenant",
		},
		[]string{"tenant"},
	)
)

// Init registers the gateway metrics with Prometheus.
func Init() {
	prometheus.MustRegister(
		SessionTransitions,
		SessionsExpired,
		Dispatches,
		DispatchAttempts,
		ChannelPageErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collect consumes bus events until ctx is done, translating them into
// metric updates. Run it under the supervisor.
func Collect(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	events, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			record(e, log)
		}
	}
}

func record(e eventbus.Event, log logx.Logger) {
	switch e.Type {
	case eventbus.TypeSessionState:
		if sc, ok := e.Data.(session.StateChange); ok {
			SessionTransitions.WithLabelValues(e.Tenant, string(sc.To)).Inc()
		}
	case eventbus.TypeSessionExpired:
		SessionsExpired.Inc()
	case eventbus.TypeDispatchDone:
		del, ok := e.Data.(dispatch.Delivery)
		if !ok {
			return
		}
		outcome := "failure"
		if del.Success {
			outcome = "success"
			DispatchAttempts.WithLabelValues(e.Tenant).Observe(float64(del.Attempts))
		}
		Dispatches.WithLabelValues(e.Tenant, outcome).Inc()
	case eventbus.TypeChannelPageErr:
		ChannelPageErrors.WithLabelValues(e.Tenant).Inc()
	default:
		if !log.IsZero() {
			log.Trace("metrics: unhandled event type", logx.String("type", e.Type))
		}
	}
}
