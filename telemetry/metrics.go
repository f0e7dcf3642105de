// Package telemetry provides Prometheus metrics, correlation-id aware logging helpers and
// OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Relay
	OutboundFrames   prometheus.Counter
	InboundInjected  prometheus.Counter
	InboundBatches   prometheus.Counter
	RelayDropped     *prometheus.CounterVec // reason
	RelaySendErrors  *prometheus.CounterVec // port
	SynthesizedKeys  *prometheus.CounterVec // precision
	DedupCompactions prometheus.Counter
	DedupSize        prometheus.Gauge

	// Broadcast
	BroadcastPhase  *prometheus.GaugeVec   // phase, 1 for the active phase
	BroadcastPolls  *prometheus.CounterVec // result
	BroadcastStarts *prometheus.CounterVec // result
	BroadcastStops  *prometheus.CounterVec // result
	JobAPIDuration  *prometheus.HistogramVec

	// Gateway
	GatewayConnected  prometheus.Gauge
	GatewayReconnects prometheus.Counter
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		OutboundFrames = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_outbound_frames_total", Help: "Frames sent from conference chat to the gateway"})
		InboundInjected = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_inbound_injected_total", Help: "Gateway frames injected into conference chat"})
		InboundBatches = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_inbound_batches_total", Help: "Conference sends carrying one or more gateway frames"})
		RelayDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_dropped_total", Help: "Messages examined and not relayed, by reason"}, []string{"reason"})
		RelaySendErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_send_errors_total", Help: "Failed sends by port (gateway, conference)"}, []string{"port"})
		SynthesizedKeys = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_inbound_synthesized_keys_total", Help: "Inbound frames without message_id, by key precision (timestamp, weak)"}, []string{"precision"})
		DedupCompactions = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_dedup_compactions_total", Help: "Compaction runs that evicted ids"})
		DedupSize = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_dedup_size", Help: "Ids currently held in the processed set"})

		BroadcastPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "broadcast_phase", Help: "Current broadcast lifecycle phase (1=active)"}, []string{"phase"})
		BroadcastPolls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "broadcast_polls_total", Help: "Broadcast status polls by result"}, []string{"result"})
		BroadcastStarts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "broadcast_starts_total", Help: "Broadcast start attempts by result"}, []string{"result"})
		BroadcastStops = promauto.NewCounterVec(prometheus.CounterOpts{Name: "broadcast_stops_total", Help: "Broadcast stop attempts by result"}, []string{"result"})
		JobAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "broadcast_api_request_duration_seconds", Help: "Broadcaster API request duration seconds", Buckets: prometheus.DefBuckets}, []string{"op"})

		GatewayConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "gateway_connected", Help: "Gateway websocket connected=1 disconnected=0"})
		GatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "gateway_reconnects_total", Help: "Gateway websocket reconnect attempts"})
	})
}

// IncDropped counts a relay drop. Safe before Init.
func IncDropped(reason string) {
	if RelayDropped != nil {
		RelayDropped.WithLabelValues(reason).Inc()
	}
}

// IncSendError counts a failed port send. Safe before Init.
func IncSendError(port string) {
	if RelaySendErrors != nil {
		RelaySendErrors.WithLabelValues(port).Inc()
	}
}

// IncCounter increments c if registered.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddCounter adds n to c if registered.
func AddCounter(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// IncVec increments the label set on v if registered.
func IncVec(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

// SetDedupSize records the processed set size.
func SetDedupSize(n int) {
	if DedupSize != nil {
		DedupSize.Set(float64(n))
	}
}

// SetGatewayConnected sets the connection gauge.
func SetGatewayConnected(up bool) {
	if GatewayConnected == nil {
		return
	}
	if up {
		GatewayConnected.Set(1)
	} else {
		GatewayConnected.Set(0)
	}
}

// SetBroadcastPhase marks phase as active and every other known phase as inactive.
func SetBroadcastPhase(phase string, all []string) {
	if BroadcastPhase == nil {
		return
	}
	for _, p := range all {
		if p == phase {
			BroadcastPhase.WithLabelValues(p).Set(1)
		} else {
			BroadcastPhase.WithLabelValues(p).Set(0)
		}
	}
}

// ObserveSince records the elapsed time since start for op.
func ObserveSince(op string, start time.Time) {
	if JobAPIDuration != nil {
		JobAPIDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
