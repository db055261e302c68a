// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
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

	// Counters
	PollPasses         *prometheus.CounterVec // result=success|failure
	PollCached         prometheus.Counter
	MessagesAccepted   prometheus.Counter
	MessagesRejected   *prometheus.CounterVec // reason
	ClassifierFailures *prometheus.CounterVec // capability
	VisibilityToggles  *prometheus.CounterVec // result
	SessionResets      *prometheus.CounterVec // kind=session_change|no_session|manual
	FetchFailures      prometheus.Counter
	AudioGenerated     *prometheus.CounterVec // result
	TokenRefreshes     *prometheus.CounterVec // result

	// Histograms (seconds)
	PassDuration    prometheus.Observer
	ClassifyLatency *prometheus.HistogramVec // capability

	// Gauges
	StoredMessagesGauge prometheus.Gauge
	HiddenIDsGauge      prometheus.Gauge
	ConnectedGauge      prometheus.Gauge // 1=source attached
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollPasses = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_poll_passes_total", Help: "Reconciliation passes run, by result"}, []string{"result"})
		PollCached = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_poll_cached_total", Help: "Polls answered from the in-flight cache"})
		MessagesAccepted = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_accepted_total", Help: "Messages appended to the store"})
		MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_rejected_total", Help: "Messages dropped by the acceptance pipeline"}, []string{"reason"})
		ClassifierFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_classifier_failures_total", Help: "Language-model calls that failed and fell back to a default"}, []string{"capability"})
		VisibilityToggles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_visibility_toggles_total", Help: "Visibility toggle requests"}, []string{"result"})
		SessionResets = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_session_resets_total", Help: "Store resets"}, []string{"kind"})
		FetchFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_fetch_failures_total", Help: "Chat fetches that failed with a transport error"})
		AudioGenerated = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_audio_generated_total", Help: "Speech synthesis requests"}, []string{"result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_oauth_refreshes_total", Help: "OAuth token refresh attempts"}, []string{"result"})
		PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_poll_pass_duration_seconds", Help: "Reconciliation pass duration seconds", Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30}})
		ClassifyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chat_classifier_duration_seconds", Help: "Language-model call duration seconds", Buckets: prometheus.DefBuckets}, []string{"capability"})
		StoredMessagesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_stored_messages", Help: "Messages currently in the store"})
		HiddenIDsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_hidden_ids", Help: "Message ids currently hidden"})
		ConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_source_connected", Help: "Chat source attached=1 detached=0"})
	})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// IncPass counts a finished reconciliation pass.
func IncPass(ok bool) {
	if PollPasses != nil {
		PollPasses.WithLabelValues(result(ok)).Inc()
	}
}

// IncCachedPoll counts a poll answered without running a pass.
func IncCachedPoll() {
	if PollCached != nil {
		PollCached.Inc()
	}
}

func IncAccepted() {
	if MessagesAccepted != nil {
		MessagesAccepted.Inc()
	}
}

func IncRejected(reason string) {
	if MessagesRejected != nil {
		MessagesRejected.WithLabelValues(reason).Inc()
	}
}

func IncClassifierFailure(capability string) {
	if ClassifierFailures != nil {
		ClassifierFailures.WithLabelValues(capability).Inc()
	}
}

func IncToggle(ok bool) {
	if VisibilityToggles != nil {
		VisibilityToggles.WithLabelValues(result(ok)).Inc()
	}
}

func IncSessionReset(kind string) {
	if SessionResets != nil {
		SessionResets.WithLabelValues(kind).Inc()
	}
}

func IncFetchFailure() {
	if FetchFailures != nil {
		FetchFailures.Inc()
	}
}

func IncAudio(ok bool) {
	if AudioGenerated != nil {
		AudioGenerated.WithLabelValues(result(ok)).Inc()
	}
}

func IncTokenRefresh(ok bool) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(result(ok)).Inc()
	}
}

// ObservePassDuration records a pass duration.
func ObservePassDuration(d time.Duration) {
	if PassDuration != nil {
		PassDuration.Observe(d.Seconds())
	}
}

// ClassifyObserver returns the latency histogram for one classifier
// capability, or nil before Init.
func ClassifyObserver(capability string) prometheus.Observer {
	if ClassifyLatency == nil {
		return nil
	}
	return ClassifyLatency.WithLabelValues(capability)
}

// SetStoredMessages records the message store size.
func SetStoredMessages(n int) {
	if StoredMessagesGauge != nil {
		StoredMessagesGauge.Set(float64(n))
	}
}

// SetHiddenIDs records the hidden-id set size.
func SetHiddenIDs(n int) {
	if HiddenIDsGauge != nil {
		HiddenIDsGauge.Set(float64(n))
	}
}

// SetConnected sets gauge to 1 if a source is attached else 0.
func SetConnected(connected bool) {
	if ConnectedGauge != nil {
		if connected {
			ConnectedGauge.Set(1)
		} else {
			ConnectedGauge.Set(0)
		}
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
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
