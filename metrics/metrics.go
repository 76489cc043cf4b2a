// Package metrics exposes the station's Prometheus collectors. Every helper is
// a no-op until Init has run, so library code and tests can call them freely.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "quake_"

	resultSuccess = "success"
	resultError   = "error"
)

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)

var (
	registerOnce sync.Once

	samplesTotal     *prometheus.CounterVec
	triggersTotal    prometheus.Counter
	eventsTotal      *prometheus.CounterVec
	discardedTotal   prometheus.Counter
	staLtaRatio      prometheus.Gauge
	currentPGA       prometheus.Gauge
	queueDepth       prometheus.Gauge
	queueUnsent      prometheus.Gauge
	queueEvicted     prometheus.Counter
	publishTotal     *prometheus.CounterVec
	webhookTotal     *prometheus.CounterVec
	webhookLatency   *prometheus.HistogramVec
	commandsTotal    *prometheus.CounterVec
	linkConnected    prometheus.Gauge
	loopOverrunTotal prometheus.Counter
)

// Init registers the collectors with reg (the default registerer when nil).
// Only the first call has an effect.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		samplesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_total",
				Help: "Accelerometer samples by outcome",
			},
			[]string{"outcome"},
		)
		triggersTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "triggers_total",
			Help: "STA/LTA trigger transitions",
		})
		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_confirmed_total",
				Help: "Confirmed events by alert level",
			},
			[]string{"level"},
		)
		discardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "episodes_discarded_total",
			Help: "Triggered episodes shorter than the minimum event duration",
		})
		staLtaRatio = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "sta_lta_ratio",
			Help: "Latest STA/LTA ratio",
		})
		currentPGA = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "pga_g",
			Help: "Peak ground acceleration over the recent window in g",
		})
		queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "queue_entries",
			Help: "Entries in the persistent event queue",
		})
		queueUnsent = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "queue_unsent_entries",
			Help: "Undelivered entries in the persistent event queue",
		})
		queueEvicted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "queue_evicted_total",
			Help: "Queue entries dropped on overflow",
		})
		publishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mqtt_publish_total",
				Help: "MQTT publishes by topic and result",
			},
			[]string{"topic", "result"},
		)
		webhookTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "webhook_notifications_total",
				Help: "Webhook notifications by channel and result",
			},
			[]string{"channel", "result"},
		)
		webhookLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "webhook_latency_seconds",
				Help:    "Webhook notification latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		)
		commandsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Remote commands by name",
			},
			[]string{"command"},
		)
		linkConnected = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "mqtt_connected",
			Help: "1 when the broker link is up",
		})
		loopOverrunTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "loop_overruns_total",
			Help: "Sampling ticks that started late",
		})

		reg.MustRegister(
			samplesTotal,
			triggersTotal,
			eventsTotal,
			discardedTotal,
			staLtaRatio,
			currentPGA,
			queueDepth,
			queueUnsent,
			queueEvicted,
			publishTotal,
			webhookTotal,
			webhookLatency,
			commandsTotal,
			linkConnected,
			loopOverrunTotal,
		)
	})
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultSuccess
}

// IncSample counts one sample; outcome is "accepted" or "dropped".
func IncSample(outcome string) {
	if samplesTotal != nil {
		samplesTotal.WithLabelValues(outcome).Inc()
	}
}

// IncTrigger counts a trigger transition.
func IncTrigger() {
	if triggersTotal != nil {
		triggersTotal.Inc()
	}
}

// IncEvent counts a confirmed event.
func IncEvent(level string) {
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(level).Inc()
	}
}

// IncDiscarded counts an episode discarded as too short.
func IncDiscarded() {
	if discardedTotal != nil {
		discardedTotal.Inc()
	}
}

// SetDetector records the latest ratio and PGA.
func SetDetector(ratio, pga float64) {
	if staLtaRatio != nil {
		staLtaRatio.Set(ratio)
	}
	if currentPGA != nil {
		currentPGA.Set(pga)
	}
}

// SetQueue records queue depth.
func SetQueue(size, unsent int) {
	if queueDepth != nil {
		queueDepth.Set(float64(size))
	}
	if queueUnsent != nil {
		queueUnsent.Set(float64(unsent))
	}
}

// AddEvicted counts overflow evictions.
func AddEvicted(n int64) {
	if queueEvicted != nil && n > 0 {
		queueEvicted.Add(float64(n))
	}
}

// ObservePublish counts a publish attempt on topic.
func ObservePublish(topic string, err error) {
	if publishTotal != nil {
		publishTotal.WithLabelValues(topic, result(err)).Inc()
	}
}

// ObserveWebhook records one notification attempt.
func ObserveWebhook(channel string, err error, elapsed time.Duration) {
	if channel == "" {
		channel = "unknown"
	}
	if webhookTotal != nil {
		webhookTotal.WithLabelValues(channel, result(err)).Inc()
	}
	if webhookLatency != nil {
		webhookLatency.WithLabelValues(channel).Observe(elapsed.Seconds())
	}
}

// IncCommand counts a received command.
func IncCommand(name string) {
	if commandsTotal != nil {
		commandsTotal.WithLabelValues(name).Inc()
	}
}

// SetConnected records link state.
func SetConnected(up bool) {
	if linkConnected == nil {
		return
	}
	if up {
		linkConnected.Set(1)
	} else {
		linkConnected.Set(0)
	}
}

// IncLoopOverrun counts a late sampling tick.
func IncLoopOverrun() {
	if loopOverrunTotal != nil {
		loopOverrunTotal.Inc()
	}
}
