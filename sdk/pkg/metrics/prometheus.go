package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus Prometheus 指标收集器
//
//	collector := metrics.NewPrometheus("order_service", prometheus.DefaultRegisterer)
//	app, _ := runtime.New(cfg, registry, repo, runtime.WithMetrics(collector))
//	http.Handle("/metrics", promhttp.Handler())
type Prometheus struct {
	sendTotal       *prometheus.CounterVec
	sendLatency     *prometheus.HistogramVec
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	dispatchTries   *prometheus.HistogramVec
	conflicts       *prometheus.CounterVec
	publishTotal    *prometheus.CounterVec
	publishLatency  *prometheus.HistogramVec
	consumeTotal    *prometheus.CounterVec
	consumeLatency  *prometheus.HistogramVec
	redeliveries    *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
}

// NewPrometheus 在 reg 上注册全部指标，reg 为空时使用 prometheus.DefaultRegisterer
func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	if namespace == "" {
		namespace = "cqrs"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Prometheus{
		sendTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "sent_total",
			Help:      "Commands enqueued, by queue and result.",
		}, []string{"queue", "success"}),
		sendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "send_duration_seconds",
			Help:      "Command enqueue latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		dispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "dispatched_total",
			Help:      "Command dispatch outcomes.",
		}, []string{"type", "status"}),
		dispatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "dispatch_duration_seconds",
			Help:      "Command dispatch latency including conflict retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		dispatchTries: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "dispatch_attempts",
			Help:      "Handler invocations per dispatch.",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
		}, []string{"type"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "conflicts_total",
			Help:      "Optimistic concurrency conflicts.",
		}, []string{"type"}),
		publishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event",
			Name:      "published_total",
			Help:      "Events published, by topic and result.",
		}, []string{"topic", "success"}),
		publishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "event",
			Name:      "publish_duration_seconds",
			Help:      "Event publish latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		consumeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event",
			Name:      "consumed_total",
			Help:      "Events handled by subscribers, by result.",
		}, []string{"subscriber", "success"}),
		consumeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "event",
			Name:      "consume_duration_seconds",
			Help:      "Event handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subscriber"}),
		redeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeliveries_total",
			Help:      "Deliveries nacked for redelivery.",
		}, []string{"source"}),
		deadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages moved to a dead-letter queue.",
		}, []string{"queue"}),
	}
}

func (p *Prometheus) RecordSend(queue string, success bool, duration time.Duration) {
	p.sendTotal.WithLabelValues(queue, strconv.FormatBool(success)).Inc()
	p.sendLatency.WithLabelValues(queue).Observe(duration.Seconds())
}

func (p *Prometheus) RecordDispatch(commandType string, status string, attempts int, duration time.Duration) {
	p.dispatchTotal.WithLabelValues(commandType, status).Inc()
	p.dispatchLatency.WithLabelValues(commandType).Observe(duration.Seconds())
	p.dispatchTries.WithLabelValues(commandType).Observe(float64(attempts))
}

func (p *Prometheus) RecordConflict(commandType string) {
	p.conflicts.WithLabelValues(commandType).Inc()
}

func (p *Prometheus) RecordPublish(topic string, success bool, duration time.Duration) {
	p.publishTotal.WithLabelValues(topic, strconv.FormatBool(success)).Inc()
	p.publishLatency.WithLabelValues(topic).Observe(duration.Seconds())
}

func (p *Prometheus) RecordConsume(subscriber string, success bool, duration time.Duration) {
	p.consumeTotal.WithLabelValues(subscriber, strconv.FormatBool(success)).Inc()
	p.consumeLatency.WithLabelValues(subscriber).Observe(duration.Seconds())
}

func (p *Prometheus) RecordRedelivery(source string) {
	p.redeliveries.WithLabelValues(source).Inc()
}

func (p *Prometheus) RecordDeadLetter(queue string) {
	p.deadLetters.WithLabelValues(queue).Inc()
}
