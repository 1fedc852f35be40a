package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	registry *prometheus.Registry

	// Webhook metrics
	WebhookRequestsTotal   *prometheus.CounterVec
	WebhookRequestDuration *prometheus.HistogramVec
	WebhookAuthFailures    *prometheus.CounterVec
	WebhookFallbackAcks    *prometheus.CounterVec

	// Inbound metrics
	InboundMessagesTotal *prometheus.CounterVec
	AgentErrorsTotal     *prometheus.CounterVec

	// Outbound metrics
	OutboundMessagesTotal *prometheus.CounterVec
	OutboundDuration      *prometheus.HistogramVec

	// Account metrics
	AccountsRunning *prometheus.GaugeVec
	AccountErrors   *prometheus.CounterVec

	// Queue metrics
	QueueDepth   *prometheus.GaugeVec
	TaskDuration *prometheus.HistogramVec

	// Bridge metrics
	BridgeClients     prometheus.Gauge
	BridgeEventsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		WebhookRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_webhook_requests_total",
				Help: "Webhook requests by path, method and HTTP status",
			},
			[]string{"path", "method", "status"},
		),
		WebhookRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgate_webhook_request_duration_seconds",
				Help:    "Time from request arrival to response write",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		WebhookAuthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_webhook_auth_failures_total",
				Help: "Webhook requests rejected for signature or tenant mismatch",
			},
			[]string{"path"},
		),
		WebhookFallbackAcks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_webhook_fallback_acks_total",
				Help: "Webhook responses closed by the fallback timer",
			},
			[]string{"channel", "account"},
		),

		InboundMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_inbound_messages_total",
				Help: "Inbound messages by channel, account and outcome",
			},
			[]string{"channel", "account", "outcome"},
		),
		AgentErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_agent_errors_total",
				Help: "Agent callback failures caught at the normalizer",
			},
			[]string{"channel", "account"},
		),

		OutboundMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_outbound_messages_total",
				Help: "Outbound sends by channel, account and status",
			},
			[]string{"channel", "account", "status"},
		),
		OutboundDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgate_outbound_duration_seconds",
				Help:    "Duration of outbound sends",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),

		AccountsRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatgate_accounts_running",
				Help: "Running accounts per channel",
			},
			[]string{"channel"},
		),
		AccountErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_account_errors_total",
				Help: "Errors recorded on account snapshots",
			},
			[]string{"channel", "account"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatgate_queue_depth",
				Help: "Queued agent tasks by lane",
			},
			[]string{"lane"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgate_task_duration_seconds",
				Help:    "Agent task duration by status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		BridgeClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatgate_bridge_clients",
				Help: "Authenticated agent bridge clients",
			},
		),
		BridgeEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_bridge_event_writes_total",
				Help: "Event frames written to agents by event and result",
			},
			[]string{"event", "result"},
		),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.WebhookRequestsTotal,
		m.WebhookRequestDuration,
		m.WebhookAuthFailures,
		m.WebhookFallbackAcks,
		m.InboundMessagesTotal,
		m.AgentErrorsTotal,
		m.OutboundMessagesTotal,
		m.OutboundDuration,
		m.AccountsRunning,
		m.AccountErrors,
		m.QueueDepth,
		m.TaskDuration,
		m.BridgeClients,
		m.BridgeEventsTotal,
	)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var (
	defaultOnce sync.Once
	defaultInst *Metrics
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultInst = NewMetrics()
	})
	return defaultInst
}

// RecordWebhook records one finished webhook request.
func RecordWebhook(path, method string, status int, d time.Duration) {
	m := Default()
	m.WebhookRequestsTotal.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.WebhookRequestDuration.WithLabelValues(path).Observe(d.Seconds())
}

// RecordWebhookAuthFailure counts a rejected signature or tenant.
func RecordWebhookAuthFailure(path string) {
	Default().WebhookAuthFailures.WithLabelValues(path).Inc()
}

// RecordFallbackAck counts a response closed by the fallback timer.
func RecordFallbackAck(channel, account string) {
	Default().WebhookFallbackAcks.WithLabelValues(channel, account).Inc()
}

// RecordInbound counts an inbound message outcome.
func RecordInbound(channel, account, outcome string) {
	Default().InboundMessagesTotal.WithLabelValues(channel, account, outcome).Inc()
}

// RecordAgentError counts a failed agent callback.
func RecordAgentError(channel, account string) {
	Default().AgentErrorsTotal.WithLabelValues(channel, account).Inc()
}

// RecordOutbound counts an outbound send.
func RecordOutbound(channel, account string, success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m := Default()
	m.OutboundMessagesTotal.WithLabelValues(channel, account, status).Inc()
	m.OutboundDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// SetAccountsRunning sets the running account gauge for a channel.
func SetAccountsRunning(channel string, n int) {
	Default().AccountsRunning.WithLabelValues(channel).Set(float64(n))
}

// RecordAccountError counts an error recorded on an account snapshot.
func RecordAccountError(channel, account string) {
	Default().AccountErrors.WithLabelValues(channel, account).Inc()
}

// SetQueueDepth sets the queued task gauge for a lane.
func SetQueueDepth(lane string, n int) {
	Default().QueueDepth.WithLabelValues(lane).Set(float64(n))
}

// RecordTask observes a finished agent task.
func RecordTask(d time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	Default().TaskDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SetBridgeClients sets the connected agent client gauge.
func SetBridgeClients(n int) {
	Default().BridgeClients.Set(float64(n))
}

// RecordBridgeEvent counts the per-agent writes of one event frame.
func RecordBridgeEvent(event string, delivered, failed int) {
	m := Default()
	if delivered > 0 {
		m.BridgeEventsTotal.WithLabelValues(event, "delivered").Add(float64(delivered))
	}
	if failed > 0 {
		m.BridgeEventsTotal.WithLabelValues(event, "failed").Add(float64(failed))
	}
}
