package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 网关业务指标
type AppMetrics struct {
	MessagesTotal      *prometheus.CounterVec // labels: kind=status|metadata|chunk|cmd_ack|unknown, result=ok|error
	DispatchDropped    prometheus.Counter     // worker 队列满被丢弃的消息
	ChunksTotal        prometheus.Counter
	RetransmitRequests prometheus.Counter
	TransfersTotal     *prometheus.CounterVec // labels: result=completed|failed
	WakeOutcomes       *prometheus.CounterVec // labels: outcome=completed|failed|extra
	CommandsTotal      *prometheus.CounterVec // labels: status=delivered|acknowledged|failed|expired
	CommandQueueDepth  prometheus.Gauge
	ActiveTransfers    prometheus.Gauge
	OnlineGauge        prometheus.Gauge     // 当前在线设备数
	HeartbeatTotal     prometheus.Counter   // 状态消息计数
	PendingImages      prometheus.Histogram // 状态消息上报的积压图像数
	SnapshotsTotal     prometheus.Counter
	WebhookPushes      *prometheus.CounterVec // labels: result=ok|error|dropped
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "Inbound device messages by kind and result.",
		}, []string{"kind", "result"}),
		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_dropped_total",
			Help: "Inbound messages dropped because the worker queue was full.",
		}),
		ChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transfer_chunks_total",
			Help: "Total image chunks received.",
		}),
		RetransmitRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transfer_retransmit_requests_total",
			Help: "Missing-chunk requests sent to devices.",
		}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_finished_total",
			Help: "Finished image transfers by result.",
		}, []string{"result"}),
		WakeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_wake_outcomes_total",
			Help: "Classified wake events by outcome.",
		}, []string{"outcome"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "command_transitions_total",
			Help: "Command state transitions.",
		}, []string{"status"}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "command_queue_depth",
			Help: "Commands pending or awaiting acknowledgment.",
		}),
		ActiveTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transfer_active",
			Help: "Image transfers currently in flight.",
		}),
		OnlineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_online_count",
			Help: "Current number of online devices.",
		}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_heartbeat_total",
			Help: "Total status messages observed.",
		}),
		PendingImages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "device_pending_images",
			Help:    "Backlog image count reported on status messages.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_generated_total",
			Help: "Session snapshots generated or regenerated.",
		}),
		WebhookPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_pushes_total",
			Help: "Event webhook deliveries by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.MessagesTotal, m.DispatchDropped, m.ChunksTotal, m.RetransmitRequests,
		m.TransfersTotal, m.WakeOutcomes, m.CommandsTotal, m.CommandQueueDepth,
		m.ActiveTransfers, m.OnlineGauge, m.HeartbeatTotal, m.PendingImages, m.SnapshotsTotal, m.WebhookPushes,
	)
	return m
}
