// Package metrics collects runtime counters for the agent and exposes them
// in Prometheus format and as a JSON snapshot.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teleton"

// Metrics satisfies agent.Observer; ObserveTool matches tools.ExecObserver.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	modelCalls       *prometheus.CounterVec
	modelLatency     prometheus.Histogram
	overflowResets   prometheus.Counter
	rateLimitRetries prometheus.Counter
	loopIterations   prometheus.Histogram
	loopToolCalls    prometheus.Histogram
	toolCalls        *prometheus.CounterVec
	toolLatency      *prometheus.HistogramVec
	messages         *prometheus.CounterVec
	tokens           *prometheus.CounterVec

	// mirrors for Snapshot
	messagesTotal    atomic.Int64
	messagesFailed   atomic.Int64
	tokensPrompt     atomic.Int64
	tokensCompletion atomic.Int64
	toolCallsTotal   atomic.Int64
	toolCallsFailed  atomic.Int64
	overflowCount    atomic.Int64
	retryCount       atomic.Int64

	gaugeMu sync.Mutex
	gauges  map[string]bool
}

// New creates a Metrics bound to its own registry, so tests and multiple
// instances never collide on the global one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),
		registry:  reg,
		gauges:    make(map[string]bool),

		modelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model calls by outcome (success|overflow|rate_limit|error)",
		}, []string{"outcome"}),
		modelLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Duration of model calls in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		overflowResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_overflow_resets_total",
			Help:      "Sessions reset after a context overflow",
		}),
		rateLimitRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_retries_total",
			Help:      "Model calls retried after a rate limit",
		}),
		loopIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_iterations",
			Help:      "Model iterations per processed message",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		loopToolCalls: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_tool_calls",
			Help:      "Tool calls per processed message",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool executions in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Processed inbound messages by status",
		}, []string{"status"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by type (prompt|completion)",
		}, []string{"type"}),
	}
}

// ObserveModelCall records one provider call
func (m *Metrics) ObserveModelCall(outcome string, elapsed time.Duration) {
	m.modelCalls.WithLabelValues(outcome).Inc()
	m.modelLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveOverflowReset() {
	m.overflowResets.Inc()
	m.overflowCount.Add(1)
}

func (m *Metrics) ObserveRateLimitRetry() {
	m.rateLimitRetries.Inc()
	m.retryCount.Add(1)
}

// ObserveLoop records the shape of one finished agentic loop
func (m *Metrics) ObserveLoop(iterations, toolCalls int) {
	m.loopIterations.Observe(float64(iterations))
	m.loopToolCalls.Observe(float64(toolCalls))
}

// ObserveTool records one tool execution
func (m *Metrics) ObserveTool(tool, outcome string, elapsed time.Duration) {
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
	m.toolCallsTotal.Add(1)
	if outcome != "success" {
		m.toolCallsFailed.Add(1)
	}
}

// RecordMessage records a processed inbound message
func (m *Metrics) RecordMessage(success bool) {
	m.messagesTotal.Add(1)
	if success {
		m.messages.WithLabelValues("success").Inc()
		return
	}
	m.messagesFailed.Add(1)
	m.messages.WithLabelValues("error").Inc()
}

func (m *Metrics) RecordTokens(prompt, completion int) {
	m.tokens.WithLabelValues("prompt").Add(float64(prompt))
	m.tokens.WithLabelValues("completion").Add(float64(completion))
	m.tokensPrompt.Add(int64(prompt))
	m.tokensCompletion.Add(int64(completion))
}

// Gauge registers a gauge sampled from fn at scrape time. Registering the
// same name twice is a no-op.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()
	if m.gauges[name] {
		return
	}
	m.gauges[name] = true
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// WatchQueue exposes queue depth gauges from a stats function
func (m *Metrics) WatchQueue(stats func() (keys, pending int)) {
	m.Gauge("queue_chats", "Chats with queued or running work", func() float64 {
		keys, _ := stats()
		return float64(keys)
	})
	m.Gauge("queue_pending", "Tasks waiting across all chat queues", func() float64 {
		_, pending := stats()
		return float64(pending)
	})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot is a JSON view of the headline counters
type Snapshot struct {
	Uptime           time.Duration `json:"uptime"`
	MessagesTotal    int64         `json:"messages_total"`
	MessagesFailed   int64         `json:"messages_failed"`
	TokensPrompt     int64         `json:"tokens_prompt"`
	TokensCompletion int64         `json:"tokens_completion"`
	ToolCallsTotal   int64         `json:"tool_calls_total"`
	ToolCallsFailed  int64         `json:"tool_calls_failed"`
	OverflowResets   int64         `json:"overflow_resets"`
	RateLimitRetries int64         `json:"rate_limit_retries"`
	SuccessRate      float64       `json:"success_rate"`
}

func (m *Metrics) Snapshot() *Snapshot {
	s := &Snapshot{
		Uptime:           time.Since(m.startTime),
		MessagesTotal:    m.messagesTotal.Load(),
		MessagesFailed:   m.messagesFailed.Load(),
		TokensPrompt:     m.tokensPrompt.Load(),
		TokensCompletion: m.tokensCompletion.Load(),
		ToolCallsTotal:   m.toolCallsTotal.Load(),
		ToolCallsFailed:  m.toolCallsFailed.Load(),
		OverflowResets:   m.overflowCount.Load(),
		RateLimitRetries: m.retryCount.Load(),
	}
	if s.MessagesTotal > 0 {
		s.SuccessRate = float64(s.MessagesTotal-s.MessagesFailed) / float64(s.MessagesTotal) * 100
	}
	return s
}
