package rdm

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghex-go/ghex/transport"
)

const (
	labelProvider  = "provider"
	labelRank      = "rank"
	labelOperation = "operation"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ transport.MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements transport.MetricHook using Prometheus counters
// and a gauge for the pending queue depth.
type PrometheusMetrics struct {
	sendPosted    *prometheus.CounterVec
	sendCompleted *prometheus.CounterVec
	sendFailed    *prometheus.CounterVec
	recvPosted    *prometheus.CounterVec
	recvCompleted *prometheus.CounterVec
	recvFailed    *prometheus.CounterVec
	pendingDepth  *prometheus.GaugeVec
	cancelled     *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus
// counters and a gauge.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		sendPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdm_send_posted_total",
			Help:        "Number of tagged sends posted to the send worker",
			ConstLabels: opts.ConstLabels,
		}, labelKeys),
		sendCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdm_send_completed_total",
			Help:        "Number of successful send completions",
			ConstLabels: opts.ConstLabels,
		}, labelKeys),
		sendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdm_send_failed_total",
			Help:        "Number of errored send completions",
			ConstLabels: opts.ConstLabels,
		}, labelKeys),
		recvPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdm_recv_posted_total",
			Help:        "Number of tagged receives posted to the receive worker",
			ConstLabels: opts.ConstLabels,
		}, labelKeys),
		recvCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdm_recv_completed_total",
			Help:        "Number of successful receive completions",
			ConstLabels: opts.ConstLabels,
		}, labelKeys),
		recvFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdm_recv_failed_total",
			Help:        "Number of errored receive completions",
			ConstLabels: opts.ConstLabels,
		}, labelKeys),
		pendingDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdm_pending_queue_depth",
			Help:        "Number of outstanding callback-tracked operations",
			ConstLabels: opts.ConstLabels,
		}, labelKeys),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdm_cancel_completed_total",
			Help:        "Number of CancelCallbacks calls that cancelled every pending record",
			ConstLabels: opts.ConstLabels,
		}, labelKeys),
	}

	var err error
	if p.sendPosted, err = registerCounterVec(reg, p.sendPosted); err != nil {
		return nil, err
	}
	if p.sendCompleted, err = registerCounterVec(reg, p.sendCompleted); err != nil {
		return nil, err
	}
	if p.sendFailed, err = registerCounterVec(reg, p.sendFailed); err != nil {
		return nil, err
	}
	if p.recvPosted, err = registerCounterVec(reg, p.recvPosted); err != nil {
		return nil, err
	}
	if p.recvCompleted, err = registerCounterVec(reg, p.recvCompleted); err != nil {
		return nil, err
	}
	if p.recvFailed, err = registerCounterVec(reg, p.recvFailed); err != nil {
		return nil, err
	}
	if p.cancelled, err = registerCounterVec(reg, p.cancelled); err != nil {
		return nil, err
	}
	if err := reg.Register(p.pendingDepth); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				p.pendingDepth = existing
			}
		} else {
			return nil, err
		}
	}

	return p, nil
}

var labelKeys = []string{labelProvider, labelRank}

func (p *PrometheusMetrics) SendPosted(attrs map[string]string) {
	p.sendPosted.With(labels(attrs)).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.sendCompleted.With(labels(attrs)).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs)).Inc()
}

func (p *PrometheusMetrics) RecvPosted(attrs map[string]string) {
	p.recvPosted.With(labels(attrs)).Inc()
}

func (p *PrometheusMetrics) RecvCompleted(attrs map[string]string) {
	p.recvCompleted.With(labels(attrs)).Inc()
}

func (p *PrometheusMetrics) RecvFailed(_ error, attrs map[string]string) {
	p.recvFailed.With(labels(attrs)).Inc()
}

func (p *PrometheusMetrics) PendingQueueDepth(n int, attrs map[string]string) {
	p.pendingDepth.With(labels(attrs)).Set(float64(n))
}

func (p *PrometheusMetrics) CancelCompleted(attrs map[string]string) {
	p.cancelled.With(labels(attrs)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string) prometheus.Labels {
	labs := make(prometheus.Labels, len(labelKeys))
	for _, key := range labelKeys {
		labs[key] = attrs[key]
	}
	return labs
}
