package rdm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ghex-go/ghex/transport"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ transport.MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements transport.MetricHook using OpenTelemetry
// instruments: counters for every posted/completed/failed/cancelled
// event, and an up-down counter tracking pending queue depth.
type OTelMetrics struct {
	sendPosted    metric.Int64Counter
	sendCompleted metric.Int64Counter
	sendFailed    metric.Int64Counter
	recvPosted    metric.Int64Counter
	recvCompleted metric.Int64Counter
	recvFailed    metric.Int64Counter
	pendingDepth  metric.Int64UpDownCounter
	cancelled     metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry
// measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/ghex-go/ghex/transport/rdm"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	sendPosted, err := meter.Int64Counter("rdm.send.posted")
	if err != nil {
		return nil, err
	}
	sendCompleted, err := meter.Int64Counter("rdm.send.completed")
	if err != nil {
		return nil, err
	}
	sendFailed, err := meter.Int64Counter("rdm.send.failed")
	if err != nil {
		return nil, err
	}
	recvPosted, err := meter.Int64Counter("rdm.recv.posted")
	if err != nil {
		return nil, err
	}
	recvCompleted, err := meter.Int64Counter("rdm.recv.completed")
	if err != nil {
		return nil, err
	}
	recvFailed, err := meter.Int64Counter("rdm.recv.failed")
	if err != nil {
		return nil, err
	}
	pendingDepth, err := meter.Int64UpDownCounter("rdm.pending.queue_depth")
	if err != nil {
		return nil, err
	}
	cancelled, err := meter.Int64Counter("rdm.cancel.completed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		sendPosted:    sendPosted,
		sendCompleted: sendCompleted,
		sendFailed:    sendFailed,
		recvPosted:    recvPosted,
		recvCompleted: recvCompleted,
		recvFailed:    recvFailed,
		pendingDepth:  pendingDepth,
		cancelled:     cancelled,
	}, nil
}

func (o *OTelMetrics) SendPosted(attrs map[string]string) {
	o.sendPosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) SendCompleted(attrs map[string]string) {
	o.sendCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) SendFailed(_ error, attrs map[string]string) {
	o.sendFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) RecvPosted(attrs map[string]string) {
	o.recvPosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) RecvCompleted(attrs map[string]string) {
	o.recvCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) RecvFailed(_ error, attrs map[string]string) {
	o.recvFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// PendingQueueDepth adds n to the up-down counter rather than setting
// it: Int64UpDownCounter has no Set. Callers wanting an absolute
// reading should pair this with an ObservableGauge on the same meter.
func (o *OTelMetrics) PendingQueueDepth(n int, attrs map[string]string) {
	o.pendingDepth.Add(context.Background(), int64(n), metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) CancelCompleted(attrs map[string]string) {
	o.cancelled.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelProvider, attrs[labelProvider]),
	}
	if v := attrs[labelRank]; v != "" {
		kvs = append(kvs, attribute.String(labelRank, v))
	}
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	return kvs
}
