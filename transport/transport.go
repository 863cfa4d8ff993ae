// Package transport defines the tag-matched send/recv contracts shared by
// every concrete transport (in-process loopback, RDMA over libfabric) and
// the callback dispatcher layered above them.
package transport

import (
	"errors"

	"go.uber.org/zap"
)

var (
	// ErrTransportFailed indicates a post, wait, cancel, or test call
	// returned a non-success status from the underlying transport.
	ErrTransportFailed = errors.New("transport: call failed")
	// ErrTruncated indicates a receive observed more bytes than the
	// receiver's message was sized for.
	ErrTruncated = errors.New("transport: message truncated")
)

// Address is an opaque peer identity. The loopback transport uses a rank
// (int); the RDMA transport uses an rdm.Peer (an fi.Address plus a rank).
type Address any

// Tag disambiguates messages between the same pair of peers.
type Tag uint32

// Message is the minimal contract a payload must satisfy to be posted
// through a Transport: a byte view and the size currently in use.
// buffer.Buffer and message.SharedMessage both satisfy it.
type Message interface {
	Data() []byte
	Size() int
}

// Future represents a single outstanding non-blocking operation.
type Future interface {
	// Wait blocks until the operation completes.
	Wait() error
	// Ready reports whether the operation has completed, without blocking.
	Ready() bool
	// Cancel attempts to cancel the operation. It returns true only if
	// the operation had not already completed.
	Cancel() bool
}

// Transport posts non-blocking tag-matched sends and receives and drives
// their completion.
type Transport interface {
	// Send posts msg's bytes to dst, matched by tag.
	Send(msg Message, dst Address, tag Tag) (Future, error)
	// Recv posts a receive into msg's storage from src, matched by tag.
	// msg's size must equal the expected byte count.
	Recv(msg Message, src Address, tag Tag) (Future, error)
	// Progress advances outstanding operations. It returns true iff any
	// remain in flight.
	Progress() bool
}

// CallbackFunc is invoked when a callback-registered operation completes.
type CallbackFunc func(msg Message, peer Address, tag Tag)

// UnexpectedFunc is invoked by transports that can probe for a message
// no posted receive matched: src and tag identify the sender's post, and
// msg holds the received bytes in a transport-allocated buffer.
type UnexpectedFunc func(src Address, tag Tag, msg Message)

// CallbackTransport is the callback-driven counterpart to Transport,
// either layered above a Transport (see the dispatch package) or
// implemented natively for a fast path.
type CallbackTransport interface {
	// Send posts msg to dst and invokes cb on completion.
	Send(msg Message, dst Address, tag Tag, cb CallbackFunc) error
	// Recv posts a receive from src and invokes cb on completion.
	Recv(msg Message, src Address, tag Tag, cb CallbackFunc) error
	// SendMulti fans out one shared message to every destination in
	// dsts under the same tag; msg is kept alive until every completion
	// fires.
	SendMulti(msg Message, dsts []Address, tag Tag, cb CallbackFunc) error
	// Progress performs one sweep over pending records, firing callbacks
	// for every completed one. It returns true iff any pending records
	// remain.
	Progress() bool
	// Detach removes the pending record matching (peer, tag) and returns
	// its completion handle and message. The third return is false if no
	// such record exists.
	Detach(peer Address, tag Tag) (Future, Message, bool)
	// Attach registers an already in-flight operation for callback-based
	// completion. It fails with dispatch.ErrAlreadyRegistered if a record
	// for (peer, tag) already exists.
	Attach(future Future, msg Message, peer Address, tag Tag, cb CallbackFunc) error
	// CancelCallbacks attempts to cancel every pending record. It returns
	// true iff all of them were cancelled.
	CancelCallbacks() bool
}

// SetupCommunicator is the blocking collective contract the pattern
// builder negotiates over. The loopback transport's Communicator and an
// RDMA-backed communicator built on the same tagged primitives both
// satisfy it; it is not a distinct wire protocol.
type SetupCommunicator interface {
	Rank() int
	Size() int
	Barrier() error
	Send(v any, dst int) error
	Recv(src int) (any, error)
	Broadcast(v any, root int) (any, error)
	AllGather(v any) ([]any, error)
}

// ContextProvider creates transport instances bound to a rank and world
// size, and exposes that world's shape.
type ContextProvider interface {
	Rank() int
	Size() int
	NewTransport(opts ...Option) (Transport, error)
}

// EncodeMatchTag packs a user tag and source rank into the 64-bit match
// key used by transports with a single tagged-match field (the RDMA
// path): (tag << 32) | rank.
func EncodeMatchTag(tag Tag, rank int) uint64 {
	return uint64(tag)<<32 | uint64(uint32(rank))
}

// DecodeMatchTag reverses EncodeMatchTag.
func DecodeMatchTag(key uint64) (tag Tag, rank int) {
	return Tag(key >> 32), int(int32(uint32(key)))
}

// TraceAttribute is a single tracing attribute attached to a span.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans wrapping transport and dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records the lifecycle, events, and errors of one traced operation.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures transport and dispatcher telemetry events. Both a
// Prometheus-backed and an OTel-backed implementation are provided by
// transport/rdm; either, neither, or both may be installed.
type MetricHook interface {
	SendPosted(attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	RecvPosted(attrs map[string]string)
	RecvCompleted(attrs map[string]string)
	RecvFailed(err error, attrs map[string]string)
	PendingQueueDepth(n int, attrs map[string]string)
	CancelCompleted(attrs map[string]string)
}

// Config holds the ambient dependencies shared by every transport and
// dispatcher constructor.
type Config struct {
	Logger  *zap.Logger
	Metrics MetricHook
	Tracer  Tracer
}

// Option adjusts a Config.
type Option func(*Config)

// WithLogger installs a structured logger. Unset, constructors default to
// zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics installs a telemetry hook.
func WithMetrics(m MetricHook) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithTracer installs a span tracer.
func WithTracer(t Tracer) Option {
	return func(c *Config) { c.Tracer = t }
}

// NewConfig applies opts over a default Config (a no-op logger, no
// metrics, no tracer).
func NewConfig(opts ...Option) Config {
	cfg := Config{Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
