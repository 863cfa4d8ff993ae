// Package comm drives halo exchanges over a resolved pattern: packing
// fields into send buffers, posting sends and receives in a
// length-increasing order, and unpacking on completion.
package comm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ghex-go/ghex/allocator"
	"github.com/ghex-go/ghex/buffer"
	"github.com/ghex-go/ghex/coordinate"
	"github.com/ghex-go/ghex/pattern"
	"github.com/ghex-go/ghex/transport"
)

// Config holds the ambient dependencies a CommunicationObject needs
// beyond the pattern and allocator supplied at construction.
type Config struct {
	Logger *zap.Logger
	Tracer transport.Tracer
}

// Option adjusts a Config.
type Option func(*Config)

// WithLogger installs a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithTracer installs a span tracer wrapping each Exchange call.
func WithTracer(t transport.Tracer) Option {
	return func(c *Config) { c.Tracer = t }
}

func newConfig(opts ...Option) Config {
	cfg := Config{Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// CommunicationObject drives one halo exchange at a time over a single
// Pattern. Each Exchange allocates fresh packed send/recv buffers through
// the supplied allocator; they are not returned to it afterwards, so
// buffers are not reused across Exchange calls.
type CommunicationObject struct {
	pattern *pattern.Pattern
	alloc   allocator.ByteAllocator
	cfg     Config
}

// New constructs a CommunicationObject bound to p, allocating its packed
// buffers through alloc.
func New(p *pattern.Pattern, alloc allocator.ByteAllocator, opts ...Option) *CommunicationObject {
	return &CommunicationObject{pattern: p, alloc: alloc, cfg: newConfig(opts...)}
}

// Handle holds the outstanding receive requests of one Exchange call;
// Wait must be called exactly once to scatter the received bytes back
// into the fields that were exchanged.
type Handle struct {
	recvHalos   []pattern.HaloEntry
	recvBufs    []*buffer.Buffer
	recvFutures []transport.Future
	fields      []pattern.Field
}

// Exchange posts receives for every recv halo, packs and sends every
// send halo, waits for the sends to complete, and returns a Handle whose
// Wait unpacks the received bytes once they arrive.
func (c *CommunicationObject) Exchange(fields ...pattern.Field) (*Handle, error) {
	var span transport.Span
	if c.cfg.Tracer != nil {
		span = c.cfg.Tracer.StartSpan("comm.Exchange", transport.TraceAttribute{Key: "peer_count", Value: len(c.pattern.RecvHalos) + len(c.pattern.SendHalos)})
	}

	elemSize := 0
	for _, f := range fields {
		elemSize += f.DataTypeSize()
	}

	recvHalos := c.pattern.OrderedRecvHalos(elemSize)
	recvBufs := make([]*buffer.Buffer, len(recvHalos))
	recvFutures := make([]transport.Future, len(recvHalos))
	for i, entry := range recvHalos {
		buf := buffer.NewSize(c.alloc, int(entry.ByteSize(elemSize)))
		fut, err := c.pattern.Transport.Recv(buf, entry.Peer.Address, entry.Peer.Tag)
		if err != nil {
			endSpan(span, err)
			return nil, fmt.Errorf("comm: post recv from %+v: %w", entry.Peer, err)
		}
		recvBufs[i] = buf
		recvFutures[i] = fut
	}

	sendHalos := c.pattern.OrderedSendHalos(elemSize)
	sendFutures := make([]transport.Future, 0, len(sendHalos))
	for _, entry := range sendHalos {
		buf := buffer.NewSize(c.alloc, int(entry.ByteSize(elemSize)))
		packFields(buf.Data(), entry.Spaces, fields)
		fut, err := c.pattern.Transport.Send(buf, entry.Peer.Address, entry.Peer.Tag)
		if err != nil {
			endSpan(span, err)
			return nil, fmt.Errorf("comm: post send to %+v: %w", entry.Peer, err)
		}
		sendFutures = append(sendFutures, fut)
	}

	for _, fut := range sendFutures {
		if err := fut.Wait(); err != nil {
			endSpan(span, err)
			return nil, fmt.Errorf("comm: wait for send completion: %w", err)
		}
	}

	endSpan(span, nil)
	return &Handle{recvHalos: recvHalos, recvBufs: recvBufs, recvFutures: recvFutures, fields: fields}, nil
}

// Wait blocks until every receive posted by the Exchange call that
// produced h has completed, scattering each one into the field tuple in
// the same order the sends were packed.
func (h *Handle) Wait() error {
	for i, entry := range h.recvHalos {
		if err := h.recvFutures[i].Wait(); err != nil {
			return fmt.Errorf("comm: wait for recv from %+v: %w", entry.Peer, err)
		}
		unpackFields(h.recvBufs[i].Data(), entry.Spaces, h.fields)
	}
	return nil
}

// packFields copies every field's elements over spaces into dst,
// fields-outer / iteration-spaces-inner, so each field's data stays
// contiguous for the matching unpack on the receiving side.
func packFields(dst []byte, spaces []coordinate.IterationSpace, fields []pattern.Field) {
	cursor := 0
	for _, f := range fields {
		for _, is := range spaces {
			n := int(is.Size()) * f.DataTypeSize()
			f.Get(is, dst[cursor:cursor+n])
			cursor += n
		}
	}
}

func unpackFields(src []byte, spaces []coordinate.IterationSpace, fields []pattern.Field) {
	cursor := 0
	for _, f := range fields {
		for _, is := range spaces {
			n := int(is.Size()) * f.DataTypeSize()
			f.Set(is, src[cursor:cursor+n])
			cursor += n
		}
	}
}

func endSpan(span transport.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End(err)
}
