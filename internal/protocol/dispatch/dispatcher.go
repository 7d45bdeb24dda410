// Package dispatch routes decoded protocol frames to typed handlers and encodes
// outbound messages.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"runtimeloader.dev/internal/netlog"
	"runtimeloader.dev/internal/protocol"
)

var ErrNoSender = errors.New("dispatch: no sender")

// Sender writes one encoded frame to the wire.
type Sender interface {
	Send(frame []byte) error
}

// Recorder receives a copy of every frame crossing the dispatcher. dir is "in"
// or "out".
type Recorder interface {
	Record(dir, typ string, frame []byte)
}

const (
	DirIn  = "in"
	DirOut = "out"
)

type handler struct {
	typ string
	fn  func(data any) error
}

type Options struct {
	Net *netlog.Logger
	// Schemas enables strict mode: frames failing schema validation are dropped.
	Schemas  *protocol.Schemas
	Recorder Recorder
}

type Stats struct {
	Received      uint64
	Dispatched    uint64
	Dropped       uint64
	HandlerErrors uint64
	Sent          uint64
}

// Dispatcher is used from the scene goroutine only.
type Dispatcher struct {
	sender Sender
	log    zerolog.Logger
	opts   Options

	handlers map[string][]handler
	stats    Stats
}

func New(sender Sender, log zerolog.Logger, opts Options) *Dispatcher {
	if opts.Net == nil {
		opts.Net = netlog.New(log, netlog.Options{})
	}
	return &Dispatcher{
		sender:   sender,
		log:      log,
		opts:     opts,
		handlers: map[string][]handler{},
	}
}

// On subscribes fn to typ. Handlers run in subscription order.
func On[T any](d *Dispatcher, typ string, fn func(T) error) {
	d.handlers[typ] = append(d.handlers[typ], handler{
		typ: typ,
		fn: func(data any) error {
			v, ok := data.(T)
			if !ok {
				return fmt.Errorf("payload for %s is %T, handler wants %T", typ, data, v)
			}
			return fn(v)
		},
	})
}

// OnReceive decodes raw and delivers its payload to every handler of its type
// before returning. Bad frames are logged and dropped.
func (d *Dispatcher) OnReceive(raw []byte) {
	d.stats.Received++

	base, err := protocol.DecodeBase(raw)
	if err != nil {
		d.stats.Dropped++
		d.log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping malformed frame")
		return
	}
	if base.Type == "" {
		d.stats.Dropped++
		d.log.Debug().Msg("dropping frame without type")
		return
	}
	d.opts.Net.LogReceive(base.Type, raw)
	if d.opts.Recorder != nil {
		d.opts.Recorder.Record(DirIn, base.Type, raw)
	}

	dec, ok := protocol.PayloadFor(base.Type)
	if !ok {
		d.stats.Dropped++
		d.log.Warn().Str("type", base.Type).Msg("unknown message type")
		return
	}
	if d.opts.Schemas != nil {
		if err := d.opts.Schemas.Validate(base.Type, raw); err != nil {
			d.stats.Dropped++
			d.log.Warn().Str("type", base.Type).Err(err).Msg("frame failed schema validation")
			return
		}
	}
	data, err := dec(raw)
	if err != nil {
		d.stats.Dropped++
		d.log.Warn().Str("type", base.Type).Err(err).Msg("payload does not match type")
		return
	}

	if base.Type == protocol.TypePing {
		if err := d.Send(protocol.TypePong, ""); err != nil {
			d.log.Warn().Err(err).Msg("pong not sent")
		}
	}

	d.stats.Dispatched++
	for _, h := range d.handlers[base.Type] {
		d.run(h, data)
	}
}

func (d *Dispatcher) run(h handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			d.stats.HandlerErrors++
			d.log.Error().Str("type", h.typ).Interface("panic", r).Msg("handler panicked")
		}
	}()
	if err := h.fn(data); err != nil {
		d.stats.HandlerErrors++
		d.log.Error().Str("type", h.typ).Err(err).Msg("handler failed")
	}
}

// Send encodes payload as a typ envelope and writes it.
func (d *Dispatcher) Send(typ string, payload any) error {
	if d.sender == nil {
		return ErrNoSender
	}
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	d.opts.Net.LogSend(typ, frame)
	if d.opts.Recorder != nil {
		d.opts.Recorder.Record(DirOut, typ, frame)
	}
	if err := d.sender.Send(frame); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	d.stats.Sent++
	return nil
}

func (d *Dispatcher) Stats() Stats { return d.stats }

// Net exposes the frame logger so the transport can reset it on reconnect.
func (d *Dispatcher) Net() *netlog.Logger { return d.opts.Net }
