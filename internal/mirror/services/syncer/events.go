package syncer

import (
	"sync/atomic"

	"github.com/haukened/blockmirror/internal/mirror/domain"
)

// EventSink receives engine notifications. Emit must not block for long; the
// engine calls it inline.
type EventSink interface {
	Emit(e domain.Event)
}

// FuncSink adapts a function to EventSink.
type FuncSink func(e domain.Event)

func (f FuncSink) Emit(e domain.Event) { f(e) }

// ChannelSink buffers events on a channel. When the buffer is full the event
// is dropped and counted instead of stalling the engine.
type ChannelSink struct {
	ch      chan domain.Event
	dropped atomic.Uint64
}

// NewChannelSink returns a sink with the given buffer (minimum 1).
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{ch: make(chan domain.Event, buffer)}
}

func (s *ChannelSink) Emit(e domain.Event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events is the receive side of the sink.
func (s *ChannelSink) Events() <-chan domain.Event { return s.ch }

// Dropped reports how many events were discarded on a full buffer.
func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }

type nopSink struct{}

func (nopSink) Emit(domain.Event) {}

var (
	_ EventSink = FuncSink(nil)
	_ EventSink = (*ChannelSink)(nil)
	_ EventSink = nopSink{}
)
