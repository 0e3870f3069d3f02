package fetch

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Event is a progress notification for one request.
type Event struct {
	RequestID string
	URI       string
	Progress  Progress
}

// EventSink receives progress events. Produce must not block.
type EventSink interface {
	Produce(ev Event)
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

// Produce implements EventSink.
func (m MultiSink) Produce(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Produce(ev)
		}
	}
}

// LogSink writes progress events to a zerolog logger at debug level.
type LogSink struct {
	Logger zerolog.Logger
}

// Produce implements EventSink.
func (s LogSink) Produce(ev Event) {
	s.Logger.Debug().
		Str("request", ev.RequestID).
		Int("total", ev.Progress.Total).
		Int("successful", ev.Progress.Successful).
		Int("failed", ev.Progress.Failed).
		Int("fatally_failed", ev.Progress.FatallyFailed).
		Int("min_success", ev.Progress.MinSuccess).
		Bool("finalized", ev.Progress.Finalized).
		Msg("fetch progress")
}

// ChanSink delivers events to a buffered channel, dropping events when the
// channel is full.
type ChanSink struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewChanSink creates a sink with the given buffer size.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{ch: make(chan Event, size)}
}

// Produce implements EventSink.
func (s *ChanSink) Produce(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the channel.
func (s *ChanSink) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded.
func (s *ChanSink) Dropped() uint64 { return s.dropped.Load() }
