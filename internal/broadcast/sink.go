package broadcast

import (
	"errors"
	"sync"

	"roomcal/internal/model"
)

var (
	ErrSessionClosed = errors.New("broadcast: session closed")
	ErrSlowConsumer  = errors.New("broadcast: session buffer full")
)

const DefaultStreamBuffer = 16

// StreamSink buffers messages for one streaming HTTP response. The
// handler drains Messages and calls Close when the client goes away.
type StreamSink struct {
	ch   chan model.Message
	done chan struct{}
	once sync.Once
}

func NewStreamSink(buffer int) *StreamSink {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &StreamSink{
		ch:   make(chan model.Message, buffer),
		done: make(chan struct{}),
	}
}

// Send queues m without blocking. A closed session or a full buffer is a
// write failure; a full buffer also closes the session so the handler ends
// the response and the client reconnects with a fresh fetch.
func (s *StreamSink) Send(m model.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.ch <- m:
		return nil
	default:
		s.Close()
		return ErrSlowConsumer
	}
}

func (s *StreamSink) Messages() <-chan model.Message { return s.ch }

func (s *StreamSink) Done() <-chan struct{} { return s.done }

// Close marks the session closed. Safe to call more than once.
func (s *StreamSink) Close() {
	s.once.Do(func() { close(s.done) })
}
