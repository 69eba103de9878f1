package progress

import (
	"errors"
	"sync"
)

// Sentinel errors for channel subscribers.
var (
	// ErrBufferFull means the subscriber is not draining its channel.
	ErrBufferFull = errors.New("subscriber buffer full")
	// ErrSubscriberClosed means the subscriber was closed.
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// defaultChannelBuffer is the event channel capacity for in-process
// subscribers.
const defaultChannelBuffer = 64

// ChannelSubscriber adapts a buffered channel to the Subscriber interface
// for in-process consumers. Send never blocks: a full buffer is an error,
// which makes the hub drop the subscriber, matching the contract for slow
// push clients.
type ChannelSubscriber struct {
	mu     sync.Mutex
	ch     chan Envelope
	closed bool
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
// Non-positive sizes use the default.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &ChannelSubscriber{ch: make(chan Envelope, buffer)}
}

// Send implements Subscriber.
func (s *ChannelSubscriber) Send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.ch <- env:
		return nil
	default:
		return ErrBufferFull
	}
}

// Events returns the receive side of the subscription.
func (s *ChannelSubscriber) Events() <-chan Envelope {
	return s.ch
}

// Close stops the subscription. Subsequent sends fail and the events
// channel is closed after in-flight envelopes drain.
func (s *ChannelSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
