package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/itiky/parcel-sync/model"
)

// ErrSlowConsumer terminates a subscription whose buffer is full.
var ErrSlowConsumer = errors.New("subscription buffer overflow")

// subscription implements model.Subscription on top of a buffered channel.
type subscription struct {
	sync.Mutex
	changesCh chan model.RawChange
	closed    bool
	err       error
	onClose   func()
	stopCh    chan struct{}
}

// Changes implements model.Subscription interface.
func (s *subscription) Changes() <-chan model.RawChange {
	return s.changesCh
}

// Err implements model.Subscription interface.
func (s *subscription) Err() error {
	s.Lock()
	defer s.Unlock()

	return s.err
}

// Close implements model.Subscription interface.
func (s *subscription) Close() error {
	s.terminate(nil)
	return nil
}

// push delivers the change without blocking the writer.
// A full buffer terminates the subscription with ErrSlowConsumer.
func (s *subscription) push(change model.RawChange) bool {
	s.Lock()
	if s.closed {
		s.Unlock()
		return false
	}

	select {
	case s.changesCh <- change:
		s.Unlock()
		return true
	default:
	}
	s.Unlock()

	s.terminate(ErrSlowConsumer)

	return false
}

// terminate closes the stream once, err is the termination reason.
func (s *subscription) terminate(err error) {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.changesCh)
	close(s.stopCh)
	onClose := s.onClose
	s.Unlock()

	if onClose != nil {
		onClose()
	}
}

// newSubscription creates a subscription which is terminated on the context cancel.
func newSubscription(ctx context.Context, bufSize int, onClose func()) *subscription {
	s := &subscription{
		changesCh: make(chan model.RawChange, bufSize),
		onClose:   onClose,
		stopCh:    make(chan struct{}),
	}

	go func() {
		select {
		case <-ctx.Done():
			s.terminate(nil)
		case <-s.stopCh:
		}
	}()

	return s
}
