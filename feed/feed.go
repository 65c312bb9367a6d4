// Package feed turns the remote store push notifications into normalized change events.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itiky/parcel-sync/model"
)

var (
	// ErrMalformed marks a notification whose payload can't be decoded.
	ErrMalformed = errors.New("malformed change")
	// ErrUnresolvedKey marks a notification with neither an embedded nor a path key.
	ErrUnresolvedKey = errors.New("unresolved key")
)

type (
	// Feed is the ChangeFeed of one entity.
	Feed[K model.Key, V model.Record[K]] struct {
		entity  model.Entity[K, V]
		remote  model.RemoteStore[K, V]
		logger  *slog.Logger
		now     func() time.Time
		dropped atomic.Int64
	}

	// Stream is an active Feed subscription.
	Stream struct {
		cancel    context.CancelFunc
		sub       model.Subscription
		doneCh    chan struct{}
		closeOnce sync.Once
	}
)

// Subscribe opens the remote subscription and delivers the normalized events to handler
// from a dedicated goroutine until the stream is closed.
// Events which can't be normalized are dropped and logged, the stream keeps going.
// onClose (optional) is called once if the remote stream terminates on its own;
// the feed never resubscribes by itself.
func (f *Feed[K, V]) Subscribe(ctx context.Context, handler func(model.ChangeEvent[K, V]), onClose func(err error)) (*Stream, error) {
	if handler == nil {
		return nil, fmt.Errorf("%s: nil", "handler")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub, err := f.remote.Subscribe(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote.Subscribe: %w", err)
	}

	s := &Stream{
		cancel: cancel,
		sub:    sub,
		doneCh: make(chan struct{}),
	}
	go f.worker(streamCtx, s, handler, onClose)

	return s, nil
}

// Dropped returns the number of notifications dropped so far.
func (f *Feed[K, V]) Dropped() int64 {
	return f.dropped.Load()
}

// worker does the actual job.
func (f *Feed[K, V]) worker(ctx context.Context, s *Stream, handler func(model.ChangeEvent[K, V]), onClose func(err error)) {
	for raw := range s.sub.Changes() {
		ev, err := f.Normalize(raw)
		if err != nil {
			f.dropped.Add(1)
			f.logger.Warn("change dropped", "entity", f.entity.Name, "path", raw.Path, "type", raw.Type, "error", err)
			continue
		}

		handler(ev)
	}

	closedByOwner := ctx.Err() != nil
	err := s.sub.Err()
	// The stream is reported closed before onClose runs, so onClose observers can resubscribe
	close(s.doneCh)

	if closedByOwner {
		return
	}

	f.logger.Error("change stream terminated", "entity", f.entity.Name, "error", err)
	if onClose != nil {
		onClose(err)
	}
}

// Normalize converts a raw notification to a remote ChangeEvent.
// The key embedded into the document wins, the storage path segment is the fallback
// (and is back-filled into the value).
func (f *Feed[K, V]) Normalize(raw model.RawChange) (ev model.ChangeEvent[K, V], retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: panic: %v", ErrMalformed, r)
		}
	}()

	switch raw.Type {
	case model.DeleteOperationType:
		return f.deleteEvent(raw.Path)

	case model.UpsertOperationType:
		payload := bytes.TrimSpace(raw.Payload)
		if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
			// A null document is a removal
			return f.deleteEvent(raw.Path)
		}

		var value V
		if err := json.Unmarshal(payload, &value); err != nil {
			return ev, fmt.Errorf("%w: JSON unmarshal: %v", ErrMalformed, err)
		}

		key := value.GetKey()
		if model.IsZeroKey(key) {
			pathKey, err := f.entity.KeyFromPath(raw.Path)
			if err != nil {
				return ev, fmt.Errorf("%w: %v", ErrUnresolvedKey, err)
			}
			key = pathKey
			value = f.entity.WithKey(value, key)
		}

		return model.NewUpsertEvent[K](f.entity.Normalize(value, f.now()), model.RemoteOrigin), nil
	}

	return ev, fmt.Errorf("%w: unknown type %q", ErrMalformed, raw.Type)
}

func (f *Feed[K, V]) deleteEvent(path string) (model.ChangeEvent[K, V], error) {
	key, err := f.entity.KeyFromPath(path)
	if err != nil {
		return model.ChangeEvent[K, V]{}, fmt.Errorf("%w: %v", ErrUnresolvedKey, err)
	}

	return model.NewDeleteEvent[K, V](key, model.RemoteOrigin), nil
}

// Close unsubscribes and waits for the delivery goroutine to exit.
// Must not be called from the event handler.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.sub.Close()
	})
	<-s.doneCh
}

// Done is closed once the stream stops delivering events.
func (s *Stream) Done() <-chan struct{} {
	return s.doneCh
}

// Closed checks if the stream stopped delivering events.
func (s *Stream) Closed() bool {
	select {
	case <-s.doneCh:
		return true
	default:
		return false
	}
}

// New creates a new Feed object, now (optional) canonicalizes the records without a timestamp.
func New[K model.Key, V model.Record[K]](entity model.Entity[K, V], remote model.RemoteStore[K, V], logger *slog.Logger, now func() time.Time) (*Feed[K, V], error) {
	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("entity: %w", err)
	}
	if remote == nil {
		return nil, fmt.Errorf("%s: nil", "remote")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	return &Feed[K, V]{
		entity: entity,
		remote: remote,
		logger: logger,
		now:    now,
	}, nil
}
