package remote

import (
	"context"
	"sync"

	"github.com/itiky/parcel-sync/model"
)

// Method names used by MemStore.SetFailure.
const (
	MethodGetAll = "getAll"
	MethodGet    = "get"
	MethodPut    = "put"
	MethodInsert = "insert"
	MethodDelete = "delete"
	MethodWatch  = "watch"
)

// MemStore is an in-process DocumentStore.
// It pushes changes to watchers synchronously with the write and supports failure injection.
type MemStore struct {
	sync.Mutex
	nodes    map[string]map[string][]byte
	watchers map[string]map[*subscription]struct{}
	failures map[string]error
	bufSize  int
	closed   bool
}

// GetAll implements DocumentStore interface.
func (m *MemStore) GetAll(ctx context.Context, node string) (map[string][]byte, error) {
	m.Lock()
	defer m.Unlock()

	if err := m.check(ctx, MethodGetAll); err != nil {
		return nil, err
	}

	docs := make(map[string][]byte, len(m.nodes[node]))
	for key, doc := range m.nodes[node] {
		docs[key] = copyBytes(doc)
	}

	return docs, nil
}

// Get implements DocumentStore interface.
func (m *MemStore) Get(ctx context.Context, node, key string) ([]byte, bool, error) {
	m.Lock()
	defer m.Unlock()

	if err := m.check(ctx, MethodGet); err != nil {
		return nil, false, err
	}

	doc, found := m.nodes[node][key]
	if !found {
		return nil, false, nil
	}

	return copyBytes(doc), true, nil
}

// Put implements DocumentStore interface.
func (m *MemStore) Put(ctx context.Context, node, key string, doc []byte) error {
	m.Lock()
	defer m.Unlock()

	if err := m.check(ctx, MethodPut); err != nil {
		return err
	}
	m.put(node, key, doc)

	return nil
}

// Insert implements DocumentStore interface.
func (m *MemStore) Insert(ctx context.Context, node, key string, doc []byte) error {
	m.Lock()
	defer m.Unlock()

	if err := m.check(ctx, MethodInsert); err != nil {
		return err
	}
	if _, found := m.nodes[node][key]; found {
		return model.ErrKeyExists
	}
	m.put(node, key, doc)

	return nil
}

// Delete implements DocumentStore interface.
func (m *MemStore) Delete(ctx context.Context, node, key string) error {
	m.Lock()
	defer m.Unlock()

	if err := m.check(ctx, MethodDelete); err != nil {
		return err
	}
	if _, found := m.nodes[node][key]; !found {
		return nil
	}

	delete(m.nodes[node], key)
	m.notify(node, model.RawChange{
		Type: model.DeleteOperationType,
		Path: node + "/" + key,
	})

	return nil
}

// Watch implements DocumentStore interface.
func (m *MemStore) Watch(ctx context.Context, node string) (model.Subscription, error) {
	m.Lock()
	defer m.Unlock()

	if err := m.check(ctx, MethodWatch); err != nil {
		return nil, err
	}

	var sub *subscription
	sub = newSubscription(ctx, m.bufSize, func() {
		m.Lock()
		defer m.Unlock()
		delete(m.watchers[node], sub)
	})

	if m.watchers[node] == nil {
		m.watchers[node] = make(map[*subscription]struct{})
	}
	m.watchers[node][sub] = struct{}{}

	return sub, nil
}

// Inject pushes a raw change to the node watchers without touching the documents.
// Used to emulate legacy or malformed notifications.
func (m *MemStore) Inject(node string, change model.RawChange) {
	m.Lock()
	defer m.Unlock()

	m.notify(node, change)
}

// Terminate ends all the node watch streams with err.
func (m *MemStore) Terminate(node string, err error) {
	m.Lock()
	subs := make([]*subscription, 0, len(m.watchers[node]))
	for sub := range m.watchers[node] {
		subs = append(subs, sub)
	}
	m.Unlock()

	for _, sub := range subs {
		sub.terminate(err)
	}
}

// Watchers returns the number of active node watch streams.
func (m *MemStore) Watchers(node string) int {
	m.Lock()
	defer m.Unlock()

	return len(m.watchers[node])
}

// SetFailure makes the method fail with err until it is reset with a nil err.
func (m *MemStore) SetFailure(method string, err error) {
	m.Lock()
	defer m.Unlock()

	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Close terminates all the watch streams, further calls fail with ErrClosed.
func (m *MemStore) Close() error {
	m.Lock()
	m.closed = true
	subs := make([]*subscription, 0)
	for _, nodeSubs := range m.watchers {
		for sub := range nodeSubs {
			subs = append(subs, sub)
		}
	}
	m.Unlock()

	for _, sub := range subs {
		sub.terminate(ErrClosed)
	}

	return nil
}

func (m *MemStore) check(ctx context.Context, method string) error {
	if m.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return m.failures[method]
}

func (m *MemStore) put(node, key string, doc []byte) {
	if m.nodes[node] == nil {
		m.nodes[node] = make(map[string][]byte)
	}
	m.nodes[node][key] = copyBytes(doc)

	m.notify(node, model.RawChange{
		Type:    model.UpsertOperationType,
		Path:    node + "/" + key,
		Payload: copyBytes(doc),
	})
}

// notify must be called with the lock held.
// Subscriptions overflowing their buffer are terminated asynchronously (terminate takes the lock).
func (m *MemStore) notify(node string, change model.RawChange) {
	for sub := range m.watchers[node] {
		sub.Lock()
		closed := sub.closed
		delivered := false
		if !closed {
			select {
			case sub.changesCh <- change:
				delivered = true
			default:
			}
		}
		sub.Unlock()

		if !closed && !delivered {
			go sub.terminate(ErrSlowConsumer)
		}
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)

	return c
}

// NewMemStore creates a new empty MemStore object.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:    make(map[string]map[string][]byte),
		watchers: make(map[string]map[*subscription]struct{}),
		failures: make(map[string]error),
		bufSize:  defaultSubscriptionBufSize,
	}
}
