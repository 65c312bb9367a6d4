package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itiky/parcel-sync/model"
)

// ErrClosed is returned by a closed DocumentStore.
var ErrClosed = errors.New("document store closed")

const defaultSubscriptionBufSize = 1024

type (
	// DocumentStore is a push database keeping JSON documents by node and key.
	DocumentStore interface {
		GetAll(ctx context.Context, node string) (map[string][]byte, error)
		Get(ctx context.Context, node, key string) (doc []byte, found bool, err error)
		Put(ctx context.Context, node, key string, doc []byte) error
		// Insert puts the document only if the key is free (model.ErrKeyExists otherwise)
		Insert(ctx context.Context, node, key string, doc []byte) error
		Delete(ctx context.Context, node, key string) error
		// Watch streams the node changes committed after the call
		Watch(ctx context.Context, node string) (model.Subscription, error)
	}

	// Collection implements model.RemoteStore for one entity on top of a DocumentStore.
	Collection[K model.Key, V model.Record[K]] struct {
		entity model.Entity[K, V]
		docs   DocumentStore
		now    func() time.Time
		logger *slog.Logger
	}
)

// BulkFetch implements model.RemoteStore interface.
// Documents which can't be decoded or keyed are skipped.
func (c *Collection[K, V]) BulkFetch(ctx context.Context) (map[K]V, error) {
	docs, err := c.docs.GetAll(ctx, c.entity.Name)
	if err != nil {
		return nil, fmt.Errorf("%s: getAll: %w", c.entity.Name, err)
	}

	values := make(map[K]V, len(docs))
	for segment, doc := range docs {
		value, err := c.decode(segment, doc)
		if err != nil {
			c.logger.Warn("document skipped", "entity", c.entity.Name, "key", segment, "error", err)
			continue
		}
		values[value.GetKey()] = value
	}

	return values, nil
}

// FetchOne implements model.RemoteStore interface.
func (c *Collection[K, V]) FetchOne(ctx context.Context, key K) (V, bool, error) {
	var zero V

	if model.IsZeroKey(key) {
		return zero, false, nil
	}

	segment := model.KeyString(key)
	doc, found, err := c.docs.Get(ctx, c.entity.Name, segment)
	if err != nil {
		return zero, false, fmt.Errorf("%s: get(%s): %w", c.entity.Name, segment, err)
	}
	if !found {
		return zero, false, nil
	}

	value, err := c.decode(segment, doc)
	if err != nil {
		return zero, false, fmt.Errorf("%s: decode(%s): %w", c.entity.Name, segment, err)
	}

	return value, true, nil
}

// Subscribe implements model.RemoteStore interface.
func (c *Collection[K, V]) Subscribe(ctx context.Context) (model.Subscription, error) {
	sub, err := c.docs.Watch(ctx, c.entity.Name)
	if err != nil {
		return nil, fmt.Errorf("%s: watch: %w", c.entity.Name, err)
	}

	return sub, nil
}

// Write implements model.RemoteStore interface.
func (c *Collection[K, V]) Write(ctx context.Context, key K, value V) error {
	doc, err := c.encode(key, value)
	if err != nil {
		return err
	}

	if err := c.docs.Put(ctx, c.entity.Name, model.KeyString(key), doc); err != nil {
		return fmt.Errorf("%s: put(%v): %w", c.entity.Name, key, err)
	}

	return nil
}

// Delete implements model.RemoteStore interface.
func (c *Collection[K, V]) Delete(ctx context.Context, key K) error {
	if model.IsZeroKey(key) {
		return nil
	}

	if err := c.docs.Delete(ctx, c.entity.Name, model.KeyString(key)); err != nil {
		return fmt.Errorf("%s: delete(%v): %w", c.entity.Name, key, err)
	}

	return nil
}

// Create implements model.RemoteStore interface.
func (c *Collection[K, V]) Create(ctx context.Context, key K, value V) error {
	doc, err := c.encode(key, value)
	if err != nil {
		return err
	}

	if err := c.docs.Insert(ctx, c.entity.Name, model.KeyString(key), doc); err != nil {
		return fmt.Errorf("%s: insert(%v): %w", c.entity.Name, key, err)
	}

	return nil
}

// decode unmarshals the document, back-fills the key from the path segment and normalizes it.
func (c *Collection[K, V]) decode(segment string, doc []byte) (V, error) {
	var value V
	if err := json.Unmarshal(doc, &value); err != nil {
		return value, fmt.Errorf("JSON unmarshal: %w", err)
	}

	if model.IsZeroKey(value.GetKey()) {
		key, err := c.entity.KeyFromPath(segment)
		if err != nil {
			return value, err
		}
		value = c.entity.WithKey(value, key)
	}

	return c.entity.Normalize(value, c.now()), nil
}

// encode marshals the value keyed.
func (c *Collection[K, V]) encode(key K, value V) ([]byte, error) {
	if model.IsZeroKey(key) {
		return nil, fmt.Errorf("%s: zero", "key")
	}

	doc, err := json.Marshal(c.entity.WithKey(value, key))
	if err != nil {
		return nil, fmt.Errorf("JSON marshal: %w", err)
	}

	return doc, nil
}

// NewCollection creates a new Collection object.
func NewCollection[K model.Key, V model.Record[K]](entity model.Entity[K, V], docs DocumentStore, logger *slog.Logger) (*Collection[K, V], error) {
	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("entity: %w", err)
	}
	if docs == nil {
		return nil, fmt.Errorf("%s: nil", "docs")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Collection[K, V]{
		entity: entity,
		docs:   docs,
		now:    time.Now,
		logger: logger,
	}, nil
}
