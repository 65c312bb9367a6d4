package storage

import (
	"fmt"

	"github.com/itiky/parcel-sync/model"
)

type (
	// Operation is an operation performed on Storage to update its state.
	Operation[K model.Key, V model.Record[K]] interface {
		// Update the storage state
		Apply(s *Storage[K, V]) *model.ListOperation
		GetKey() K
		GetOrigin() model.Origin
	}

	// UpsertOperation implements Operation interface for insert/replace operation.
	UpsertOperation[K model.Key, V model.Record[K]] struct {
		Key    K
		Value  V
		Origin model.Origin
	}

	// DeleteOperation implements Operation interface for delete operation.
	DeleteOperation[K model.Key, V model.Record[K]] struct {
		Key    K
		Origin model.Origin
	}
)

// Apply implements Operation interface.
func (o UpsertOperation[K, V]) Apply(s *Storage[K, V]) *model.ListOperation {
	return s.set(o.Key, o.Value, o.Origin)
}

// GetKey implements Operation interface.
func (o UpsertOperation[K, V]) GetKey() K {
	return o.Key
}

// GetOrigin implements Operation interface.
func (o UpsertOperation[K, V]) GetOrigin() model.Origin {
	return o.Origin
}

// Apply implements Operation interface.
func (o DeleteOperation[K, V]) Apply(s *Storage[K, V]) *model.ListOperation {
	return s.delete(o.Key)
}

// GetKey implements Operation interface.
func (o DeleteOperation[K, V]) GetKey() K {
	return o.Key
}

// GetOrigin implements Operation interface.
func (o DeleteOperation[K, V]) GetOrigin() model.Origin {
	return o.Origin
}

// NewUpsertOperation creates a valid Operation object.
// A zero embedded value key is accepted (the storage back-fills it), a different one is not.
func NewUpsertOperation[K model.Key, V model.Record[K]](key K, value V, origin model.Origin) (UpsertOperation[K, V], error) {
	if model.IsZeroKey(key) {
		return UpsertOperation[K, V]{}, fmt.Errorf("%s: zero", "key")
	}
	if valueKey := value.GetKey(); !model.IsZeroKey(valueKey) && valueKey != key {
		return UpsertOperation[K, V]{}, fmt.Errorf("%s: mismatch (%v != %v)", "value.key", valueKey, key)
	}

	return UpsertOperation[K, V]{
		Key:    key,
		Value:  value,
		Origin: origin,
	}, nil
}

// NewDeleteOperation creates a valid Operation object.
func NewDeleteOperation[K model.Key, V model.Record[K]](key K, origin model.Origin) (DeleteOperation[K, V], error) {
	if model.IsZeroKey(key) {
		return DeleteOperation[K, V]{}, fmt.Errorf("%s: zero", "key")
	}

	return DeleteOperation[K, V]{
		Key:    key,
		Origin: origin,
	}, nil
}

// NewOperationFromEvent converts a model.ChangeEvent to Operation.
func NewOperationFromEvent[K model.Key, V model.Record[K]](ev model.ChangeEvent[K, V]) (Operation[K, V], error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("event: %w", err)
	}

	switch ev.Type {
	case model.UpsertOperationType:
		op, err := NewUpsertOperation(ev.Key, ev.Value, ev.Origin)
		if err != nil {
			return nil, err
		}
		return op, nil
	case model.DeleteOperationType:
		op, err := NewDeleteOperation[K, V](ev.Key, ev.Origin)
		if err != nil {
			return nil, err
		}
		return op, nil
	}

	return nil, fmt.Errorf("unsupported event type: %s", ev.Type)
}
