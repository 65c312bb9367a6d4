package model

import (
	"fmt"
)

type (
	// ChangeEvent is a normalized upsert/delete notification consumed by the engine.
	// Value is ignored for deletes.
	ChangeEvent[K Key, V Record[K]] struct {
		Type   OperationType
		Key    K
		Value  V
		Origin Origin
	}

	// RawChange is a push notification as delivered by the remote store.
	RawChange struct {
		Type OperationType
		// Storage path of the document ("Incidents/42")
		Path string
		// JSON document, nil for deletes
		Payload []byte
	}
)

// String implements the stringer interface.
func (e ChangeEvent[K, V]) String() string {
	return fmt.Sprintf("%s %s %v", e.Origin, e.Type, e.Key)
}

// Validate checks that the event can be applied.
func (e ChangeEvent[K, V]) Validate() error {
	switch e.Type {
	case UpsertOperationType, DeleteOperationType:
	default:
		return fmt.Errorf("%s: unknown type (%s)", "type", e.Type)
	}
	if IsZeroKey(e.Key) {
		return fmt.Errorf("%s: zero", "key")
	}
	switch e.Origin {
	case RemoteOrigin, LocalOrigin:
	default:
		return fmt.Errorf("%s: unknown origin (%s)", "origin", e.Origin)
	}

	return nil
}

// NewUpsertEvent creates an upsert event keyed by the value itself.
func NewUpsertEvent[K Key, V Record[K]](value V, origin Origin) ChangeEvent[K, V] {
	return ChangeEvent[K, V]{
		Type:   UpsertOperationType,
		Key:    value.GetKey(),
		Value:  value,
		Origin: origin,
	}
}

// NewDeleteEvent creates a delete event.
func NewDeleteEvent[K Key, V Record[K]](key K, origin Origin) ChangeEvent[K, V] {
	return ChangeEvent[K, V]{
		Type:   DeleteOperationType,
		Key:    key,
		Origin: origin,
	}
}
