package model

import (
	"time"
)

type (
	// Key is a record identifier: an integer or a string, unique within one entity namespace.
	// The zero value means "no key".
	Key interface {
		~int | ~string
	}

	// Record is implemented by every entity value handled by the engine.
	Record[K Key] interface {
		GetKey() K
		GetTimestamp() time.Time
	}
)

type OperationType string

const (
	UpsertOperationType OperationType = "upsert"
	DeleteOperationType OperationType = "delete"

	// View list operation types.
	InsertOperationType OperationType = "insert"
	UpdateOperationType OperationType = "update"
)

// Origin tells where a ChangeEvent came from.
type Origin string

const (
	RemoteOrigin Origin = "remote"
	LocalOrigin  Origin = "local"
)

// IsZeroKey checks if the key is not assigned.
func IsZeroKey[K Key](k K) bool {
	var zero K
	return k == zero
}
