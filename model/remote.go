package model

import (
	"context"
	"errors"
)

// ErrKeyExists is returned by RemoteStore.Create when the key is already taken.
var ErrKeyExists = errors.New("key already exists")

type (
	// RemoteStore is the remote document store collaborator for one entity type.
	RemoteStore[K Key, V Record[K]] interface {
		// BulkFetch reads all the entity documents (used once per screen activation).
		BulkFetch(ctx context.Context) (map[K]V, error)
		// FetchOne reads a single document, found is false if it doesn't exist.
		FetchOne(ctx context.Context, key K) (value V, found bool, err error)
		// Subscribe opens the push notification stream.
		Subscribe(ctx context.Context) (Subscription, error)
		// Write puts the document (full replace).
		Write(ctx context.Context, key K, value V) error
		// Delete removes the document, no-op if it doesn't exist.
		Delete(ctx context.Context, key K) error
		// Create puts the document only if the key is not taken yet.
		Create(ctx context.Context, key K, value V) error
	}

	// Subscription is a live remote change stream.
	Subscription interface {
		// Changes is closed when the stream terminates
		Changes() <-chan RawChange
		// Err returns the termination reason (nil for a regular Close)
		Err() error
		// Close unsubscribes
		Close() error
	}
)
