package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/itiky/parcel-sync/model"
)

type (
	// Item keeps Storage element data.
	Item[K model.Key, V model.Record[K]] struct {
		Key   K
		Value V
		// Insertion sequence, breaks timestamp ties (newest first) and survives updates
		Seq uint64
		// Bumped on every upsert of the key
		Revision  uint64
		Origin    model.Origin
		UpdatedAt time.Time
	}
)

// String implements stringer interface.
func (i Item[K, V]) String() string {
	raw, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Sprintf("marshal: %v", err)
	}

	return string(raw)
}

// ListItem converts the Item to the view list representation.
func (i Item[K, V]) ListItem() model.ListItem {
	return model.ListItem{
		Id:       model.KeyString(i.Key),
		Revision: i.Revision,
	}
}

// before defines the Storage order: timestamp descending, then the latest insertion first.
func (i *Item[K, V]) before(other *Item[K, V]) bool {
	ts, otherTs := i.Value.GetTimestamp(), other.Value.GetTimestamp()
	if !ts.Equal(otherTs) {
		return ts.After(otherTs)
	}

	return i.Seq > other.Seq
}

// newStorageItem creates a new Item object (no validation as it is used internaly).
func newStorageItem[K model.Key, V model.Record[K]](key K, value V, seq, revision uint64, origin model.Origin, now time.Time) *Item[K, V] {
	return &Item[K, V]{
		Key:       key,
		Value:     value,
		Seq:       seq,
		Revision:  revision,
		Origin:    origin,
		UpdatedAt: now,
	}
}
