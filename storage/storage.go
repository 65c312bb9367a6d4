package storage

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/itiky/parcel-sync/model"
)

type (
	// Storage keeps Item elements alongside the sorted list view (RecordStore).
	// The key map and the list always hold the same set of items.
	// Storage is not safe for concurrent use: the owning engine serializes all the calls.
	Storage[K model.Key, V model.Record[K]] struct {
		entity      model.Entity[K, V]
		now         func() time.Time
		list        []*Item[K, V]
		idDataMatch map[K]*Item[K, V]
		lastSeq     uint64
		lastRev     uint64
	}
)

// String implements stringer interface.
func (s *Storage[K, V]) String() string {
	str := strings.Builder{}
	for i, item := range s.list {
		str.WriteString(fmt.Sprintf("- [%d] %v %s (seq %d, r%d)\n", i, item.Key, item.Value.GetTimestamp().Format(time.RFC3339), item.Seq, item.Revision))
	}

	return str.String()
}

// Len returns the number of records.
func (s *Storage[K, V]) Len() int {
	return len(s.list)
}

// Get returns the record by key.
func (s *Storage[K, V]) Get(key K) (V, bool) {
	item, found := s.idDataMatch[key]
	if !found {
		var zero V
		return zero, false
	}

	return item.Value, true
}

// Items returns a copy of the ordered items.
func (s *Storage[K, V]) Items() []Item[K, V] {
	items := make([]Item[K, V], 0, len(s.list))
	for _, item := range s.list {
		items = append(items, *item)
	}

	return items
}

// Values returns the ordered records.
func (s *Storage[K, V]) Values() []V {
	values := make([]V, 0, len(s.list))
	for _, item := range s.list {
		values = append(values, item.Value)
	}

	return values
}

// Export builds a model.ViewList snapshot of the whole store.
func (s *Storage[K, V]) Export() model.ViewList {
	list := make(model.ViewList, 0, len(s.list))
	for _, item := range s.list {
		list = append(list, item.ListItem())
	}

	return list
}

// ApplyOperations updates storage state with Operation list and returns list operations performed.
// The operations describe the whole store list (not a filtered view): store level consumers
// (renderers of the unfiltered list, tests) replay them with model.ApplyListOperations.
// An empty result means the store is unchanged.
func (s *Storage[K, V]) ApplyOperations(ops ...Operation[K, V]) []model.ListOperation {
	listOps := make([]model.ListOperation, 0, len(ops))

	for _, op := range ops {
		if op == nil {
			continue
		}

		if listOp := op.Apply(s); listOp != nil {
			listOps = append(listOps, *listOp)
		}
	}

	return listOps
}

// Replace drops the current state and loads the bulk fetch result.
// Records are canonicalized, keys are back-filled from the map keys.
// The returned operations (delete all, insert all) follow the ApplyOperations contract.
func (s *Storage[K, V]) Replace(values map[K]V, origin model.Origin) []model.ListOperation {
	listOps := make([]model.ListOperation, 0, len(s.list)+len(values))
	for i := len(s.list) - 1; i >= 0; i-- {
		listOps = append(listOps, model.ListOperation{
			Type:  model.DeleteOperationType,
			Id:    model.KeyString(s.list[i].Key),
			Index: i,
		})
	}

	// Keys are enumerated in order so that timestamp ties are resolved deterministically
	keys := make([]K, 0, len(values))
	for key := range values {
		if model.IsZeroKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	now := s.now()
	s.list = make([]*Item[K, V], 0, len(keys))
	s.idDataMatch = make(map[K]*Item[K, V], len(keys))
	for _, key := range keys {
		s.lastSeq++
		s.lastRev++
		item := newStorageItem(key, s.canonical(key, values[key]), s.lastSeq, s.lastRev, origin, now)
		s.idDataMatch[key] = item
		s.list = append(s.list, item)
	}
	sort.SliceStable(s.list, func(i, j int) bool {
		return s.list[i].before(s.list[j])
	})

	for i, item := range s.list {
		listOps = append(listOps, model.ListOperation{
			Type:     model.InsertOperationType,
			Id:       model.KeyString(item.Key),
			Index:    i,
			Revision: item.Revision,
		})
	}

	return listOps
}

// canonical normalizes the record and back-fills its key.
func (s *Storage[K, V]) canonical(key K, value V) V {
	if value.GetKey() != key {
		value = s.entity.WithKey(value, key)
	}

	return s.entity.Normalize(value, s.now())
}

// set creates a new / replaces an existing Item while updating the sorted list index state.
// The later write always wins wholesale. Re-applying the stored value is a no-op (nil is returned).
func (s *Storage[K, V]) set(key K, value V, origin model.Origin) *model.ListOperation {
	value = s.canonical(key, value)

	item, found := s.idDataMatch[key]
	if found && reflect.DeepEqual(item.Value, value) {
		return nil
	}

	now := s.now()
	s.lastRev++
	if !found {
		// Add a new Item
		s.lastSeq++
		item = newStorageItem(key, value, s.lastSeq, s.lastRev, origin, now)
		s.idDataMatch[key] = item

		// Insert
		itemIdxToInsert := s.findItemIdxLTTarget(item)
		s.list = append(s.list, nil)
		copy(s.list[itemIdxToInsert+1:], s.list[itemIdxToInsert:])
		s.list[itemIdxToInsert] = item

		return &model.ListOperation{
			Type:     model.InsertOperationType,
			Id:       model.KeyString(key),
			Index:    itemIdxToInsert,
			Revision: item.Revision,
		}
	}

	// Replace an existing item (the timestamp might change, so we have to cut/insert)
	// Cut
	itemIdxToCut := s.findItemIdx(item)
	s.list = append(s.list[:itemIdxToCut], s.list[itemIdxToCut+1:]...)

	// Update
	item.Value = value
	item.Revision = s.lastRev
	item.Origin, item.UpdatedAt = origin, now

	// Insert
	itemIdxToInsert := s.findItemIdxLTTarget(item)
	s.list = append(s.list, nil)
	copy(s.list[itemIdxToInsert+1:], s.list[itemIdxToInsert:])
	s.list[itemIdxToInsert] = item

	return &model.ListOperation{
		Type:     model.UpdateOperationType,
		Id:       model.KeyString(key),
		Index:    itemIdxToCut,
		NewIndex: itemIdxToInsert,
		Revision: item.Revision,
	}
}

// delete removes an existing Item while updating the sorted list index state.
// Deleting an unknown key is a no-op.
func (s *Storage[K, V]) delete(key K) *model.ListOperation {
	item, found := s.idDataMatch[key]
	if !found {
		return nil
	}

	// Cut
	itemIdx := s.findItemIdx(item)
	s.list = append(s.list[:itemIdx], s.list[itemIdx+1:]...)
	delete(s.idDataMatch, key)

	return &model.ListOperation{
		Type:  model.DeleteOperationType,
		Id:    model.KeyString(key),
		Index: itemIdx,
	}
}

// findItemIdxLTTarget used by set/delete funcs: returns the leftmost index the item can be placed at.
func (s *Storage[K, V]) findItemIdxLTTarget(item *Item[K, V]) int {
	return sort.Search(len(s.list), func(i int) bool {
		return !s.list[i].before(item)
	})
}

// findItemIdx used by set/delete funcs: returns the specified item index.
// Panics on failure (should not happen as the order is total).
func (s *Storage[K, V]) findItemIdx(item *Item[K, V]) int {
	itemIdx := s.findItemIdxLTTarget(item)
	if itemIdx == len(s.list) {
		panic("item not found: LT target")
	}
	if s.list[itemIdx] != item {
		panic("item not found: by key")
	}

	return itemIdx
}

// NewStorage creates a new empty Storage object.
func NewStorage[K model.Key, V model.Record[K]](entity model.Entity[K, V], now func() time.Time) *Storage[K, V] {
	if now == nil {
		now = time.Now
	}

	return &Storage[K, V]{
		entity:      entity,
		now:         now,
		idDataMatch: make(map[K]*Item[K, V]),
	}
}
