package engine

import (
	"github.com/itiky/parcel-sync/model"
	"github.com/itiky/parcel-sync/storage"
)

// Projector derives the visible ordered sequence from the store items (ViewProjector).
// It is side-effect free: items are never modified and the store order is kept.
type Projector[K model.Key, V model.Record[K]] struct {
	entity model.Entity[K, V]
}

// Project returns the items passing role visibility, structured filters, date range and search text.
func (p Projector[K, V]) Project(items []storage.Item[K, V], state model.ViewState) []storage.Item[K, V] {
	matchText := model.NewTextMatcher(state.SearchText)

	view := make([]storage.Item[K, V], 0, len(items))
	for _, item := range items {
		if !p.entity.Visible(state.Session, item.Value) {
			continue
		}
		if !state.InRange(item.Value.GetTimestamp()) {
			continue
		}
		if !p.matchEquals(item.Value, state.Equals) {
			continue
		}
		if !matchText(p.entity.SearchFields(item.Value)) {
			continue
		}

		view = append(view, item)
	}

	return view
}

// matchEquals checks the structured filters, an unknown field never matches.
func (p Projector[K, V]) matchEquals(value V, equals map[string]string) bool {
	for name, expected := range equals {
		actual, ok := p.entity.Field(value, name)
		if !ok || actual != expected {
			return false
		}
	}

	return true
}

// NewProjector creates a new Projector object.
func NewProjector[K model.Key, V model.Record[K]](entity model.Entity[K, V]) Projector[K, V] {
	return Projector[K, V]{entity: entity}
}
