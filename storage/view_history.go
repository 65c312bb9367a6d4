package storage

import (
	"sync"

	"github.com/itiky/parcel-sync/model"
)

const defaultViewHistorySize = 256

type (
	// ViewHistory keeps the projected view versions so renderers can catch up incrementally
	// instead of clearing and re-adding the whole list.
	ViewHistory struct {
		sync.RWMutex
		// Versions (firstVersion..latestVersion), older ones are compacted
		versions []ViewVersion
		// Latest version view state
		view model.ViewList
		// The oldest version kept
		firstVersion int
		// The current view version
		latestVersion int
		// Max number of versions kept
		size int
	}

	ViewVersion struct {
		Version int
		// List operations to apply on the previous view version in order to upgrade it
		Operations []model.ListOperation
	}
)

// AddVersion diffs the next view with the latest one and adds a new version if anything changed.
// Returns the latest version and the operations added.
func (h *ViewHistory) AddVersion(next model.ViewList) (int, []model.ListOperation) {
	h.Lock()
	defer h.Unlock()

	ops := model.DiffLists(h.view, next)
	if len(ops) == 0 {
		return h.latestVersion, nil
	}

	nextCopy := make(model.ViewList, len(next))
	copy(nextCopy, next)
	h.view = nextCopy

	h.latestVersion++
	h.versions = append(h.versions, ViewVersion{
		Version:    h.latestVersion,
		Operations: ops,
	})

	// Compact
	if extra := len(h.versions) - h.size; extra > 0 {
		h.versions = append(h.versions[:0:0], h.versions[extra:]...)
		h.firstVersion = h.versions[0].Version
	}

	return h.latestVersion, ops
}

// GetDiffWithLatest returns the latest version and model.ListOperation objects
// for a renderer to apply on its local view in order to upgrade it to the latest one.
// ok is false if the version is unknown (compacted or from the future): the renderer must take a snapshot.
func (h *ViewHistory) GetDiffWithLatest(version int) (latest int, ops []model.ListOperation, ok bool) {
	h.RLock()
	defer h.RUnlock()

	if !h.isVersionValid(version) {
		return h.latestVersion, nil, false
	}

	diffOps := make([]model.ListOperation, 0)
	for _, v := range h.versions {
		if v.Version > version {
			diffOps = append(diffOps, v.Operations...)
		}
	}

	return h.latestVersion, diffOps, true
}

// GetSnapshot returns the latest view version and data.
func (h *ViewHistory) GetSnapshot() (int, model.ViewList) {
	h.RLock()
	defer h.RUnlock()

	view := make(model.ViewList, len(h.view))
	copy(view, h.view)

	return h.latestVersion, view
}

// LatestVersion returns the current view version.
func (h *ViewHistory) LatestVersion() int {
	h.RLock()
	defer h.RUnlock()

	return h.latestVersion
}

// isVersionValid checks if a renderer at this version can be upgraded with the kept operations.
func (h *ViewHistory) isVersionValid(version int) bool {
	if version > h.latestVersion {
		return false
	}
	if len(h.versions) == 0 {
		return version == h.latestVersion
	}

	return version >= h.firstVersion-1
}

// NewViewHistory creates a new empty ViewHistory object (version 0 is the empty view).
func NewViewHistory(size int) *ViewHistory {
	if size <= 0 {
		size = defaultViewHistorySize
	}

	return &ViewHistory{
		versions: make([]ViewVersion, 0),
		size:     size,
	}
}
