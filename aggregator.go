package docsync

import (
	"time"
)

// answers what the local store already knows about a target, so the
// aggregator can distinguish added from modified documents and spot
// existence filter divergence.
type TargetMetadataProvider interface {
	// document keys known to be remote members of the target
	RemoteKeysForTarget(targetId int32) map[DocumentKey]bool
	// whether the key is currently tracked for limbo resolution
	IsLimboDocument(key DocumentKey) bool
}

// per-target effect of one remote event
type TargetChange struct {
	ResumeToken       []byte
	Current           bool
	AddedDocuments    map[DocumentKey]bool
	ModifiedDocuments map[DocumentKey]bool
	RemovedDocuments  map[DocumentKey]bool
}

// a consistent snapshot of accumulated watch changes, emitted at a
// snapshot boundary
type RemoteEvent struct {
	SnapshotVersion time.Time
	TargetChanges   map[int32]*TargetChange
	// targets the server reset; their prior membership no longer holds
	TargetResets map[int32]bool
	// targets whose existence filter diverged; re-listen from scratch
	TargetMismatches map[int32]bool
	// authoritative document versions, tombstones included
	DocumentUpdates map[DocumentKey]*Document
	// limbo documents this event resolves
	ResolvedLimboDocuments map[DocumentKey]bool
}

type aggregatorTargetState struct {
	// outstanding addTarget requests; `current` is withheld until the
	// server has acknowledged all of them
	pendingResponses int
	resumeToken      []byte
	current          bool
	hasChanges       bool

	added    map[DocumentKey]bool
	modified map[DocumentKey]bool
	removed  map[DocumentKey]bool
}

func newAggregatorTargetState() *aggregatorTargetState {
	return &aggregatorTargetState{
		added:    map[DocumentKey]bool{},
		modified: map[DocumentKey]bool{},
		removed:  map[DocumentKey]bool{},
	}
}

func (self *aggregatorTargetState) clearChanges() {
	self.hasChanges = false
	self.added = map[DocumentKey]bool{}
	self.modified = map[DocumentKey]bool{}
	self.removed = map[DocumentKey]bool{}
}

// accumulates watch changes between snapshot boundaries and turns
// them into RemoteEvents. Owned by the remote store; not safe for
// concurrent use.
type WatchChangeAggregator struct {
	provider TargetMetadataProvider

	targetStates map[int32]*aggregatorTargetState
	// membership view per target, seeded from the provider and
	// adjusted by buffered changes
	targetDocuments map[int32]map[DocumentKey]bool

	pendingDocumentUpdates map[DocumentKey]*Document
	pendingTargetResets    map[int32]bool
	pendingMismatches      map[int32]bool
	pendingResolvedLimbo   map[DocumentKey]bool
}

func NewWatchChangeAggregator(provider TargetMetadataProvider) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		provider:               provider,
		targetStates:           map[int32]*aggregatorTargetState{},
		targetDocuments:        map[int32]map[DocumentKey]bool{},
		pendingDocumentUpdates: map[DocumentKey]*Document{},
		pendingTargetResets:    map[int32]bool{},
		pendingMismatches:      map[int32]bool{},
		pendingResolvedLimbo:   map[DocumentKey]bool{},
	}
}

func (self *WatchChangeAggregator) targetState(targetId int32) *aggregatorTargetState {
	state, ok := self.targetStates[targetId]
	if !ok {
		state = newAggregatorTargetState()
		self.targetStates[targetId] = state
	}
	return state
}

func (self *WatchChangeAggregator) membership(targetId int32) map[DocumentKey]bool {
	documents, ok := self.targetDocuments[targetId]
	if !ok {
		documents = map[DocumentKey]bool{}
		for key := range self.provider.RemoteKeysForTarget(targetId) {
			documents[key] = true
		}
		self.targetDocuments[targetId] = documents
	}
	return documents
}

// an addTarget request went out for the target
func (self *WatchChangeAggregator) RecordPendingTargetRequest(targetId int32) {
	self.targetState(targetId).pendingResponses += 1
}

// the target was unwatched; drop its accumulated state
func (self *WatchChangeAggregator) RemoveTarget(targetId int32) {
	delete(self.targetStates, targetId)
	delete(self.targetDocuments, targetId)
}

func (self *WatchChangeAggregator) HandleWatchChange(change WatchChange) {
	switch c := change.(type) {
	case *WatchTargetChange:
		self.handleTargetChange(c)
	case *WatchDocumentChange:
		for _, targetId := range c.UpdatedTargetIds {
			self.addDocumentToTarget(targetId, c.Document.Key)
		}
		for _, targetId := range c.RemovedTargetIds {
			self.removeDocumentFromTarget(targetId, c.Document.Key)
		}
		self.recordDocumentUpdate(c.Document)
	case *WatchDocumentDelete:
		for _, targetId := range c.RemovedTargetIds {
			self.removeDocumentFromTarget(targetId, c.Key)
		}
		self.recordDocumentUpdate(&Document{
			Key:      c.Key,
			ReadTime: c.ReadTime,
		})
	case *WatchDocumentRemove:
		// membership change only; the document may still exist
		for _, targetId := range c.RemovedTargetIds {
			self.removeDocumentFromTarget(targetId, c.Key)
		}
	case *WatchExistenceFilter:
		self.handleExistenceFilter(c)
	}
}

func (self *WatchChangeAggregator) handleTargetChange(change *WatchTargetChange) {
	targetIds := change.TargetIds
	if len(targetIds) == 0 {
		// an empty id list addresses every active target
		for targetId := range self.targetStates {
			targetIds = append(targetIds, targetId)
		}
	}
	for _, targetId := range targetIds {
		state := self.targetState(targetId)
		switch change.State {
		case TargetNoChange:
		case TargetAdd:
			if 0 < state.pendingResponses {
				state.pendingResponses -= 1
			}
		case TargetRemove:
			self.RemoveTarget(targetId)
			continue
		case TargetCurrent:
			state.current = true
			state.hasChanges = true
		case TargetReset:
			self.resetTarget(targetId)
			self.pendingTargetResets[targetId] = true
		}
		if len(change.ResumeToken) != 0 {
			state.resumeToken = change.ResumeToken
		}
	}
}

func (self *WatchChangeAggregator) handleExistenceFilter(filter *WatchExistenceFilter) {
	documents := self.membership(filter.TargetId)
	if int(filter.Count) != len(documents) {
		// the server and local view diverged. Reset and re-listen
		// without a resume token.
		self.resetTarget(filter.TargetId)
		self.pendingMismatches[filter.TargetId] = true
	}
}

// marks every known member removed and clears the resume token, so
// the target is rebuilt from a fresh listen
func (self *WatchChangeAggregator) resetTarget(targetId int32) {
	state := self.targetState(targetId)
	documents := self.membership(targetId)
	state.clearChanges()
	for key := range documents {
		state.removed[key] = true
	}
	state.hasChanges = true
	state.current = false
	state.resumeToken = nil
	self.targetDocuments[targetId] = map[DocumentKey]bool{}
}

func (self *WatchChangeAggregator) addDocumentToTarget(targetId int32, key DocumentKey) {
	state := self.targetState(targetId)
	documents := self.membership(targetId)
	if documents[key] {
		state.modified[key] = true
	} else {
		documents[key] = true
		state.added[key] = true
	}
	delete(state.removed, key)
	state.hasChanges = true
}

func (self *WatchChangeAggregator) removeDocumentFromTarget(targetId int32, key DocumentKey) {
	state := self.targetState(targetId)
	documents := self.membership(targetId)
	delete(documents, key)
	if state.added[key] {
		// added and removed within the same event cancel out
		delete(state.added, key)
	} else {
		state.removed[key] = true
	}
	delete(state.modified, key)
	state.hasChanges = true
}

func (self *WatchChangeAggregator) recordDocumentUpdate(doc *Document) {
	self.pendingDocumentUpdates[doc.Key] = doc
	// any authoritative version, tombstones included, resolves limbo
	if self.provider.IsLimboDocument(doc.Key) {
		self.pendingResolvedLimbo[doc.Key] = true
	}
}

// drains the accumulated changes into one consistent RemoteEvent at a
// snapshot boundary
func (self *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion time.Time) *RemoteEvent {
	targetChanges := map[int32]*TargetChange{}
	for targetId, state := range self.targetStates {
		if !state.hasChanges {
			continue
		}
		targetChanges[targetId] = &TargetChange{
			ResumeToken:       state.resumeToken,
			Current:           state.current && state.pendingResponses == 0,
			AddedDocuments:    state.added,
			ModifiedDocuments: state.modified,
			RemovedDocuments:  state.removed,
		}
		state.added = map[DocumentKey]bool{}
		state.modified = map[DocumentKey]bool{}
		state.removed = map[DocumentKey]bool{}
		state.hasChanges = false
	}

	event := &RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetResets:           self.pendingTargetResets,
		TargetMismatches:       self.pendingMismatches,
		DocumentUpdates:        self.pendingDocumentUpdates,
		ResolvedLimboDocuments: self.pendingResolvedLimbo,
	}
	self.pendingDocumentUpdates = map[DocumentKey]*Document{}
	self.pendingTargetResets = map[int32]bool{}
	self.pendingMismatches = map[int32]bool{}
	self.pendingResolvedLimbo = map[DocumentKey]bool{}
	return event
}

// whether anything has accumulated since the last event
func (self *WatchChangeAggregator) HasPendingChanges() bool {
	if 0 < len(self.pendingDocumentUpdates) || 0 < len(self.pendingTargetResets) || 0 < len(self.pendingMismatches) {
		return true
	}
	for _, state := range self.targetStates {
		if state.hasChanges {
			return true
		}
	}
	return false
}
