package docsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type queryListenerFunc func(snapshot *ViewSnapshot)

type localTarget struct {
	targetId int32
	// exactly one of query / documents is set
	query     *QueryDefinition
	documents []DocumentKey

	resumeToken     []byte
	snapshotVersion time.Time
	current         bool
	remoteKeys      map[DocumentKey]bool

	listeners map[Id]queryListenerFunc

	// last emitted view state, for diffing
	emitted       bool
	lastDocs      []*DocumentSnapshot
	lastFromCache bool
	lastPending   bool
}

// the offline-capable document state: server versions, pending write
// overlays, per-target sync metadata, limbo tracking, and query
// listeners.
type LocalStore struct {
	persistence Persistence

	stateLock sync.Mutex
	// server versions; Fields == nil entries are known tombstones
	documents map[DocumentKey]*Document
	// unacknowledged batches, ascending by batch id
	pendingBatches []*MutationBatch
	targets        map[int32]*localTarget
	// documents in an inconsistent membership state, pending an
	// auxiliary listen
	limboDocuments map[DocumentKey]bool
	// target metadata restored from persistence, consumed on register
	restoredTargets map[string]*TargetMetadata
}

func NewLocalStore(persistence Persistence) (*LocalStore, error) {
	store := &LocalStore{
		persistence:     persistence,
		documents:       map[DocumentKey]*Document{},
		targets:         map[int32]*localTarget{},
		limboDocuments:  map[DocumentKey]bool{},
		restoredTargets: map[string]*TargetMetadata{},
	}
	if persistence != nil {
		targets, batches, err := persistence.Load()
		if err != nil {
			return nil, err
		}
		for _, metadata := range targets {
			if metadata.Query != nil {
				store.restoredTargets[metadata.Query.CanonicalId()] = metadata
			}
		}
		store.pendingBatches = slices.Clone(batches)
		slices.SortFunc(store.pendingBatches, func(a *MutationBatch, b *MutationBatch) int {
			return int(a.BatchId - b.BatchId)
		})
	}
	return store, nil
}

// pending batches surviving a restart, to re-seed the send queue
func (self *LocalStore) PendingBatches() []*MutationBatch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.pendingBatches)
}

// restored sync progress for the query, if any
func (self *LocalStore) RestoredTargetMetadata(query *QueryDefinition) *TargetMetadata {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.restoredTargets[query.CanonicalId()]
}

// targets

func (self *LocalStore) RegisterQueryTarget(targetId int32, query *QueryDefinition) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	target := &localTarget{
		targetId:   targetId,
		query:      query,
		remoteKeys: map[DocumentKey]bool{},
		listeners:  map[Id]queryListenerFunc{},
	}
	if metadata, ok := self.restoredTargets[query.CanonicalId()]; ok {
		target.resumeToken = metadata.ResumeToken
		target.snapshotVersion = metadata.SnapshotVersion
		for _, key := range metadata.RemoteKeys {
			target.remoteKeys[key] = true
		}
		delete(self.restoredTargets, query.CanonicalId())
	}
	self.targets[targetId] = target
}

func (self *LocalStore) RegisterDocumentTarget(targetId int32, keys []DocumentKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.targets[targetId] = &localTarget{
		targetId:   targetId,
		documents:  slices.Clone(keys),
		remoteKeys: map[DocumentKey]bool{},
		listeners:  map[Id]queryListenerFunc{},
	}
}

func (self *LocalStore) RemoveTarget(targetId int32) {
	self.stateLock.Lock()
	delete(self.targets, targetId)
	self.stateLock.Unlock()
	if self.persistence != nil {
		self.persistence.ClearTargetMetadata(targetId)
	}
}

func (self *LocalStore) TargetResumeToken(targetId int32) []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if target, ok := self.targets[targetId]; ok {
		return slices.Clone(target.resumeToken)
	}
	return nil
}

func (self *LocalStore) RemoteKeysForTarget(targetId int32) map[DocumentKey]bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	keys := map[DocumentKey]bool{}
	if target, ok := self.targets[targetId]; ok {
		for key := range target.remoteKeys {
			keys[key] = true
		}
	}
	return keys
}

// listeners

// registers a view listener on the target. The listener immediately
// receives the current snapshot (from cache until the target is
// current).
func (self *LocalStore) AddListener(targetId int32, listener queryListenerFunc) (Id, error) {
	self.stateLock.Lock()
	target, ok := self.targets[targetId]
	if !ok || target.query == nil {
		self.stateLock.Unlock()
		return Id{}, fmt.Errorf("no query target %d", targetId)
	}
	listenerId := NewId()
	target.listeners[listenerId] = listener

	snapshot := self.buildViewSnapshot(target, true)
	self.stateLock.Unlock()

	if snapshot != nil {
		// the new listener has no baseline: every current document is
		// an added change
		initial := *snapshot
		initial.Changes = diffViewDocuments(nil, snapshot.Documents)
		initial.SyncStateChanged = true
		listener(&initial)
	}
	return listenerId, nil
}

func (self *LocalStore) RemoveListener(targetId int32, listenerId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if target, ok := self.targets[targetId]; ok {
		delete(target.listeners, listenerId)
	}
}

func (self *LocalStore) ListenerCount(targetId int32) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if target, ok := self.targets[targetId]; ok {
		return len(target.listeners)
	}
	return 0
}

// writes

// records a batch locally. Overlays apply to views immediately; the
// batch stays pending until acknowledged or rejected.
func (self *LocalStore) EnqueueBatch(batch *MutationBatch) error {
	for _, mutation := range batch.Mutations {
		if err := mutation.Validate(); err != nil {
			return err
		}
	}

	self.stateLock.Lock()
	if 0 < len(self.pendingBatches) && batch.BatchId <= self.pendingBatches[len(self.pendingBatches)-1].BatchId {
		self.stateLock.Unlock()
		return fmt.Errorf("batch id %d is not ascending", batch.BatchId)
	}
	// the batch becomes visible to views only once it is durable
	if self.persistence != nil {
		if err := self.persistence.SaveBatch(batch); err != nil {
			self.stateLock.Unlock()
			return err
		}
	}
	self.pendingBatches = append(self.pendingBatches, batch)
	emits := self.collectEmits()
	self.stateLock.Unlock()

	glog.V(1).Infof("%senqueue batch %d (%d writes)\n", logTagSync, batch.BatchId, len(batch.Mutations))
	deliver(emits)
	return nil
}

// the server committed the batch. Its effect moves from the overlay
// into the cached base version.
func (self *LocalStore) AcknowledgeBatch(result *MutationBatchResult) error {
	self.stateLock.Lock()
	batch := self.removeBatch(result.Batch.BatchId)
	if batch != nil {
		for i, mutation := range batch.Mutations {
			var writeResult *WriteResult
			if i < len(result.WriteResults) {
				writeResult = result.WriteResults[i]
			}
			base := self.documents[mutation.Key]
			self.documents[mutation.Key] = applyMutationResult(base, mutation, writeResult, result.CommitVersion)
		}
	}
	emits := self.collectEmits()
	self.stateLock.Unlock()

	if batch == nil {
		return fmt.Errorf("acknowledged unknown batch %d", result.Batch.BatchId)
	}
	if self.persistence != nil {
		if err := self.persistence.ClearBatch(batch.BatchId); err != nil {
			return err
		}
	}
	glog.V(1).Infof("%sack batch %d\n", logTagSync, batch.BatchId)
	deliver(emits)
	return nil
}

// the server permanently rejected the batch; its overlay is dropped
func (self *LocalStore) RejectBatch(batchId int64) error {
	self.stateLock.Lock()
	batch := self.removeBatch(batchId)
	emits := self.collectEmits()
	self.stateLock.Unlock()

	if batch == nil {
		return fmt.Errorf("rejected unknown batch %d", batchId)
	}
	if self.persistence != nil {
		if err := self.persistence.ClearBatch(batchId); err != nil {
			return err
		}
	}
	glog.Infof("%sreject batch %d\n", logTagSync, batchId)
	deliver(emits)
	return nil
}

func (self *LocalStore) removeBatch(batchId int64) *MutationBatch {
	for i, batch := range self.pendingBatches {
		if batch.BatchId == batchId {
			self.pendingBatches = append(self.pendingBatches[:i], self.pendingBatches[i+1:]...)
			return batch
		}
	}
	return nil
}

// remote events

// merges one consistent remote event. Returns keys newly entering
// limbo and keys the event resolved.
func (self *LocalStore) ApplyRemoteEvent(event *RemoteEvent) (newLimbo []DocumentKey, resolved []DocumentKey, err error) {
	self.stateLock.Lock()

	for key, doc := range event.DocumentUpdates {
		self.documents[key] = doc
		if self.limboDocuments[key] {
			// an authoritative version resolves limbo
			delete(self.limboDocuments, key)
			resolved = append(resolved, key)
		}
	}
	for key := range event.ResolvedLimboDocuments {
		if self.limboDocuments[key] {
			delete(self.limboDocuments, key)
			resolved = append(resolved, key)
		}
	}

	for targetId := range event.TargetResets {
		if target, ok := self.targets[targetId]; ok {
			target.remoteKeys = map[DocumentKey]bool{}
			target.resumeToken = nil
			target.current = false
		}
	}
	for targetId := range event.TargetMismatches {
		if target, ok := self.targets[targetId]; ok {
			target.remoteKeys = map[DocumentKey]bool{}
			target.resumeToken = nil
			target.current = false
		}
	}

	for targetId, targetChange := range event.TargetChanges {
		target, ok := self.targets[targetId]
		if !ok {
			continue
		}
		for key := range targetChange.AddedDocuments {
			target.remoteKeys[key] = true
		}
		for key := range targetChange.RemovedDocuments {
			delete(target.remoteKeys, key)
			// removed without a confirmed delete and unreferenced by
			// any other target: existence is in doubt
			if _, updated := event.DocumentUpdates[key]; !updated {
				if !self.referencedByAnyTarget(key) && !self.limboDocuments[key] {
					if doc, cached := self.documents[key]; cached && doc.Exists() {
						self.limboDocuments[key] = true
						newLimbo = append(newLimbo, key)
					}
				}
			}
		}
		if 0 < len(targetChange.ResumeToken) {
			target.resumeToken = targetChange.ResumeToken
		}
		if targetChange.Current {
			target.current = true
		}
		target.snapshotVersion = event.SnapshotVersion
	}

	metadatas := self.collectTargetMetadata(event)
	emits := self.collectEmits()
	self.stateLock.Unlock()

	if self.persistence != nil {
		for _, metadata := range metadatas {
			if err := self.persistence.SaveTargetMetadata(metadata); err != nil {
				return newLimbo, resolved, err
			}
		}
	}
	deliver(emits)
	return newLimbo, resolved, nil
}

func (self *LocalStore) referencedByAnyTarget(key DocumentKey) bool {
	for _, target := range self.targets {
		if target.remoteKeys[key] {
			return true
		}
	}
	return false
}

func (self *LocalStore) collectTargetMetadata(event *RemoteEvent) []*TargetMetadata {
	metadatas := []*TargetMetadata{}
	for targetId := range event.TargetChanges {
		target, ok := self.targets[targetId]
		if !ok || target.query == nil {
			continue
		}
		metadatas = append(metadatas, &TargetMetadata{
			TargetId:        targetId,
			Query:           target.query,
			ResumeToken:     slices.Clone(target.resumeToken),
			SnapshotVersion: target.snapshotVersion,
			Current:         target.current,
			RemoteKeys:      maps.Keys(target.remoteKeys),
		})
	}
	return metadatas
}

// limbo

func (self *LocalStore) IsLimboDocument(key DocumentKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.limboDocuments[key]
}

func (self *LocalStore) LimboDocuments() []DocumentKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.limboDocuments)
}

// reads

// the document as local code sees it: cached server version with
// pending overlays applied. Nil when existence is unknown.
func (self *LocalStore) GetDocument(key DocumentKey) *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	doc, _ := self.localView(key)
	return doc
}

// the base version plus every pending mutation for the key, applied
// in batch order
func (self *LocalStore) localView(key DocumentKey) (*Document, bool) {
	doc := self.documents[key]
	pending := false
	for _, batch := range self.pendingBatches {
		for _, mutation := range batch.Mutations {
			if mutation.Key == key {
				doc = applyMutation(doc, mutation, batch.LocalWriteTime)
				pending = true
			}
		}
	}
	return doc, pending
}

// views

type pendingEmit struct {
	listener queryListenerFunc
	snapshot *ViewSnapshot
}

func deliver(emits []pendingEmit) {
	for _, emit := range emits {
		emit.listener(emit.snapshot)
	}
}

// recomputes every listened view and collects the snapshots that
// changed. Called with the state lock held; delivery happens after
// release.
func (self *LocalStore) collectEmits() []pendingEmit {
	emits := []pendingEmit{}
	for _, target := range self.targets {
		if target.query == nil || len(target.listeners) == 0 {
			continue
		}
		snapshot := self.buildViewSnapshot(target, false)
		if snapshot == nil {
			continue
		}
		for _, listener := range target.listeners {
			emits = append(emits, pendingEmit{listener: listener, snapshot: snapshot})
		}
	}
	return emits
}

// builds the target's view snapshot, nil when nothing changed and
// `force` is false. Updates the target's last emitted state.
func (self *LocalStore) buildViewSnapshot(target *localTarget, force bool) *ViewSnapshot {
	// candidates: remote members, any key with a pending write in the
	// query's collection, and documents already in the view. An
	// acknowledged write is in neither of the first two sets until the
	// confirming watch broadcast arrives; it stays visible until the
	// server removes it or its version stops matching.
	candidates := map[DocumentKey]bool{}
	for key := range target.remoteKeys {
		candidates[key] = true
	}
	for _, batch := range self.pendingBatches {
		for _, mutation := range batch.Mutations {
			if target.query.MatchesKey(mutation.Key) {
				candidates[mutation.Key] = true
			}
		}
	}
	for _, doc := range target.lastDocs {
		candidates[doc.Key] = true
	}

	docs := []*Document{}
	pendingKeys := map[DocumentKey]bool{}
	for key := range candidates {
		doc, pending := self.localView(key)
		if doc == nil || !doc.Exists() {
			continue
		}
		docs = append(docs, doc)
		if pending {
			pendingKeys[key] = true
		}
	}
	docs = target.query.Apply(docs)

	snapshots := make([]*DocumentSnapshot, 0, len(docs))
	hasPendingWrites := false
	for _, doc := range docs {
		pending := pendingKeys[doc.Key]
		if pending {
			hasPendingWrites = true
		}
		snapshots = append(snapshots, &DocumentSnapshot{
			Key:              doc.Key,
			Fields:           doc.Fields,
			HasPendingWrites: pending,
		})
	}

	fromCache := !target.current
	syncStateChanged := !target.emitted || fromCache != target.lastFromCache
	changes := diffViewDocuments(target.lastDocs, snapshots)

	changed := !target.emitted ||
		0 < len(changes) ||
		syncStateChanged ||
		hasPendingWrites != target.lastPending
	if !changed && !force {
		return nil
	}

	target.emitted = true
	target.lastDocs = snapshots
	target.lastFromCache = fromCache
	target.lastPending = hasPendingWrites

	return &ViewSnapshot{
		Query:            target.query,
		Documents:        snapshots,
		Changes:          changes,
		FromCache:        fromCache,
		HasPendingWrites: hasPendingWrites,
		SyncStateChanged: syncStateChanged,
	}
}
