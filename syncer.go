package docsync

import (
	"sync"
)

// everything the remote store needs from the local side
type RemoteSyncer interface {
	TargetMetadataProvider
	ApplyRemoteEvent(event *RemoteEvent) error
	RejectListen(targetId int32, err error) error
	ApplySuccessfulWrite(result *MutationBatchResult) error
	RejectFailedWrite(batchId int64, err error) error
	// the next batch to send, nil when drained
	NextMutationBatch(afterBatchId int64) *MutationBatch
	// the credential changed; reset user-scoped state
	HandleUserChange() error
}

// data handling the bridge forwards to the local store / sync engine
type LocalStoreDelegate interface {
	HandleRemoteEvent(event *RemoteEvent) error
	HandleRejectedListen(targetId int32, err error) error
	HandleSuccessfulWrite(result *MutationBatchResult) error
	HandleFailedWrite(batchId int64, err error) error
	HandleUserChange() error
	IsLimboDocument(key DocumentKey) bool
}

// implements RemoteSyncer over a local store delegate. Owns the
// per-target remote key sets and the pending mutation queue.
type SyncerBridge struct {
	delegate LocalStoreDelegate
	queue    *mutationQueue

	stateLock  sync.Mutex
	remoteKeys map[int32]map[DocumentKey]bool
}

func NewSyncerBridge(delegate LocalStoreDelegate) *SyncerBridge {
	return &SyncerBridge{
		delegate:   delegate,
		queue:      newMutationQueue(),
		remoteKeys: map[int32]map[DocumentKey]bool{},
	}
}

// queues a batch for sending. Batch ids must be strictly ascending.
func (self *SyncerBridge) EnqueueBatch(batch *MutationBatch) error {
	return self.queue.Add(batch)
}

func (self *SyncerBridge) PendingBatchCount() int {
	return self.queue.QueueSize()
}

// restores remote keys for a target, e.g. from persistence
func (self *SyncerBridge) SeedRemoteKeys(targetId int32, keys map[DocumentKey]bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	seeded := map[DocumentKey]bool{}
	for key := range keys {
		seeded[key] = true
	}
	self.remoteKeys[targetId] = seeded
}

// the target was unlistened; drop its membership
func (self *SyncerBridge) RemoveTarget(targetId int32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.remoteKeys, targetId)
}

// TargetMetadataProvider

func (self *SyncerBridge) RemoteKeysForTarget(targetId int32) map[DocumentKey]bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	keys := map[DocumentKey]bool{}
	for key := range self.remoteKeys[targetId] {
		keys[key] = true
	}
	return keys
}

func (self *SyncerBridge) IsLimboDocument(key DocumentKey) bool {
	return self.delegate.IsLimboDocument(key)
}

// RemoteSyncer

func (self *SyncerBridge) ApplyRemoteEvent(event *RemoteEvent) error {
	self.stateLock.Lock()
	for targetId := range event.TargetResets {
		self.remoteKeys[targetId] = map[DocumentKey]bool{}
	}
	for targetId := range event.TargetMismatches {
		self.remoteKeys[targetId] = map[DocumentKey]bool{}
	}
	for targetId, targetChange := range event.TargetChanges {
		keys, ok := self.remoteKeys[targetId]
		if !ok {
			keys = map[DocumentKey]bool{}
			self.remoteKeys[targetId] = keys
		}
		for key := range targetChange.AddedDocuments {
			keys[key] = true
		}
		for key := range targetChange.RemovedDocuments {
			delete(keys, key)
		}
	}
	self.stateLock.Unlock()

	return self.delegate.HandleRemoteEvent(event)
}

func (self *SyncerBridge) RejectListen(targetId int32, err error) error {
	self.RemoveTarget(targetId)
	return self.delegate.HandleRejectedListen(targetId, err)
}

func (self *SyncerBridge) ApplySuccessfulWrite(result *MutationBatchResult) error {
	self.queue.RemoveByBatchId(result.Batch.BatchId)
	return self.delegate.HandleSuccessfulWrite(result)
}

func (self *SyncerBridge) RejectFailedWrite(batchId int64, err error) error {
	self.queue.RemoveByBatchId(batchId)
	return self.delegate.HandleFailedWrite(batchId, err)
}

func (self *SyncerBridge) NextMutationBatch(afterBatchId int64) *MutationBatch {
	return self.queue.NextAfter(afterBatchId)
}

func (self *SyncerBridge) HandleUserChange() error {
	return self.delegate.HandleUserChange()
}
