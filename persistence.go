package docsync

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// durable snapshot of a target's sync progress
type TargetMetadata struct {
	TargetId        int32
	Query           *QueryDefinition
	ResumeToken     []byte
	SnapshotVersion time.Time
	Current         bool
	RemoteKeys      []DocumentKey
}

// storage capability for sync state. Media-specific implementations
// plug in here; the bundled one is in-memory.
type Persistence interface {
	SaveTargetMetadata(metadata *TargetMetadata) error
	ClearTargetMetadata(targetId int32) error
	SaveBatch(batch *MutationBatch) error
	ClearBatch(batchId int64) error
	Load() (targets []*TargetMetadata, batches []*MutationBatch, err error)
}

type MemoryPersistence struct {
	stateLock sync.Mutex
	targets   map[int32]*TargetMetadata
	batches   map[int64]*MutationBatch
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		targets: map[int32]*TargetMetadata{},
		batches: map[int64]*MutationBatch{},
	}
}

func (self *MemoryPersistence) SaveTargetMetadata(metadata *TargetMetadata) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.targets[metadata.TargetId] = metadata
	return nil
}

func (self *MemoryPersistence) ClearTargetMetadata(targetId int32) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.targets, targetId)
	return nil
}

func (self *MemoryPersistence) SaveBatch(batch *MutationBatch) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.batches[batch.BatchId] = batch
	return nil
}

func (self *MemoryPersistence) ClearBatch(batchId int64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.batches, batchId)
	return nil
}

func (self *MemoryPersistence) Load() ([]*TargetMetadata, []*MutationBatch, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	targetIds := maps.Keys(self.targets)
	slices.Sort(targetIds)
	targets := make([]*TargetMetadata, 0, len(targetIds))
	for _, targetId := range targetIds {
		targets = append(targets, self.targets[targetId])
	}

	batchIds := maps.Keys(self.batches)
	slices.Sort(batchIds)
	batches := make([]*MutationBatch, 0, len(batchIds))
	for _, batchId := range batchIds {
		batches = append(batches, self.batches[batchId])
	}
	return targets, batches, nil
}
