package docsync

import (
	"container/heap"
	"fmt"
	"sync"
)

type mutationQueueItem struct {
	batch *MutationBatch

	// the index of the item in the heap
	heapIndex int
}

// pending mutation batches ordered by batch id
type mutationQueue struct {
	orderedItems []*mutationQueueItem
	// batch_id -> item
	batchIdItems map[int64]*mutationQueueItem
	lastBatchId  int64
	stateLock    sync.Mutex
}

func newMutationQueue() *mutationQueue {
	queue := &mutationQueue{
		orderedItems: []*mutationQueueItem{},
		batchIdItems: map[int64]*mutationQueueItem{},
	}
	heap.Init(queue)
	return queue
}

func (self *mutationQueue) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

// batch ids must be strictly ascending across the life of the queue
func (self *mutationQueue) Add(batch *MutationBatch) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.batchIdItems[batch.BatchId]; ok {
		return fmt.Errorf("duplicate batch id %d", batch.BatchId)
	}
	if batch.BatchId <= self.lastBatchId {
		return fmt.Errorf("batch id %d is not ascending (last %d)", batch.BatchId, self.lastBatchId)
	}
	self.lastBatchId = batch.BatchId

	item := &mutationQueueItem{
		batch: batch,
	}
	self.batchIdItems[batch.BatchId] = item
	heap.Push(self, item)
	return nil
}

func (self *mutationQueue) ContainsBatchId(batchId int64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.batchIdItems[batchId]
	return ok
}

func (self *mutationQueue) RemoveByBatchId(batchId int64) *MutationBatch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.batchIdItems[batchId]
	if !ok {
		return nil
	}
	delete(self.batchIdItems, batchId)
	item_ := heap.Remove(self, item.heapIndex)
	if item != item_ {
		panic("Heap invariant broken.")
	}
	return item.batch
}

func (self *mutationQueue) RemoveFirst() *MutationBatch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*mutationQueueItem)
	delete(self.batchIdItems, item.batch.BatchId)
	return item.batch
}

func (self *mutationQueue) PeekFirst() *MutationBatch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0].batch
}

// the queued batch with the smallest id greater than `batchId`
func (self *mutationQueue) NextAfter(batchId int64) *MutationBatch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var next *mutationQueueItem
	for _, item := range self.orderedItems {
		if item.batch.BatchId <= batchId {
			continue
		}
		if next == nil || item.batch.BatchId < next.batch.BatchId {
			next = item
		}
	}
	if next == nil {
		return nil
	}
	return next.batch
}

// heap.Interface

func (self *mutationQueue) Push(x any) {
	item := x.(*mutationQueueItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *mutationQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *mutationQueue) Len() int {
	return len(self.orderedItems)
}

func (self *mutationQueue) Less(i int, j int) bool {
	return self.orderedItems[i].batch.BatchId < self.orderedItems[j].batch.BatchId
}

func (self *mutationQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
