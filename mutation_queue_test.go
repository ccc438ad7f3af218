package docsync

import (
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testBatch(batchId int64, paths ...string) *MutationBatch {
	mutations := []*Mutation{}
	for _, path := range paths {
		mutations = append(mutations, NewSetMutation(RequireDocumentKey(path), testFields(map[string]any{})))
	}
	return &MutationBatch{
		BatchId:        batchId,
		LocalWriteTime: time.Now(),
		Mutations:      mutations,
	}
}

func TestMutationQueueOrder(t *testing.T) {
	queue := newMutationQueue()
	assert.Equal(t, 0, queue.QueueSize())
	assert.Equal(t, queue.PeekFirst(), nil)
	assert.Equal(t, queue.RemoveFirst(), nil)

	n := 100

	batchIds := []int64{}
	for i := 0; i < n; i += 1 {
		batchIds = append(batchIds, int64(i+1))
	}

	// arrival order does not matter; removal is by ascending batch id
	batches := []*MutationBatch{}
	for _, batchId := range batchIds {
		batches = append(batches, testBatch(batchId, "cities/sf"))
	}
	mathrand.Shuffle(len(batches), func(i, j int) {
		batches[i], batches[j] = batches[j], batches[i]
	})

	added := map[int64]bool{}
	for _, batch := range batches {
		// out-of-order adds against the high-water mark are rejected
		maxAdded := int64(0)
		for batchId := range added {
			if maxAdded < batchId {
				maxAdded = batchId
			}
		}
		err := queue.Add(batch)
		if batch.BatchId <= maxAdded {
			assert.NotEqual(t, err, nil)
		} else {
			assert.Equal(t, err, nil)
			added[batch.BatchId] = true
		}
	}

	previous := int64(0)
	for 0 < queue.QueueSize() {
		batch := queue.RemoveFirst()
		assert.Equal(t, true, previous < batch.BatchId)
		previous = batch.BatchId
	}
}

func TestMutationQueueAscending(t *testing.T) {
	queue := newMutationQueue()

	assert.Equal(t, queue.Add(testBatch(1, "cities/sf")), nil)
	assert.Equal(t, queue.Add(testBatch(2, "cities/la")), nil)

	// duplicates and non-ascending ids are rejected
	assert.NotEqual(t, queue.Add(testBatch(2, "cities/la")), nil)
	assert.NotEqual(t, queue.Add(testBatch(1, "cities/sf")), nil)
	assert.Equal(t, 2, queue.QueueSize())

	// a removed id stays consumed
	queue.RemoveByBatchId(1)
	assert.NotEqual(t, queue.Add(testBatch(1, "cities/sf")), nil)
	assert.Equal(t, queue.Add(testBatch(3, "cities/sj")), nil)
}

func TestMutationQueueNextAfter(t *testing.T) {
	queue := newMutationQueue()
	queue.Add(testBatch(1, "cities/sf"))
	queue.Add(testBatch(3, "cities/la"))
	queue.Add(testBatch(5, "cities/sj"))

	assert.Equal(t, int64(1), queue.NextAfter(0).BatchId)
	assert.Equal(t, int64(3), queue.NextAfter(1).BatchId)
	assert.Equal(t, int64(3), queue.NextAfter(2).BatchId)
	assert.Equal(t, int64(5), queue.NextAfter(3).BatchId)
	assert.Equal(t, queue.NextAfter(5), nil)

	assert.Equal(t, true, queue.ContainsBatchId(3))
	removed := queue.RemoveByBatchId(3)
	assert.Equal(t, int64(3), removed.BatchId)
	assert.Equal(t, false, queue.ContainsBatchId(3))
	assert.Equal(t, int64(5), queue.NextAfter(1).BatchId)
	assert.Equal(t, queue.RemoveByBatchId(3), nil)
}
