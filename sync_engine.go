package docsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// a live query listener. Detach stops delivery and releases the
// server target once the last listener for the query detaches.
type ListenerRegistration struct {
	engine     *SyncEngine
	targetId   int32
	listenerId Id
}

func (self *ListenerRegistration) Detach() {
	self.engine.unlisten(self.targetId, self.listenerId)
}

// the client-facing sync core: allocates targets and batch ids, fans
// remote data into the local store, schedules limbo resolution, and
// routes write acknowledgements.
type SyncEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	codec    *Codec
	settings *SyncSettings

	local  *LocalStore
	bridge *SyncerBridge
	remote *RemoteStore

	stateLock      sync.Mutex
	queryTargetIds map[string]int32
	targetQueries  map[int32]*QueryDefinition
	targetRefs     map[int32]int
	nextTargetId   int32
	nextBatchId    int64
	writeAcks      map[int64]chan error
	limboTargets   map[DocumentKey]int32
	limboTimers    map[DocumentKey]*time.Timer
	onListenError  func(query *QueryDefinition, err error)
}

func NewSyncEngineWithDefaults(
	ctx context.Context,
	conn *Conn,
	codec *Codec,
	tokens TokenProvider,
) (*SyncEngine, error) {
	return NewSyncEngine(ctx, conn, codec, tokens, NewMemoryPersistence(), DefaultSyncSettings())
}

func NewSyncEngine(
	ctx context.Context,
	conn *Conn,
	codec *Codec,
	tokens TokenProvider,
	persistence Persistence,
	settings *SyncSettings,
) (*SyncEngine, error) {
	local, err := NewLocalStore(persistence)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	engine := &SyncEngine{
		ctx:            cancelCtx,
		cancel:         cancel,
		codec:          codec,
		settings:       settings,
		local:          local,
		queryTargetIds: map[string]int32{},
		targetQueries:  map[int32]*QueryDefinition{},
		targetRefs:     map[int32]int{},
		nextTargetId:   2,
		nextBatchId:    1,
		writeAcks:      map[int64]chan error{},
		limboTargets:   map[DocumentKey]int32{},
		limboTimers:    map[DocumentKey]*time.Timer{},
	}
	engine.bridge = NewSyncerBridge(engine)

	// batches surviving a restart go back on the wire first
	for _, batch := range local.PendingBatches() {
		if err := engine.bridge.EnqueueBatch(batch); err != nil {
			cancel()
			return nil, err
		}
		if engine.nextBatchId <= batch.BatchId {
			engine.nextBatchId = batch.BatchId + 1
		}
	}

	engine.remote = NewRemoteStore(cancelCtx, conn, codec, tokens, engine.bridge, settings)
	engine.remote.PumpWrites()
	return engine, nil
}

// called when the server permanently rejects a listen
func (self *SyncEngine) SetListenErrorHandler(handler func(query *QueryDefinition, err error)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.onListenError = handler
}

// registers a snapshot listener for the query. Queries with the same
// canonical form share one server target.
func (self *SyncEngine) Listen(query *QueryDefinition, listener queryListenerFunc) (*ListenerRegistration, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	canonicalId := query.CanonicalId()
	self.stateLock.Lock()
	targetId, exists := self.queryTargetIds[canonicalId]
	if !exists {
		targetId = self.allocateTargetId()
		// the local target must exist before the id is published, so a
		// concurrent Listen on the same query can attach right away
		self.local.RegisterQueryTarget(targetId, query)
		self.bridge.SeedRemoteKeys(targetId, self.local.RemoteKeysForTarget(targetId))
		self.queryTargetIds[canonicalId] = targetId
		self.targetQueries[targetId] = query
	}
	self.targetRefs[targetId] += 1
	self.stateLock.Unlock()

	listenerId, err := self.local.AddListener(targetId, listener)
	if err != nil {
		self.stateLock.Lock()
		self.targetRefs[targetId] -= 1
		released := self.targetRefs[targetId] <= 0
		if released {
			delete(self.targetRefs, targetId)
			delete(self.targetQueries, targetId)
			delete(self.queryTargetIds, canonicalId)
		}
		self.stateLock.Unlock()
		if released {
			self.remote.Unlisten(targetId)
			self.bridge.RemoveTarget(targetId)
			self.local.RemoveTarget(targetId)
		}
		return nil, err
	}

	if !exists {
		self.remote.Listen(&ListenTarget{
			TargetId:    targetId,
			Query:       query,
			ResumeToken: self.local.TargetResumeToken(targetId),
		})
	}
	return &ListenerRegistration{
		engine:     self,
		targetId:   targetId,
		listenerId: listenerId,
	}, nil
}

func (self *SyncEngine) allocateTargetId() int32 {
	// caller holds stateLock. Target ids are even and ascending; odd
	// ids are reserved for servers.
	targetId := self.nextTargetId
	self.nextTargetId += 2
	return targetId
}

func (self *SyncEngine) unlisten(targetId int32, listenerId Id) {
	self.local.RemoveListener(targetId, listenerId)

	self.stateLock.Lock()
	self.targetRefs[targetId] -= 1
	released := self.targetRefs[targetId] <= 0
	var query *QueryDefinition
	if released {
		query = self.targetQueries[targetId]
		delete(self.targetRefs, targetId)
		delete(self.targetQueries, targetId)
		if query != nil {
			delete(self.queryTargetIds, query.CanonicalId())
		}
	}
	self.stateLock.Unlock()

	if released {
		self.remote.Unlisten(targetId)
		self.bridge.RemoveTarget(targetId)
		self.local.RemoveTarget(targetId)
	}
}

// queues the mutations as one atomic batch. The returned channel
// yields nil when the server commits the batch, or the terminal error
// when it permanently rejects it.
func (self *SyncEngine) Write(ctx context.Context, mutations []*Mutation) (<-chan error, error) {
	if len(mutations) == 0 {
		return nil, fmt.Errorf("empty write")
	}
	for _, mutation := range mutations {
		if err := mutation.Validate(); err != nil {
			return nil, err
		}
	}

	self.stateLock.Lock()
	batchId := self.nextBatchId
	self.nextBatchId += 1
	ack := make(chan error, 1)
	self.writeAcks[batchId] = ack
	self.stateLock.Unlock()

	batch := &MutationBatch{
		BatchId:        batchId,
		LocalWriteTime: time.Now(),
		Mutations:      mutations,
	}
	if err := self.local.EnqueueBatch(batch); err != nil {
		self.dropAck(batchId)
		return nil, err
	}
	if err := self.bridge.EnqueueBatch(batch); err != nil {
		self.dropAck(batchId)
		return nil, err
	}
	self.remote.PumpWrites()
	return ack, nil
}

func (self *SyncEngine) dropAck(batchId int64) {
	self.stateLock.Lock()
	delete(self.writeAcks, batchId)
	self.stateLock.Unlock()
}

func (self *SyncEngine) takeAck(batchId int64) chan error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	ack := self.writeAcks[batchId]
	delete(self.writeAcks, batchId)
	return ack
}

// the document as local code sees it, overlays applied
func (self *SyncEngine) GetDocument(key DocumentKey) *Document {
	return self.local.GetDocument(key)
}

func (self *SyncEngine) EnableNetwork() error {
	return self.remote.EnableNetwork()
}

func (self *SyncEngine) DisableNetwork() error {
	return self.remote.DisableNetwork()
}

// invalidates the credential and restarts the streams so the next
// dials carry a fresh token
func (self *SyncEngine) HandleCredentialChange() error {
	return self.remote.HandleCredentialChange()
}

func (self *SyncEngine) Shutdown() {
	self.stateLock.Lock()
	for _, timer := range self.limboTimers {
		timer.Stop()
	}
	self.limboTimers = map[DocumentKey]*time.Timer{}
	self.stateLock.Unlock()

	self.remote.Shutdown()
	self.cancel()
}

// LocalStoreDelegate

func (self *SyncEngine) HandleRemoteEvent(event *RemoteEvent) error {
	newLimbo, resolved, err := self.local.ApplyRemoteEvent(event)
	for _, key := range newLimbo {
		self.scheduleLimboResolution(key)
	}
	for _, key := range resolved {
		self.finishLimboResolution(key)
	}
	return err
}

func (self *SyncEngine) HandleRejectedListen(targetId int32, err error) error {
	// a rejected limbo target means the server will never tell us
	// about the document; treat it as deleted
	self.stateLock.Lock()
	var limboKey DocumentKey
	isLimbo := false
	for key, limboTargetId := range self.limboTargets {
		if limboTargetId == targetId {
			limboKey = key
			isLimbo = true
			break
		}
	}
	var query *QueryDefinition
	var handler func(query *QueryDefinition, err error)
	if !isLimbo {
		query = self.targetQueries[targetId]
		handler = self.onListenError
	}
	self.stateLock.Unlock()

	if isLimbo {
		glog.Infof("%slimbo listen rejected for %s = %s\n", logTagSync, limboKey, err)
		tombstone := &RemoteEvent{
			DocumentUpdates: map[DocumentKey]*Document{
				limboKey: {Key: limboKey},
			},
			ResolvedLimboDocuments: map[DocumentKey]bool{limboKey: true},
		}
		_, resolved, applyErr := self.local.ApplyRemoteEvent(tombstone)
		for _, key := range resolved {
			self.finishLimboResolution(key)
		}
		return applyErr
	}

	glog.Infof("%slisten rejected target %d = %s\n", logTagSync, targetId, err)
	self.local.RemoveTarget(targetId)
	if handler != nil && query != nil {
		handler(query, err)
	}
	return nil
}

func (self *SyncEngine) HandleSuccessfulWrite(result *MutationBatchResult) error {
	err := self.local.AcknowledgeBatch(result)
	if ack := self.takeAck(result.Batch.BatchId); ack != nil {
		ack <- nil
	}
	return err
}

func (self *SyncEngine) HandleFailedWrite(batchId int64, writeErr error) error {
	err := self.local.RejectBatch(batchId)
	if ack := self.takeAck(batchId); ack != nil {
		ack <- writeErr
	}
	return err
}

// user-scoped server state does not survive a credential change; the
// streams restart and targets re-listen with their resume tokens
func (self *SyncEngine) HandleUserChange() error {
	return nil
}

func (self *SyncEngine) IsLimboDocument(key DocumentKey) bool {
	return self.local.IsLimboDocument(key)
}

// limbo resolution

// after a debounce, opens an auxiliary single-document listen so the
// server states whether the document still exists
func (self *SyncEngine) scheduleLimboResolution(key DocumentKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.limboTimers[key]; ok {
		return
	}
	glog.V(1).Infof("%slimbo candidate %s\n", logTagSync, key)
	self.limboTimers[key] = time.AfterFunc(self.settings.LimboResolutionTimeout, func() {
		self.startLimboListen(key)
	})
}

func (self *SyncEngine) startLimboListen(key DocumentKey) {
	if !self.local.IsLimboDocument(key) {
		return
	}

	self.stateLock.Lock()
	delete(self.limboTimers, key)
	if _, ok := self.limboTargets[key]; ok {
		self.stateLock.Unlock()
		return
	}
	targetId := self.allocateTargetId()
	self.limboTargets[key] = targetId
	self.stateLock.Unlock()

	glog.V(1).Infof("%slimbo listen %s on target %d\n", logTagSync, key, targetId)
	self.local.RegisterDocumentTarget(targetId, []DocumentKey{key})
	self.remote.Listen(&ListenTarget{
		TargetId:  targetId,
		Documents: []DocumentKey{key},
	})
}

func (self *SyncEngine) finishLimboResolution(key DocumentKey) {
	self.stateLock.Lock()
	if timer, ok := self.limboTimers[key]; ok {
		timer.Stop()
		delete(self.limboTimers, key)
	}
	targetId, listening := self.limboTargets[key]
	delete(self.limboTargets, key)
	self.stateLock.Unlock()

	if listening {
		glog.V(1).Infof("%slimbo resolved %s\n", logTagSync, key)
		self.bridge.RemoveTarget(targetId)
		self.local.RemoveTarget(targetId)
		self.remote.Unlisten(targetId)
	}
}
