package docsync

import (
	"context"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type offlineCause int

const (
	offlineUserDisabled offlineCause = iota
	offlineCredentialChange
	offlineShutdown
)

type remoteCommand struct {
	f      func() error
	result chan error
}

// owns the listen and write streams, the watch change aggregator, and
// the write pipeline. All state is confined to the run goroutine;
// public methods and stream callbacks post commands into it.
type RemoteStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn     *Conn
	codec    *Codec
	tokens   TokenProvider
	syncer   RemoteSyncer
	settings *SyncSettings

	commands chan *remoteCommand

	// run goroutine state
	listenTargets map[int32]*ListenTarget
	listenStream  *ListenStream
	listenEpoch   int
	aggregator    *WatchChangeAggregator
	writeStream   *WriteStream
	writeEpoch    int
	writePipeline []*MutationBatch
	lastBatchId   int64
	offlineCauses map[offlineCause]bool
}

func NewRemoteStore(
	ctx context.Context,
	conn *Conn,
	codec *Codec,
	tokens TokenProvider,
	syncer RemoteSyncer,
	settings *SyncSettings,
) *RemoteStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &RemoteStore{
		ctx:           cancelCtx,
		cancel:        cancel,
		conn:          conn,
		codec:         codec,
		tokens:        tokens,
		syncer:        syncer,
		settings:      settings,
		commands:      make(chan *remoteCommand, 1024),
		listenTargets: map[int32]*ListenTarget{},
		offlineCauses: map[offlineCause]bool{},
	}
	go store.run()
	return store
}

func (self *RemoteStore) run() {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case command := <-self.commands:
			err := command.f()
			if command.result != nil {
				command.result <- err
			} else if err != nil {
				glog.Infof("%scommand error = %s\n", logTagRemote, err)
			}
		}
	}
}

// posts a command and waits for its result
func (self *RemoteStore) invoke(f func() error) error {
	result := make(chan error, 1)
	select {
	case self.commands <- &remoteCommand{f: f, result: result}:
	case <-self.ctx.Done():
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-self.ctx.Done():
		return ErrStopped
	}
}

// posts a command without waiting. Used by stream callbacks.
func (self *RemoteStore) post(f func() error) {
	select {
	case self.commands <- &remoteCommand{f: f}:
	case <-self.ctx.Done():
	}
}

// public api

// safe to call from snapshot callbacks: the work is posted to the
// store's own goroutine
func (self *RemoteStore) Listen(target *ListenTarget) {
	self.post(func() error {
		self.listenTargets[target.TargetId] = target
		if !self.networkEnabled() {
			return nil
		}
		self.ensureListenStream()
		self.aggregator.RecordPendingTargetRequest(target.TargetId)
		return self.listenStream.Watch(cloneListenTarget(target))
	})
}

func (self *RemoteStore) Unlisten(targetId int32) {
	self.post(func() error {
		delete(self.listenTargets, targetId)
		if self.listenStream == nil {
			return nil
		}
		if self.aggregator != nil {
			self.aggregator.RemoveTarget(targetId)
		}
		return self.listenStream.Unwatch(targetId)
	})
}

// nudges the store to pull queued batches into the write pipeline
func (self *RemoteStore) PumpWrites() {
	self.post(func() error {
		self.fillWritePipeline()
		return nil
	})
}

func (self *RemoteStore) EnableNetwork() error {
	return self.invoke(func() error {
		delete(self.offlineCauses, offlineUserDisabled)
		if self.networkEnabled() {
			self.startNetwork()
		}
		return nil
	})
}

func (self *RemoteStore) DisableNetwork() error {
	return self.invoke(func() error {
		self.offlineCauses[offlineUserDisabled] = true
		self.stopNetwork()
		return nil
	})
}

// tears the streams down so the next opens dial with fresh
// credentials
func (self *RemoteStore) HandleCredentialChange() error {
	return self.invoke(func() error {
		self.offlineCauses[offlineCredentialChange] = true
		self.stopNetwork()
		if self.tokens != nil {
			self.tokens.Invalidate()
		}
		if err := self.syncer.HandleUserChange(); err != nil {
			return err
		}
		delete(self.offlineCauses, offlineCredentialChange)
		if self.networkEnabled() {
			self.startNetwork()
		}
		return nil
	})
}

func (self *RemoteStore) Shutdown() {
	self.invoke(func() error {
		self.offlineCauses[offlineShutdown] = true
		self.stopNetwork()
		return nil
	})
	self.cancel()
}

// run goroutine internals

func (self *RemoteStore) networkEnabled() bool {
	return len(self.offlineCauses) == 0
}

func (self *RemoteStore) startNetwork() {
	if 0 < len(self.listenTargets) {
		self.ensureListenStream()
		targetIds := maps.Keys(self.listenTargets)
		slices.Sort(targetIds)
		for _, targetId := range targetIds {
			self.aggregator.RecordPendingTargetRequest(targetId)
			self.listenStream.Watch(cloneListenTarget(self.listenTargets[targetId]))
		}
	}
	self.fillWritePipeline()
}

func (self *RemoteStore) stopNetwork() {
	if self.listenStream != nil {
		self.listenStream.Stop()
		self.listenStream = nil
		self.aggregator = nil
	}
	if self.writeStream != nil {
		self.writeStream.Stop()
		self.writeStream = nil
	}
	// in-flight batches stay queued in the bridge and refill the
	// pipeline when the network comes back
	self.writePipeline = nil
	self.lastBatchId = 0
}

func (self *RemoteStore) ensureListenStream() {
	if self.listenStream != nil {
		return
	}
	self.listenEpoch += 1
	self.aggregator = NewWatchChangeAggregator(self.syncer)
	self.listenStream = NewListenStream(
		self.ctx,
		self.conn,
		self.codec,
		self.tokens,
		&listenDelegate{store: self, epoch: self.listenEpoch},
		self.settings,
	)
}

func (self *RemoteStore) ensureWriteStream() {
	if self.writeStream != nil {
		return
	}
	self.writeEpoch += 1
	self.writeStream = NewWriteStream(
		self.ctx,
		self.conn,
		self.codec,
		self.tokens,
		&writeDelegate{store: self, epoch: self.writeEpoch},
		self.settings,
	)
}

func (self *RemoteStore) handleListenOpen(epoch int) {
	if epoch != self.listenEpoch || self.listenStream == nil {
		return
	}
	// the stream replayed every target; rebuild the aggregator from
	// the local store's knowledge and expect one ack per target
	self.aggregator = NewWatchChangeAggregator(self.syncer)
	for targetId := range self.listenTargets {
		self.aggregator.RecordPendingTargetRequest(targetId)
	}
}

func (self *RemoteStore) handleWatchChange(epoch int, change WatchChange) error {
	if epoch != self.listenEpoch || self.aggregator == nil {
		return nil
	}

	if targetChange, ok := change.(*WatchTargetChange); ok {
		if targetChange.State == TargetRemove && targetChange.Cause != nil {
			// the server rejected these targets
			for _, targetId := range targetChange.TargetIds {
				delete(self.listenTargets, targetId)
				self.aggregator.RemoveTarget(targetId)
				glog.Infof("%slisten rejected target %d = %s\n", logTagRemote, targetId, targetChange.Cause)
				if err := self.syncer.RejectListen(targetId, targetChange.Cause); err != nil {
					return err
				}
			}
			return nil
		}
	}

	self.aggregator.HandleWatchChange(change)

	// a version-bearing NO_CHANGE or CURRENT marks a consistent
	// snapshot boundary
	if targetChange, ok := change.(*WatchTargetChange); ok {
		if !targetChange.ReadTime.IsZero() &&
			(targetChange.State == TargetNoChange || targetChange.State == TargetCurrent) {
			return self.emitRemoteEvent(targetChange.ReadTime)
		}
	}
	return nil
}

func (self *RemoteStore) emitRemoteEvent(snapshotVersion time.Time) error {
	event := self.aggregator.CreateRemoteEvent(snapshotVersion)

	// keep the store's own resume tokens fresh for re-listens
	for targetId, targetChange := range event.TargetChanges {
		if target, ok := self.listenTargets[targetId]; ok && len(targetChange.ResumeToken) != 0 {
			target.ResumeToken = targetChange.ResumeToken
		}
	}

	// a diverged target is torn down and re-listened from scratch,
	// without a resume token
	for targetId := range event.TargetMismatches {
		target, ok := self.listenTargets[targetId]
		if !ok {
			continue
		}
		glog.Infof("%sexistence filter mismatch, re-listen target %d\n", logTagRemote, targetId)
		target.ResumeToken = nil
		self.listenStream.Unwatch(targetId)
		self.aggregator.RecordPendingTargetRequest(targetId)
		self.listenStream.Watch(cloneListenTarget(target))
	}

	return self.syncer.ApplyRemoteEvent(event)
}

func (self *RemoteStore) handleListenClose(epoch int, err error) {
	if epoch != self.listenEpoch {
		return
	}
	// the stream retries on its own and replays targets on reopen
	glog.V(1).Infof("%slisten closed = %s\n", logTagRemote, err)
}

func (self *RemoteStore) fillWritePipeline() {
	if !self.networkEnabled() {
		return
	}
	for len(self.writePipeline) < self.settings.MaxPendingWrites {
		batch := self.syncer.NextMutationBatch(self.lastBatchId)
		if batch == nil {
			break
		}
		self.writePipeline = append(self.writePipeline, batch)
		self.lastBatchId = batch.BatchId
		self.ensureWriteStream()
		if self.writeStream.HandshakeComplete() {
			if err := self.writeStream.WriteMutations(batch.Mutations); err != nil {
				glog.Infof("%swrite send error = %s\n", logTagRemote, err)
			}
		}
	}
}

func (self *RemoteStore) handleWriteHandshake(epoch int) {
	if epoch != self.writeEpoch || self.writeStream == nil {
		return
	}
	// resend every in-flight batch in order on the fresh stream
	for _, batch := range self.writePipeline {
		if err := self.writeStream.WriteMutations(batch.Mutations); err != nil {
			glog.Infof("%swrite resend error = %s\n", logTagRemote, err)
			return
		}
	}
	self.fillWritePipeline()
}

func (self *RemoteStore) handleWriteResponse(epoch int, response *WriteResponse) error {
	if epoch != self.writeEpoch {
		return nil
	}
	if len(self.writePipeline) == 0 {
		glog.Infof("%sdrop write response with empty pipeline\n", logTagRemote)
		return nil
	}
	batch := self.writePipeline[0]
	self.writePipeline = self.writePipeline[1:]

	result := &MutationBatchResult{
		Batch:         batch,
		CommitVersion: response.CommitTime,
		StreamToken:   response.StreamToken,
		WriteResults:  response.WriteResults,
	}
	if err := self.syncer.ApplySuccessfulWrite(result); err != nil {
		return err
	}
	self.fillWritePipeline()
	return nil
}

func (self *RemoteStore) handleWriteClose(epoch int, err error) error {
	if epoch != self.writeEpoch {
		return nil
	}
	if IsPermanentWriteError(err) && 0 < len(self.writePipeline) {
		// the front batch caused the rejection. Drop it; the rest
		// resend after the next handshake.
		batch := self.writePipeline[0]
		self.writePipeline = self.writePipeline[1:]
		glog.Infof("%swrite rejected batch %d = %s\n", logTagRemote, batch.BatchId, err)
		return self.syncer.RejectFailedWrite(batch.BatchId, err)
	}
	glog.V(1).Infof("%swrite closed = %s\n", logTagRemote, err)
	return nil
}

func cloneListenTarget(target *ListenTarget) *ListenTarget {
	return &ListenTarget{
		TargetId:    target.TargetId,
		Query:       target.Query,
		Documents:   slices.Clone(target.Documents),
		ResumeToken: slices.Clone(target.ResumeToken),
	}
}

// stream delegates. The epoch drops callbacks from replaced streams.

type listenDelegate struct {
	store *RemoteStore
	epoch int
}

func (self *listenDelegate) onListenOpen() {
	self.store.post(func() error {
		self.store.handleListenOpen(self.epoch)
		return nil
	})
}

func (self *listenDelegate) onWatchChange(change WatchChange) error {
	self.store.post(func() error {
		return self.store.handleWatchChange(self.epoch, change)
	})
	return nil
}

func (self *listenDelegate) onListenClose(err error) {
	self.store.post(func() error {
		self.store.handleListenClose(self.epoch, err)
		return nil
	})
}

type writeDelegate struct {
	store *RemoteStore
	epoch int
}

func (self *writeDelegate) onWriteHandshake() {
	self.store.post(func() error {
		self.store.handleWriteHandshake(self.epoch)
		return nil
	})
}

func (self *writeDelegate) onWriteResponse(response *WriteResponse) error {
	self.store.post(func() error {
		return self.store.handleWriteResponse(self.epoch, response)
	})
	return nil
}

func (self *writeDelegate) onWriteClose(err error) {
	self.store.post(func() error {
		return self.store.handleWriteClose(self.epoch, err)
	})
}
