package docsync

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// one server target on the listen stream. Either a query or an
// explicit document set (used for limbo resolution).
type ListenTarget struct {
	TargetId    int32
	Query       *QueryDefinition
	Documents   []DocumentKey
	ResumeToken []byte
}

type listenStreamDelegate interface {
	// the stream (re)opened and all tracked targets were replayed
	onListenOpen()
	onWatchChange(change WatchChange) error
	onListenClose(err error)
}

// the persistent listen stream. Tracks active targets and replays
// them, with their last resume tokens, on every (re)open.
type ListenStream struct {
	codec    *Codec
	delegate listenStreamDelegate

	stateLock sync.Mutex
	targets   map[int32]*ListenTarget

	stream *persistentStream
}

func NewListenStream(
	ctx context.Context,
	conn *Conn,
	codec *Codec,
	tokens TokenProvider,
	delegate listenStreamDelegate,
	settings *SyncSettings,
) *ListenStream {
	listenStream := &ListenStream{
		codec:    codec,
		delegate: delegate,
		targets:  map[int32]*ListenTarget{},
	}
	listenStream.stream = newPersistentStream(
		ctx,
		conn,
		listenStream,
		tokens,
		settings.ListenBackoffSettings,
		settings.SendQueueSize,
	)
	return listenStream
}

func (self *ListenStream) Watch(target *ListenTarget) error {
	self.stateLock.Lock()
	self.targets[target.TargetId] = target
	self.stateLock.Unlock()

	message, err := self.codec.EncodeAddTarget(target)
	if err != nil {
		return err
	}
	glog.V(1).Infof("%swatch target %d\n", logTagListen, target.TargetId)
	return self.stream.Send(message)
}

func (self *ListenStream) Unwatch(targetId int32) error {
	self.stateLock.Lock()
	delete(self.targets, targetId)
	self.stateLock.Unlock()

	message, err := self.codec.EncodeRemoveTarget(targetId)
	if err != nil {
		return err
	}
	glog.V(1).Infof("%sunwatch target %d\n", logTagListen, targetId)
	return self.stream.Send(message)
}

func (self *ListenStream) TargetCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.targets)
}

func (self *ListenStream) Stop() {
	self.stream.Stop()
}

// streamHandler

func (self *ListenStream) label() string {
	return "listen"
}

func (self *ListenStream) onOpen() ([][]byte, error) {
	self.stateLock.Lock()
	targetIds := maps.Keys(self.targets)
	slices.Sort(targetIds)
	targets := make([]*ListenTarget, 0, len(targetIds))
	for _, targetId := range targetIds {
		targets = append(targets, self.targets[targetId])
	}
	self.stateLock.Unlock()

	payloads := make([][]byte, 0, len(targets))
	for _, target := range targets {
		message, err := self.codec.EncodeAddTarget(target)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, message)
	}
	self.delegate.onListenOpen()
	return payloads, nil
}

func (self *ListenStream) onMessage(payload []byte) error {
	change, err := self.codec.DecodeListenResponse(payload)
	if err != nil {
		return err
	}
	// keep resume tokens fresh so a re-listen resumes from the last
	// observed progress instead of re-reading the whole result set
	if targetChange, ok := change.(*WatchTargetChange); ok && len(targetChange.ResumeToken) != 0 {
		self.updateResumeTokens(targetChange)
	}
	return self.delegate.onWatchChange(change)
}

func (self *ListenStream) updateResumeTokens(targetChange *WatchTargetChange) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(targetChange.TargetIds) == 0 {
		// an empty id list addresses every active target
		for _, target := range self.targets {
			target.ResumeToken = targetChange.ResumeToken
		}
		return
	}
	for _, targetId := range targetChange.TargetIds {
		if target, ok := self.targets[targetId]; ok {
			target.ResumeToken = targetChange.ResumeToken
		}
	}
}

func (self *ListenStream) onClose(err error) {
	self.delegate.onListenClose(err)
}
