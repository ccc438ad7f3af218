package docsync

import (
	"time"
)

type TargetChangeState int

const (
	TargetNoChange TargetChangeState = iota
	TargetAdd
	TargetRemove
	TargetCurrent
	TargetReset
)

func (self TargetChangeState) String() string {
	switch self {
	case TargetNoChange:
		return "NO_CHANGE"
	case TargetAdd:
		return "ADD"
	case TargetRemove:
		return "REMOVE"
	case TargetCurrent:
		return "CURRENT"
	case TargetReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// one decoded listen stream message
type WatchChange interface {
	isWatchChange()
}

type WatchTargetChange struct {
	State TargetChangeState
	// empty means all active targets
	TargetIds   []int32
	ResumeToken []byte
	ReadTime    time.Time
	// set when State is TargetRemove and the server rejected the target
	Cause *RpcError
}

func (self *WatchTargetChange) isWatchChange() {}

// a new document version, added to or updated in the listed targets
type WatchDocumentChange struct {
	Document         *Document
	UpdatedTargetIds []int32
	RemovedTargetIds []int32
}

func (self *WatchDocumentChange) isWatchChange() {}

// the server confirmed the document no longer exists
type WatchDocumentDelete struct {
	Key              DocumentKey
	ReadTime         time.Time
	RemovedTargetIds []int32
}

func (self *WatchDocumentDelete) isWatchChange() {}

// the document left the listed targets but may still exist
type WatchDocumentRemove struct {
	Key              DocumentKey
	ReadTime         time.Time
	RemovedTargetIds []int32
}

func (self *WatchDocumentRemove) isWatchChange() {}

// the server's count of documents in the target, for divergence checks
type WatchExistenceFilter struct {
	TargetId int32
	Count    int32
}

func (self *WatchExistenceFilter) isWatchChange() {}
