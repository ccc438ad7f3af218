package docsync

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type writeStreamDelegate interface {
	// the handshake response arrived; in-flight batches may be resent
	onWriteHandshake()
	onWriteResponse(response *WriteResponse) error
	onWriteClose(err error)
}

// the persistent write stream. Every (re)open starts with a handshake
// request carrying no writes; the response carries the stream token
// that must accompany every subsequent write request.
type WriteStream struct {
	codec    *Codec
	delegate writeStreamDelegate

	stateLock         sync.Mutex
	streamToken       []byte
	handshakeComplete bool

	stream *persistentStream
}

func NewWriteStream(
	ctx context.Context,
	conn *Conn,
	codec *Codec,
	tokens TokenProvider,
	delegate writeStreamDelegate,
	settings *SyncSettings,
) *WriteStream {
	writeStream := &WriteStream{
		codec:    codec,
		delegate: delegate,
	}
	writeStream.stream = newPersistentStream(
		ctx,
		conn,
		writeStream,
		tokens,
		settings.WriteBackoffSettings,
		settings.SendQueueSize,
	)
	return writeStream
}

func (self *WriteStream) HandshakeComplete() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.handshakeComplete
}

// sends one batch. Callers must wait for the handshake and send at
// most the pipeline limit before responses arrive.
func (self *WriteStream) WriteMutations(mutations []*Mutation) error {
	self.stateLock.Lock()
	if !self.handshakeComplete {
		self.stateLock.Unlock()
		return ErrStreamClosed
	}
	streamToken := self.streamToken
	self.stateLock.Unlock()

	message, err := self.codec.EncodeWriteRequest(streamToken, mutations)
	if err != nil {
		return err
	}
	glog.V(2).Infof("%s-> %d writes\n", logTagWrite, len(mutations))
	return self.stream.Send(message)
}

func (self *WriteStream) Stop() {
	self.stream.Stop()
}

// streamHandler

func (self *WriteStream) label() string {
	return "write"
}

func (self *WriteStream) onOpen() ([][]byte, error) {
	self.stateLock.Lock()
	self.handshakeComplete = false
	self.stateLock.Unlock()

	handshake, err := self.codec.EncodeWriteHandshake()
	if err != nil {
		return nil, err
	}
	return [][]byte{handshake}, nil
}

func (self *WriteStream) onMessage(payload []byte) error {
	response, err := self.codec.DecodeWriteResponse(payload)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	if len(response.StreamToken) != 0 {
		self.streamToken = response.StreamToken
	}
	first := !self.handshakeComplete
	self.handshakeComplete = true
	self.stateLock.Unlock()

	if first {
		glog.V(1).Infof("%shandshake complete\n", logTagWrite)
		self.delegate.onWriteHandshake()
		return nil
	}
	return self.delegate.onWriteResponse(response)
}

func (self *WriteStream) onClose(err error) {
	self.stateLock.Lock()
	self.handshakeComplete = false
	self.stateLock.Unlock()
	self.delegate.onWriteClose(err)
}
