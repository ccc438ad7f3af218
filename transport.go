package docsync

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type FrameKind string

const (
	FrameOpen  FrameKind = "open"
	FrameData  FrameKind = "data"
	FrameClose FrameKind = "close"
	FrameError FrameKind = "error"
)

// the multiplexing envelope. One frame per transport message.
type Frame struct {
	StreamId uint32    `json:"streamId"`
	Kind     FrameKind `json:"kind"`
	Payload  []byte    `json:"payload,omitempty"`
	Status   *RpcError `json:"status,omitempty"`
}

// a single ordered, bidirectional frame pipe
type Transport interface {
	Send(frame *Frame) error
	Receive() (*Frame, error)
	Close() error
}

// (re)establishes the underlying transport
type DialFunc func(ctx context.Context) (Transport, error)

type ConnSettings struct {
	SendBufferSize    int
	ReceiveBufferSize int
}

func DefaultConnSettings() *ConnSettings {
	return &ConnSettings{
		SendBufferSize:    32,
		ReceiveBufferSize: 32,
	}
}

// multiplexes logical streams over one transport. If the transport
// fails, every open stream observes the failure and the next
// `OpenStream` redials.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	dial     DialFunc
	settings *ConnSettings

	// serializes dial attempts
	connectLock sync.Mutex

	stateLock     sync.Mutex
	nextStreamId  uint32
	streams       map[uint32]*Stream
	transport     Transport
	sendQueue     chan *Frame
	transportDone chan struct{}
}

func NewConnWithDefaults(ctx context.Context, dial DialFunc) *Conn {
	return NewConn(ctx, dial, DefaultConnSettings())
}

func NewConn(ctx context.Context, dial DialFunc, settings *ConnSettings) *Conn {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Conn{
		ctx:          cancelCtx,
		cancel:       cancel,
		dial:         dial,
		settings:     settings,
		nextStreamId: 1,
		streams:      map[uint32]*Stream{},
	}
}

// opens a logical stream, dialing the transport if needed
func (self *Conn) OpenStream(ctx context.Context) (*Stream, error) {
	select {
	case <-self.ctx.Done():
		return nil, ErrStopped
	default:
	}

	if err := self.connect(ctx); err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	streamId := self.nextStreamId
	self.nextStreamId += 1
	stream := &Stream{
		conn:     self,
		streamId: streamId,
		inbound:  make(chan *Frame, self.settings.ReceiveBufferSize),
		failed:   make(chan struct{}),
	}
	self.streams[streamId] = stream
	self.stateLock.Unlock()

	if err := self.send(&Frame{StreamId: streamId, Kind: FrameOpen}); err != nil {
		self.removeStream(streamId)
		return nil, err
	}
	glog.V(1).Infof("%sopen stream %d\n", logTagConn, streamId)
	return stream, nil
}

func (self *Conn) connect(ctx context.Context) error {
	self.connectLock.Lock()
	defer self.connectLock.Unlock()

	self.stateLock.Lock()
	connected := self.transport != nil
	self.stateLock.Unlock()
	if connected {
		return nil
	}

	transport, err := self.dial(ctx)
	if err != nil {
		return err
	}

	sendQueue := make(chan *Frame, self.settings.SendBufferSize)
	transportDone := make(chan struct{})

	self.stateLock.Lock()
	self.transport = transport
	self.sendQueue = sendQueue
	self.transportDone = transportDone
	self.stateLock.Unlock()

	go self.sendLoop(transport, sendQueue, transportDone)
	go self.receiveLoop(transport, transportDone)
	return nil
}

func (self *Conn) send(frame *Frame) error {
	self.stateLock.Lock()
	sendQueue := self.sendQueue
	transportDone := self.transportDone
	self.stateLock.Unlock()

	if sendQueue == nil {
		return ErrStreamClosed
	}
	select {
	case sendQueue <- frame:
		return nil
	case <-transportDone:
		return ErrStreamClosed
	case <-self.ctx.Done():
		return ErrStopped
	}
}

func (self *Conn) sendLoop(transport Transport, sendQueue chan *Frame, transportDone chan struct{}) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-transportDone:
			return
		case frame := <-sendQueue:
			if err := transport.Send(frame); err != nil {
				glog.Infof("%ssend error = %s\n", logTagConn, err)
				self.teardown(transport, err)
				return
			}
			glog.V(2).Infof("%s%d-> %s\n", logTagConn, frame.StreamId, frame.Kind)
		}
	}
}

func (self *Conn) receiveLoop(transport Transport, transportDone chan struct{}) {
	for {
		frame, err := transport.Receive()
		if err != nil {
			glog.Infof("%sreceive error = %s\n", logTagConn, err)
			self.teardown(transport, err)
			return
		}

		self.stateLock.Lock()
		stream := self.streams[frame.StreamId]
		self.stateLock.Unlock()
		if stream == nil {
			glog.V(2).Infof("%sdrop %d<- %s\n", logTagConn, frame.StreamId, frame.Kind)
			continue
		}

		select {
		case stream.inbound <- frame:
			glog.V(2).Infof("%s%d<- %s\n", logTagConn, frame.StreamId, frame.Kind)
		case <-transportDone:
			return
		case <-self.ctx.Done():
			return
		}
	}
}

// fails every open stream and clears the transport so the next
// `OpenStream` redials
func (self *Conn) teardown(transport Transport, err error) {
	self.stateLock.Lock()
	if self.transport != transport {
		self.stateLock.Unlock()
		return
	}
	self.transport = nil
	self.sendQueue = nil
	transportDone := self.transportDone
	self.transportDone = nil
	streams := make([]*Stream, 0, len(self.streams))
	for _, stream := range self.streams {
		streams = append(streams, stream)
	}
	self.streams = map[uint32]*Stream{}
	self.stateLock.Unlock()

	if transportDone != nil {
		close(transportDone)
	}
	transport.Close()
	for _, stream := range streams {
		stream.fail(err)
	}
}

func (self *Conn) removeStream(streamId uint32) {
	self.stateLock.Lock()
	delete(self.streams, streamId)
	self.stateLock.Unlock()
}

func (self *Conn) closeStream(streamId uint32) {
	self.removeStream(streamId)
	// best effort notify the remote end
	self.send(&Frame{StreamId: streamId, Kind: FrameClose})
}

func (self *Conn) Close() {
	self.cancel()
	self.stateLock.Lock()
	transport := self.transport
	self.stateLock.Unlock()
	if transport != nil {
		self.teardown(transport, ErrStopped)
	}
}

// one logical stream over a `Conn`
type Stream struct {
	conn     *Conn
	streamId uint32
	inbound  chan *Frame

	failOnce sync.Once
	failErr  error
	failed   chan struct{}
}

func (self *Stream) StreamId() uint32 {
	return self.streamId
}

func (self *Stream) Send(payload []byte) error {
	return self.conn.send(&Frame{
		StreamId: self.streamId,
		Kind:     FrameData,
		Payload:  payload,
	})
}

// blocks for the next data payload. Returns `ErrStreamClosed` on an
// orderly close and the carried status on an error frame.
func (self *Stream) Receive(ctx context.Context) ([]byte, error) {
	for {
		// deliver frames already queued before observing a failure
		select {
		case frame := <-self.inbound:
			if payload, done, err := self.interpret(frame); done {
				return payload, err
			}
			continue
		default:
		}

		select {
		case frame := <-self.inbound:
			if payload, done, err := self.interpret(frame); done {
				return payload, err
			}
		case <-self.failed:
			return nil, self.failErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (self *Stream) interpret(frame *Frame) (payload []byte, done bool, err error) {
	switch frame.Kind {
	case FrameData:
		return frame.Payload, true, nil
	case FrameClose:
		return nil, true, ErrStreamClosed
	case FrameError:
		if frame.Status != nil {
			return nil, true, frame.Status
		}
		return nil, true, ErrStreamClosed
	default:
		return nil, false, nil
	}
}

func (self *Stream) fail(err error) {
	self.failOnce.Do(func() {
		self.failErr = err
		close(self.failed)
	})
}

func (self *Stream) Close() {
	self.conn.closeStream(self.streamId)
}

// an in-process transport pair for tests and embedding.
// frames sent on one side are received on the other.
type LoopbackTransport struct {
	send    chan *Frame
	receive chan *Frame

	closeOnce *sync.Once
	done      chan struct{}
}

func NewLoopbackTransportPair() (*LoopbackTransport, *LoopbackTransport) {
	ab := make(chan *Frame, 32)
	ba := make(chan *Frame, 32)
	done := make(chan struct{})
	closeOnce := &sync.Once{}
	a := &LoopbackTransport{
		send:      ab,
		receive:   ba,
		closeOnce: closeOnce,
		done:      done,
	}
	b := &LoopbackTransport{
		send:      ba,
		receive:   ab,
		closeOnce: closeOnce,
		done:      done,
	}
	return a, b
}

func (self *LoopbackTransport) Send(frame *Frame) error {
	// the buffered send could win a race against a closed done channel
	select {
	case <-self.done:
		return ErrStreamClosed
	default:
	}
	select {
	case self.send <- frame:
		return nil
	case <-self.done:
		return ErrStreamClosed
	}
}

func (self *LoopbackTransport) Receive() (*Frame, error) {
	select {
	case frame := <-self.receive:
		return frame, nil
	case <-self.done:
		return nil, ErrStreamClosed
	}
}

func (self *LoopbackTransport) Close() error {
	self.closeOnce.Do(func() {
		close(self.done)
	})
	return nil
}
