package docsync

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// stream delegates receive every callback from the runner goroutine,
// in order. `onOpen` returns the payloads to send before anything
// queued; `onClose` observes each failure (never a plain Stop).
type streamHandler interface {
	label() string
	onOpen() ([][]byte, error)
	onMessage(payload []byte) error
	onClose(err error)
}

// keeps one logical stream alive across transport failures.
// reconnects with capped exponential backoff, resets the backoff on a
// successful open, and retries immediately once after a credential
// rejection.
type persistentStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn    *Conn
	handler streamHandler
	tokens  TokenProvider

	backoffSettings *BackoffSettings
	sendQueue       chan []byte

	// run goroutine only
	authRetried bool
}

func newPersistentStream(
	ctx context.Context,
	conn *Conn,
	handler streamHandler,
	tokens TokenProvider,
	backoffSettings *BackoffSettings,
	sendQueueSize int,
) *persistentStream {
	cancelCtx, cancel := context.WithCancel(ctx)
	stream := &persistentStream{
		ctx:             cancelCtx,
		cancel:          cancel,
		conn:            conn,
		handler:         handler,
		tokens:          tokens,
		backoffSettings: backoffSettings,
		sendQueue:       make(chan []byte, sendQueueSize),
	}
	go stream.run()
	return stream
}

// queues the payload. Queued payloads flush in order after the next
// successful open, behind the handler's open payloads.
func (self *persistentStream) Send(payload []byte) error {
	select {
	case self.sendQueue <- payload:
		return nil
	case <-self.ctx.Done():
		return ErrStopped
	}
}

func (self *persistentStream) Stop() {
	self.cancel()
}

func (self *persistentStream) run() {
	defer self.cancel()

	backoff := newBackoff(self.backoffSettings)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		var err error
		stream, err := self.conn.OpenStream(self.ctx)
		if err == nil {
			err = self.serve(stream, backoff)
		}
		if self.ctx.Err() != nil {
			return
		}

		self.handler.onClose(err)

		if IsUnauthenticatedError(err) && self.tokens != nil && !self.authRetried {
			// one immediate retry with a fresh credential
			self.authRetried = true
			self.tokens.Invalidate()
			glog.Infof("[%s]credential rejected, retrying\n", self.handler.label())
			continue
		}

		delay := backoff.NextDelay()
		glog.Infof("[%s]closed = %s, retry in %s\n", self.handler.label(), err, delay)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (self *persistentStream) serve(stream *Stream, backoff *backoff) error {
	defer stream.Close()

	// discard sends stranded from a previous connection epoch.
	// handlers replay their state in onOpen.
	for {
		select {
		case <-self.sendQueue:
			continue
		default:
		}
		break
	}

	openPayloads, err := self.handler.onOpen()
	if err != nil {
		return err
	}
	for _, payload := range openPayloads {
		if err := stream.Send(payload); err != nil {
			return err
		}
	}
	backoff.Reset()
	self.authRetried = false
	glog.V(1).Infof("[%s]open\n", self.handler.label())

	serveCtx, serveCancel := context.WithCancel(self.ctx)
	defer serveCancel()

	receivePayloads := make(chan []byte)
	receiveErrs := make(chan error, 1)
	go func() {
		for {
			payload, err := stream.Receive(serveCtx)
			if err != nil {
				receiveErrs <- err
				return
			}
			select {
			case receivePayloads <- payload:
			case <-serveCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return ErrStopped
		case payload := <-self.sendQueue:
			if err := stream.Send(payload); err != nil {
				return err
			}
		case payload := <-receivePayloads:
			if err := self.handler.onMessage(payload); err != nil {
				return err
			}
		case err := <-receiveErrs:
			return err
		}
	}
}
