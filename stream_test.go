package docsync

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		InitialDelay:   time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		Factor:         2.0,
		JitterFraction: 0.0,
	}
}

type testStreamHandler struct {
	opens    chan struct{}
	messages chan []byte
	closes   chan error

	openPayloads [][]byte
}

func newTestStreamHandler() *testStreamHandler {
	return &testStreamHandler{
		opens:    make(chan struct{}, 16),
		messages: make(chan []byte, 16),
		closes:   make(chan error, 16),
	}
}

func (self *testStreamHandler) label() string {
	return "test"
}

func (self *testStreamHandler) onOpen() ([][]byte, error) {
	self.opens <- struct{}{}
	return self.openPayloads, nil
}

func (self *testStreamHandler) onMessage(payload []byte) error {
	self.messages <- payload
	return nil
}

func (self *testStreamHandler) onClose(err error) {
	self.closes <- err
}

func waitFor[T any](t *testing.T, c chan T, what string) T {
	select {
	case v := <-c:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		var zero T
		return zero
	}
}

type countingTokenProvider struct {
	token           string
	invalidateCount int64
}

func (self *countingTokenProvider) GetToken(ctx context.Context) (string, error) {
	return self.token, nil
}

func (self *countingTokenProvider) Invalidate() {
	atomic.AddInt64(&self.invalidateCount, 1)
}

func TestPersistentStreamRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failures := 3
	var dialCount int64
	dial := func(ctx context.Context) (Transport, error) {
		n := atomic.AddInt64(&dialCount, 1)
		if n <= int64(failures) {
			return nil, fmt.Errorf("connection refused")
		}
		client, server := NewLoopbackTransportPair()
		go echoLoop(server)
		return client, nil
	}
	conn := NewConnWithDefaults(ctx, dial)
	defer conn.Close()

	handler := newTestStreamHandler()
	handler.openPayloads = [][]byte{[]byte("replay")}
	stream := newPersistentStream(ctx, conn, handler, nil, testBackoffSettings(), 16)
	defer stream.Stop()

	// each failed dial surfaces as a close
	for i := 0; i < failures; i += 1 {
		err := waitFor(t, handler.closes, "close")
		assert.NotEqual(t, err, nil)
	}

	// then the stream opens and the open payloads flow
	waitFor(t, handler.opens, "open")
	payload := waitFor(t, handler.messages, "echo")
	assert.Equal(t, []byte("replay"), payload)
	assert.Equal(t, int64(failures+1), atomic.LoadInt64(&dialCount))
}

func TestPersistentStreamReopens(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverTransports := make(chan *LoopbackTransport, 2)
	dial := func(ctx context.Context) (Transport, error) {
		client, server := NewLoopbackTransportPair()
		serverTransports <- server
		go echoLoop(server)
		return client, nil
	}
	conn := NewConnWithDefaults(ctx, dial)
	defer conn.Close()

	handler := newTestStreamHandler()
	handler.openPayloads = [][]byte{[]byte("replay")}
	stream := newPersistentStream(ctx, conn, handler, nil, testBackoffSettings(), 16)
	defer stream.Stop()

	waitFor(t, handler.opens, "first open")
	assert.Equal(t, []byte("replay"), waitFor(t, handler.messages, "first echo"))

	// kill the transport; the stream closes and reopens on its own,
	// replaying the open payloads
	server := <-serverTransports
	server.Close()
	assert.NotEqual(t, waitFor(t, handler.closes, "close"), nil)

	waitFor(t, handler.opens, "second open")
	assert.Equal(t, []byte("replay"), waitFor(t, handler.messages, "second echo"))
}

func TestPersistentStreamSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := func(ctx context.Context) (Transport, error) {
		client, server := NewLoopbackTransportPair()
		go echoLoop(server)
		return client, nil
	}
	conn := NewConnWithDefaults(ctx, dial)
	defer conn.Close()

	handler := newTestStreamHandler()
	stream := newPersistentStream(ctx, conn, handler, nil, testBackoffSettings(), 16)
	defer stream.Stop()

	waitFor(t, handler.opens, "open")
	assert.Equal(t, stream.Send([]byte("hello")), nil)
	assert.Equal(t, []byte("hello"), waitFor(t, handler.messages, "echo"))
}

func TestPersistentStreamAuthRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the first stream is rejected with a credential error; the retry
	// succeeds
	dial := func(ctx context.Context) (Transport, error) {
		client, server := NewLoopbackTransportPair()
		go func() {
			rejected := false
			for {
				frame, err := server.Receive()
				if err != nil {
					return
				}
				switch frame.Kind {
				case FrameOpen:
					if !rejected {
						rejected = true
						server.Send(&Frame{
							StreamId: frame.StreamId,
							Kind:     FrameError,
							Status:   NewRpcError(StatusUnauthenticated, "token expired"),
						})
					}
				case FrameData:
					server.Send(frame)
				}
			}
		}()
		return client, nil
	}
	conn := NewConnWithDefaults(ctx, dial)
	defer conn.Close()

	tokens := &countingTokenProvider{token: "tok"}
	handler := newTestStreamHandler()
	stream := newPersistentStream(ctx, conn, handler, tokens, testBackoffSettings(), 16)
	defer stream.Stop()

	waitFor(t, handler.opens, "first open")
	err := waitFor(t, handler.closes, "unauthenticated close")
	assert.Equal(t, true, IsUnauthenticatedError(err))

	// the credential is invalidated and the stream retries immediately
	waitFor(t, handler.opens, "retry open")
	assert.Equal(t, int64(1), atomic.LoadInt64(&tokens.invalidateCount))
}

func TestPersistentStreamStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := func(ctx context.Context) (Transport, error) {
		return nil, fmt.Errorf("connection refused")
	}
	conn := NewConnWithDefaults(ctx, dial)
	defer conn.Close()

	handler := newTestStreamHandler()
	stream := newPersistentStream(ctx, conn, handler, nil, testBackoffSettings(), 16)

	waitFor(t, handler.closes, "close")
	stream.Stop()

	// a stopped stream rejects sends
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := stream.Send([]byte("late")); err != nil {
			assert.Equal(t, ErrStopped, err)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("send still accepted after stop")
}
