package docsync

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/types/known/structpb"
)

// a scripted server speaking the sync protocol over a loopback
// transport. Listen targets are acknowledged, seeded documents are
// streamed, and committed writes are broadcast back on the listen
// stream.
type fakeSyncServer struct {
	t     *testing.T
	codec *Codec

	documents map[DocumentKey]*structpb.Struct
	removes   chan int32

	rejectListens bool
	rejectWrites  bool
}

func newFakeSyncServer(t *testing.T, codec *Codec) *fakeSyncServer {
	return &fakeSyncServer{
		t:         t,
		codec:     codec,
		documents: map[DocumentKey]*structpb.Struct{},
		removes:   make(chan int32, 16),
	}
}

func (self *fakeSyncServer) dial(ctx context.Context) (Transport, error) {
	client, server := NewLoopbackTransportPair()
	go self.serve(server)
	return client, nil
}

func (self *fakeSyncServer) serve(transport *LoopbackTransport) {
	listenKind := map[uint32]bool{}
	writeKind := map[uint32]bool{}
	var listenStreamId uint32
	activeTargets := map[int32]bool{}

	sendWatchChange := func(streamId uint32, change WatchChange) {
		payload, err := self.codec.EncodeListenResponse(change)
		if err != nil {
			self.t.Errorf("encode listen response = %s", err)
			return
		}
		transport.Send(&Frame{StreamId: streamId, Kind: FrameData, Payload: payload})
	}
	sendWriteResponse := func(streamId uint32, response *WriteResponse) {
		payload, err := self.codec.EncodeWriteResponse(response)
		if err != nil {
			self.t.Errorf("encode write response = %s", err)
			return
		}
		transport.Send(&Frame{StreamId: streamId, Kind: FrameData, Payload: payload})
	}

	for {
		frame, err := transport.Receive()
		if err != nil {
			return
		}
		if frame.Kind != FrameData {
			continue
		}

		// the first data frame on a stream identifies its protocol
		if !listenKind[frame.StreamId] && !writeKind[frame.StreamId] {
			if _, err := self.codec.DecodeListenRequest(frame.Payload); err == nil {
				listenKind[frame.StreamId] = true
				listenStreamId = frame.StreamId
			} else {
				writeKind[frame.StreamId] = true
			}
		}

		if listenKind[frame.StreamId] {
			request, err := self.codec.DecodeListenRequest(frame.Payload)
			if err != nil {
				self.t.Errorf("decode listen request = %s", err)
				return
			}
			if request.AddTarget == nil {
				delete(activeTargets, request.RemoveTargetId)
				self.removes <- request.RemoveTargetId
				continue
			}
			targetId := request.AddTarget.TargetId
			if activeTargets[targetId] {
				// the client may replay a target it already watches
				continue
			}
			if self.rejectListens {
				sendWatchChange(frame.StreamId, &WatchTargetChange{
					State:     TargetRemove,
					TargetIds: []int32{targetId},
					Cause:     NewRpcError(StatusPermissionDenied, "listen denied"),
				})
				continue
			}
			activeTargets[targetId] = true
			sendWatchChange(frame.StreamId, &WatchTargetChange{
				State:     TargetAdd,
				TargetIds: []int32{targetId},
			})
			now := time.Now()
			for key, fields := range self.documents {
				sendWatchChange(frame.StreamId, &WatchDocumentChange{
					Document: &Document{
						Key:        key,
						Fields:     fields,
						UpdateTime: now,
						ReadTime:   now,
					},
					UpdatedTargetIds: []int32{targetId},
				})
			}
			sendWatchChange(frame.StreamId, &WatchTargetChange{
				State:       TargetCurrent,
				TargetIds:   []int32{targetId},
				ResumeToken: []byte("tok"),
				ReadTime:    now,
			})
			continue
		}

		request, err := self.codec.DecodeWriteRequest(frame.Payload)
		if err != nil {
			self.t.Errorf("decode write request = %s", err)
			return
		}
		if request.IsHandshake() {
			sendWriteResponse(frame.StreamId, &WriteResponse{StreamToken: []byte("wt")})
			continue
		}
		if self.rejectWrites {
			transport.Send(&Frame{
				StreamId: frame.StreamId,
				Kind:     FrameError,
				Status:   NewRpcError(StatusInvalidArgument, "write denied"),
			})
			continue
		}

		commitTime := time.Now()
		writeResults := make([]*WriteResult, 0, len(request.Writes))
		for _, write := range request.Writes {
			self.documents[write.Key] = write.Fields
			writeResults = append(writeResults, &WriteResult{UpdateTime: commitTime})
		}
		sendWriteResponse(frame.StreamId, &WriteResponse{
			StreamToken:  []byte("wt"),
			CommitTime:   commitTime,
			WriteResults: writeResults,
		})

		// broadcast the committed versions to the watchers
		if 0 < len(activeTargets) {
			targetIds := []int32{}
			for targetId := range activeTargets {
				targetIds = append(targetIds, targetId)
			}
			for _, write := range request.Writes {
				sendWatchChange(listenStreamId, &WatchDocumentChange{
					Document: &Document{
						Key:        write.Key,
						Fields:     self.documents[write.Key],
						UpdateTime: commitTime,
						ReadTime:   commitTime,
					},
					UpdatedTargetIds: targetIds,
				})
			}
			sendWatchChange(listenStreamId, &WatchTargetChange{
				State:       TargetNoChange,
				ResumeToken: []byte("tok"),
				ReadTime:    commitTime,
			})
		}
	}
}

func testSyncSettings() *SyncSettings {
	settings := DefaultSyncSettings()
	settings.ListenBackoffSettings = testBackoffSettings()
	settings.WriteBackoffSettings = testBackoffSettings()
	return settings
}

func waitForSnapshot(t *testing.T, snapshots chan *ViewSnapshot, what string, predicate func(snapshot *ViewSnapshot) bool) *ViewSnapshot {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snapshot := <-snapshots:
			if predicate(snapshot) {
				return snapshot
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
			return nil
		}
	}
}

func TestSyncEngineListenAndWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec := testCodec()
	server := newFakeSyncServer(t, codec)
	server.documents[RequireDocumentKey("cities/sf")] = testFields(map[string]any{
		"name":  "San Francisco",
		"state": "CA",
	})

	conn := NewConnWithDefaults(ctx, server.dial)
	defer conn.Close()

	engine, err := NewSyncEngine(ctx, conn, codec, nil, NewMemoryPersistence(), testSyncSettings())
	assert.Equal(t, err, nil)
	defer engine.Shutdown()

	query := NewCollectionQuery("cities").Where("state", OperatorEqual, "CA")
	snapshots := make(chan *ViewSnapshot, 64)
	registration, err := engine.Listen(query, func(snapshot *ViewSnapshot) {
		snapshots <- snapshot
	})
	assert.Equal(t, err, nil)

	// the view starts from cache, then the server backfills and marks
	// the target current
	snapshot := waitFor(t, snapshots, "initial snapshot")
	assert.Equal(t, true, snapshot.FromCache)
	assert.Equal(t, 0, len(snapshot.Documents))

	snapshot = waitForSnapshot(t, snapshots, "server snapshot", func(snapshot *ViewSnapshot) bool {
		return !snapshot.FromCache && len(snapshot.Documents) == 1
	})
	assert.Equal(t, RequireDocumentKey("cities/sf"), snapshot.Documents[0].Key)
	assert.Equal(t, false, snapshot.HasPendingWrites)

	// a local write overlays immediately and commits on the server
	mutations := []*Mutation{
		NewSetMutation(RequireDocumentKey("cities/la"), testFields(map[string]any{
			"name":  "Los Angeles",
			"state": "CA",
		})),
	}
	ack, err := engine.Write(ctx, mutations)
	assert.Equal(t, err, nil)

	snapshot = waitForSnapshot(t, snapshots, "overlay snapshot", func(snapshot *ViewSnapshot) bool {
		return len(snapshot.Documents) == 2 && snapshot.HasPendingWrites
	})
	select {
	case ackErr := <-ack:
		assert.Equal(t, ackErr, nil)
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for write ack")
	}

	// the committed version comes back through the listen stream and
	// the pending state clears
	snapshot = waitForSnapshot(t, snapshots, "committed snapshot", func(snapshot *ViewSnapshot) bool {
		return len(snapshot.Documents) == 2 && !snapshot.HasPendingWrites && !snapshot.FromCache
	})
	assert.Equal(t, RequireDocumentKey("cities/la"), snapshot.Documents[0].Key)

	doc := engine.GetDocument(RequireDocumentKey("cities/la"))
	assert.Equal(t, true, doc.Exists())

	// detaching the last listener releases the server target
	registration.Detach()
	assert.Equal(t, int32(2), waitFor(t, server.removes, "remove target"))
}

func TestSyncEngineConcurrentListen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec := testCodec()
	server := newFakeSyncServer(t, codec)

	conn := NewConnWithDefaults(ctx, server.dial)
	defer conn.Close()

	engine, err := NewSyncEngine(ctx, conn, codec, nil, NewMemoryPersistence(), testSyncSettings())
	assert.Equal(t, err, nil)
	defer engine.Shutdown()

	// racing listeners on the same query all attach to one shared
	// target
	query := NewCollectionQuery("cities")
	type listenResult struct {
		registration *ListenerRegistration
		err          error
	}
	n := 8
	results := make(chan listenResult, n)
	for i := 0; i < n; i += 1 {
		go func() {
			registration, err := engine.Listen(query, func(snapshot *ViewSnapshot) {})
			results <- listenResult{registration: registration, err: err}
		}()
	}

	registrations := []*ListenerRegistration{}
	for i := 0; i < n; i += 1 {
		result := waitFor(t, results, "listen result")
		assert.Equal(t, result.err, nil)
		registrations = append(registrations, result.registration)
	}
	for _, registration := range registrations {
		assert.Equal(t, int32(2), registration.targetId)
	}
	assert.Equal(t, n, engine.local.ListenerCount(2))

	// the target is released once the last listener detaches
	for _, registration := range registrations {
		registration.Detach()
	}
	assert.Equal(t, 0, engine.local.ListenerCount(2))
	assert.Equal(t, int32(2), waitFor(t, server.removes, "remove target"))
}

func TestSyncEngineWriteRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec := testCodec()
	server := newFakeSyncServer(t, codec)
	server.rejectWrites = true

	conn := NewConnWithDefaults(ctx, server.dial)
	defer conn.Close()

	engine, err := NewSyncEngine(ctx, conn, codec, nil, NewMemoryPersistence(), testSyncSettings())
	assert.Equal(t, err, nil)
	defer engine.Shutdown()

	mutations := []*Mutation{
		NewSetMutation(RequireDocumentKey("cities/la"), testFields(map[string]any{"name": "LA"})),
	}
	ack, err := engine.Write(ctx, mutations)
	assert.Equal(t, err, nil)

	// the permanent rejection surfaces on the ack channel and the
	// overlay is dropped
	select {
	case ackErr := <-ack:
		assert.NotEqual(t, ackErr, nil)
		assert.Equal(t, true, IsPermanentWriteError(ackErr))
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for write rejection")
	}
	assert.Equal(t, engine.GetDocument(RequireDocumentKey("cities/la")), nil)
}

func TestSyncEngineListenRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec := testCodec()
	server := newFakeSyncServer(t, codec)
	server.rejectListens = true

	conn := NewConnWithDefaults(ctx, server.dial)
	defer conn.Close()

	engine, err := NewSyncEngine(ctx, conn, codec, nil, NewMemoryPersistence(), testSyncSettings())
	assert.Equal(t, err, nil)
	defer engine.Shutdown()

	type listenError struct {
		query *QueryDefinition
		err   error
	}
	listenErrors := make(chan listenError, 1)
	engine.SetListenErrorHandler(func(query *QueryDefinition, err error) {
		listenErrors <- listenError{query: query, err: err}
	})

	query := NewCollectionQuery("cities")
	snapshots := make(chan *ViewSnapshot, 16)
	_, err = engine.Listen(query, func(snapshot *ViewSnapshot) {
		snapshots <- snapshot
	})
	assert.Equal(t, err, nil)

	rejection := waitFor(t, listenErrors, "listen rejection")
	assert.Equal(t, query.CanonicalId(), rejection.query.CanonicalId())
	assert.Equal(t, true, IsPermanentError(rejection.err))
}
