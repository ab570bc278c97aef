package serializer

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/google/uuid"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

var (
	testSession = uuid.MustParse("5f0c7e4a-41d2-4f5e-9a77-3f8f2e6f1b10")
	testBranchA = history.BranchID(uuid.MustParse("0b7a1c1e-8c59-4a0e-9f55-0a3bdfb1a001"))
	testBranchB = history.BranchID(uuid.MustParse("0b7a1c1e-8c59-4a0e-9f55-0a3bdfb1a002"))
)

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	r := region.IntSpan(0, 100)
	root := history.Branch{ID: testBranchA, Region: r, Latest: 12}
	fork := history.Branch{
		ID:      testBranchB,
		Region:  region.IntSpan(0, 50),
		Origin:  history.NewMetainfo(region.IntSpan(0, 50), history.Version{Branch: testBranchA, Timestamp: 5}),
		Initial: 5,
		Latest:  9,
	}
	meta := history.NewMetainfo(r, history.Version{Branch: testBranchA, Timestamp: 5})
	directives := []history.Directive{
		{
			Range:  region.KeyRange{Start: region.IntKey(0), End: region.IntKey(50)},
			Mode:   history.ModeIncremental,
			Since:  5,
			From:   history.Version{Branch: testBranchA, Timestamp: 5},
			Target: history.Version{Branch: testBranchA, Timestamp: 12},
		},
		{
			Range:  region.KeyRange{Start: region.IntKey(50), End: region.IntKey(100)},
			Mode:   history.ModeSnapshot,
			Target: history.Version{Branch: testBranchB, Timestamp: 9},
		},
	}
	chunk := store.Chunk{
		Range: region.KeyRange{Start: region.IntKey(0), End: region.IntKey(10)},
		Mode:  history.ModeIncremental,
		Items: []store.Item{
			{Key: region.IntKey(1), Value: []byte("one"), Recency: 6},
			{Key: region.IntKey(2), Recency: 7, Deleted: true},
		},
		Version: history.Version{Branch: testBranchA, Timestamp: 12},
	}
	reply := common.Address{Peer: "node-1", Mailbox: common.FirstDynamicMailboxID}

	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTBackfillDone, Session: testSession},

		*common.NewBackfillRequest(testSession, reply, r, meta, []history.Branch{root, fork}, 8),
		*common.NewBackfillStart(testSession, reply, directives, meta, []history.Branch{root}),
		*common.NewBackfillChunk(testSession, 1, 42, true, chunk),
		*common.NewBackfillChunk(testSession, 0, 0, false, store.Chunk{Range: chunk.Range, Mode: history.ModeSnapshot, Version: chunk.Version}),
		*common.NewBackfillAck(testSession, 1),
		*common.NewBackfillCancel(testSession, common.ErrCInterrupted, "caller gave up"),
		{MsgType: common.MsgTError, Session: testSession, Code: common.ErrCConflict, Err: "test error message"},
	}
}

// sameMessage compares two messages by value. Regions, maps and byte slices
// compare by content, so nil and empty are treated alike.
func sameMessage(t *testing.T, want, got common.Message) {
	t.Helper()
	if want.MsgType != got.MsgType || want.Session != got.Session || want.Reply != got.Reply {
		t.Errorf("header mismatch: want %s reply %s, got %s reply %s", &want, want.Reply, &got, got.Reply)
	}
	if !want.Region.Equal(got.Region) {
		t.Errorf("region mismatch: want %s, got %s", want.Region, got.Region)
	}
	if !want.Metainfo.Equal(got.Metainfo) {
		t.Errorf("metainfo mismatch: want %s, got %s", want.Metainfo, got.Metainfo)
	}
	if len(want.Branches) != len(got.Branches) {
		t.Fatalf("branch count mismatch: want %d, got %d", len(want.Branches), len(got.Branches))
	}
	for i := range want.Branches {
		if !want.Branches[i].SameDefinition(got.Branches[i]) || want.Branches[i].Latest != got.Branches[i].Latest {
			t.Errorf("branch %d mismatch: want %s, got %s", i, want.Branches[i], got.Branches[i])
		}
	}
	if len(want.Directives) != len(got.Directives) || (len(want.Directives) > 0 && !reflect.DeepEqual(want.Directives, got.Directives)) {
		t.Errorf("directives mismatch: want %v, got %v", want.Directives, got.Directives)
	}
	if want.Window != got.Window || want.Directive != got.Directive || want.Seq != got.Seq ||
		want.Last != got.Last || want.Credits != got.Credits || want.Code != got.Code || want.Err != got.Err {
		t.Errorf("scalar fields mismatch:\nwant %+v\ngot  %+v", want, got)
	}
	if (want.Chunk == nil) != (got.Chunk == nil) {
		t.Fatalf("chunk presence mismatch: want %v, got %v", want.Chunk, got.Chunk)
	}
	if want.Chunk == nil {
		return
	}
	wc, gc := want.Chunk, got.Chunk
	if wc.Range != gc.Range || wc.Mode != gc.Mode || wc.Version != gc.Version || len(wc.Items) != len(gc.Items) {
		t.Fatalf("chunk mismatch: want %s, got %s", wc, gc)
	}
	for i := range wc.Items {
		w, g := wc.Items[i], gc.Items[i]
		if w.Key != g.Key || w.Recency != g.Recency || w.Deleted != g.Deleted || !bytes.Equal(w.Value, g.Value) {
			t.Errorf("item %d mismatch: want %+v, got %+v", i, w, g)
		}
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				sameMessage(t, msg, result)
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for msgType := common.MsgTError; msgType <= common.MsgTBackfillCancel; msgType++ {
				msg := common.Message{MsgType: msgType}

				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType, err)
					continue
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType, err)
					continue
				}

				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s", msgType, result.MsgType)
				}
			}
		})
	}
}

// TestBinaryDeserializeResetsMessage checks that fields of a reused message
// do not leak into the next decoded message
func TestBinaryDeserializeResetsMessage(t *testing.T) {
	serializer := NewBinarySerializer()
	messages := testMessages()

	var reused common.Message
	for i, msg := range messages {
		data, err := serializer.Serialize(msg)
		if err != nil {
			t.Fatalf("Failed to serialize message %d: %v", i, err)
		}
		if err := serializer.Deserialize(data, &reused); err != nil {
			t.Fatalf("Failed to deserialize message %d: %v", i, err)
		}
		sameMessage(t, msg, reused)
	}
}

// TestBinaryAckIsSmall checks that the flag encoding keeps frequent messages compact
func TestBinaryAckIsSmall(t *testing.T) {
	data, err := NewBinarySerializer().Serialize(*common.NewBackfillAck(testSession, 1))
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}
	if len(data) != headerSize+4 {
		t.Errorf("ack encodes to %d bytes, expected %d", len(data), headerSize+4)
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	header := func(msgType common.MessageType, flags uint16) []byte {
		b := []byte{byte(msgType), byte(flags >> 8), byte(flags)}
		return append(b, testSession[:]...)
	}

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0, 0}, // no session
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        header(common.MsgTBackfillDone, 0),
			expectError: false,
		},
		{
			name:        "Unknown flag",
			data:        header(common.MsgTBackfillDone, 1<<15),
			expectError: true,
		},
		{
			name:        "Missing credits",
			data:        header(common.MsgTBackfillAck, hasCredits),
			expectError: true,
		},
		{
			name:        "Invalid length for error",
			data:        append(header(common.MsgTError, hasErr), 0, 0, 0, 5, 'a', 'b'),
			expectError: true,
		},
		{
			name:        "Trailing bytes",
			data:        append(header(common.MsgTBackfillDone, 0), 0),
			expectError: true,
		},
		{
			name:        "Malformed key range in region",
			data:        append(header(common.MsgTBackfillRequest, hasRegion), 0, 0, 0, 1, 0, 0, 0, 1, 'b', 0, 0, 0, 1, 'a'),
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", "binary", "json", "gob"} {
		if _, err := ByName(name); err != nil {
			t.Errorf("ByName(%q) failed: %v", name, err)
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Errorf("expected an error for an unknown serializer")
	}
}
