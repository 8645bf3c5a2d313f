package serializer

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/ValentinKolb/hKV/rpc/common"
)

// roundTrip serializes and deserializes msg with s
func roundTrip(t *testing.T, s IRPCSerializer, msg common.Message) common.Message {
	t.Helper()
	data, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("%s: failed to serialize %s: %v", s.Name(), msg.MsgType, err)
	}
	var result common.Message
	if err := s.Deserialize(data, &result); err != nil {
		t.Fatalf("%s: failed to deserialize %s: %v", s.Name(), msg.MsgType, err)
	}
	return result
}

// protocolMessages are the requests and responses the server and clients exchange
func protocolMessages() map[string]*common.Message {
	return map[string]*common.Message{
		"upsert":             common.NewUpsertRequest("user:1", []byte("alice")),
		"upsert response":    common.NewUpsertResponse(nil),
		"read":               common.NewReadRequest("user:1"),
		"read hit":           common.NewReadResponse([]byte("alice"), true, nil),
		"read miss":          common.NewReadResponse(nil, false, db.ErrNotFound),
		"rmw":                common.NewRMWRequest("visits", "incr", []byte("5")),
		"rmw response":       common.NewRMWResponse([]byte("12"), nil),
		"delete":             common.NewDeleteRequest("user:1"),
		"checkpoint":         common.NewCheckpointResponse("3f2a9c1e-token", nil),
		"checkpoint failed":  common.NewCheckpointResponse("", db.ErrUnsupported),
		"info":               common.NewInfoResponse([]byte(`{"db_type":"larch"}`), nil),
		"acquire":            common.NewAcquireRequest("jobs/1", 1500*time.Millisecond),
		"acquire response":   common.NewAcquireResponse(true, []byte{0xde, 0xad, 0xbe, 0xef}, nil),
		"release":            common.NewReleaseRequest("jobs/1", []byte{0xde, 0xad, 0xbe, 0xef}),
		"publish":            common.NewPublishRequest("news", []byte("hello")),
		"publish response":   common.NewPublishResponse(3, nil),
		"psubscribe":         common.NewPSubscribeRequest("user:"),
		"upsert event":       common.NewEventMessage("upsert", "user:1", []byte("bob"), 1<<33),
		"delete event":       common.NewEventMessage("delete", "user:1", nil, 1<<33+64),
		"error":              common.NewErrorResponse(store.RetCInternalError, "disk full"),
		"closed store error": common.NewUpsertResponse(db.ErrClosed),
	}
}

func TestSerializerRoundTrip(t *testing.T) {
	for _, name := range Names() {
		s, err := New(name)
		if err != nil {
			t.Fatal(err)
		}
		t.Run(name, func(t *testing.T) {
			for desc, msg := range protocolMessages() {
				if got := roundTrip(t, s, *msg); !reflect.DeepEqual(*msg, got) {
					t.Errorf("%s changed in the round trip:\nsent: %+v\ngot:  %+v", desc, *msg, got)
				}
			}
		})
	}
}

// TestErrorsSurviveRoundTrip tests that a client sees the sentinel error the server sent
func TestErrorsSurviveRoundTrip(t *testing.T) {
	for _, name := range Names() {
		s, _ := New(name)
		got := roundTrip(t, s, *common.NewReadResponse(nil, false, db.ErrNotFound))
		if err := got.Error(); !errors.Is(err, db.ErrNotFound) {
			t.Errorf("%s: expected a not found error, got %v", name, err)
		}
	}
}

func TestMessageTypes(t *testing.T) {
	for _, name := range Names() {
		s, _ := New(name)
		for msgType := common.MsgTSuccess; msgType <= common.MaxMessageType; msgType++ {
			if got := roundTrip(t, s, common.Message{MsgType: msgType}); got.MsgType != msgType {
				t.Errorf("%s: expected %s, got %s", name, msgType, got.MsgType)
			}
		}
	}
}

// TestBinaryEmptyValues tests that the binary format keeps zero values and
// tells nil and empty slices apart
func TestBinaryEmptyValues(t *testing.T) {
	s := NewBinarySerializer()

	for desc, msg := range map[string]common.Message{
		"zero message":           {},
		"empty value":            {MsgType: common.MsgTKVUpsert, Key: "k", Value: []byte{}},
		"empty key and meta":     {MsgType: common.MsgTKVInfo, Meta: []byte{}},
		"ok without payload":     {MsgType: common.MsgTKVRead, Ok: true},
		"zero timeout and owner": {MsgType: common.MsgTLCKRelease, Key: "lock", Value: []byte{}},
	} {
		if got := roundTrip(t, s, msg); !reflect.DeepEqual(msg, got) {
			t.Errorf("%s changed in the round trip:\nsent: %+v\ngot:  %+v", desc, msg, got)
		}
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

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
			data:        []byte{1}, // Only message type, no flags
			expectError: true,
		},
		{
			name:        "Too short flags",
			data:        []byte{1, 0}, // Message type and half of the flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0}, // Message type 1, no flags
			expectError: false,
		},
		{
			name:        "Ok flag without payload",
			data:        []byte{3, 0, 32}, // Ok is encoded by its flag
			expectError: false,
		},
		{
			name:        "Invalid length for key",
			data:        []byte{1, 0, 1, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims key length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for value",
			data:        []byte{1, 0, 2, 0, 0, 0, 10}, // Claims value length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Missing timeout",
			data:        []byte{11, 0, 8, 0, 0, 0}, // Timeout needs 8 bytes
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

// TestBinaryDeserializeCopies tests that deserialized slices do not alias the input buffer,
// the socket transports reuse their read buffers
func TestBinaryDeserializeCopies(t *testing.T) {
	serializer := NewBinarySerializer()

	data, err := serializer.Serialize(common.Message{
		MsgType: common.MsgTKVUpsert,
		Key:     "key",
		Value:   []byte("value"),
		Meta:    []byte("meta"),
	})
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}

	var msg common.Message
	if err := serializer.Deserialize(data, &msg); err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}
	for i := range data {
		data[i] = 0
	}

	if string(msg.Value) != "value" || string(msg.Meta) != "meta" || msg.Key != "key" {
		t.Errorf("Message changed with its input buffer: %+v", msg)
	}
}

// TestNew tests the lookup of serializers by name
func TestNew(t *testing.T) {
	for _, name := range Names() {
		s, err := New(name)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("New(%q).Name() = %q", name, s.Name())
		}
	}
	if s, err := New(" JSON "); err != nil || s.Name() != "json" {
		t.Errorf("New(\" JSON \") = %v, %v", s, err)
	}
	if _, err := New("protobuf"); err == nil {
		t.Errorf("Expected an error for an unknown serializer")
	}
}

// TestJSONStrictDecoding tests that the json serializer rejects foreign messages
func TestJSONStrictDecoding(t *testing.T) {
	serializer := NewJSONSerializer()

	for _, data := range []string{
		`{"msg_type":"read","key":"k","ttl":5}`,
		`{"msg_type":"read"} {"msg_type":"read"}`,
		`{"msg_type":"no-such-type"}`,
	} {
		var msg common.Message
		if err := serializer.Deserialize([]byte(data), &msg); err == nil {
			t.Errorf("Expected an error for %s, got %+v", data, msg)
		}
	}

	msg := common.Message{Key: "stale", Ok: true}
	if err := serializer.Deserialize([]byte(`{"msg_type":"read","key":"k"}`), &msg); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if msg.Key != "k" || msg.Ok {
		t.Errorf("Fields of the previous message survived: %+v", msg)
	}
}
