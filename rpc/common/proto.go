package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/hKV/lib/store"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key     string `json:"key,omitempty"`     // Used for: all KV and lock operations, topic / pattern of pub/sub operations
	Value   []byte `json:"value,omitempty"`   // Used for: Upsert, RMW (request: merge argument), Read, Release (owner), Publish, Event
	Op      string `json:"op,omitempty"`      // Used for: RMW (merge operator), Event (kind)
	Timeout uint64 `json:"timeout,omitempty"` // Used for: Acquire (lock timeout in ms)
	Address uint64 `json:"address,omitempty"` // Used for: Event (log address of the mutation), Publish (response: receivers)

	// Response only fields
	Ok   bool   `json:"ok,omitempty"`   // Used for: Read, Acquire, Release responses
	Code uint64 `json:"code,omitempty"` // store.RetCode of Err
	Err  string `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Used for: Info (json encoded db.DatabaseInfo), Checkpoint (token)
}

// Error returns the error carried by a response, nil if there is none.
// The error is a *store.Error, so errors.Is works with the db sentinels on the client side.
func (m *Message) Error() error {
	if m.MsgType != MsgTError && m.Err == "" {
		return nil
	}
	code := store.RetCode(m.Code)
	if code == store.RetCSuccess {
		code = store.RetCInternalError
	}
	return store.NewError(code, m.Err)
}

// withErr sets the error fields of msg
func (m *Message) withErr(err error) *Message {
	if e := store.FromError(err); e != nil {
		m.Code = uint64(e.Code)
		m.Err = e.Msg
	}
	return m
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewUpsertRequest creates a new Upsert request
func NewUpsertRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTKVUpsert,
		Key:     key,
		Value:   value,
	}
}

// NewUpsertResponse creates a new Upsert response
func NewUpsertResponse(err error) *Message {
	return (&Message{MsgType: MsgTKVUpsert}).withErr(err)
}

// NewReadRequest creates a new Read request
func NewReadRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVRead,
		Key:     key,
	}
}

// NewReadResponse creates a new Read response
func NewReadResponse(value []byte, ok bool, err error) *Message {
	return (&Message{
		MsgType: MsgTKVRead,
		Ok:      ok,
		Value:   value,
	}).withErr(err)
}

// NewRMWRequest creates a new RMW request for the merge operator op
func NewRMWRequest(key, op string, arg []byte) *Message {
	return &Message{
		MsgType: MsgTKVRMW,
		Key:     key,
		Op:      op,
		Value:   arg,
	}
}

// NewRMWResponse creates a new RMW response
func NewRMWResponse(value []byte, err error) *Message {
	return (&Message{
		MsgType: MsgTKVRMW,
		Value:   value,
	}).withErr(err)
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVDelete,
		Key:     key,
	}
}

// NewDeleteResponse creates a new Delete response
func NewDeleteResponse(err error) *Message {
	return (&Message{MsgType: MsgTKVDelete}).withErr(err)
}

// NewCheckpointRequest creates a new Checkpoint request
func NewCheckpointRequest() *Message {
	return &Message{MsgType: MsgTKVCheckpoint}
}

// NewCheckpointResponse creates a new Checkpoint response
func NewCheckpointResponse(token string, err error) *Message {
	msg := &Message{MsgType: MsgTKVCheckpoint}
	if token != "" {
		msg.Meta = []byte(token)
	}
	return msg.withErr(err)
}

// NewInfoRequest creates a new Info request
func NewInfoRequest() *Message {
	return &Message{MsgType: MsgTKVInfo}
}

// NewInfoResponse creates a new Info response, info is sent as json
func NewInfoResponse(info []byte, err error) *Message {
	return (&Message{
		MsgType: MsgTKVInfo,
		Meta:    info,
	}).withErr(err)
}

// NewAcquireRequest creates a new Acquire request
func NewAcquireRequest(key string, timeout time.Duration) *Message {
	return &Message{
		MsgType: MsgTLCKAcquire,
		Key:     key,
		Timeout: uint64(timeout.Milliseconds()),
	}
}

// NewAcquireResponse creates a new Acquire response
func NewAcquireResponse(ok bool, ownerID []byte, err error) *Message {
	return (&Message{
		MsgType: MsgTLCKAcquire,
		Ok:      ok,
		Value:   ownerID,
	}).withErr(err)
}

// NewReleaseRequest creates a new Release request
func NewReleaseRequest(key string, ownerID []byte) *Message {
	return &Message{
		MsgType: MsgTLCKRelease,
		Key:     key,
		Value:   ownerID,
	}
}

// NewReleaseResponse creates a new Release response
func NewReleaseResponse(ok bool, err error) *Message {
	return (&Message{
		MsgType: MsgTLCKRelease,
		Ok:      ok,
	}).withErr(err)
}

// NewPublishRequest creates a new Publish request
func NewPublishRequest(topic string, payload []byte) *Message {
	return &Message{
		MsgType: MsgTPSPublish,
		Key:     topic,
		Value:   payload,
	}
}

// NewPublishResponse creates a new Publish response, receivers is the number of subscriptions
func NewPublishResponse(receivers int, err error) *Message {
	return (&Message{
		MsgType: MsgTPSPublish,
		Address: uint64(receivers),
	}).withErr(err)
}

// NewSubscribeRequest creates a new request that subscribes to the events of key (or topic)
func NewSubscribeRequest(key string) *Message {
	return &Message{
		MsgType: MsgTPSSubscribe,
		Key:     key,
	}
}

// NewPSubscribeRequest creates a new request that subscribes to all keys (or topics) starting with prefix
func NewPSubscribeRequest(prefix string) *Message {
	return &Message{
		MsgType: MsgTPSPSubscribe,
		Key:     prefix,
	}
}

// NewEventMessage creates a new Event message, sent from the server for every event of a subscription
func NewEventMessage(kind, key string, value []byte, address uint64) *Message {
	return &Message{
		MsgType: MsgTPSEvent,
		Op:      kind,
		Key:     key,
		Value:   value,
		Address: address,
	}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(code store.RetCode, err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Code:    uint64(code),
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

var msgTypeNames = map[MessageType]string{
	MsgTSuccess:      "success",
	MsgTError:        "error",
	MsgTKVUpsert:     "upsert",
	MsgTKVRead:       "read",
	MsgTKVRMW:        "rmw",
	MsgTKVDelete:     "delete",
	MsgTKVCheckpoint: "checkpoint",
	MsgTKVInfo:       "info",
	MsgTLCKAcquire:   "acquire",
	MsgTLCKRelease:   "release",
	MsgTPSPublish:    "publish",
	MsgTPSSubscribe:  "subscribe",
	MsgTPSPSubscribe: "psubscribe",
	MsgTPSEvent:      "event",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// IsStream reports whether requests of this type open a stream of events.
func (t MessageType) IsStream() bool {
	return t == MsgTPSSubscribe || t == MsgTPSPSubscribe
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	for msgType, name := range msgTypeNames {
		if name == s {
			*t = msgType
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// IStore operations

	MsgTKVUpsert     // Insert or replace a value
	MsgTKVRead       // Read a value by key
	MsgTKVRMW        // Read-modify-write with a merge operator
	MsgTKVDelete     // Delete a key
	MsgTKVCheckpoint // Take a checkpoint
	MsgTKVInfo       // Get database information

	// ILockManager operations

	MsgTLCKAcquire // Acquire a lock
	MsgTLCKRelease // Release a lock

	// Pub/Sub operations

	MsgTPSPublish    // Publish a payload on a topic
	MsgTPSSubscribe  // Subscribe to a key or topic (stream)
	MsgTPSPSubscribe // Subscribe to a key or topic prefix (stream)
	MsgTPSEvent      // Event of a subscription (server -> client)

	MaxMessageType = MsgTPSEvent // highest valid message type
)
