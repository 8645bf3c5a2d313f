package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/hKV/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding. Message types are
// encoded by name and byte slices as base64.
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Deserialize rejects unknown fields, a message from a different protocol version
// fails instead of being half decoded
func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var decoded common.Message
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("json: trailing data after message")
	}
	*msg = decoded
	return nil
}

func (j jsonSerializerImpl) Name() string { return "json" }
