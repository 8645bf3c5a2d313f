package serializer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/ValentinKolb/hKV/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format.
// Every message is a self-contained gob stream (type information included).
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob encoding
type gobSerializerImpl struct {
}

var gobBuffers = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	buf := gobBuffers.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		gobBuffers.Put(buf)
	}()

	if err := gob.NewEncoder(buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("gob: %w", err)
	}
	// the buffer goes back to the pool
	return bytes.Clone(buf.Bytes()), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	// gob leaves fields that are zero in the stream untouched
	var decoded common.Message
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&decoded); err != nil {
		return fmt.Errorf("gob: %w", err)
	}
	*msg = decoded
	return nil
}

func (g gobSerializerImpl) Name() string { return "gob" }
