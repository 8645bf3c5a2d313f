package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/hKV/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format:
//
//	[1 byte MsgType][2 bytes flags, big endian][present fields in flag order]
//
// Strings and byte slices are prefixed with their uint32 length, integers are
// written as uint64. Ok is encoded by its flag alone.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey     uint16 = 1 << 0
	hasValue   uint16 = 1 << 1
	hasOp      uint16 = 1 << 2
	hasTimeout uint16 = 1 << 3
	hasAddress uint16 = 1 << 4
	hasOk      uint16 = 1 << 5
	hasCode    uint16 = 1 << 6
	hasErr     uint16 = 1 << 7
	hasMeta    uint16 = 1 << 8
)

const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	result := make([]byte, headerSize, b.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.MsgType)

	var flags uint16

	if msg.Key != "" {
		flags |= hasKey
		result = appendBytes(result, []byte(msg.Key))
	}
	// nil and empty values are different (empty value vs. no value)
	if msg.Value != nil {
		flags |= hasValue
		result = appendBytes(result, msg.Value)
	}
	if msg.Op != "" {
		flags |= hasOp
		result = appendBytes(result, []byte(msg.Op))
	}
	if msg.Timeout > 0 {
		flags |= hasTimeout
		result = binary.BigEndian.AppendUint64(result, msg.Timeout)
	}
	if msg.Address > 0 {
		flags |= hasAddress
		result = binary.BigEndian.AppendUint64(result, msg.Address)
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Code > 0 {
		flags |= hasCode
		result = binary.BigEndian.AppendUint64(result, msg.Code)
	}
	if msg.Err != "" {
		flags |= hasErr
		result = appendBytes(result, []byte(msg.Err))
	}
	if msg.Meta != nil {
		flags |= hasMeta
		result = appendBytes(result, msg.Meta)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[1:3], flags)

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	msg.MsgType = common.MessageType(data[0])
	flags := binary.BigEndian.Uint16(data[1:3])
	r := reader{data: data, pos: headerSize}

	msg.Key = ""
	if flags&hasKey != 0 {
		msg.Key = string(r.bytes("key"))
	}

	msg.Value = nil
	if flags&hasValue != 0 {
		// copy, data belongs to a reused buffer of the transport
		msg.Value = append([]byte{}, r.bytes("value")...)
	}

	msg.Op = ""
	if flags&hasOp != 0 {
		msg.Op = string(r.bytes("op"))
	}

	msg.Timeout = 0
	if flags&hasTimeout != 0 {
		msg.Timeout = r.uint64("timeout")
	}

	msg.Address = 0
	if flags&hasAddress != 0 {
		msg.Address = r.uint64("address")
	}

	msg.Ok = flags&hasOk != 0

	msg.Code = 0
	if flags&hasCode != 0 {
		msg.Code = r.uint64("code")
	}

	msg.Err = ""
	if flags&hasErr != 0 {
		msg.Err = string(r.bytes("error"))
	}

	msg.Meta = nil
	if flags&hasMeta != 0 {
		msg.Meta = append([]byte{}, r.bytes("meta")...)
	}

	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) Name() string { return "binary" }

func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 2 bytes for flags
	size := headerSize

	// Add sizes for fields that require length encoding
	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Op != "" {
		size += 4 + len(msg.Op)
	}
	if msg.Timeout > 0 {
		size += 8
	}
	if msg.Address > 0 {
		size += 8
	}
	if msg.Code > 0 {
		size += 8
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}

	return size
}

// appendBytes appends b with its uint32 length prefix
func appendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// reader reads the fields of a message, the first error sticks
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) bytes(field string) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+4 > len(r.data) {
		r.err = fmt.Errorf("data too short for %s length", field)
		return nil
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s data", field)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) uint64(field string) uint64 {
	if r.err != nil {
		return 0
	}
	if r.pos+8 > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}
