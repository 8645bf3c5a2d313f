package serializer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ValentinKolb/hKV/rpc/common"
)

// IRPCSerializer converts messages to and from their wire format.
//
// Thread-safety: Implementations are stateless and safe for concurrent use.
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg. Fields that are not present in b are reset.
	Deserialize(b []byte, msg *common.Message) error
	// Name is the name the serializer is selected by (see New)
	Name() string
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

var factories = map[string]func() IRPCSerializer{
	"binary": NewBinarySerializer,
	"gob":    NewGOBSerializer,
	"json":   NewJSONSerializer,
}

// New returns the serializer with the given name (binary, gob or json)
func New(name string) (IRPCSerializer, error) {
	factory, ok := factories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("invalid serializer %q (must be one of %s)", name, strings.Join(Names(), ", "))
	}
	return factory(), nil
}

// Names returns the sorted names of all serializers
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
