package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// Strategy converts frames to and from payload bytes. Implementations are
// stateless and safe for concurrent use.
type Strategy interface {
	Name() string
	EncodeFrame(f *Frame) ([]byte, error)
	DecodeFrame(b []byte) (*Frame, error)
	EncodeBatch(frames []Frame) ([]byte, error)
	DecodeBatch(b []byte) ([]Frame, error)
}

// Strategy names.
const (
	NameCBOR    = "cbor"
	NameJSON    = "json"
	NameProto   = "proto"
	NameCompact = "compact"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Strategy{}
)

func init() {
	Register(CBOR{})
	Register(JSON{})
	Register(Proto{})
	Register(Compact{})
}

// Register adds s under its Name, replacing any previous entry.
func Register(s Strategy) {
	registryMu.Lock()
	registry[s.Name()] = s
	registryMu.Unlock()
}

// StrategyByName returns the registered strategy called name.
func StrategyByName(name string) (Strategy, error) {
	registryMu.RLock()
	s, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown serialization strategy %q", name)
	}
	return s, nil
}

// Strategies returns the registered strategy names in sorted order.
func Strategies() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lossless reports whether a frame survives EncodeFrame/DecodeFrame intact
// under the named strategy. The compact line form keeps only ids, positions
// and new collisions.
func Lossless(name string) bool {
	return name != NameCompact
}
