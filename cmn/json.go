package cmn

import (
	"reflect"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MustMarshal panics on failure - used only for values whose shape is
// controlled entirely by this module (mirrors dbdriver.bunt.go's own
// cmn.MustMarshal call, now folded directly into this package).
func MustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// Metadata is the unordered string->JSON-value mapping carried on every
// Node (spec.md §3.1 "data: metadata").
type Metadata map[string]interface{}

// Clone returns a shallow copy safe to mutate independently of the source.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge applies set/unset deltas the way orchestrator's updateNodeMetadata
// command does (spec.md §4.F.1).
func (m Metadata) Merge(set Metadata, unset []string) Metadata {
	out := m.Clone()
	for k, v := range set {
		out[k] = v
	}
	for _, k := range unset {
		delete(out, k)
	}
	return out
}

// Equal reports whether two Metadata values carry the same keys and values.
// Used to detect a replayed idempotency key whose parameters don't match
// the original command (spec.md §4.F.2 step 2).
func (m Metadata) Equal(other Metadata) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		ov, ok := other[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}
