// Package metadata holds the string headers carried in a message envelope.
package metadata

import (
	"maps"
	"slices"
)

// Keys written by the producer.
const (
	KeyMessageType = "dqueue_message_type"
	KeyContentType = "dqueue_content_type"
	KeyHost        = "dqueue_host"
)

// Metadata represents the headers attached to an enqueued message.
type Metadata map[string]string

// New constructs Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Clone returns a shallow copy. The result is never nil.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	maps.Copy(out, m)
	return out
}

// Merge returns a copy of m overlaid with every entry from the supplied maps
// in order, later values winning.
func (m Metadata) Merge(others ...Metadata) Metadata {
	out := m.Clone()
	for _, o := range others {
		maps.Copy(out, o)
	}
	return out
}

// Get returns the value for key and whether it was present.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}
