package wsvpn

import (
	"slices"
	"strings"
)

const (
	// FeatureFragmentation enables the fragment framing on the data path
	FeatureFragmentation = "fragmentation"
	// FeatureDatagramID0 advertises support for datagram stream id 0
	FeatureDatagramID0 = "datagram_id_0"
)

// DefaultFeatures returns the features this client advertises.
func DefaultFeatures() FeatureSet {
	return NewFeatureSet(FeatureDatagramID0, FeatureFragmentation)
}

// FeatureSet is an immutable set of protocol feature names.
// The zero value is an empty set.
type FeatureSet struct {
	names []string // sorted, unique
}

// NewFeatureSet creates a set from names, dropping duplicates and empty names.
func NewFeatureSet(names ...string) FeatureSet {
	sorted := make([]string, 0, len(names))
	for _, name := range names {
		if name != "" {
			sorted = append(sorted, name)
		}
	}
	slices.Sort(sorted)
	return FeatureSet{names: slices.Compact(sorted)}
}

// Has reports whether name is in the set.
func (f FeatureSet) Has(name string) bool {
	_, found := slices.BinarySearch(f.names, name)
	return found
}

// Intersect returns the features present in both sets.
func (f FeatureSet) Intersect(other FeatureSet) FeatureSet {
	common := make([]string, 0, len(f.names))
	for _, name := range f.names {
		if other.Has(name) {
			common = append(common, name)
		}
	}
	return FeatureSet{names: common}
}

// Len returns the number of features.
func (f FeatureSet) Len() int {
	return len(f.names)
}

// Slice returns the feature names in sorted order.
func (f FeatureSet) Slice() []string {
	return append([]string{}, f.names...)
}

// String returns the features as a comma separated list.
func (f FeatureSet) String() string {
	return strings.Join(f.names, ",")
}
