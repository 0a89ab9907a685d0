package correlation

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// keySetPrefix tags the current key set serialization.
const keySetPrefix = "@2"

// maxSubsetKeys bounds Subsets; 2^10 candidate patterns is already far more
// than any receive or pick declares.
const maxSubsetKeys = 10

// KeySet is an unordered set of correlation keys. A receive or pick can match
// on several correlation sets at once; a message is routable to a route only
// when every key of the route pattern is a member of the message key set.
//
// The zero value is an empty set.
type KeySet struct {
	keys []Key // sorted, unique
}

// NewKeySet creates a set from the given keys. Duplicates are dropped.
func NewKeySet(keys ...Key) KeySet {
	var s KeySet
	for _, k := range keys {
		s = s.With(k)
	}
	return s
}

// With returns a copy of s that also contains k.
func (s KeySet) With(k Key) KeySet {
	i, found := slices.BinarySearchFunc(s.keys, k, compare)
	if found {
		return s
	}
	keys := make([]Key, 0, len(s.keys)+1)
	keys = append(keys, s.keys[:i]...)
	keys = append(keys, NewKey(k.SetName, k.Values...))
	keys = append(keys, s.keys[i:]...)
	return KeySet{keys: keys}
}

// Validate checks every key of the set.
func (s KeySet) Validate() error {
	for _, k := range s.keys {
		if err := k.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the keys in canonical order.
func (s KeySet) Keys() []Key {
	return slices.Clone(s.keys)
}

// Len returns the number of keys in the set.
func (s KeySet) Len() int {
	return len(s.keys)
}

// IsEmpty reports whether the set has no keys.
func (s KeySet) IsEmpty() bool {
	return len(s.keys) == 0
}

// Has reports whether k is a member of the set.
func (s KeySet) Has(k Key) bool {
	_, found := slices.BinarySearchFunc(s.keys, k, compare)
	return found
}

// Equal reports whether both sets hold structurally equal keys.
func (s KeySet) Equal(o KeySet) bool {
	return slices.EqualFunc(s.keys, o.keys, Key.Equal)
}

// Matches reports whether s satisfies the route pattern: every key of the
// pattern must be present and equal in s. An empty pattern matches any set.
func (s KeySet) Matches(pattern KeySet) bool {
	for _, k := range pattern.keys {
		if !s.Has(k) {
			return false
		}
	}
	return true
}

// Subsets returns the canonical form of every subset of s, the empty set
// included. A route whose pattern is one of these is a match for s.
func (s KeySet) Subsets() ([]string, error) {
	n := len(s.keys)
	if n > maxSubsetKeys {
		return nil, fmt.Errorf("key set has %d keys, at most %d supported", n, maxSubsetKeys)
	}

	out := make([]string, 0, 1<<n)
	for mask := 0; mask < 1<<n; mask++ {
		sub := KeySet{}
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				sub.keys = append(sub.keys, s.keys[i])
			}
		}
		out = append(out, sub.Canonical())
	}
	return out, nil
}

type wireKey struct {
	Set    string   `json:"set"`
	Values []string `json:"values"`
}

// Canonical returns the current serialization of the set: "@2" followed by a
// JSON array of keys in canonical order. Equal sets serialize identically, so
// the string can be compared in SQL.
func (s KeySet) Canonical() string {
	wire := make([]wireKey, len(s.keys))
	for i, k := range s.keys {
		vals := k.Values
		if vals == nil {
			vals = []string{}
		}
		wire[i] = wireKey{Set: k.SetName, Values: vals}
	}
	data, err := json.Marshal(wire)
	if err != nil {
		// Strings always marshal.
		panic(err)
	}
	return keySetPrefix + string(data)
}

// String returns the canonical form of the set.
func (s KeySet) String() string {
	return s.Canonical()
}

// IsLegacy reports whether a stored string uses the single-key format written
// by old engine versions instead of the key set format.
func IsLegacy(stored string) bool {
	return stored != "" && !strings.HasPrefix(stored, keySetPrefix)
}

// ParseKeySet parses either serialization: the current "@2[...]" form, or a
// legacy single canonical key, which becomes a one-element set. An empty
// string is the empty set.
func ParseKeySet(stored string) (KeySet, error) {
	if stored == "" {
		return KeySet{}, nil
	}
	if IsLegacy(stored) {
		k, err := ParseKey(stored)
		if err != nil {
			return KeySet{}, err
		}
		return NewKeySet(k), nil
	}

	var wire []wireKey
	if err := json.Unmarshal([]byte(stored[len(keySetPrefix):]), &wire); err != nil {
		return KeySet{}, fmt.Errorf("invalid correlation key set %q: %w", stored, err)
	}
	keys := make([]Key, len(wire))
	for i, w := range wire {
		keys[i] = NewKey(w.Set, w.Values...)
	}
	return NewKeySet(keys...), nil
}

// MustParseKeySet is like ParseKeySet but panics on error.
func MustParseKeySet(stored string) KeySet {
	s, err := ParseKeySet(stored)
	if err != nil {
		panic(err)
	}
	return s
}
