// Package correlation provides the value types used to match inbound messages
// to waiting process instances: correlation keys, key sets and selectors.
package correlation

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrEmptyKey is returned when parsing an empty canonical key.
var ErrEmptyKey = errors.New("empty correlation key")

// ErrInvalidSetName is returned for a key whose set name is empty or holds
// a tilde, which the canonical form uses as its separator.
var ErrInvalidSetName = errors.New("invalid correlation set name")

// Key is the concrete tuple of values of one correlation set at one point in
// a conversation. Value order is significant.
type Key struct {
	// SetName is the correlation set name. Keys persisted by old engine
	// versions carry the numeric set id here instead (see LegacySetID).
	SetName string
	Values  []string
}

// NewKey creates a key for the named correlation set.
func NewKey(setName string, values ...string) Key {
	return Key{SetName: setName, Values: append([]string(nil), values...)}
}

// Equal reports whether k and o have the same set name and the same values
// in the same order.
func (k Key) Equal(o Key) bool {
	return k.SetName == o.SetName && slices.Equal(k.Values, o.Values)
}

// Validate checks that the key can be written in canonical form and read
// back unchanged as far as its set name goes.
func (k Key) Validate() error {
	if k.SetName == "" || strings.ContainsRune(k.SetName, '~') {
		return fmt.Errorf("%w: %q", ErrInvalidSetName, k.SetName)
	}
	return nil
}

// LegacySetID returns the numeric correlation set id if the key still uses
// the old id-based naming.
func (k Key) LegacySetID() (int, bool) {
	id, err := strconv.Atoi(k.SetName)
	if err != nil {
		return 0, false
	}
	return id, true
}

// String returns the canonical form of the key.
func (k Key) String() string {
	return k.Canonical()
}

// Canonical returns the canonical string form "name~value1~value2", with
// literal tildes in values escaped as "~~". Set names never hold a tilde
// (see Validate), so the first tilde always ends the name.
//
// Values are still ambiguous when one is empty or starts with a tilde:
// ParseKey gives the literal tildes of an odd-length tilde run to the
// preceding value, so ["~", "x"] and ["", "~x"] read back as ["~", "x"].
func (k Key) Canonical() string {
	var b strings.Builder
	b.WriteString(k.SetName)
	for _, v := range k.Values {
		b.WriteByte('~')
		b.WriteString(escapeTilde(v))
	}
	return b.String()
}

// ParseKey parses the canonical string form produced by Key.Canonical.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, ErrEmptyKey
	}

	name, rest, hasValues := strings.Cut(s, "~")
	if name == "" {
		return Key{}, fmt.Errorf("correlation key %q has no set name", s)
	}
	if !hasValues {
		return Key{SetName: name}, nil
	}

	var values []string
	var cur strings.Builder
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c != '~' {
			cur.WriteByte(c)
			continue
		}
		if i+1 < len(rest) && rest[i+1] == '~' {
			cur.WriteByte('~')
			i++
			continue
		}
		values = append(values, cur.String())
		cur.Reset()
	}
	values = append(values, cur.String())
	return Key{SetName: name, Values: values}, nil
}

func escapeTilde(s string) string {
	return strings.ReplaceAll(s, "~", "~~")
}

// compare orders keys by set name, then value by value.
func compare(a, b Key) int {
	if c := strings.Compare(a.SetName, b.SetName); c != 0 {
		return c
	}
	return slices.Compare(a.Values, b.Values)
}
