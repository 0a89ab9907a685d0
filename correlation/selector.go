package correlation

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RoutePolicy governs what happens when several routes match one message.
type RoutePolicy string

const (
	// PolicyOne delivers the message to the first matching route (lowest
	// index) and retracts the rest of its route group.
	PolicyOne RoutePolicy = "one"
	// PolicyAll delivers a copy of the message to every matching route;
	// routes stay registered.
	PolicyAll RoutePolicy = "all"
)

// Valid reports whether p is a known policy.
func (p RoutePolicy) Valid() bool {
	return p == PolicyOne || p == PolicyAll
}

func (p RoutePolicy) code() uint64 {
	if p == PolicyAll {
		return 1
	}
	return 0
}

func policyFromCode(c uint64) (RoutePolicy, error) {
	switch c {
	case 0:
		return PolicyOne, nil
	case 1:
		return PolicyAll, nil
	}
	return "", fmt.Errorf("unknown route policy code %d", c)
}

// Selector is one branch of a receive or pick: the correlator it waits on,
// its ordinal within the route group and the key set pattern it accepts.
type Selector struct {
	// CorrelatorID is partnerLinkName + "." + operationName.
	CorrelatorID string
	Index        int
	KeySet       KeySet
	Policy       RoutePolicy
	// OneWay is true when the operation has no response.
	OneWay bool
}

// CorrelatorID builds the correlator identifier for a partner link operation.
func CorrelatorID(partnerLink, operation string) string {
	return partnerLink + "." + operation
}

// Selector blob versions. The first byte of every blob is its version.
const (
	SelectorV1      byte = 1
	SelectorV2      byte = 2
	SelectorCurrent      = SelectorV2
)

var (
	// ErrEmptySelector is returned when decoding an empty blob.
	ErrEmptySelector = errors.New("empty selector blob")

	// ErrUnknownSelectorVersion is returned for blobs with no registered decoder.
	ErrUnknownSelectorVersion = errors.New("unknown selector blob version")
)

// SelectorDecoder decodes the body of a selector blob of one version.
type SelectorDecoder func(body []byte) (Selector, error)

var selectorDecoders = map[byte]SelectorDecoder{
	SelectorV1: decodeSelectorV1,
	SelectorV2: decodeSelectorV2,
}

// SelectorVersion returns the version byte of a blob.
func SelectorVersion(blob []byte) (byte, error) {
	if len(blob) == 0 {
		return 0, ErrEmptySelector
	}
	return blob[0], nil
}

// DecodeSelector decodes a blob of any known version.
func DecodeSelector(blob []byte) (Selector, error) {
	v, err := SelectorVersion(blob)
	if err != nil {
		return Selector{}, err
	}
	dec, ok := selectorDecoders[v]
	if !ok {
		return Selector{}, fmt.Errorf("%w: %d", ErrUnknownSelectorVersion, v)
	}
	sel, err := dec(blob[1:])
	if err != nil {
		return Selector{}, fmt.Errorf("decode selector v%d: %w", v, err)
	}
	return sel, nil
}

// EncodeSelector encodes s in the current blob format.
//
// Layout (protobuf wire format after the version byte):
//
//	1: correlator id (string)
//	2: index (varint)
//	3: key (repeated message: 1 set name, 2 values)
//	4: policy (varint)
//	5: one way (varint bool)
func EncodeSelector(s Selector) []byte {
	b := []byte{SelectorV2}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, s.CorrelatorID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Index))
	for _, k := range s.KeySet.keys {
		var kb []byte
		kb = protowire.AppendTag(kb, 1, protowire.BytesType)
		kb = protowire.AppendString(kb, k.SetName)
		for _, v := range k.Values {
			kb = protowire.AppendTag(kb, 2, protowire.BytesType)
			kb = protowire.AppendString(kb, v)
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, kb)
	}
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Policy.code())
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(s.OneWay))
	return b
}

// EncodeSelectorV1 writes the version 1 layout, which carried a single
// correlation key in canonical string form and no policy. Only upgrade code
// and tests have a reason to produce it.
//
//	1: correlator id (string)
//	2: index (varint)
//	3: canonical key (string, empty for none)
//	4: one way (varint bool)
func EncodeSelectorV1(correlatorID string, index int, key *Key, oneWay bool) []byte {
	b := []byte{SelectorV1}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, correlatorID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(index))
	if key != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, key.Canonical())
	}
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(oneWay))
	return b
}

func decodeSelectorV1(body []byte) (Selector, error) {
	sel := Selector{Policy: PolicyOne}
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			sel.CorrelatorID = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			sel.Index = int(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, nil
			}
			if v != "" {
				k, err := ParseKey(v)
				if err != nil {
					return 0, err
				}
				sel.KeySet = NewKeySet(k)
			}
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			sel.OneWay = protowire.DecodeBool(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return sel, err
}

func decodeSelectorV2(body []byte) (Selector, error) {
	var sel Selector
	var keys []Key
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			sel.CorrelatorID = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			sel.Index = int(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			k, err := decodeKey(v)
			if err != nil {
				return 0, err
			}
			keys = append(keys, k)
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			p, err := policyFromCode(v)
			if err != nil {
				return 0, err
			}
			sel.Policy = p
			return n, nil
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			sel.OneWay = protowire.DecodeBool(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Selector{}, err
	}
	if sel.Policy == "" {
		sel.Policy = PolicyOne
	}
	sel.KeySet = NewKeySet(keys...)
	return sel, nil
}

func decodeKey(b []byte) (Key, error) {
	var k Key
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType && (num == 1 || num == 2) {
			v, n := protowire.ConsumeString(b)
			if num == 1 {
				k.SetName = v
			} else {
				k.Values = append(k.Values, v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return k, err
}

// walkFields calls fn for each field in b. fn returns the number of bytes
// consumed for the field value, or a negative protowire error code.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
