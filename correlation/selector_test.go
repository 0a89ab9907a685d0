package correlation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorRoundTrip(t *testing.T) {
	sel := Selector{
		CorrelatorID: CorrelatorID("plA", "op1"),
		Index:        3,
		KeySet:       NewKeySet(NewKey("cs1", "v1"), NewKey("cs2", "a", "b")),
		Policy:       PolicyAll,
		OneWay:       true,
	}

	blob := EncodeSelector(sel)
	v, err := SelectorVersion(blob)
	require.NoError(t, err)
	assert.Equal(t, SelectorCurrent, v)

	got, err := DecodeSelector(blob)
	require.NoError(t, err)
	assert.Equal(t, "plA.op1", got.CorrelatorID)
	assert.Equal(t, 3, got.Index)
	assert.Equal(t, PolicyAll, got.Policy)
	assert.True(t, got.OneWay)
	assert.True(t, sel.KeySet.Equal(got.KeySet))
}

func TestSelectorEmptyKeySet(t *testing.T) {
	got, err := DecodeSelector(EncodeSelector(Selector{CorrelatorID: "pl.op", Policy: PolicyOne}))
	require.NoError(t, err)
	assert.True(t, got.KeySet.IsEmpty())
	assert.Equal(t, PolicyOne, got.Policy)
}

func TestDecodeSelectorV1(t *testing.T) {
	key := NewKey("cs1", "v~1")
	got, err := DecodeSelector(EncodeSelectorV1("pl.op", 2, &key, false))
	require.NoError(t, err)

	assert.Equal(t, "pl.op", got.CorrelatorID)
	assert.Equal(t, 2, got.Index)
	assert.Equal(t, PolicyOne, got.Policy)
	assert.False(t, got.OneWay)
	assert.True(t, got.KeySet.Has(key))

	noKey, err := DecodeSelector(EncodeSelectorV1("pl.op", 0, nil, true))
	require.NoError(t, err)
	assert.True(t, noKey.KeySet.IsEmpty())
	assert.True(t, noKey.OneWay)
}

func TestDecodeSelectorErrors(t *testing.T) {
	_, err := DecodeSelector(nil)
	assert.ErrorIs(t, err, ErrEmptySelector)

	_, err = DecodeSelector([]byte{9, 1, 2})
	assert.ErrorIs(t, err, ErrUnknownSelectorVersion)

	_, err = DecodeSelector([]byte{SelectorV2, 0x0a, 0x05, 'a'})
	assert.Error(t, err, "truncated string")
}

func TestRoutePolicyValid(t *testing.T) {
	assert.True(t, PolicyOne.Valid())
	assert.True(t, PolicyAll.Valid())
	assert.False(t, RoutePolicy("some").Valid())
}
