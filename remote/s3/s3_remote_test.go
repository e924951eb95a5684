package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/spanset"
)

func TestSpanKeyRoundTrip(t *testing.T) {
	sp := spanset.Span{Low: 0, High: 4095}
	key := spanKey(sp)
	assert.Equal(t, "spans/0000000000000000-0000000000000fff", key)

	got, ok := parseSpanKey("prefix/" + key)
	require.True(t, ok)
	assert.Equal(t, sp, got)

	nm := core.GroupNonMaster.MinId()
	got, ok = parseSpanKey(spanKey(spanset.Span{Low: nm, High: nm.Add(9)}))
	require.True(t, ok)
	assert.Equal(t, nm, got.Low)
	assert.Equal(t, nm.Add(9), got.High)
}

func TestParseSpanKeyRejectsGarbage(t *testing.T) {
	for _, key := range []string{
		"spans/oops",
		"spans/10",
		"spans/zz-ff",
		"spans/00000000000000ff-0000000000000001", // low above high
	} {
		_, ok := parseSpanKey(key)
		assert.False(t, ok, key)
	}
}

func TestNameKey(t *testing.T) {
	name, err := core.NameFromHex("a1b2")
	require.NoError(t, err)
	assert.Equal(t, "names/a1b2", nameKey(name))
	assert.Equal(t, "names/deadbeef", nameKey(core.NameFromBytes([]byte{0xde, 0xad, 0xbe, 0xef})))
}
