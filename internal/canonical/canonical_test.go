package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysAtEveryDepth(t *testing.T) {
	in := map[string]interface{}{
		"zeta":  1,
		"alpha": map[string]interface{}{"y": true, "b": nil},
		"mid":   []interface{}{map[string]interface{}{"k2": "v", "k1": 2.5}},
	}
	got, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"b":null,"y":true},"mid":[{"k1":2.5,"k2":"v"}],"zeta":1}`, string(got))
}

func TestMarshal_StructTagsAndOrderIndependence(t *testing.T) {
	type rec struct {
		B string `json:"b"`
		A int    `json:"a"`
	}
	a, err := Marshal(rec{B: "x", A: 1})
	require.NoError(t, err)
	b, err := Marshal(map[string]interface{}{"a": 1, "b": "x"})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMarshal_ASCIIEscaping(t *testing.T) {
	got, err := Marshal(map[string]string{"s": "café <&> \U0001F600 \"q\"\n"})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"caf\u00e9 <&> \ud83d\ude00 \"q\"\n"}`, string(got))
	for _, c := range got {
		assert.Less(t, c, byte(0x80))
	}
}

func TestMarshal_PreservesLargeIntegers(t *testing.T) {
	got, err := Marshal(map[string]int64{"n": 9007199254740993})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(got))
}

func TestDigest_Deterministic(t *testing.T) {
	d1, err := Digest(map[string]interface{}{"phase": 34, "env": "prod"})
	require.NoError(t, err)
	d2, err := Digest(map[string]interface{}{"env": "prod", "phase": 34})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)

	d3, err := Digest(map[string]interface{}{"env": "dev", "phase": 34})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashBytes(nil))
}
