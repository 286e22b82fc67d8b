package ir

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONNumbers(t *testing.T) {
	v, err := ParseJSON([]byte(`{"i": 9007199254740993, "f": 1.25, "e": 2e3, "n": null}`))
	require.NoError(t, err)

	obj, ok := v.(IRObject)
	require.True(t, ok)
	assert.Equal(t, IRInt(9007199254740993), obj["i"], "large ints keep precision")
	assert.Equal(t, IRFloat(1.25), obj["f"])
	assert.Equal(t, IRInt(2000), obj["e"], "integral exponent form normalizes to int")
	assert.Equal(t, IRNull{}, obj["n"])
}

func TestNumberKeepsOutOfRangeFloats(t *testing.T) {
	assert.Equal(t, IRFloat(math.Pow(2, 63)), Number(math.Pow(2, 63)))
	assert.Equal(t, IRInt(math.MinInt64), Number(-math.Pow(2, 63)))
	assert.Equal(t, IRFloat(-math.Pow(2, 63)-4096), Number(-math.Pow(2, 63)-4096))
	assert.Equal(t, IRInt(1<<62), Number(math.Pow(2, 62)))
	assert.Equal(t, IRFloat(math.Inf(1)), Number(math.Inf(1)))

	v, err := ParseJSON([]byte(`9223372036854775808`))
	require.NoError(t, err)
	assert.Equal(t, IRFloat(math.Pow(2, 63)), v, "values past int64 stay float")
}

func TestEqualNumericAcrossKinds(t *testing.T) {
	assert.True(t, Equal(IRInt(2), IRFloat(2)))
	assert.False(t, Equal(IRInt(2), IRString("2")))
	assert.True(t, Equal(nil, IRNull{}))
	assert.True(t, Equal(
		IRObject{"a": IRArray{IRInt(1)}},
		IRObject{"a": IRArray{IRFloat(1)}},
	))
	assert.False(t, Equal(IRObject{"a": IRInt(1)}, IRObject{"b": IRInt(1)}))
}

func TestLookup(t *testing.T) {
	obj := IRObject{
		"a": IRObject{"b": IRArray{IRString("x"), IRObject{"c": IRInt(3)}}},
		"n": IRNull{},
	}

	v, ok := obj.Lookup([]string{"a", "b", "1", "c"})
	require.True(t, ok)
	assert.Equal(t, IRInt(3), v)

	_, ok = obj.Lookup([]string{"a", "b", "5"})
	assert.False(t, ok)
	_, ok = obj.Lookup([]string{"a", "missing"})
	assert.False(t, ok)
	_, ok = obj.Lookup([]string{"n"})
	assert.False(t, ok, "null counts as missing")
}

func TestLiteralRoundTrip(t *testing.T) {
	type holder struct {
		V *Literal `json:"v"`
	}
	var h holder
	require.NoError(t, json.Unmarshal([]byte(`{"v":{"k":[1,"two",true]}}`), &h))
	require.NotNil(t, h.V)
	assert.Equal(t, IRObject{"k": IRArray{IRInt(1), IRString("two"), IRBool(true)}}, h.V.Value)

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":{"k":[1,"two",true]}}`, string(data))
}

func TestFromAnyAndToAny(t *testing.T) {
	v, err := FromAny(map[string]any{"a": []any{1, 2.5, "s", nil}})
	require.NoError(t, err)
	assert.Equal(t, IRObject{"a": IRArray{IRInt(1), IRFloat(2.5), IRString("s"), IRNull{}}}, v)

	assert.Equal(t, map[string]any{"a": []any{int64(1), 2.5, "s", nil}}, ToAny(v))

	_, err = FromAny(struct{}{})
	require.Error(t, err)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "42", Stringify(IRInt(42)))
	assert.Equal(t, "1.5", Stringify(IRFloat(1.5)))
	assert.Equal(t, "true", Stringify(IRBool(true)))
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, `{"a":1}`, Stringify(IRObject{"a": IRInt(1)}))
}

func TestCloneIsDeep(t *testing.T) {
	orig := IRObject{"a": IRArray{IRInt(1)}}
	c := orig.Clone()
	c["a"].(IRArray)[0] = IRInt(2)
	assert.Equal(t, IRInt(1), orig["a"].(IRArray)[0])
}
