package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesSortsMapKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "a": 2, "b": 1}
	assert.Equal(t, Bytes(a), Bytes(b))
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(Bytes(a)))
}

func TestBytesSortsSets(t *testing.T) {
	a := Set{"read", "write", "admin"}
	b := Set{"admin", "write", "read"}
	assert.Equal(t, Bytes(a), Bytes(b))
	assert.Equal(t, `["admin","read","write"]`, string(Bytes(a)))
}

func TestHashStable(t *testing.T) {
	v := map[string]any{"task": "t1", "seed": int64(42), "caps": Set{"fs:read"}}
	h1 := Hash(v)
	h2 := Hash(v)
	require.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashDiffersOnContent(t *testing.T) {
	v1 := map[string]any{"seed": int64(1)}
	v2 := map[string]any{"seed": int64(2)}
	assert.NotEqual(t, Hash(v1), Hash(v2))
}

func TestHMACSignVerify(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	v := map[string]any{"token_id": "abc"}
	sig := HMACSign(key, v)
	assert.True(t, HMACVerify(key, v, sig))
	assert.False(t, HMACVerify(key, v, sig+"0"))

	tampered := map[string]any{"token_id": "abd"}
	assert.False(t, HMACVerify(key, tampered, sig))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "ab"))
}

type canonStruct struct{ ID string }

func (c canonStruct) Canonical() any {
	return map[string]any{"id": c.ID}
}

func TestCanonicalizerHook(t *testing.T) {
	v := canonStruct{ID: "x1"}
	assert.Equal(t, `{"id":"x1"}`, string(Bytes(v)))
}
