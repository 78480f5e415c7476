package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": 2, "c": []any{"x", map[string]any{"z": 1, "y": 2}}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":["x",{"y":2,"z":1}]}`, string(out))
}

func TestJCS_StableAcrossEquivalentInputs(t *testing.T) {
	type payload struct {
		Name string  `json:"name"`
		RPM  float64 `json:"rpm"`
	}
	a, err := JCS(payload{Name: "SetSpeed", RPM: 1200})
	require.NoError(t, err)
	b, err := JCS(map[string]any{"rpm": 1200.0, "name": "SetSpeed"})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"path": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"path":"a<b>&c"}`, string(out))
}

func TestJCS_NumbersShortestForm(t *testing.T) {
	out, err := JCS(map[string]any{"v": 97.0})
	require.NoError(t, err)
	assert.Equal(t, `{"v":97}`, string(out))
}

func TestDigest_Prefix(t *testing.T) {
	d, err := Digest(map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, d)
}

func TestHash_DiffersOnContent(t *testing.T) {
	h1, err := Hash(map[string]any{"k": "v"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"k": "w"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
