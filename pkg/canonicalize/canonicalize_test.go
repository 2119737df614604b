package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	b, err := JCS(map[string]any{"zeta": 1, "alpha": "x", "mid": true})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mid":true,"zeta":1}`, string(b))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(b))
}

func TestJCSRespectsStructTags(t *testing.T) {
	type rec struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	b, err := JCS(rec{B: "2", A: "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(b))
}

func TestCanonicalHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, "sha256:")
}
