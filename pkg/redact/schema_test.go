package redact

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(&Schema{
		PayloadType: "proposed_action",
		Fields:      []string{"action", "amount", "account_number", "memo"},
		Sensitive:   []string{"account_number"},
	})
	require.NoError(t, err)
	return r
}

func TestApplyMasksSensitiveFields(t *testing.T) {
	r := testRegistry(t)

	in := json.RawMessage(`{"action":"adjust_credit","amount":500,"account_number":"4111-1111","memo":"q3 review"}`)
	out, err := r.Apply("proposed_action", in)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, MaskToken, got["account_number"])
	assert.Equal(t, "adjust_credit", got["action"])
	assert.EqualValues(t, 500, got["amount"])
}

func TestApplyRejectsUnknownField(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Apply("proposed_action", json.RawMessage(`{"action":"x","ssn":"000-00-0000"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssn")
}

func TestApplyRejectsUnknownPayloadType(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Apply("unknown", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestNewRegistryRejectsSensitiveOutsideFields(t *testing.T) {
	_, err := NewRegistry(&Schema{
		PayloadType: "t",
		Fields:      []string{"a"},
		Sensitive:   []string{"b"},
	})
	assert.Error(t, err)
}

func TestMaskTokenFixedWidth(t *testing.T) {
	assert.Len(t, MaskToken, 16)
}
