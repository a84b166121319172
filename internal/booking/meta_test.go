package booking

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeta_MergeKeepsExistingKeysAndNewWins(t *testing.T) {
	reserved := MetaOf("price", 420.0, "provider", "mock_flight")
	confirmed := MetaOf("ticket_id", "TICKET-flight-1", "provider", "gds")

	merged := reserved.Merge(confirmed)

	assert.Equal(t, []string{"price", "provider", "ticket_id"}, merged.Keys())
	assert.Equal(t, "gds", merged.String("provider"))
	price, ok := merged.Get("price")
	require.True(t, ok)
	assert.Equal(t, 420.0, price)

	// Merge does not mutate either side.
	assert.Equal(t, "mock_flight", reserved.String("provider"))
	assert.Equal(t, 2, confirmed.Len())
}

func TestMeta_ZeroValueIsUsable(t *testing.T) {
	var m Meta
	assert.Equal(t, 0, m.Len())
	_, ok := m.Get("missing")
	assert.False(t, ok)

	m.Set("error", CodeNoProvider)
	assert.Equal(t, CodeNoProvider, m.String(MetaErrorKey))
}

func TestMeta_SetExistingKeepsPosition(t *testing.T) {
	m := MetaOf("a", 1, "b", 2)
	m.Set("a", 3)
	assert.Equal(t, []string{"a", "b"}, m.Keys())
	assert.Equal(t, map[string]any{"a": 3, "b": 2}, m.Map())
}

func TestMeta_JSONPreservesOrder(t *testing.T) {
	m := MetaOf("zeta", "last-alphabetically", "alpha", 1.5, "nested", map[string]any{"k": "v"})

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"last-alphabetically","alpha":1.5,"nested":{"k":"v"}}`, string(data))

	var decoded Meta
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []string{"zeta", "alpha", "nested"}, decoded.Keys())
	assert.Equal(t, 1.5, decoded.Map()["alpha"])
}

func TestMeta_UnmarshalNullAndRejectsArrays(t *testing.T) {
	var m Meta
	require.NoError(t, json.Unmarshal([]byte(`null`), &m))
	assert.Equal(t, 0, m.Len())

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &m))
}

func TestMeta_EmptyMarshalsToObject(t *testing.T) {
	data, err := json.Marshal(Meta{})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))
}

func TestMetaFromMap_SortsKeys(t *testing.T) {
	m := MetaFromMap(map[string]any{"b": 1, "a": 2})
	assert.Equal(t, []string{"a", "b"}, m.Keys())
}
