package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const observationBundle = `{
  "resourceType": "Bundle",
  "entry": [
    {"fullUrl": "urn:1", "resource": {"resourceType": "Observation", "id": "o1",
      "valueQuantity": {"value": 7.25, "unit": "mmol/L"},
      "code": {"coding": [{"system": "http://loinc.org", "code": "2345-7"}]}}},
    {"fullUrl": "urn:2", "resource": {"resourceType": "Observation", "id": "o2",
      "status": "final", "issued": null, "preliminary": false}}
  ]
}`

// entriesOf splits a bundle the way upstream.Result.Entries does.
func entriesOf(t *testing.T, bundle string) []json.RawMessage {
	t.Helper()
	var b struct {
		Entry []json.RawMessage `json:"entry"`
	}
	require.NoError(t, json.Unmarshal([]byte(bundle), &b))
	return b.Entry
}

func TestFromEntries_FlattensEntries(t *testing.T) {
	tbl, err := FromEntries(entriesOf(t, observationBundle))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"fullUrl",
		"resource.code.coding",
		"resource.id",
		"resource.issued",
		"resource.preliminary",
		"resource.resourceType",
		"resource.status",
		"resource.valueQuantity.unit",
		"resource.valueQuantity.value",
	}, tbl.Header)
	require.Len(t, tbl.Rows, 2)

	row := func(i int) map[string]string {
		m := map[string]string{}
		for j, col := range tbl.Header {
			m[col] = tbl.Rows[i][j]
		}
		return m
	}

	first := row(0)
	assert.Equal(t, "urn:1", first["fullUrl"])
	assert.Equal(t, "7.25", first["resource.valueQuantity.value"])
	assert.Equal(t, `[{"code":"2345-7","system":"http://loinc.org"}]`, first["resource.code.coding"])
	assert.Equal(t, "", first["resource.status"], "missing column is blank")

	second := row(1)
	assert.Equal(t, "final", second["resource.status"])
	assert.Equal(t, "false", second["resource.preliminary"])
	assert.Equal(t, "", second["resource.issued"])
}

func TestFromEntries_NoEntries(t *testing.T) {
	tbl, err := FromEntries(nil)
	require.NoError(t, err)
	assert.Empty(t, tbl.Header)
	assert.Empty(t, tbl.Rows)
}

func TestFromEntries_ScalarAndEmptyObject(t *testing.T) {
	tbl, err := FromEntries([]json.RawMessage{
		json.RawMessage(`{"meta":{},"a":{"b":{"c":"d"}}}`),
		json.RawMessage(`12345678901234567890`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.b.c", "meta", "value"}, tbl.Header)
	assert.Equal(t, []string{"d", "{}", ""}, tbl.Rows[0])
	assert.Equal(t, []string{"", "", "12345678901234567890"}, tbl.Rows[1], "numbers keep their digits")
}

func TestFromEntries_RejectsBrokenEntry(t *testing.T) {
	_, err := FromEntries([]json.RawMessage{json.RawMessage(`{"a":`)})
	assert.Error(t, err)
}

func TestTable_WriteCSVRoundTrips(t *testing.T) {
	tbl, err := FromEntries(entriesOf(t, observationBundle))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, tbl.WriteCSV(&buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "fullUrl", records[0][0])
	assert.Equal(t, "urn:2", records[2][0])
}
