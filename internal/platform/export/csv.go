// Package export turns FHIR search bundles into flat CSV tables for research
// tooling.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Table is a flattened bundle: a sorted header and one row per entry.
type Table struct {
	Header []string
	Rows   [][]string
}

// FromEntries flattens bundle entries into one row each. Nested objects become
// dotted column names ("resource.code.text"); arrays are kept as JSON text.
// No entries yield an empty table.
func FromEntries(entries []json.RawMessage) (*Table, error) {
	flat := make([]map[string]string, 0, len(entries))
	columns := map[string]struct{}{}
	for i, raw := range entries {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()

		var item interface{}
		if err := dec.Decode(&item); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", i, err)
		}
		row := map[string]string{}
		if obj, ok := item.(map[string]interface{}); ok {
			flatten("", obj, row)
		} else {
			row["value"] = scalar(item)
		}
		for k := range row {
			columns[k] = struct{}{}
		}
		flat = append(flat, row)
	}

	t := &Table{Header: make([]string, 0, len(columns))}
	for k := range columns {
		t.Header = append(t.Header, k)
	}
	sort.Strings(t.Header)

	for _, row := range flat {
		cells := make([]string, len(t.Header))
		for i, col := range t.Header {
			cells[i] = row[col]
		}
		t.Rows = append(t.Rows, cells)
	}
	return t, nil
}

func flatten(prefix string, obj map[string]interface{}, out map[string]string) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok && len(nested) > 0 {
			flatten(key, nested, out)
			continue
		}
		out[key] = scalar(v)
	}
}

func scalar(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// WriteCSV writes the table with its header line.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}
