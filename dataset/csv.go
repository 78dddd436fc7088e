// Package dataset loads and validates the labeled CSV datasets that
// optimization runs execute against, and resolves image references in
// dataset cells for multimodal runs.
package dataset

import (
	"bytes"
	"encoding/csv"
	"regexp"
	"strings"

	"github.com/teranos/hone/errors"
)

// placeholderRE matches {column} placeholders in a prompt template.
var placeholderRE = regexp.MustCompile(`\{(\w+)\}`)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Dataset is a parsed CSV: ordered column names plus one value map per row.
type Dataset struct {
	Filename string
	Columns  []string
	Rows     []map[string]string
}

// Parse reads CSV content into a Dataset. The first record is the header
// and is required; a UTF-8 BOM is tolerated; every cell is
// whitespace-trimmed. Parse errors surface as invalid request errors
// since the content comes from user uploads.
func Parse(content []byte, filename string) (*Dataset, error) {
	content = bytes.TrimPrefix(content, utf8BOM)

	reader := csv.NewReader(bytes.NewReader(content))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "failed to parse CSV: %v", err)
	}
	if len(records) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "CSV file has no headers")
	}

	columns := make([]string, len(records[0]))
	seen := make(map[string]struct{}, len(records[0]))
	for i, name := range records[0] {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "CSV header column %d is empty", i+1)
		}
		if _, ok := seen[name]; ok {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "CSV has duplicate column %q", name)
		}
		seen[name] = struct{}{}
		columns[i] = name
	}

	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(columns))
		for i, col := range columns {
			row[col] = strings.TrimSpace(record[i])
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "CSV file has no data rows")
	}

	return &Dataset{Filename: filename, Columns: columns, Rows: rows}, nil
}

// HasColumn reports whether the dataset has a column with this name.
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// ExtractPlaceholders returns the {column} names referenced by a prompt
// template, deduplicated in first-appearance order.
func ExtractPlaceholders(template string) []string {
	matches := placeholderRE.FindAllStringSubmatch(template, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

// MissingColumns returns the template placeholders with no matching
// dataset column. An empty result means the template is satisfiable.
func MissingColumns(template string, columns []string) []string {
	have := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		have[c] = struct{}{}
	}
	var missing []string
	for _, p := range ExtractPlaceholders(template) {
		if _, ok := have[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// Render substitutes {column} placeholders with row values. A
// placeholder with no value in the row is an error.
func Render(template string, values map[string]string) (string, error) {
	var missing []string
	rendered := placeholderRE.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", errors.Newf("template references columns not in row: %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}
