package extract

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// DecodeCSV reads a headered CSV stream into field maps. All values stay
// strings; typing happens downstream against the registry contract.
func DecodeCSV(r io.Reader) ([]map[string]any, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var rows []map[string]any
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		fields := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(rec) {
				fields[col] = rec[i]
			}
		}
		rows = append(rows, fields)
	}
	return rows, nil
}

// DecodeJSONL reads a JSON-lines stream into field maps. Blank lines are
// skipped; a malformed line is kept as a single raw_line field so bronze can
// store it with a malformed marker instead of dropping it.
func DecodeJSONL(r io.Reader) ([]map[string]any, error) {
	var rows []map[string]any
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			rows = append(rows, map[string]any{"raw_line": line})
			continue
		}
		rows = append(rows, fields)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}
	return rows, nil
}

// Decode picks a decoder from the file name extension.
func Decode(name string, r io.Reader) ([]map[string]any, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return DecodeCSV(r)
	case ".jsonl", ".ndjson":
		return DecodeJSONL(r)
	default:
		return nil, fmt.Errorf("unsupported extract format: %s", name)
	}
}
