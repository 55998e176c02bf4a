package toolchain

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidIdent reports whether s can name a dataset, column or option.
func ValidIdent(s string) bool { return identPattern.MatchString(s) }

// Table is an in-memory dataset.
type Table struct {
	Columns []string
	Rows    [][]any
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

type header struct {
	Columns []string `json:"columns"`
}

// WriteDataset stores t as datasets/<name>.jsonl.zst and registers it. Any
// file already at that name is replaced, not overwritten, because it may be a
// hard link shared with other workspaces.
func (e *Engine) WriteDataset(name string, t *Table) (*DatasetInfo, error) {
	if !ValidIdent(name) {
		return nil, fmt.Errorf("invalid dataset name %q", name)
	}
	dir := filepath.Join(e.dir, DatasetDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset directory: %w", err)
	}

	rel := filepath.ToSlash(filepath.Join(DatasetDir, name+DatasetExt))
	var buf strings.Builder
	if err := encodeTable(&buf, t); err != nil {
		return nil, err
	}
	if err := replaceFile(filepath.Join(e.dir, rel), []byte(buf.String())); err != nil {
		return nil, err
	}

	info := &DatasetInfo{
		Name:      name,
		File:      rel,
		Columns:   append([]string(nil), t.Columns...),
		Rows:      len(t.Rows),
		CreatedIn: e.workspaceID,
		CreatedAt: time.Now().UTC(),
	}
	e.state.Datasets[name] = info
	return info, nil
}

func encodeTable(w io.Writer, t *Table) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	if err := enc.Encode(header{Columns: t.Columns}); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode dataset header: %w", err)
	}
	for _, row := range t.Rows {
		if err := enc.Encode(row); err != nil {
			_ = zw.Close()
			return fmt.Errorf("encode dataset row: %w", err)
		}
	}
	return zw.Close()
}

// ReadDataset loads a registered dataset.
func (e *Engine) ReadDataset(name string) (*Table, error) {
	info, ok := e.state.Datasets[name]
	if !ok {
		return nil, fmt.Errorf("dataset %q does not exist in this workspace", name)
	}
	f, err := os.Open(filepath.Join(e.dir, filepath.FromSlash(info.File)))
	if err != nil {
		return nil, fmt.Errorf("open dataset %q: %w", name, err)
	}
	defer f.Close()
	return decodeTable(f)
}

func decodeTable(r io.Reader) (*Table, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read dataset header: %w", err)
		}
		return nil, fmt.Errorf("dataset has no header")
	}
	var h header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return nil, fmt.Errorf("decode dataset header: %w", err)
	}
	t := &Table{Columns: h.Columns}
	for sc.Scan() {
		var row []any
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			return nil, fmt.Errorf("decode dataset row %d: %w", len(t.Rows)+1, err)
		}
		t.Rows = append(t.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return t, nil
}

var selectPattern = regexp.MustCompile(`(?is)^\s*(select|with)\s`)

// Query runs a single read-only SELECT against the source database and
// returns at most MaxRows rows. truncated reports whether rows were dropped.
func (e *Engine) Query(ctx context.Context, query string) (t *Table, truncated bool, err error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	if !selectPattern.MatchString(q + " ") {
		return nil, false, fmt.Errorf("only SELECT statements are allowed")
	}
	if strings.Contains(q, ";") {
		return nil, false, fmt.Errorf("multiple statements are not allowed")
	}

	db, err := e.Source(ctx)
	if err != nil {
		return nil, false, err
	}
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, false, fmt.Errorf("query source: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, fmt.Errorf("read columns: %w", err)
	}
	t = &Table{Columns: cols}
	for rows.Next() {
		if len(t.Rows) >= e.settings.MaxRows {
			truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, false, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		t.Rows = append(t.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate rows: %w", err)
	}
	return t, truncated, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int64:
		return float64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return x
	}
}

// Numeric converts a dataset cell to float64.
func Numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
