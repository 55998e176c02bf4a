package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/toolchain"
)

// MaxDescribeColumns caps describe_dataset so summaries stay readable.
const MaxDescribeColumns = 5

// CreateDatasetArgs materializes a query over the source database.
type CreateDatasetArgs struct {
	DatasetName string `json:"dataset_name"`
	SQL         string `json:"sql"`
}

func (a *CreateDatasetArgs) Validate() error {
	if !toolchain.ValidIdent(a.DatasetName) {
		return fmt.Errorf("dataset_name %q must be an identifier", a.DatasetName)
	}
	if strings.TrimSpace(a.SQL) == "" {
		return errors.New("sql is required")
	}
	return nil
}

// FilterDatasetArgs keeps the rows of DatasetIn whose Column lies in [Min, Max].
type FilterDatasetArgs struct {
	DatasetIn  string   `json:"dataset_in"`
	DatasetOut string   `json:"dataset_out"`
	Column     string   `json:"column"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
}

func (a *FilterDatasetArgs) Validate() error {
	for field, v := range map[string]string{"dataset_in": a.DatasetIn, "dataset_out": a.DatasetOut, "column": a.Column} {
		if !toolchain.ValidIdent(v) {
			return fmt.Errorf("%s %q must be an identifier", field, v)
		}
	}
	if a.Min == nil && a.Max == nil {
		return errors.New("at least one of min or max is required")
	}
	if a.Min != nil && a.Max != nil && *a.Min > *a.Max {
		return fmt.Errorf("min %g is greater than max %g", *a.Min, *a.Max)
	}
	return nil
}

// DescribeDatasetArgs summarizes up to MaxDescribeColumns numeric columns.
type DescribeDatasetArgs struct {
	Dataset string   `json:"dataset"`
	Columns []string `json:"columns"`
}

func (a *DescribeDatasetArgs) Validate() error {
	if !toolchain.ValidIdent(a.Dataset) {
		return fmt.Errorf("dataset %q must be an identifier", a.Dataset)
	}
	if len(a.Columns) == 0 || len(a.Columns) > MaxDescribeColumns {
		return fmt.Errorf("columns must list between 1 and %d names, got %d", MaxDescribeColumns, len(a.Columns))
	}
	seen := make(map[string]bool, len(a.Columns))
	for _, c := range a.Columns {
		if !toolchain.ValidIdent(c) {
			return fmt.Errorf("column %q must be an identifier", c)
		}
		if seen[c] {
			return fmt.Errorf("column %q listed twice", c)
		}
		seen[c] = true
	}
	return nil
}

// SetOptionArgs stores an engine option carried by later commands.
type SetOptionArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (a *SetOptionArgs) Validate() error {
	if !toolchain.ValidIdent(a.Key) {
		return fmt.Errorf("key %q must be an identifier", a.Key)
	}
	return nil
}

// RegisterBuiltins adds the standard toolchain commands to r.
func RegisterBuiltins(r *Registry) {
	Register(r, Def{
		Name:        "create_dataset",
		Description: "Run a SELECT against the source database and store the rows as a named dataset.",
		Params: []Param{
			{Name: "dataset_name", Type: "string", Description: "Identifier for the new dataset", Required: true},
			{Name: "sql", Type: "string", Description: "A single SELECT statement", Required: true},
		},
	}, createDataset)

	Register(r, Def{
		Name:        "filter_dataset",
		Description: "Derive a dataset keeping rows whose numeric column lies within [min, max].",
		Params: []Param{
			{Name: "dataset_in", Type: "string", Description: "Existing dataset", Required: true},
			{Name: "dataset_out", Type: "string", Description: "Name of the derived dataset", Required: true},
			{Name: "column", Type: "string", Description: "Numeric column to filter on", Required: true},
			{Name: "min", Type: "number", Description: "Inclusive lower bound"},
			{Name: "max", Type: "number", Description: "Inclusive upper bound"},
		},
	}, filterDataset)

	Register(r, Def{
		Name:        "describe_dataset",
		Description: "Summarize numeric columns of a dataset and chart their means.",
		Params: []Param{
			{Name: "dataset", Type: "string", Description: "Existing dataset", Required: true},
			{Name: "columns", Type: "array", Description: fmt.Sprintf("Up to %d numeric columns", MaxDescribeColumns), Required: true},
		},
	}, describeDataset)

	Register(r, Def{
		Name:        "set_option",
		Description: "Set an engine option inherited by every later command on this branch.",
		Params: []Param{
			{Name: "key", Type: "string", Description: "Option name", Required: true},
			{Name: "value", Type: "string", Description: "Option value", Required: true},
		},
	}, setOption)
}

// Builtins returns a registry holding only the standard commands.
func Builtins() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

func createDataset(ctx context.Context, eng *toolchain.Engine, a *CreateDatasetArgs) (protocol.Result, error) {
	tbl, truncated, err := eng.Query(ctx, a.SQL)
	if err != nil {
		return protocol.Result{}, err
	}
	info, err := eng.WriteDataset(a.DatasetName, tbl)
	if err != nil {
		return protocol.Result{}, err
	}
	msg := fmt.Sprintf("created dataset %s with %d rows", info.Name, info.Rows)
	if truncated {
		msg += fmt.Sprintf(" (truncated to %d)", eng.MaxRows())
	}
	return protocol.OK(msg, map[string]any{
		"dataset":   info.Name,
		"file":      info.File,
		"rows":      info.Rows,
		"columns":   info.Columns,
		"truncated": truncated,
	}), nil
}

func filterDataset(_ context.Context, eng *toolchain.Engine, a *FilterDatasetArgs) (protocol.Result, error) {
	in, err := eng.ReadDataset(a.DatasetIn)
	if err != nil {
		return protocol.Result{}, err
	}
	col := in.ColumnIndex(a.Column)
	if col < 0 {
		return protocol.Result{}, fmt.Errorf("dataset %s has no column %s", a.DatasetIn, a.Column)
	}

	out := &toolchain.Table{Columns: in.Columns}
	for _, row := range in.Rows {
		v, ok := toolchain.Numeric(row[col])
		if !ok {
			continue
		}
		if a.Min != nil && v < *a.Min {
			continue
		}
		if a.Max != nil && v > *a.Max {
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	info, err := eng.WriteDataset(a.DatasetOut, out)
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.OK(
		fmt.Sprintf("kept %d of %d rows of %s in %s", info.Rows, len(in.Rows), a.DatasetIn, info.Name),
		map[string]any{"dataset": info.Name, "rows": info.Rows, "source_rows": len(in.Rows)},
	), nil
}

func describeDataset(_ context.Context, eng *toolchain.Engine, a *DescribeDatasetArgs) (protocol.Result, error) {
	tbl, err := eng.ReadDataset(a.Dataset)
	if err != nil {
		return protocol.Result{}, err
	}

	stats := make(map[string]any, len(a.Columns))
	means := make([]float64, 0, len(a.Columns))
	for _, name := range a.Columns {
		idx := tbl.ColumnIndex(name)
		if idx < 0 {
			return protocol.Result{}, fmt.Errorf("dataset %s has no column %s", a.Dataset, name)
		}
		var n int
		var sum float64
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, row := range tbl.Rows {
			v, ok := toolchain.Numeric(row[idx])
			if !ok {
				continue
			}
			n++
			sum += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if n == 0 {
			return protocol.Result{}, fmt.Errorf("column %s has no numeric values", name)
		}
		mean := sum / float64(n)
		means = append(means, mean)
		stats[name] = map[string]any{"count": n, "min": lo, "max": hi, "mean": mean}
	}

	plot, err := eng.WriteBarChart(a.Dataset+"_summary", "Column means of "+a.Dataset, a.Columns, means)
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.OK(
		fmt.Sprintf("described %d columns of %s", len(a.Columns), a.Dataset),
		map[string]any{"dataset": a.Dataset, "rows": len(tbl.Rows), "stats": stats, "plot": plot},
	), nil
}

func setOption(_ context.Context, eng *toolchain.Engine, a *SetOptionArgs) (protocol.Result, error) {
	prev, existed := eng.SetOption(a.Key, a.Value)
	data := map[string]any{"key": a.Key, "value": a.Value}
	if existed {
		data["previous"] = prev
	}
	return protocol.OK(fmt.Sprintf("set %s", a.Key), data), nil
}
