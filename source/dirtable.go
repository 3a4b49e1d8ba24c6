package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	gojson "github.com/goccy/go-json"

	"github.com/veclake/veclake/model"
)

// DirTable reads a table laid out as a directory tree, the layout the CLI
// operates on:
//
//	<root>/<table>/schema.json
//	<root>/<table>/<col=value>[/<col=value>...]/rows.jsonl   (partitioned)
//	<root>/<table>/rows.jsonl                                (unpartitioned)
//
// schema.json:
//
//	{"partition_columns": ["ds"], "vector_columns": {"embedding": 4}}
//
// rows.jsonl holds one {"id": ..., "vector": [...]} object per line.
// The data version of a partition is the mtime (ns) of its rows.jsonl,
// which increases whenever the file is rewritten.
type DirTable struct {
	root string
}

// Compile-time checks.
var (
	_ Metadata  = (*DirTable)(nil)
	_ RowReader = (*DirTable)(nil)
)

// NewDirTable creates a DirTable over the given root directory.
func NewDirTable(root string) *DirTable {
	return &DirTable{root: root}
}

const (
	schemaFileName = "schema.json"
	rowsFileName   = "rows.jsonl"
)

type dirSchema struct {
	PartitionColumns []string       `json:"partition_columns"`
	VectorColumns    map[string]int `json:"vector_columns"`
}

type dirRow struct {
	ID     int64     `json:"id"`
	Vector []float32 `json:"vector"`
}

// TableSchema implements Metadata.
func (d *DirTable) TableSchema(_ context.Context, table string) (TableSchema, error) {
	data, err := os.ReadFile(filepath.Join(d.root, table, schemaFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return TableSchema{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if err != nil {
		return TableSchema{}, err
	}
	var s dirSchema
	if err := gojson.Unmarshal(data, &s); err != nil {
		return TableSchema{}, fmt.Errorf("parse %s/%s: %w", table, schemaFileName, err)
	}
	return TableSchema{
		PartitionColumns: s.PartitionColumns,
		VectorColumns:    s.VectorColumns,
	}, nil
}

// Partitions implements Metadata.
func (d *DirTable) Partitions(ctx context.Context, table string) ([]PartitionInfo, error) {
	schema, err := d.TableSchema(ctx, table)
	if err != nil {
		return nil, err
	}
	tableDir := filepath.Join(d.root, table)

	if len(schema.PartitionColumns) == 0 {
		info, err := os.Stat(filepath.Join(tableDir, rowsFileName))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []PartitionInfo{{Key: model.Sentinel, Version: model.DataVersion(info.ModTime().UnixNano())}}, nil
	}

	var infos []PartitionInfo
	err = filepath.WalkDir(tableDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() || entry.Name() != rowsFileName {
			return err
		}
		rel, err := filepath.Rel(tableDir, filepath.Dir(path))
		if err != nil {
			return err
		}
		fi, err := entry.Info()
		if err != nil {
			return err
		}
		infos = append(infos, PartitionInfo{
			Key:     model.PartitionKey(filepath.ToSlash(rel)),
			Version: model.DataVersion(fi.ModTime().UnixNano()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return FilterPartitions(infos, nil), nil
}

// ReadPartition implements RowReader.
func (d *DirTable) ReadPartition(_ context.Context, table, _, _ string, key model.PartitionKey) ([]model.Row, error) {
	path := filepath.Join(d.root, table, filepath.FromSlash(string(key)), rowsFileName)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, key)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []model.Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var r dirRow
		if err := gojson.Unmarshal(text, &r); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", path, line, err)
		}
		rows = append(rows, model.Row{ID: r.ID, Vector: r.Vector})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
