// Package datafile encodes record batches as parquet data files and reads
// them back for compaction rewrites.
package datafile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/florinutz/laketx/record"
	"github.com/florinutz/laketx/table"
)

// row is the parquet row layout: a fixed envelope with the payload carried
// as a JSON string column.
type row struct {
	RecordID  string `parquet:"record_id"`
	CreatedAt int64  `parquet:"created_at,timestamp(microsecond)"`
	Partition string `parquet:"partition"`
	Payload   string `parquet:"payload"`
}

// Write encodes records as a snappy-compressed parquet file and returns the
// bytes plus a file descriptor with size, row count, and partition values.
// The caller assigns the path before committing.
func Write(records []record.Record, partitionKey string) ([]byte, table.AddFile, error) {
	rows := make([]row, 0, len(records))
	for _, r := range records {
		rows = append(rows, row{
			RecordID:  r.ID,
			CreatedAt: r.CreatedAt.UnixMicro(),
			Partition: r.Partition,
			Payload:   string(r.Payload),
		})
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[row](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(rows); err != nil {
		return nil, table.AddFile{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, table.AddFile{}, fmt.Errorf("close parquet writer: %w", err)
	}

	data := buf.Bytes()
	add := table.AddFile{
		SizeBytes:        int64(len(data)),
		RowCount:         int64(len(records)),
		ModificationTime: time.Now().UTC(),
	}
	if len(records) > 0 {
		add.PartitionValues = map[string]string{partitionKey: records[0].Partition}
	}
	return data, add, nil
}

// Read decodes a parquet data file back into records.
func Read(data []byte) ([]record.Record, error) {
	rows, err := parquet.Read[row](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}

	records := make([]record.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, record.Record{
			ID:        r.RecordID,
			CreatedAt: time.UnixMicro(r.CreatedAt).UTC(),
			Partition: r.Partition,
			Payload:   json.RawMessage(r.Payload),
		})
	}
	return records, nil
}
