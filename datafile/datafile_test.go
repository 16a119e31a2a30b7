package datafile

import (
	"encoding/json"
	"testing"

	"github.com/florinutz/laketx/record"
)

func makeRecords(t *testing.T, n int, partition string) []record.Record {
	t.Helper()
	out := make([]record.Record, 0, n)
	for i := range n {
		r, err := record.New(json.RawMessage(`{"seq":`+jsonInt(i)+`}`), partition)
		if err != nil {
			t.Fatalf("record.New: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func TestWriteRead_RoundTrip(t *testing.T) {
	records := makeRecords(t, 25, "eu")

	data, add, err := Write(records, "region")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if add.RowCount != 25 {
		t.Fatalf("RowCount = %d, want 25", add.RowCount)
	}
	if add.SizeBytes != int64(len(data)) {
		t.Fatalf("SizeBytes = %d, want %d", add.SizeBytes, len(data))
	}
	if add.PartitionValues["region"] != "eu" {
		t.Fatalf("partition values = %v", add.PartitionValues)
	}

	got, err := Read(data)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 25 {
		t.Fatalf("read %d records, want 25", len(got))
	}
	for i, r := range got {
		if r.ID != records[i].ID {
			t.Fatalf("record %d: id %q, want %q", i, r.ID, records[i].ID)
		}
		if string(r.Payload) != string(records[i].Payload) {
			t.Fatalf("record %d: payload %s, want %s", i, r.Payload, records[i].Payload)
		}
		if r.CreatedAt.UnixMicro() != records[i].CreatedAt.UnixMicro() {
			t.Fatalf("record %d: created_at %v, want %v (micro precision)", i, r.CreatedAt, records[i].CreatedAt)
		}
	}
}

func TestWrite_EmptyBatch(t *testing.T) {
	data, add, err := Write(nil, "region")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if add.RowCount != 0 {
		t.Fatalf("RowCount = %d, want 0", add.RowCount)
	}
	if add.PartitionValues != nil {
		t.Fatalf("expected nil partition values for empty batch, got %v", add.PartitionValues)
	}
	got, err := Read(data)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("read %d records, want 0", len(got))
	}
}
