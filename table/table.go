// Package table defines the data model of a laketx table: the commit record
// written to the transaction log, the data file descriptor, the schema, and
// the snapshot produced by folding committed versions.
package table

import (
	"time"
)

// Standard object layout under a table root.
const (
	LogDir  = "_txn_log/"
	DataDir = "data/"
)

// FileStatus is the lifecycle state of a data file, derived from the log.
type FileStatus int

const (
	FileCreated FileStatus = iota // bytes written, not yet referenced
	FileActive                    // referenced by the current snapshot
	FileTombstoned                // removed by a later commit, kept for time travel
	FileDeleted                   // physically removed by vacuum
)

func (s FileStatus) String() string {
	switch s {
	case FileCreated:
		return "created"
	case FileActive:
		return "active"
	case FileTombstoned:
		return "tombstoned"
	case FileDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// AddFile records a data file becoming active in a commit.
type AddFile struct {
	Path            string            `json:"path"`
	SizeBytes       int64             `json:"sizeBytes"`
	RowCount        int64             `json:"rowCount"`
	PartitionValues map[string]string `json:"partitionValues,omitempty"`
	// ModificationTime lets compaction age small files without a round trip
	// to the blob store.
	ModificationTime time.Time `json:"modificationTime"`
}

// RemoveFile tombstones a data file. The file stays readable for time-travel
// until vacuum deletes it after the retention window.
type RemoveFile struct {
	Path               string    `json:"path"`
	TombstoneTimestamp time.Time `json:"tombstoneTimestamp"`
}

// HousekeepingInfo summarizes a vacuum pass, recorded in an optional commit.
type HousekeepingInfo struct {
	DeletedTombstoned int `json:"deletedTombstoned"`
	DeletedOrphans    int `json:"deletedOrphans"`
}

// Commit is one atomic, numbered mutation of the table's file set. Version
// numbers are contiguous from 0. A commit is visible to readers only as a
// whole: the log write of this record is the commit point.
type Commit struct {
	Version      int64             `json:"version"`
	Timestamp    time.Time         `json:"timestamp"`
	AddFiles     []AddFile         `json:"addFiles,omitempty"`
	RemoveFiles  []RemoveFile      `json:"removeFiles,omitempty"`
	SchemaDelta  *Schema           `json:"schemaDelta,omitempty"`
	BatchID      string            `json:"batchId,omitempty"`
	WriterID     string            `json:"writerId"`
	FencingToken int64             `json:"fencingToken"`
	Housekeeping *HousekeepingInfo `json:"housekeeping,omitempty"`
}

// Snapshot is the fully consistent state of a table as of one version:
// the set of active files, the schema, and the tombstones still inside the
// retention window. Snapshots are immutable values; readers never block
// writers.
type Snapshot struct {
	Version     int64
	Timestamp   time.Time
	Schema      *Schema
	ActiveFiles map[string]AddFile    // keyed by path
	Tombstones  map[string]RemoveFile // keyed by path
	BatchIDs    map[string]int64      // batch id -> version, for idempotency
}

// IdempotencyWindow bounds how many of the most recent commits contribute
// batch ids to the replay index. Redelivery happens within seconds of a
// crash; the window keeps snapshots and checkpoints bounded on long-lived
// tables.
const IdempotencyWindow = 1000

// NewSnapshot returns an empty snapshot at version -1 (no commits yet).
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version:     -1,
		ActiveFiles: make(map[string]AddFile),
		Tombstones:  make(map[string]RemoveFile),
		BatchIDs:    make(map[string]int64),
	}
}

// Apply folds one commit into the snapshot. Commits must be applied in
// version order; any "current state" is a pure function over the log.
func (s *Snapshot) Apply(c Commit) {
	s.Version = c.Version
	s.Timestamp = c.Timestamp
	if c.SchemaDelta != nil {
		s.Schema = c.SchemaDelta
	}
	for _, rm := range c.RemoveFiles {
		delete(s.ActiveFiles, rm.Path)
		s.Tombstones[rm.Path] = rm
	}
	for _, add := range c.AddFiles {
		s.ActiveFiles[add.Path] = add
		delete(s.Tombstones, add.Path)
	}
	if c.BatchID != "" {
		s.BatchIDs[c.BatchID] = c.Version
		if len(s.BatchIDs) > IdempotencyWindow {
			cutoff := c.Version - IdempotencyWindow
			for id, v := range s.BatchIDs {
				if v <= cutoff {
					delete(s.BatchIDs, id)
				}
			}
		}
	}
}

// RowCount returns the total active row count.
func (s *Snapshot) RowCount() int64 {
	var n int64
	for _, f := range s.ActiveFiles {
		n += f.RowCount
	}
	return n
}

// FilesByPartition groups active files by the given partition key value.
func (s *Snapshot) FilesByPartition(key string) map[string][]AddFile {
	out := make(map[string][]AddFile)
	for _, f := range s.ActiveFiles {
		out[f.PartitionValues[key]] = append(out[f.PartitionValues[key]], f)
	}
	return out
}

// Status reports the lifecycle state of a path as seen by this snapshot.
// A path absent from both the active set and the tombstone set is either
// never-committed (orphan) or already vacuumed; the snapshot cannot tell
// those apart, so it reports FileCreated.
func (s *Snapshot) Status(path string) FileStatus {
	if _, ok := s.ActiveFiles[path]; ok {
		return FileActive
	}
	if _, ok := s.Tombstones[path]; ok {
		return FileTombstoned
	}
	return FileCreated
}
