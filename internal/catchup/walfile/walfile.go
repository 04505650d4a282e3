// Package walfile maps LSN positions to the WAL segment .sql file that
// the prefetch stage wrote them into, and reads the small prefetch
// context file the apply engine seeds itself from at startup.
package walfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pglogrepl"
)

// ContextFileName is the well-known name of the prefetch context file
// inside the CDC directory (Paths.Dir).
const ContextFileName = "pgcatchup.json"

// SourceSystem identifies the source cluster a prefetch run was taken
// against, captured once by prefetch and read by the apply engine at
// startup.
type SourceSystem struct {
	SystemIdentifier uint64 `json:"system_identifier"`
	Timeline         uint32 `json:"timeline"`
}

// Context is the prefetch context file's contents: the source system
// identity plus the WAL segment size, a per-cluster constant.
type Context struct {
	System         SourceSystem `json:"-"`
	WALSegmentSize uint64       `json:"wal_segment_size"`
}

type contextFile struct {
	SystemIdentifier uint64 `json:"system_identifier"`
	Timeline         uint32 `json:"timeline"`
	WALSegmentSize   uint64 `json:"wal_segment_size"`
}

// ReadContext reads and parses the prefetch context file from dir.
func ReadContext(dir string) (Context, error) {
	path := filepath.Join(dir, ContextFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Context{}, fmt.Errorf("read prefetch context %s: %w", path, err)
	}

	var cf contextFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return Context{}, fmt.Errorf("parse prefetch context %s: %w", path, err)
	}
	if cf.WALSegmentSize == 0 {
		return Context{}, fmt.Errorf("prefetch context %s: wal_segment_size must be non-zero", path)
	}

	return Context{
		System: SourceSystem{
			SystemIdentifier: cf.SystemIdentifier,
			Timeline:         cf.Timeline,
		},
		WALSegmentSize: cf.WALSegmentSize,
	}, nil
}

// SegmentName returns the canonical 24-hex-character WAL segment name
// containing position, for the given timeline and segment size.
func SegmentName(position pglogrepl.LSN, timeline uint32, segSize uint64) string {
	segno := uint64(position) / segSize
	return fmt.Sprintf("%08X%08X%08X", timeline, uint32(segno>>32), uint32(segno))
}

// Paths is the on-disk layout the apply engine reads SQL files from.
type Paths struct {
	Dir string
}

// SQLFileName returns the path of the .sql file whose WAL segment
// contains position.
func (p Paths) SQLFileName(position pglogrepl.LSN, timeline uint32, segSize uint64) string {
	return filepath.Join(p.Dir, SegmentName(position, timeline, segSize)+".sql")
}
