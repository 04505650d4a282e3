// Package action classifies lines from a prefetch SQL file into the
// handful of actions the apply engine understands, and parses the JSON
// metadata embedded in control lines.
package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcatchup/pkg/lsn"
)

// Kind identifies what a single line of a prefetch SQL file represents.
type Kind int

const (
	Unknown Kind = iota
	Begin
	Commit
	Switch
	Keepalive
	Insert
	Update
	Delete
	Truncate
)

func (k Kind) String() string {
	switch k {
	case Begin:
		return "BEGIN"
	case Commit:
		return "COMMIT"
	case Switch:
		return "SWITCH"
	case Keepalive:
		return "KEEPALIVE"
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case Truncate:
		return "TRUNCATE"
	default:
		return "UNKNOWN"
	}
}

// Control-line prefixes, in the order they are tried.
const (
	prefixBegin     = "BEGIN "
	prefixCommit    = "COMMIT "
	prefixSwitch    = "SWITCH WAL "
	prefixKeepalive = "KEEPALIVE "
)

// DML substrings, in the order they are searched for.
const (
	substrInsert   = "INSERT INTO"
	substrUpdate   = "UPDATE "
	substrDelete   = "DELETE FROM "
	substrTruncate = "TRUNCATE "
)

// Metadata is the payload of a control line's trailing JSON object.
type Metadata struct {
	Action    string
	XID       uint32
	LSN       pglogrepl.LSN
	Timestamp time.Time
}

// Valid reports whether the metadata carries the fields the apply engine
// requires to act on a BEGIN or KEEPALIVE line: a real LSN and a
// timestamp.
func (m *Metadata) Valid() bool {
	return m != nil && lsn.IsSet(m.LSN) && !m.Timestamp.IsZero()
}

// wireMetadata mirrors the on-disk JSON shape: lsn and timestamp travel as
// strings, not as the Go types we want to work with.
type wireMetadata struct {
	Action    string `json:"action"`
	XID       uint32 `json:"xid"`
	LSN       string `json:"lsn"`
	Timestamp string `json:"timestamp"`
}

// Parse classifies a single line and, for control lines, parses its
// trailing JSON metadata. An error return means the line was a
// recognized control line whose JSON payload could not be parsed or
// whose LSN/timestamp fields were malformed — this is fatal for the
// file per the apply engine's error taxonomy.
func Parse(line []byte) (Kind, *Metadata, error) {
	if len(line) == 0 {
		return Unknown, nil, nil
	}

	switch {
	case bytes.HasPrefix(line, []byte(prefixBegin)):
		meta, err := parseMetadata(line, len(prefixBegin))
		if err != nil {
			return Unknown, nil, fmt.Errorf("parse BEGIN metadata: %w", err)
		}
		return Begin, meta, nil
	case bytes.HasPrefix(line, []byte(prefixCommit)):
		// Strip the COMMIT prefix's own length, not BEGIN's — see the
		// "known source ambiguity" decided in DESIGN.md.
		meta, err := parseMetadata(line, len(prefixCommit))
		if err != nil {
			return Unknown, nil, fmt.Errorf("parse COMMIT metadata: %w", err)
		}
		return Commit, meta, nil
	case bytes.HasPrefix(line, []byte(prefixSwitch)):
		meta, err := parseMetadata(line, len(prefixSwitch))
		if err != nil {
			return Unknown, nil, fmt.Errorf("parse SWITCH WAL metadata: %w", err)
		}
		return Switch, meta, nil
	case bytes.HasPrefix(line, []byte(prefixKeepalive)):
		meta, err := parseMetadata(line, len(prefixKeepalive))
		if err != nil {
			return Unknown, nil, fmt.Errorf("parse KEEPALIVE metadata: %w", err)
		}
		return Keepalive, meta, nil
	}

	s := string(line)
	switch {
	case strings.Contains(s, substrInsert):
		return Insert, nil, nil
	case strings.Contains(s, substrUpdate):
		return Update, nil, nil
	case strings.Contains(s, substrDelete):
		return Delete, nil, nil
	case strings.Contains(s, substrTruncate):
		return Truncate, nil, nil
	}

	return Unknown, nil, nil
}

func parseMetadata(line []byte, prefixLen int) (*Metadata, error) {
	payload := bytes.TrimSpace(line[prefixLen:])

	var wire wireMetadata
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("invalid json %q: %w", payload, err)
	}

	m := &Metadata{Action: wire.Action, XID: wire.XID}

	if wire.LSN != "" {
		parsed, err := pglogrepl.ParseLSN(wire.LSN)
		if err != nil {
			return nil, fmt.Errorf("invalid lsn %q: %w", wire.LSN, err)
		}
		m.LSN = parsed
	}

	if wire.Timestamp != "" {
		ts, err := parseTimestamp(wire.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", wire.Timestamp, err)
		}
		m.Timestamp = ts
	}

	return m, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, s)
}
