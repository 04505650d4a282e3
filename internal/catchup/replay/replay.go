// Package replay implements the FileReplayer: it replays one prefetch
// SQL file line by line against the target, maintaining transaction
// state and replication-origin bookkeeping as it goes.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcatchup/internal/catchup/action"
	"github.com/jfoltran/pgcatchup/internal/catchup/origin"
	"github.com/jfoltran/pgcatchup/pkg/lsn"
)

// Conn is the target connection surface the replayer needs: plain
// statement execution plus whatever origin.Setup/XactSetup require. A
// *pgx.Conn opened in simple-protocol, multi-statement mode satisfies
// it directly.
type Conn = origin.Conn

// Context is the live state of the apply engine. It is created once at
// process start and mutated in place as files are replayed; callers
// must recompute the next file name from PreviousLSN after every call
// to Apply.
type Context struct {
	// OriginName is the target replication origin this engine owns.
	OriginName string

	// PreviousLSN is the highest LSN durably committed on the target via
	// the replication origin. Non-decreasing for the lifetime of the
	// engine and across restarts.
	PreviousLSN pglogrepl.LSN

	// Endpos is the current stop position from the sentinel (or the CLI
	// override). lsn.Invalid means "run forever".
	Endpos pglogrepl.LSN

	// ReachedEndPos is a terminal latch: once set it is never cleared.
	ReachedEndPos bool
}

// reachEndPos latches ReachedEndPos. It never clears it.
func (c *Context) reachEndPos() {
	c.ReachedEndPos = true
}

// metaLSN returns m.LSN, or lsn.Invalid if m is nil.
func metaLSN(m *action.Metadata) pglogrepl.LSN {
	if m == nil {
		return lsn.Invalid
	}
	return m.LSN
}

// lines splits file data into newline-terminated records, discarding a
// single trailing empty line produced by a final "\n".
func lines(data []byte) [][]byte {
	parts := bytes.Split(data, []byte("\n"))
	if n := len(parts); n > 0 && len(parts[n-1]) == 0 {
		parts = parts[:n-1]
	}
	return parts
}

// Apply replays a single prefetch SQL file against conn, advancing
// state in place. Preconditions: state.PreviousLSN is the durable
// replay point and no target transaction is open on conn. Every
// non-fatal return path leaves conn with no transaction open.
func Apply(ctx context.Context, conn Conn, state *Context, data []byte, logger zerolog.Logger) error {
	records := lines(data)
	reachedStart := false
	inTxn := false

	for i, line := range records {
		kind, meta, err := action.Parse(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}

		switch kind {
		case action.Switch:
			if i != len(records)-1 {
				return fmt.Errorf("line %d: SWITCH WAL must be the last line of the file", i+1)
			}
			if !lsn.IsSet(metaLSN(meta)) {
				return fmt.Errorf("line %d: SWITCH WAL missing lsn", i+1)
			}
			state.PreviousLSN = meta.LSN

		case action.Begin:
			if !reachedStart {
				reachedStart = state.PreviousLSN < metaLSN(meta)
			}
			if !meta.Valid() {
				return fmt.Errorf("line %d: BEGIN missing lsn/timestamp", i+1)
			}
			if lsn.IsSet(state.Endpos) && state.Endpos <= meta.LSN {
				state.reachEndPos()
				logger.Info().Stringer("endpos", state.Endpos).Stringer("lsn", meta.LSN).
					Msg("reached end position before BEGIN, stopping")
				return nil
			}
			if !reachedStart {
				continue
			}
			if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
				return fmt.Errorf("line %d: begin transaction: %w", i+1, err)
			}
			inTxn = true
			if err := origin.XactSetup(ctx, conn, meta.LSN, meta.Timestamp); err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}

		case action.Insert, action.Update, action.Delete, action.Truncate:
			if !reachedStart {
				continue
			}
			stmt := strings.TrimSuffix(string(line), ";")
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("line %d: apply %s: %w", i+1, kind, err)
			}

		case action.Commit:
			if !reachedStart {
				continue
			}
			if !lsn.IsSet(metaLSN(meta)) {
				return fmt.Errorf("line %d: COMMIT missing lsn", i+1)
			}
			if _, err := conn.Exec(ctx, "COMMIT"); err != nil {
				return fmt.Errorf("line %d: commit transaction: %w", i+1, err)
			}
			inTxn = false
			state.PreviousLSN = meta.LSN
			if lsn.IsSet(state.Endpos) && state.Endpos <= state.PreviousLSN {
				state.reachEndPos()
				return nil
			}

		case action.Keepalive:
			if !reachedStart {
				reachedStart = state.PreviousLSN < metaLSN(meta)
			}
			if !meta.Valid() {
				return fmt.Errorf("line %d: KEEPALIVE missing lsn/timestamp", i+1)
			}
			// Strict "<": a keepalive exactly at endpos is still applied
			// so the origin lands precisely on endpos.
			if lsn.IsSet(state.Endpos) && state.Endpos < meta.LSN {
				state.reachEndPos()
				return nil
			}
			if !reachedStart {
				continue
			}
			if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
				return fmt.Errorf("line %d: begin keepalive transaction: %w", i+1, err)
			}
			if err := origin.XactSetup(ctx, conn, meta.LSN, meta.Timestamp); err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			if _, err := conn.Exec(ctx, "COMMIT"); err != nil {
				return fmt.Errorf("line %d: commit keepalive transaction: %w", i+1, err)
			}
			state.PreviousLSN = meta.LSN
			if lsn.IsSet(state.Endpos) && state.Endpos <= state.PreviousLSN {
				state.reachEndPos()
				return nil
			}

		case action.Unknown:
			return fmt.Errorf("line %d: unknown or unparseable action", i+1)
		}
	}

	// The file ended inside a transaction (the prefetch stage has not yet
	// written its COMMIT). Roll it back so the next read of this file
	// replays the whole transaction on a connection with none open.
	if inTxn {
		if _, err := conn.Exec(ctx, "ROLLBACK"); err != nil {
			return fmt.Errorf("roll back incomplete trailing transaction: %w", err)
		}
	}

	return nil
}
