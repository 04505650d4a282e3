// Package origin wraps the four pg_replication_origin_* functions the
// apply engine needs on its long-lived target connection, in the same
// spirit as the teacher's pgwire.Conn wrapper but generalized to the
// full setup/session/xact surface this engine requires.
package origin

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jfoltran/pgcatchup/pkg/lsn"
)

// Conn is the subset of *pgx.Conn the origin operations need. A plain
// *pgx.Conn satisfies it directly.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Setup resolves the origin's OID (fatal if it does not exist — the
// origin must be created by an earlier provisioning step), reads its
// durable progress with a flushed read, and binds the session to it so
// that subsequent transactions on conn are associated with the origin.
// It returns the durable previousLSN the origin last advanced to.
func Setup(ctx context.Context, conn Conn, name string) (pglogrepl.LSN, error) {
	var oid uint32
	if err := conn.QueryRow(ctx, "SELECT pg_replication_origin_oid($1)", name).Scan(&oid); err != nil {
		return lsn.Invalid, fmt.Errorf("resolve replication origin oid for %q: %w", name, err)
	}
	if oid == 0 {
		return lsn.Invalid, fmt.Errorf("replication origin %q does not exist; it must be provisioned before catch-up starts", name)
	}

	var progress string
	if err := conn.QueryRow(ctx, "SELECT pg_replication_origin_progress($1, $2)::text", name, true).Scan(&progress); err != nil {
		return lsn.Invalid, fmt.Errorf("read replication origin progress for %q: %w", name, err)
	}

	previousLSN := lsn.Invalid
	if progress != "" {
		parsed, err := pglogrepl.ParseLSN(progress)
		if err != nil {
			return lsn.Invalid, fmt.Errorf("parse replication origin progress %q: %w", progress, err)
		}
		previousLSN = parsed
	}

	if _, err := conn.Exec(ctx, "SELECT pg_replication_origin_session_setup($1)", name); err != nil {
		return lsn.Invalid, fmt.Errorf("setup replication origin session for %q: %w", name, err)
	}

	return previousLSN, nil
}

// XactSetup associates the transaction currently open on conn with the
// given LSN/timestamp, so that committing it atomically advances the
// origin to that position.
func XactSetup(ctx context.Context, conn Conn, originLSN pglogrepl.LSN, originTimestamp time.Time) error {
	_, err := conn.Exec(ctx, "SELECT pg_replication_origin_xact_setup($1, $2)", originLSN.String(), originTimestamp)
	if err != nil {
		return fmt.Errorf("replication origin xact setup at %s: %w", originLSN, err)
	}
	return nil
}
