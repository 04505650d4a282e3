// Package sentinel talks to the source-side control record that gates
// whether the apply engine may replay, and that publishes the current
// stop position. It is the Go analogue of pgcopydb's sentinel table:
// a single row, queried and updated through short-lived connections.
package sentinel

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcatchup/internal/catchup/shutdown"
	"github.com/jfoltran/pgcatchup/pkg/lsn"
)

// DefaultPollInterval is CATCHUP_POLL_INTERVAL: how often WaitForEnable
// retries and how the caller is expected to pace its own sync calls.
const DefaultPollInterval = 10 * time.Second

// DefaultSchema is the schema the sentinel row lives under.
const DefaultSchema = "catchup"

// Snapshot is the sentinel row's contents at a point in time.
type Snapshot struct {
	Startpos pglogrepl.LSN
	Endpos   pglogrepl.LSN
	Apply    bool
}

// Outcome distinguishes how WaitForEnable returned.
type Outcome int

const (
	Ready Outcome = iota
	ShutdownRequested
)

// conn is the subset of *pgx.Conn the coordinator needs from a
// short-lived source connection.
type conn = SourceConn

// SourceConn is the subset of *pgx.Conn a short-lived sentinel
// connection needs. Exported so tests outside this package can supply
// a fake via NewCoordinatorWithDialer.
type SourceConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// dialer opens a fresh short-lived connection to the source.
type dialer = Dialer

// Dialer opens a fresh short-lived connection to the source.
type Dialer func(ctx context.Context) (SourceConn, error)

// Coordinator implements the three sentinel operations: wait for
// apply=true, sync progress, and (implicitly, via Sync's return value)
// refresh the in-memory snapshot.
type Coordinator struct {
	dial         dialer
	schema       string
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewCoordinator creates a Coordinator that opens short-lived
// connections to sourceDSN for every sentinel interaction.
func NewCoordinator(sourceDSN string, pollInterval time.Duration, logger zerolog.Logger) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Coordinator{
		dial: func(ctx context.Context) (conn, error) {
			return pgx.Connect(ctx, sourceDSN)
		},
		schema:       DefaultSchema,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "sentinel").Logger(),
	}
}

// NewCoordinatorWithDialer is NewCoordinator with the dial function
// substitutable, for tests outside this package that need to fake the
// source connection.
func NewCoordinatorWithDialer(dial Dialer, schema string, pollInterval time.Duration, logger zerolog.Logger) *Coordinator {
	if schema == "" {
		schema = DefaultSchema
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Coordinator{
		dial:         dial,
		schema:       schema,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "sentinel").Logger(),
	}
}

// WaitForEnable polls the sentinel row until apply=true, sleeping
// pollInterval between attempts. A query failure is logged as a
// warning and retried (transient, per the apply engine's error
// taxonomy); it never aborts the wait. Returns ShutdownRequested if
// flags fire before apply becomes true.
func (c *Coordinator) WaitForEnable(ctx context.Context, flags *shutdown.Flags) (Snapshot, Outcome, error) {
	c.logger.Info().Msg("waiting for sentinel to enable applying")

	for {
		if flags.Requested() {
			return Snapshot{}, ShutdownRequested, nil
		}

		snap, err := c.fetch(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("sentinel query failed, retrying")
		} else if snap.Apply {
			return snap, Ready, nil
		}

		if !shutdown.Sleep(ctx, c.pollInterval, flags) {
			return Snapshot{}, ShutdownRequested, nil
		}
	}
}

// Sync reports previousLSN as the current replay position and returns
// the sentinel's fresh snapshot in the same round trip. Failure is
// non-fatal: the caller should keep using its previous snapshot and try
// again after the next file.
func (c *Coordinator) Sync(ctx context.Context, previousLSN pglogrepl.LSN) (Snapshot, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("connect to sentinel source: %w", err)
	}
	defer cn.Close(ctx)

	query := fmt.Sprintf(
		"UPDATE %s.sentinel SET write_lsn = $1::pg_lsn, updated_at = now() RETURNING startpos::text, endpos::text, apply",
		c.schema)

	var startpos, endpos string
	var apply bool
	if err := cn.QueryRow(ctx, query, previousLSN.String()).Scan(&startpos, &endpos, &apply); err != nil {
		return Snapshot{}, fmt.Errorf("sync sentinel progress: %w", err)
	}

	return parseSnapshot(startpos, endpos, apply)
}

func (c *Coordinator) fetch(ctx context.Context) (Snapshot, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("connect to sentinel source: %w", err)
	}
	defer cn.Close(ctx)

	query := fmt.Sprintf("SELECT startpos::text, endpos::text, apply FROM %s.sentinel", c.schema)

	var startpos, endpos string
	var apply bool
	if err := cn.QueryRow(ctx, query).Scan(&startpos, &endpos, &apply); err != nil {
		return Snapshot{}, fmt.Errorf("query sentinel: %w", err)
	}

	return parseSnapshot(startpos, endpos, apply)
}

func parseSnapshot(startpos, endpos string, apply bool) (Snapshot, error) {
	snap := Snapshot{Apply: apply}

	if startpos != "" {
		p, err := pglogrepl.ParseLSN(startpos)
		if err != nil {
			return Snapshot{}, fmt.Errorf("parse sentinel startpos %q: %w", startpos, err)
		}
		snap.Startpos = p
	} else {
		snap.Startpos = lsn.Invalid
	}

	if endpos != "" {
		p, err := pglogrepl.ParseLSN(endpos)
		if err != nil {
			return Snapshot{}, fmt.Errorf("parse sentinel endpos %q: %w", endpos, err)
		}
		snap.Endpos = p
	} else {
		snap.Endpos = lsn.Invalid
	}

	return snap, nil
}
