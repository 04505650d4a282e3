// Package engine drives the top-level apply loop: it waits for the
// sentinel to enable applying, then repeatedly computes the next WAL
// segment file name from the current replay position, waits for that
// file to exist, replays it, and syncs progress back to the sentinel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcatchup/internal/catchup/origin"
	"github.com/jfoltran/pgcatchup/internal/catchup/replay"
	"github.com/jfoltran/pgcatchup/internal/catchup/sentinel"
	"github.com/jfoltran/pgcatchup/internal/catchup/shutdown"
	"github.com/jfoltran/pgcatchup/internal/catchup/walfile"
	"github.com/jfoltran/pgcatchup/pkg/lsn"
)

// DefaultCatchupPollInterval is CATCHUP_POLL_INTERVAL, the pause
// between checks for a not-yet-written WAL file and between sentinel
// sync attempts.
const DefaultCatchupPollInterval = 10 * time.Second

// Config is everything the loop needs to find its files and reach its
// target, gathered once at startup.
type Config struct {
	OriginName     string
	Paths          walfile.Paths
	Timeline       uint32
	WALSegmentSize uint64
	PollInterval   time.Duration

	// Endpos overrides the sentinel's endpos when set; lsn.Invalid means
	// "defer to the sentinel".
	Endpos pglogrepl.LSN
}

// Loop is the running apply engine: a target connection plus the
// sentinel coordinator it syncs progress through.
type Loop struct {
	cfg      Config
	conn     replay.Conn
	sentinel *sentinel.Coordinator
	logger   zerolog.Logger
}

// New builds a Loop ready to Run. conn must already be connected to the
// target in simple-protocol mode so literal "BEGIN"/"COMMIT" statements
// control its transaction boundaries directly.
func New(cfg Config, conn replay.Conn, coordinator *sentinel.Coordinator, logger zerolog.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultCatchupPollInterval
	}
	return &Loop{
		cfg:      cfg,
		conn:     conn,
		sentinel: coordinator,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// Run is the ApplyLoop: it blocks until the sentinel enables applying,
// establishes the replication origin, and then replays WAL segment
// files in order until endpos is reached or a shutdown flag fires. A
// nil return means a clean stop, not that endpos was necessarily
// reached — callers should inspect state.ReachedEndPos if that
// distinction matters.
func (l *Loop) Run(ctx context.Context, flags *shutdown.Flags) (*replay.Context, error) {
	snap, outcome, err := l.sentinel.WaitForEnable(ctx, flags)
	if err != nil {
		return nil, fmt.Errorf("wait for sentinel enable: %w", err)
	}
	if outcome == sentinel.ShutdownRequested {
		return nil, nil
	}

	previousLSN, err := origin.Setup(ctx, l.conn, l.cfg.OriginName)
	if err != nil {
		return nil, fmt.Errorf("setup replication origin: %w", err)
	}

	endpos := l.cfg.Endpos
	if !lsn.IsSet(endpos) {
		endpos = snap.Endpos
	}

	state := &replay.Context{
		OriginName:  l.cfg.OriginName,
		PreviousLSN: previousLSN,
		Endpos:      endpos,
	}

	l.logger.Info().
		Stringer("previous_lsn", state.PreviousLSN).
		Stringer("endpos", state.Endpos).
		Msg("apply loop starting")

	var lastPath string
	for {
		if flags.Requested() {
			l.logger.Info().Msg("shutdown requested, stopping")
			return state, nil
		}
		if state.ReachedEndPos {
			l.logger.Info().Msg("reached end position, stopping")
			return state, nil
		}

		path := l.cfg.Paths.SQLFileName(state.PreviousLSN, l.cfg.Timeline, l.cfg.WALSegmentSize)

		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Debug().Str("path", path).Msg("waiting for next WAL file")
			if !shutdown.Sleep(ctx, l.cfg.PollInterval, flags) {
				return state, nil
			}
			continue
		}
		if err != nil {
			return state, fmt.Errorf("read %s: %w", path, err)
		}

		beforeLSN := state.PreviousLSN
		l.logger.Info().Str("path", path).Msg("applying file")
		applyStart := time.Now()
		if err := replay.Apply(ctx, l.conn, state, data, l.logger); err != nil {
			return state, fmt.Errorf("apply %s: %w", path, err)
		}

		if lsn.IsSet(state.Endpos) {
			remaining := lsn.Lag(state.PreviousLSN, state.Endpos)
			l.logger.Info().Str("path", path).
				Str("lag", lsn.FormatLag(remaining, time.Since(applyStart))).
				Msg("applied file")
		}

		if syncSnap, err := l.sentinel.Sync(ctx, state.PreviousLSN); err != nil {
			l.logger.Warn().Err(err).Msg("sentinel sync failed, continuing with previous endpos")
		} else if !lsn.IsSet(l.cfg.Endpos) {
			state.Endpos = syncSnap.Endpos
		}

		// The sentinel may shrink endpos to meet the position we just
		// reported. Re-check here too, or a shrunk endpos at or before
		// where we already stopped would leave us waiting on a segment
		// file that never arrives.
		if !state.ReachedEndPos && lsn.IsSet(state.Endpos) && state.Endpos <= state.PreviousLSN {
			state.ReachedEndPos = true
			l.logger.Info().Msg("reached end position after sentinel sync, stopping")
			return state, nil
		}

		// Same file and no forward progress: the prefetch stage hasn't
		// appended a complete transaction since our last read. Wait
		// before rereading it, the same way we wait for a missing file.
		if path == lastPath && state.PreviousLSN == beforeLSN {
			if !shutdown.Sleep(ctx, l.cfg.PollInterval, flags) {
				return state, nil
			}
		}
		lastPath = path
	}
}
