package main

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcatchup/internal/catchup/engine"
	"github.com/jfoltran/pgcatchup/internal/catchup/sentinel"
	"github.com/jfoltran/pgcatchup/internal/catchup/shutdown"
	"github.com/jfoltran/pgcatchup/internal/catchup/walfile"
	"github.com/jfoltran/pgcatchup/internal/config"
)

var (
	catchupCDCDir       string
	catchupOrigin       string
	catchupEndpos       string
	catchupPollInterval time.Duration
	catchupMode         string
)

var catchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Apply prefetched CDC files to the target database",
	Long: `catchup waits for the sentinel to enable applying, binds a target
replication origin, then replays WAL segment files from the CDC
directory in order until endpos is reached or the process is asked to
stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.CDCDir = catchupCDCDir
		cfg.Origin = catchupOrigin
		cfg.Mode = config.Mode(catchupMode)
		cfg.PollInterval = catchupPollInterval

		if catchupEndpos != "" {
			parsed, err := pglogrepl.ParseLSN(catchupEndpos)
			if err != nil {
				return fmt.Errorf("invalid --endpos: %w", err)
			}
			cfg.Endpos = parsed
		}

		if err := cfg.Validate(); err != nil {
			return err
		}

		walCtx, err := walfile.ReadContext(cfg.CDCDir)
		if err != nil {
			return fmt.Errorf("read prefetch context: %w", err)
		}

		ctx := cmd.Context()

		connCfg, err := pgx.ParseConfig(cfg.Target.DSN())
		if err != nil {
			return fmt.Errorf("parse target dsn: %w", err)
		}
		connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		conn, err := pgx.ConnectConfig(ctx, connCfg)
		if err != nil {
			return fmt.Errorf("connect to target: %w", err)
		}
		defer conn.Close(ctx)

		coordinator := sentinel.NewCoordinator(cfg.Source.DSN(), cfg.PollInterval, logger)

		loop := engine.New(engine.Config{
			OriginName:     cfg.Origin,
			Paths:          walfile.Paths{Dir: cfg.CDCDir},
			Timeline:       walCtx.System.Timeline,
			WALSegmentSize: walCtx.WALSegmentSize,
			PollInterval:   cfg.PollInterval,
			Endpos:         cfg.Endpos,
		}, conn, coordinator, logger)

		var flags shutdown.Flags
		go func() {
			<-ctx.Done()
			flags.RequestFastStop()
		}()

		state, err := loop.Run(ctx, &flags)
		if err != nil {
			return err
		}
		if state != nil {
			logger.Info().
				Stringer("previous_lsn", state.PreviousLSN).
				Bool("reached_endpos", state.ReachedEndPos).
				Msg("apply loop stopped")
		}
		return nil
	},
}

func init() {
	f := catchupCmd.Flags()
	f.StringVar(&catchupCDCDir, "cdc-dir", "", "Directory prefetch SQL files and pgcatchup.json are read from")
	f.StringVar(&catchupOrigin, "origin", "pgcatchup", "Target replication origin name")
	f.StringVar(&catchupEndpos, "endpos", "", "Stop once this LSN has been applied (overrides the sentinel)")
	f.DurationVar(&catchupPollInterval, "poll-interval", 10*time.Second, "How often to poll for new WAL files and sentinel updates")
	f.StringVar(&catchupMode, "mode", "prefetch", "Apply mode (prefetch is the only mode currently implemented)")
	rootCmd.AddCommand(catchupCmd)
}
