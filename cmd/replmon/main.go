package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/dreamware/replmon/internal/cluster"
	"github.com/dreamware/replmon/internal/config"
	"github.com/dreamware/replmon/internal/observability"
	"github.com/dreamware/replmon/internal/replication"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "replmon",
		Usage:     "CouchDB replication status monitor",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to a .env file",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a TOML config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Action: serveAction,
			},
			{
				Name:      "status",
				Usage:     "print the reconciled status of every replication touching a database",
				ArgsUsage: "<database>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "target",
						Usage: "only replications whose target is the database",
					},
				},
				Action: statusAction,
			},
			{
				Name:      "detail",
				Usage:     "print the stored state of one replication document",
				ArgsUsage: "<database> <replication_id>",
				Action:    detailAction,
			},
		},
	}
}

// setup loads configuration and builds the logger and cluster client shared
// by every command.
func setup(cmd *cli.Command) (config.Config, zerolog.Logger, cluster.Client, error) {
	cfg, err := config.Load(cmd.String("env"), cmd.String("config"))
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, err
	}
	logger := observability.InitLogger("replmon", observability.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Out:    os.Stderr,
	})
	client, err := cluster.NewClient(cluster.Options{
		URL:          cfg.CouchDB.URL,
		Username:     cfg.CouchDB.User,
		Password:     cfg.CouchDB.Password,
		ReplicatorDB: cfg.CouchDB.ReplicatorDB,
		Timeout:      time.Duration(cfg.CouchDB.Timeout),
	})
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, err
	}
	return cfg, logger, client, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, client, err := setup(cmd)
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)
	srv := newServer(cfg, client, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr()).
			Str("couchdb", cfg.CouchDB.URL).
			Bool("legacy_fallback", cfg.LegacyFallback).
			Bool("debug_routes", cfg.DebugRoutes).
			Msg("replication monitor listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	logger.Info().Msg("replication monitor stopped")
	return nil
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: replmon status <database> [--target]")
	}
	cfg, logger, client, err := setup(cmd)
	if err != nil {
		return err
	}
	rec := replication.NewReconciler(client, replication.Options{
		LegacyFallback: cfg.LegacyFallback,
		Logger:         logger,
	})
	statuses, err := rec.ReplicationStatus(ctx, cmd.Args().First(), cmd.Bool("target"))
	if err != nil {
		return err
	}
	return renderStatuses(cmd.Root().Writer, statuses)
}

func detailAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("usage: replmon detail <database> <replication_id>")
	}
	cfg, logger, client, err := setup(cmd)
	if err != nil {
		return err
	}
	rec := replication.NewReconciler(client, replication.Options{
		LegacyFallback: cfg.LegacyFallback,
		Logger:         logger,
	})
	detail, err := rec.ReplicationDetail(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
	if err != nil {
		return err
	}
	return renderDetail(cmd.Root().Writer, detail)
}

func renderStatuses(w io.Writer, statuses []replication.Status) error {
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(w, "no replications found")
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Source", "Target", "Status", "Continuous", "Idle (s)", "Docs Written", "Pending", "Errors")
	for _, st := range statuses {
		idle := "-"
		if v, ok := st.SecondsSinceLastActivity.Get(); ok {
			idle = strconv.FormatInt(v, 10)
		}
		written, pending := "-", "-"
		if stats, ok := st.Stats.Get(); ok {
			written = strconv.FormatInt(stats.DocsWritten, 10)
			if p, ok := stats.ChangesPending.Get(); ok {
				pending = strconv.FormatInt(p, 10)
			}
		}
		err := table.Append(
			st.ID,
			st.Source,
			st.Target,
			st.Status,
			strconv.FormatBool(st.Continuous),
			idle,
			written,
			pending,
			strconv.Itoa(len(st.RecentErrors)),
		)
		if err != nil {
			return fmt.Errorf("render status %s: %w", st.ID, err)
		}
	}
	return table.Render()
}

func renderDetail(w io.Writer, d replication.Detail) error {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	rows := [][2]string{
		{"id", d.ID},
		{"source", rawOrDash(d.Source)},
		{"target", rawOrDash(d.Target)},
		{"state", d.State.OrElse("-")},
		{"last_updated", d.LastUpdated.OrElse("-")},
		{"stats", rawOrDash(d.Stats)},
	}
	for _, row := range rows {
		if err := table.Append(row[0], row[1]); err != nil {
			return fmt.Errorf("render detail %s: %w", row[0], err)
		}
	}
	return table.Render()
}

func rawOrDash(raw []byte) string {
	if len(raw) == 0 {
		return "-"
	}
	return string(raw)
}
