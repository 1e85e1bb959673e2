package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/irispro/lambda-comms/internal/app"
	"github.com/irispro/lambda-comms/internal/config"
	"github.com/irispro/lambda-comms/internal/mailer"
	"github.com/irispro/lambda-comms/internal/metadata"
)

type loggerFactory func(cmd *cobra.Command) *slog.Logger

func newMigrateCmd(newLogger loggerFactory) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply the email_metadata schema migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{metadata.MigrateUp, metadata.MigrateDown, metadata.MigrateStatus},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := metadata.MigrateUp
			if len(args) == 1 {
				direction = args[0]
			}

			cfg, err := config.Load(os.Getenv)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN())
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			return metadata.Migrate(ctx, db.DB, direction, newLogger(cmd))
		},
	}
}

func newInvokeCmd(newLogger loggerFactory) *cobra.Command {
	var eventFile string

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run the dispatcher locally against a JSON event",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readEvent(eventFile)
			if err != nil {
				return err
			}

			cfg, err := config.Load(os.Getenv)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			logger := newLogger(cmd)
			awsCfg, err := app.LoadAWSConfig(ctx, cfg.Region)
			if err != nil {
				return fmt.Errorf("load AWS config: %w", err)
			}
			app.LoadSecrets(ctx, cfg, awsCfg, logger)

			resp, err := app.NewDispatcher(cfg, awsCfg, logger).Handle(ctx, payload)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVarP(&eventFile, "event", "e", "", "path to the event JSON file, or - for stdin")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func newProbeSMTPCmd(newLogger loggerFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "probe-smtp",
		Short: "Check TCP, STARTTLS and login against the SMTP relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(os.Getenv)
			if err != nil {
				return err
			}

			report := mailer.NewClient(cfg.SMTP, cfg.FromEmail).Probe(cmd.Context())
			newLogger(cmd).Debug("SMTP diagnostics", slog.Any("report", report))
			writeReport(cmd, report)
			if !report.OK() {
				return fmt.Errorf("smtp relay %s failed diagnostics", report.Addr)
			}
			return nil
		},
	}
}

func readEvent(path string) (json.RawMessage, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("event %s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeReport(cmd *cobra.Command, r mailer.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "relay: %s\n", r.Addr)
	for _, stage := range []struct {
		name string
		step mailer.Step
		ran  bool
	}{
		{"tcp", r.TCP, true},
		{"starttls", r.StartTLS, r.TCP.OK},
		{"login", r.Login, r.StartTLS.OK},
	} {
		switch {
		case !stage.ran:
			fmt.Fprintf(out, "  %-9s skipped\n", stage.name)
		case stage.step.OK:
			fmt.Fprintf(out, "  %-9s ok\n", stage.name)
		default:
			fmt.Fprintf(out, "  %-9s FAILED: %s\n", stage.name, stage.step.Error)
		}
	}
}
