// Package cli implements the oppipeline command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"openpayments/internal/config"
	"openpayments/internal/logging"
	"openpayments/internal/pipeline"
	"openpayments/internal/store"
)

// Version information, set at build time.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// app is the state shared by subcommands after the root pre-run.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
	logFile io.Closer
	loader  *store.PGLoader
}

func skipSetup(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "version", "completion", "__complete":
		return true
	}
	return false
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{logger: zerolog.Nop()})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "oppipeline",
		Short: "Open Payments prostate drug pipeline",
		Long: `oppipeline filters CMS Open Payments general and research payment files
down to records that mention a prostate cancer drug, harmonizes their
schemas across program years and enriches them with the drug name, drug
type and whether a recipient is an established oncology prescriber.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipSetup(cmd) {
				return nil
			}
			cfg, err := config.Load(a.cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, closer, err := logging.New(cmd.ErrOrStderr(), cfg.LogDir, cfg.LogLevel)
			if err != nil {
				return err
			}
			a.cfg, a.logger, a.logFile = cfg, logger, closer
			if cfg.File != "" {
				logger.Debug().Str("file", cfg.File).Msg("using config file")
			}
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			a.close()
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	f := root.PersistentFlags()
	f.StringVar(&a.cfgFile, "config", "", "config file (default: ./"+config.DefaultFile+")")
	f.String("data-dir", "", "root of the data tree")
	f.String("log-level", "", "log level (debug|info|warn|error)")
	f.Int("chunk-size", 0, "rows per chunk when streaming raw files")
	f.Int("workers", 0, "units processed concurrently")
	f.String("encoding", "", "raw file encoding (utf-8|latin-1)")
	f.String("postgres-url", "", "PostgreSQL connection string; enables loading")
	f.String("years", "", "year or year range, e.g. 2014-2023")
	f.StringSlice("datasets", nil, "datasets to process (general,research)")
	f.Bool("display-names", false, "replace cleaned generic names with display names")

	root.AddCommand(
		newFilterCmd(a),
		newPrescribersCmd(a),
		newProvidersCmd(a),
		newEligibilityCmd(a),
		newEnrichCmd(a),
		newLoadCmd(a),
		newRunCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) close() {
	if a.loader != nil {
		a.loader.Close()
		a.loader = nil
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
}

// pipeline builds a pipeline for the loaded configuration. When postgres_url
// is set, or required is true, a PostgreSQL loader is attached.
func (a *app) pipeline(ctx context.Context, requireLoader bool) (*pipeline.Pipeline, error) {
	p := pipeline.New(a.cfg, a.logger)
	if a.cfg.PostgresURL == "" {
		if requireLoader {
			return nil, fmt.Errorf("%w: postgres_url is required", config.ErrInvalidConfig)
		}
		return p, nil
	}
	loader, err := store.NewPGLoader(ctx, a.cfg.PostgresURL, a.cfg.PostgresConns, p.Logger)
	if err != nil {
		return nil, err
	}
	a.loader = loader
	p.Loader = loader
	return p, nil
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	a := &app{logger: zerolog.Nop()}
	defer a.close()
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
