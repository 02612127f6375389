package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"openpayments/internal/eligibility"
	"openpayments/internal/reference"
)

func newFilterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "filter",
		Short: "Keep raw payment records that mention a reference drug",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline(cmd.Context(), false)
			if err != nil {
				return err
			}
			return p.Filter(cmd.Context())
		},
	}
}

func newPrescribersCmd(a *app) *cobra.Command {
	var in, out, parquetOut string
	cmd := &cobra.Command{
		Use:   "prescribers",
		Short: "Select target-drug rows from the Part D prescriber history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = a.cfg.Prescribers
			}
			p := &eligibility.Preparer{
				ChunkSize: a.cfg.ChunkSize,
				Encoding:  a.cfg.InputEncoding,
				Logger:    a.logger,
			}
			res, err := p.Prepare(cmd.Context(), in, out, parquetOut)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d rows kept from %d source(s) -> %s\n", res.Matched, res.Rows, res.Sources, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "history CSV, Parquet file or directory of <year>_*.csv files")
	cmd.Flags().StringVar(&out, "out", "", "filtered history CSV (default: prescribers setting)")
	cmd.Flags().StringVar(&parquetOut, "parquet", "", "also write the filtered history as Parquet")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newProvidersCmd(a *app) *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Build the profile id to NPI table from the recipient profile supplement",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = a.cfg.Providers
			}
			n, err := reference.ExtractProviders(in, out, a.cfg.InputEncoding)
			if err != nil {
				return err
			}
			a.logger.Info().Str("file", out).Int("rows", n).Msg("wrote provider table")
			fmt.Fprintf(cmd.OutOrStdout(), "%d providers -> %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "profile supplement CSV")
	cmd.Flags().StringVar(&out, "out", "", "provider table CSV (default: providers setting)")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newEligibilityCmd(a *app) *cobra.Command {
	var in, parquetOut string
	cmd := &cobra.Command{
		Use:   "eligibility",
		Short: "Compute the per-year oncology prescriber eligibility map",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if in == "" {
				in = a.cfg.Prescribers
			}
			p, err := a.pipeline(cmd.Context(), false)
			if err != nil {
				return err
			}
			m, err := p.Eligibility(cmd.Context(), in, parquetOut)
			if err != nil {
				return err
			}
			for _, y := range a.cfg.Years() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: %d eligible\n", y, len(m[fmt.Sprint(y)]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "filtered prescriber history (default: prescribers setting)")
	cmd.Flags().StringVar(&parquetOut, "parquet", "", "also write the map as (year, npi) Parquet")
	return cmd
}

func newEnrichCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enrich",
		Short: "Harmonize filtered files and add drug and prescriber columns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline(cmd.Context(), false)
			if err != nil {
				return err
			}
			return p.Enrich(cmd.Context())
		},
	}
}

func newLoadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load enriched files into PostgreSQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline(cmd.Context(), true)
			if err != nil {
				return err
			}
			return p.Load(cmd.Context())
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Filter, enrich and (with postgres_url) load every unit",
		Long: `run processes every configured (year, dataset) unit through filter and
enrich, then load when postgres_url is set. The eligibility map must
already exist; build it with "prescribers" and "eligibility".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline(cmd.Context(), false)
			if err != nil {
				return err
			}
			return p.Run(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "oppipeline %s (%s)\n", Version, GitCommit)
		},
	}
}
