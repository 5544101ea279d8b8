package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adalundhe/gxemap/core/config"
	"github.com/adalundhe/gxemap/core/crm"
	"github.com/adalundhe/gxemap/core/quadform"
	"github.com/adalundhe/gxemap/core/store"
)

var (
	scanTrait      string
	scanEnv        string
	scanGenotype   string
	scanCovariates string
	scanKinship    string
	scanKind       string
	scanWorkers    int
	scanConfigPath string
	scanStorePath  string
	scanVerbose    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan variants for interaction or association signals",
	Long: `Scan a genotype panel against a trait under a structured-covariance
mixed model.

Kinds:
  interaction       - variance-component score test for gene-environment interaction
  association       - likelihood-ratio test for a persistent effect, full refit per variant
  association-fast  - likelihood-ratio test at the null variance ratio

Inputs are tab-separated numeric files without headers, one sample per row.

Examples:
  gxemap scan --trait y.tsv --env env.tsv --genotype geno.tsv
  gxemap scan --trait y.tsv --env env.tsv --genotype geno.tsv --kinship hk.tsv --kind association
  gxemap scan --trait y.tsv --env env.tsv --genotype geno.tsv --db results.db`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanTrait, "trait", "", "trait vector file (required)")
	scanCmd.Flags().StringVar(&scanEnv, "env", "", "environment matrix file (required)")
	scanCmd.Flags().StringVar(&scanGenotype, "genotype", "", "genotype dosage matrix file (required)")
	scanCmd.Flags().StringVar(&scanCovariates, "covariates", "", "covariate matrix file (default: intercept only)")
	scanCmd.Flags().StringVar(&scanKinship, "kinship", "", "kinship half-factor matrix file")
	scanCmd.Flags().StringVar(&scanKind, "kind", "", "scan kind: interaction, association, association-fast")
	scanCmd.Flags().IntVar(&scanWorkers, "workers", 0, "worker count (default: one per CPU)")
	scanCmd.Flags().StringVar(&scanConfigPath, "config", "", "yaml config file")
	scanCmd.Flags().StringVar(&scanStorePath, "db", "", "sqlite file to record results in")
	scanCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "log per-variant diagnostics")

	scanCmd.MarkFlagRequired("trait")
	scanCmd.MarkFlagRequired("env")
	scanCmd.MarkFlagRequired("genotype")

	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(scanConfigPath)
	if err != nil {
		return err
	}
	if scanKind != "" {
		cfg.Scan.Kind = scanKind
	}
	if scanWorkers > 0 {
		cfg.Scan.Workers = scanWorkers
	}
	if scanStorePath != "" {
		cfg.Store.Path = scanStorePath
	}

	level := slog.LevelError
	if scanVerbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	y, err := readVector(scanTrait)
	if err != nil {
		return fmt.Errorf("load trait: %w", err)
	}
	env, err := readMatrix(scanEnv)
	if err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	geno, err := readMatrix(scanGenotype)
	if err != nil {
		return fmt.Errorf("load genotypes: %w", err)
	}

	opts := []crm.Option{
		crm.WithLogger(log),
		crm.WithDaviesConfig(quadform.DaviesConfig{Lim: cfg.Davies.Lim, Acc: cfg.Davies.Acc}),
	}
	if cfg.Scan.Workers > 0 {
		opts = append(opts, crm.WithWorkers(cfg.Scan.Workers))
	}
	if scanCovariates != "" {
		w, err := readMatrix(scanCovariates)
		if err != nil {
			return fmt.Errorf("load covariates: %w", err)
		}
		opts = append(opts, crm.WithCovariates(w))
	}
	if scanKinship != "" {
		hk, err := readMatrix(scanKinship)
		if err != nil {
			return fmt.Errorf("load kinship: %w", err)
		}
		opts = append(opts, crm.WithKinshipHalf(hk))
	}

	model, err := crm.New(y, env, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res *crm.ScanResult
	switch cfg.Scan.Kind {
	case "interaction":
		res, err = model.ScanInteraction(ctx, geno)
	case "association":
		res, err = model.ScanAssociation(ctx, geno)
	case "association-fast":
		res, err = model.ScanAssociationFast(ctx, geno)
	default:
		return fmt.Errorf("unknown scan kind %q", cfg.Scan.Kind)
	}
	if err != nil {
		return err
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path, store.DefaultConfig())
		if err != nil {
			return fmt.Errorf("open result store: %w", err)
		}
		defer st.Close()
		if err := st.SaveScan(ctx, res); err != nil {
			return fmt.Errorf("save scan: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "variant\tpvalue\trho1\tenv_var\tkin_var\tnoise_var\terror")
	for _, st := range res.Stats {
		fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.Index,
			fmtFloat(st.Pvalue), fmtFloat(st.Rho1),
			fmtFloat(st.EnvVariance), fmtFloat(st.KinVariance), fmtFloat(st.NoiseVariance),
			st.Err,
		)
	}
	if res.Failed > 0 {
		fmt.Fprintf(os.Stderr, "scan %s: %d of %d variants failed\n", res.ScanID, res.Failed, len(res.Stats))
	}
	return nil
}

func fmtFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', 10, 64)
	return strings.TrimSpace(s)
}
