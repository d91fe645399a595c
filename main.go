package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/app"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "research-orchestrator",
		Short: "Multi-agent research workflow orchestrator",
		Long: `Runs research workflows that fan out to search, extraction and semantic
providers, hand the results to analyst personas, and aggregate a scored report
under per-run budget and time ceilings.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path (defaults to $CONFIG_PATH)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and admin servers",
		RunE:  runServe,
	}

	runCmd := &cobra.Command{
		Use:   "run [query]",
		Short: "Run one workflow in-process and print the report as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runOnce,
	}
	runCmd.Flags().StringP("methodology", "m", string(models.MethodologyHybrid), "hybrid, academic or business")
	runCmd.Flags().Float64P("budget", "b", 0, "budget ceiling (0 uses the configured default)")
	runCmd.Flags().DurationP("timeout", "t", 0, "time ceiling (0 uses the configured default)")
	runCmd.Flags().Int("max-sources", 0, "maximum ranked sources (0 uses the configured default)")
	runCmd.Flags().Float64("quality", 0.6, "quality gate threshold in [0,1]")
	runCmd.Flags().String("subject", "", "optional subject, e.g. a company name for business research")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	configValidateCmd := &cobra.Command{
		Use:   "validate [filename]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigValidate,
	}
	configCmd.AddCommand(configValidateCmd)

	tokenCmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Issue an API token signed with auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, runCmd, configCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func bootstrap(ctx context.Context) (*app.App, error) {
	cfg, v, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a, err := app.New(ctx, cfg, v, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Logger.Sync()
	return a.Serve(ctx)
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Logger.Sync()
	defer a.Close(context.Background())

	flags := cmd.Flags()
	methodology, _ := flags.GetString("methodology")
	budget, _ := flags.GetFloat64("budget")
	timeout, _ := flags.GetDuration("timeout")
	maxSources, _ := flags.GetInt("max-sources")
	quality, _ := flags.GetFloat64("quality")
	subject, _ := flags.GetString("subject")

	id, err := a.Orchestrator.Submit(ctx, models.ResearchRequest{
		Query:            strings.Join(args, " "),
		Subject:          subject,
		Methodology:      models.Methodology(methodology),
		MaxSources:       maxSources,
		QualityThreshold: quality,
		BudgetCeiling:    budget,
		TimeCeiling:      timeout,
		ExecutionMode:    models.ModeAutonomous,
	})
	if err != nil {
		return err
	}
	a.Logger.Info("Workflow started", zap.String("workflow_id", id))

	run, err := a.Orchestrator.Wait(ctx, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			_ = a.Orchestrator.Cancel(context.Background(), id)
		}
		return err
	}
	if run.Status != models.StatusSucceeded {
		return fmt.Errorf("workflow %s %s: %s (%s)", id, run.Status, run.FailureKind, run.FailureReason)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(run.Report)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configFile
	if len(args) == 1 {
		path = args[0]
	}
	cfg, _, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (store=%s, providers=%s)\n",
		cfg.Store.Driver, strings.Join(cfg.EnabledProviders(), ","))
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configFile)
	if err != nil {
		return err
	}
	auth := httpapi.NewAuthenticator(cfg.Auth)
	if auth == nil {
		return errors.New("auth is disabled; set auth.enabled and auth.jwt_secret")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")
	token, err := auth.Issue(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
