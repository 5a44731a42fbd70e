package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Travis-Britz/cfddns"
	"github.com/Travis-Britz/cfddns/config"
	"github.com/Travis-Britz/cfddns/telemetry"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultConfigFile = "config.yaml"

type options struct {
	configFile string
	envFile    string
	ip         string
	iface      string
	verbose    bool
	apiURL     string
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "cfddns",
		Short: "Keep Cloudflare A/AAAA records pointed at this host's public IP",
		Long: `cfddns reads the records to manage from a config file, looks up the public IP once,
and updates every record whose content differs. Records are handled independently:
one failing record never stops the others.

Secrets may be referenced as ${NAME} in the config file and supplied through the
environment or a .env file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, fs, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "Path to the config file (default $CFDDNS_CONFIG or "+defaultConfigFile+")")
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file instead of .env")
	cmd.Flags().StringVar(&opts.ip, "ip", "", "Use this IP address instead of looking it up")
	cmd.Flags().StringVar(&opts.iface, "interface", "", "Use the public address of this network interface instead of looking it up")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.apiURL, "api-url", ddns.CloudflareAPI, "Cloudflare API base URL")
	cmd.MarkFlagsMutuallyExclusive("ip", "interface")
	// only fails for an unknown flag name
	if err := cmd.Flags().MarkHidden("api-url"); err != nil {
		panic(err)
	}

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func run(cmd *cobra.Command, fs afero.Fs, opts options) error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return &exitError{exitConfig, fmt.Errorf("error loading env file: %w", err)}
		}
	} else {
		// Load .env file if it exists (silently ignore if not found)
		_ = godotenv.Load()
	}
	if opts.configFile == "" {
		opts.configFile = env("CFDDNS_CONFIG", defaultConfigFile)
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		return &exitError{exitConfig, fmt.Errorf("error creating logger: %w", err)}
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	ctx := cmd.Context()
	tracer, shutdown, err := telemetry.Setup(ctx, version, cmd.ErrOrStderr())
	if err != nil {
		logger.Error("failed to setup telemetry", zap.Error(err))
		return &exitError{exitTelemetry, err}
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to shutdown telemetry", zap.Error(err))
		}
	}()

	ctx, span := tracer.Start(ctx, "cmd.run")
	defer span.End()
	span.SetAttributes(attribute.String("config.file", opts.configFile))

	warnPermissions(logger, fs, opts.configFile)

	cfg, err := config.Load(ctx, fs, opts.configFile)
	if err != nil {
		span.RecordError(err)
		logger.Error("configuration could not be loaded", zap.Error(err))
		return &exitError{exitConfig, err}
	}
	logger.Debug("configuration loaded", zap.Int("items", len(cfg.Items)), zap.Int("max_retries", cfg.MaxRetries))

	resolver, err := chooseResolver(opts, cfg)
	if err != nil {
		return &exitError{exitConfig, err}
	}

	updater, err := ddns.New(cfg.Settings(),
		ddns.WithLogger(logger),
		ddns.WithTracer(tracer),
		ddns.WithConcurrency(cfg.Concurrency),
		ddns.UsingCloudflareAPI(opts.apiURL),
	)
	if err != nil {
		return &exitError{exitConfig, err}
	}

	report := updater.Run(ctx, ddns.Lookup(ctx, resolver), cfg.Tasks())
	if err := writeSummary(cmd.OutOrStdout(), report); err != nil {
		logger.Warn("failed to write summary", zap.Error(err))
	}

	if err := report.Err(); err != nil {
		span.RecordError(err)
		return &exitError{exitTaskFailed, fmt.Errorf("%d of %d records failed", len(report.Failures()), len(report.Results))}
	}
	return nil
}

func chooseResolver(opts options, cfg *config.Config) (ddns.Resolver, error) {
	switch {
	case opts.ip != "":
		r, err := ddns.FromString(opts.ip)
		if err != nil {
			return nil, fmt.Errorf("invalid --ip: %w", err)
		}
		return r, nil
	case opts.iface != "":
		return ddns.InterfaceResolver(opts.iface), nil
	default:
		return &ddns.WebResolver{URL: cfg.IPLookupURL}, nil
	}
}

func env(envvar string, defaultvalue string) string {
	e, found := os.LookupEnv(envvar)
	if found && e != "" {
		return e
	}
	return defaultvalue
}
