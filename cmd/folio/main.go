// Package main is the entrypoint for the Folio license CLI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/user"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/folio/internal/config"
	"github.com/MacJediWizard/folio/internal/entitlement"
	"github.com/MacJediWizard/folio/internal/gate"
	"github.com/MacJediWizard/folio/internal/httpclient"
	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/machineid"
	"github.com/MacJediWizard/folio/internal/metrics"
	"github.com/MacJediWizard/folio/internal/remote"
	"github.com/MacJediWizard/folio/internal/store"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const reporterDrainTimeout = 5 * time.Second

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	jsonOutput bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "folio",
		Short: "Folio license management",
		Long: `Folio manages the license of this Folio installation: activation,
trial usage and access checks.

Run 'folio activate <token>' to unlock a paid tier.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ~/.folio/config.yml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (json or console)")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newActivateCmd(opts),
		newDeactivateCmd(opts),
		newStatusCmd(opts),
		newCheckCmd(opts),
		newCheckSizeCmd(opts),
		newRecordCmd(opts),
		newTrialCmd(opts),
		newMachineIDCmd(opts),
		newDaemonCmd(opts),
		newConfigCmd(opts),
	)

	return rootCmd
}

// app holds everything a command needs, built once per invocation.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	machine  machineid.Provider
	remote   remote.Client
	reporter *remote.UsageReporter
	gate     *gate.Gate
}

func (o *rootOptions) resolveConfigPath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return config.DefaultConfigPath()
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	path, err := o.resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Resolve(path)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("version", Version).Logger()
	if cfg.LogFormat == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level)
}

func (o *rootOptions) openApp(ctx context.Context) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   newLogger(cfg),
		registry: prometheus.NewRegistry(),
	}
	a.metrics, err = metrics.NewPrometheusMetrics(a.registry)
	if err != nil {
		return nil, err
	}
	a.machine = machineid.New(a.logger)

	verifier, err := license.LoadVerifier(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load license public key: %w", err)
	}

	if cfg.RemoteConfigured() {
		httpClient, err := httpclient.NewFromConfig(cfg, "folio/"+Version)
		if err != nil {
			return nil, fmt.Errorf("create http client: %w", err)
		}
		client, err := remote.NewHTTPClient(remote.HTTPOptions{
			BaseURL:    cfg.Remote.URL,
			Key:        cfg.Remote.Key,
			Timeout:    cfg.Remote.Timeout,
			HTTPClient: httpClient,
			Logger:     a.logger,
			Metrics:    a.metrics,
		})
		if err != nil {
			return nil, err
		}
		a.remote = client
		if cfg.Remote.ReportUsage {
			a.reporter = remote.NewUsageReporter(client, remote.DefaultReporterConfig(), a.logger, a.metrics)
		}
	}

	a.gate, err = gate.New(ctx, gate.Options{
		DataDir:       cfg.DataDir,
		Verifier:      verifier,
		Machine:       a.machine,
		Remote:        a.remote,
		Reporter:      a.reporter,
		TrialLimit:    cfg.Trial.Limit,
		RemoteTimeout: cfg.Remote.Timeout,
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// close drains pending usage reports and releases the stores.
func (a *app) close() {
	if a.reporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), reporterDrainTimeout)
		defer cancel()
		if err := a.reporter.Stop(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("usage reports not fully delivered")
		}
	}
	if err := a.gate.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close trial store")
	}
}

func withApp(opts *rootOptions, fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := opts.openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if a.reporter != nil {
			a.reporter.Start()
		}
		return fn(ctx, a)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Folio %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newActivateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <token|->",
		Short: "Activate a license on this machine",
		Long: `Activate a license token on this machine.

Pass '-' to read the token from standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(args[0])
			if err != nil {
				return err
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				st, err := a.gate.Activate(ctx, token)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(os.Stdout, st)
				}
				fmt.Println("License activated.")
				fmt.Println()
				printStatus(st)
				return nil
			})(cmd, args)
		},
	}
}

func readToken(arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	token, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token cannot be empty")
	}
	return token, nil
}

func newDeactivateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Remove the license from this machine",
		RunE: withApp(opts, func(ctx context.Context, a *app) error {
			if err := a.gate.Deactivate(ctx); err != nil {
				return err
			}
			fmt.Println("License removed from this machine. Folio is back on the free trial.")
			return nil
		}),
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current license status",
		RunE: withApp(opts, func(ctx context.Context, a *app) error {
			st := a.gate.Status(ctx)
			if opts.jsonOutput {
				return printJSON(os.Stdout, st)
			}
			printStatus(st)
			return nil
		}),
	}
}

func printStatus(st gate.Status) {
	fmt.Printf("Tier:        %s\n", st.Tier)
	fmt.Printf("Validation:  %s\n", st.Mode)
	fmt.Printf("Machine:     %s\n", st.MachineID)
	if st.Subject != "" {
		fmt.Printf("Licensed to: %s\n", st.Subject)
	}
	if st.LicenseID != "" {
		fmt.Printf("License ID:  %s\n", st.LicenseID)
		if st.ExpiresAt != nil {
			fmt.Printf("Expires:     %s (%s)\n", st.ExpiresAt.Format("2006-01-02"), humanize.Time(*st.ExpiresAt))
		} else {
			fmt.Println("Expires:     never")
		}
	}
	if st.LastVerifiedAt != nil {
		fmt.Printf("Verified:    %s\n", humanize.Time(*st.LastVerifiedAt))
	}
	if st.ServerTier != "" {
		fmt.Printf("Server tier: %s (activate the reissued license to apply it)\n", st.ServerTier)
	}
	if st.ServerExpiresAt != nil {
		fmt.Printf("Server expiry: %s\n", st.ServerExpiresAt.Format("2006-01-02"))
	}
	if st.RemainingConversions != nil {
		fmt.Printf("Remaining:   %d of %d free conversions\n", *st.RemainingConversions, st.TrialLimit)
	}
	fmt.Printf("Size limit:  %s\n", formatLimit(st.SizeLimitBytes))

	features := make([]string, len(st.Features))
	for i, f := range st.Features {
		features[i] = string(f)
	}
	fmt.Printf("Features:    %s\n", strings.Join(features, ", "))

	if st.NeedsReactivation {
		fmt.Println()
		fmt.Printf("WARNING: %s\n", st.Problem)
	}
}

func formatLimit(limit int64) string {
	if license.IsUnlimited(limit) {
		return "unlimited"
	}
	return humanize.IBytes(uint64(limit))
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <feature>",
		Short: "Check whether a feature may be used",
		Long: `Check whether a feature may be used right now.

Exits non-zero when access is denied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feature := license.Feature(args[0])
			if !feature.IsKnown() {
				return fmt.Errorf("unknown feature %q", args[0])
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				d, err := a.gate.CheckAccess(ctx, feature)
				if opts.jsonOutput {
					out := checkResult{Feature: feature, Allowed: err == nil, Decision: d}
					if err != nil {
						out.Reason = err.Error()
					}
					if jerr := printJSON(os.Stdout, out); jerr != nil {
						return jerr
					}
					return err
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s: allowed (%s, %s)\n", feature, d.Tier, d.Mode)
				if d.RemainingConversions != nil {
					fmt.Printf("%d free conversions remaining\n", *d.RemainingConversions)
				}
				if d.NeedsReactivation {
					fmt.Printf("WARNING: %s\n", d.Problem)
				}
				return nil
			})(cmd, args)
		},
	}
}

type checkResult struct {
	Feature  license.Feature      `json:"feature"`
	Allowed  bool                 `json:"allowed"`
	Reason   string               `json:"reason,omitempty"`
	Decision entitlement.Decision `json:"decision"`
}

func newCheckSizeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-size <path>",
		Short: "Check a file against the size limit of the current tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return withApp(opts, func(ctx context.Context, a *app) error {
				if err := a.gate.CheckSizeLimit(ctx, path); err != nil {
					return err
				}
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s, within limit\n", path, humanize.IBytes(uint64(info.Size())))
				return nil
			})(cmd, args)
		},
	}
}

func newRecordCmd(opts *rootOptions) *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:   "record <feature> <path>",
		Short: "Record one conversion",
		Long: `Record one conversion of the file at path.

On the free trial this consumes one conversion. On a paid tier the
conversion is reported to the license server when usage reporting is on.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			feature := license.Feature(args[0])
			if !feature.IsKnown() {
				return fmt.Errorf("unknown feature %q", args[0])
			}
			path := args[1]
			return withApp(opts, func(ctx context.Context, a *app) error {
				if err := a.gate.RecordUsage(ctx, feature, path, !failed); err != nil {
					return err
				}
				st := a.gate.Status(ctx)
				if st.RemainingConversions != nil {
					fmt.Printf("Recorded. %d of %d free conversions remaining.\n", *st.RemainingConversions, st.TrialLimit)
				} else {
					fmt.Println("Recorded.")
				}
				return nil
			})(cmd, args)
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", false, "The conversion failed")
	return cmd
}

func newTrialCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trial",
		Short: "Inspect or reset the free trial",
	}

	cmd.AddCommand(
		newTrialResetCmd(opts),
		newTrialLogCmd(opts),
	)

	return cmd
}

func newTrialResetCmd(opts *rootOptions) *cobra.Command {
	var reason, operator string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the trial counters (administrative)",
		Long: `Reset the trial counters to zero. This is an administrative action and
is recorded in the usage log with the operator and reason.

It also repairs a trial store that can no longer be read.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return errors.New("--reason is required")
			}
			if operator == "" {
				operator = currentOperator()
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				snap, err := a.gate.ResetTrial(ctx, operator, reason)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(os.Stdout, snap)
				}
				fmt.Printf("Trial reset. %d of %d free conversions remaining.\n", snap.Remaining, snap.Limit)
				return nil
			})(cmd, args)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the trial is being reset (required)")
	cmd.Flags().StringVar(&operator, "operator", "", "Who is resetting the trial (default current user)")
	return cmd
}

func newTrialLogCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent trial usage",
		RunE: withApp(opts, func(ctx context.Context, a *app) error {
			entries, err := a.gate.UsageLog(ctx, limit)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(os.Stdout, entries)
			}
			if len(entries) == 0 {
				fmt.Println("No trial usage recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tKIND\tFEATURE\tSIZE\tRESULT\tNOTE")
			for _, e := range entries {
				result := "ok"
				if !e.Success {
					result = "failed"
				}
				note := ""
				if e.Kind == store.KindAdminReset {
					result = "-"
					note = fmt.Sprintf("%s: %s", e.Operator, e.Reason)
				} else if !e.Counted {
					note = "not counted"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(e.CreatedAt), e.Kind, e.Feature, humanize.IBytes(uint64(e.Bytes)), result, note)
			}
			return w.Flush()
		}),
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries to show")
	return cmd
}

func newMachineIDCmd(opts *rootOptions) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "machine-id",
		Short: "Print this machine's identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			id := machineid.New(newLogger(cfg)).ID()
			if !full {
				id = machineid.Short(id)
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Print the full identifier")
	return cmd
}

func currentOperator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Folio license configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(opts),
		newConfigSetRemoteCmd(opts),
	)

	return cmd
}

func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.resolveConfigPath()
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Printf("Config file:  %s\n", path)
			fmt.Printf("Data dir:     %s\n", cfg.DataDir)
			fmt.Printf("Log level:    %s\n", cfg.LogLevel)
			fmt.Printf("Trial limit:  %d\n", cfg.Trial.Limit)
			fmt.Printf("Revalidate:   %s\n", cfg.Revalidate.Schedule)
			if cfg.PublicKeyPath != "" {
				fmt.Printf("Public key:   %s\n", cfg.PublicKeyPath)
			}
			fmt.Println()

			if !cfg.RemoteConfigured() {
				fmt.Println("License server: not configured (offline validation only)")
			} else {
				fmt.Printf("License server: %s\n", cfg.Remote.URL)
				fmt.Printf("Project key:    %s\n", maskKey(cfg.Remote.Key))
				fmt.Printf("Timeout:        %s\n", cfg.Remote.Timeout)
				fmt.Printf("Report usage:   %v\n", cfg.Remote.ReportUsage)
			}
			fmt.Printf("Proxy:          %s\n", httpclient.ProxyInfo(cfg.GetProxyConfig()))
			if cfg.Metrics.Listen != "" {
				fmt.Printf("Metrics:        %s\n", cfg.Metrics.Listen)
			}
			return nil
		},
	}
}

func newConfigSetRemoteCmd(opts *rootOptions) *cobra.Command {
	var key string
	var reportUsage bool

	cmd := &cobra.Command{
		Use:   "set-remote <url>",
		Short: "Set the license server URL and project key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL := args[0]

			parsed, err := url.Parse(serverURL)
			if err != nil {
				return fmt.Errorf("invalid server URL: %w", err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return fmt.Errorf("server URL must use http or https scheme")
			}

			path, err := opts.resolveConfigPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			cfg.Remote.URL = strings.TrimSuffix(serverURL, "/")
			if key != "" {
				cfg.Remote.Key = key
			}
			cfg.Remote.ReportUsage = reportUsage
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("License server set to: %s\n", cfg.Remote.URL)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Project key for the license server")
	cmd.Flags().BoolVar(&reportUsage, "report-usage", true, "Report paid-tier usage to the license server")
	return cmd
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
