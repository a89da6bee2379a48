// Package cmd implements the autoposter command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/autoposter/console/client"
	"github.com/autoposter/console/internal/config"
	"github.com/autoposter/console/internal/output"
	"github.com/autoposter/console/session"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	jsonOut   bool
	colorMode string
	apiURL    string
	apiKey    string
	profile   string

	cfg     *config.Config
	logger  *slog.Logger
	printer *output.Printer
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "autoposter",
	Short: "Autoposter operations console",
	Long: `Console for the autoposter content-operations backend.

Sign in once with 'autoposter login'; the session is kept in a local
credential store and renewed transparently while you work.

Example usage:
  autoposter login -u editor          # Sign in
  autoposter drafts list              # List drafts
  autoposter pipeline items --status review
  autoposter admin kill-switch on     # Stop all automated activity
  autoposter logout`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

// SetVersion sets the version string for the CLI
func SetVersion(v string) {
	version = v
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return exitCode(rootCmd.ExecuteContext(ctx), rootCmd.ErrOrStderr())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .autoposter.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only print results and errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print responses as JSON")
	rootCmd.PersistentFlags().StringVar(&colorMode, "color", "auto", "color output: auto, always, or never")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "backend base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "static API key used when signed out")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "", "credential profile")
}

// initConfig loads configuration and sets up logging and output.
func initConfig(cmd *cobra.Command) error {
	overrides := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("api-url") {
		overrides["api.url"] = apiURL
	}
	if flags.Changed("api-key") {
		overrides["api.key"] = apiKey
	}
	if flags.Changed("profile") {
		overrides["profile"] = profile
	}
	if flags.Changed("json") {
		overrides["output.json"] = jsonOut
	}

	var err error
	cfg, err = config.Load(cfgFile, overrides)
	if err != nil {
		return &output.CLIError{
			Summary:    "invalid configuration",
			Detail:     err.Error(),
			Suggestion: "Check .autoposter.yaml or use --config",
			ExitCode:   output.ExitConfigError,
		}
	}

	mode, err := output.ParseColorMode(colorMode)
	if err != nil {
		return &output.CLIError{Summary: err.Error(), ExitCode: output.ExitUsageError}
	}
	printer = output.NewPrinter(output.PrinterOptions{
		ColorMode:    mode,
		ConfigColors: cfg.Output.Colors,
		Quiet:        quiet,
		Out:          cmd.OutOrStdout(),
		Err:          cmd.ErrOrStderr(),
	})

	logger = newLogger(cmd.ErrOrStderr(), cfg.Logging, verbose)
	logger.Debug("configuration loaded",
		"api_url", cfg.API.URL,
		"store", cfg.Store.Backend,
		"profile", cfg.Profile,
	)
	return nil
}

func newLogger(w io.Writer, lc config.LoggingConfig, verbose bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelWarn
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// exitCode reports err and maps it to a process exit code.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return output.ExitSuccess
	}
	p := printer
	if p == nil {
		p = output.NewPrinter(output.PrinterOptions{ColorMode: output.ColorNever, Err: stderr})
	}

	var cliErr *output.CLIError
	switch {
	case errors.As(err, &cliErr):
	case errors.Is(err, session.ErrSessionExpired):
		cliErr = &output.CLIError{
			Summary:    "Session expired. Please log in again.",
			Suggestion: "Run 'autoposter login'",
			ExitCode:   output.ExitSessionExpired,
		}
	case errors.Is(err, client.ErrUnauthorized):
		cliErr = &output.CLIError{
			Summary:    "Not signed in.",
			Detail:     err.Error(),
			Suggestion: "Run 'autoposter login' or configure api.key",
			ExitCode:   output.ExitSessionExpired,
		}
	default:
		cliErr = &output.CLIError{Summary: err.Error(), ExitCode: output.ExitGeneral}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			if d := apiErr.Detail(); d != "" {
				cliErr.Summary = fmt.Sprintf("backend returned %d: %s", apiErr.StatusCode, d)
			}
			if apiErr.RequestID != "" {
				cliErr.Detail = "request id " + apiErr.RequestID
			}
		}
	}
	p.FormatError(cliErr)
	if cliErr.ExitCode == 0 {
		return output.ExitGeneral
	}
	return cliErr.ExitCode
}
