package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ops2deb/ops2deb/internal/buildinfo"
	"github.com/ops2deb/ops2deb/internal/config"
	"github.com/ops2deb/ops2deb/internal/httputil"
	"github.com/ops2deb/ops2deb/internal/log"
)

var (
	quietFlag   bool
	verboseFlag bool
	debugFlag   bool

	configFlag     string
	outputDirFlag  string
	cacheDirFlag   string
	repositoryFlag string
	workersFlag    int
	exitCodeFlag   int
)

// globalCtx is canceled on SIGINT/SIGTERM; subcommands should thread it
// through to any blocking operation.
var globalCtx context.Context
var globalCancel context.CancelFunc

var rootCmd = &cobra.Command{
	Use:   "ops2deb",
	Short: "Build Debian packages from a declarative blueprint catalogue",
	Long: `ops2deb turns a YAML catalogue of blueprints into Debian source
packages: it fetches and verifies upstream archives, materialises
debian/ control trees, and can probe upstream for newer releases.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "show errors only")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "show verbose output (INFO level)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "show debug output")

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "ops2deb.yml", "configuration file glob pattern")
	rootCmd.PersistentFlags().StringVarP(&outputDirFlag, "output-dir", "o", config.DefaultOutputDir, "directory source packages are written to")
	rootCmd.PersistentFlags().StringVar(&cacheDirFlag, "cache-dir", "", "fetch cache directory (defaults to a per-user cache location)")
	rootCmd.PersistentFlags().StringVarP(&repositoryFlag, "repository", "r", "", `APT repository to diff against, "<url> <distribution>"`)
	rootCmd.PersistentFlags().IntVarP(&workersFlag, "workers", "w", config.DefaultWorkers, "bounded parallelism for fetch/build tasks")
	rootCmd.PersistentFlags().IntVarP(&exitCodeFlag, "exit-code", "e", -1, "process exit code to use on a domain error (0-255)")

	rootCmd.PersistentPreRun = initLogger

	rootCmd.Version = buildinfo.Version()

	rootCmd.AddCommand(defaultCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(deltaCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	globalCtx, globalCancel = context.WithCancel(context.Background())
	defer globalCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nreceived %s, canceling...\n", sig)
		globalCancel()
		<-sigChan
		fmt.Fprintln(os.Stderr, "forced exit")
		exitWithCode(resolvedExitCode())
	}()

	if err := rootCmd.Execute(); err != nil {
		if globalCtx.Err() == context.Canceled {
			exitWithCode(resolvedExitCode())
		}
		exitWithCode(resolvedExitCode())
	}
}

// initLogger wires the global logger from verbosity flags before any
// subcommand runs.
func initLogger(cmd *cobra.Command, args []string) {
	level := determineLogLevel()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})
	log.SetDefault(log.New(handler))
}

// determineLogLevel follows flags > environment variables > default (WARN).
func determineLogLevel() slog.Level {
	if debugFlag {
		return slog.LevelDebug
	}
	if verboseFlag {
		return slog.LevelInfo
	}
	if quietFlag {
		return slog.LevelError
	}

	if isTruthy(os.Getenv("OPS2DEB_DEBUG")) {
		return slog.LevelDebug
	}
	if isTruthy(os.Getenv("OPS2DEB_VERBOSE")) {
		return slog.LevelInfo
	}
	if isTruthy(os.Getenv("OPS2DEB_QUIET")) {
		return slog.LevelError
	}

	return slog.LevelWarn
}

func isTruthy(s string) bool {
	s = strings.ToLower(s)
	return s == "1" || s == "true" || s == "yes" || s == "on"
}

// resolvedCacheDir returns the --cache-dir flag value, falling back to
// config.CacheDir()'s OPS2DEB_CACHE_DIR/per-user default.
func resolvedCacheDir() string {
	if cacheDirFlag != "" {
		return cacheDirFlag
	}
	return config.CacheDir()
}

// resolvedWorkers returns the --workers flag value when it differs from
// the flag's own default, otherwise falls back to OPS2DEB_WORKERS.
func resolvedWorkers() int {
	if workersFlag != config.DefaultWorkers {
		return workersFlag
	}
	return config.Workers()
}

// resolvedExitCode returns the --exit-code flag value when set (0-255),
// otherwise falls back to OPS2DEB_EXIT_CODE.
func resolvedExitCode() int {
	if exitCodeFlag >= 0 && exitCodeFlag <= 255 {
		return exitCodeFlag
	}
	return config.ExitCode()
}

// sharedHTTPClient builds the secure HTTP client every subcommand's
// fetcher/apt collaborator downloads through, honouring OPS2DEB_HTTP_TIMEOUT.
func sharedHTTPClient() *http.Client {
	opts := httputil.DefaultOptions()
	opts.Timeout = config.HTTPTimeout()
	return httputil.NewSecureClient(opts)
}
