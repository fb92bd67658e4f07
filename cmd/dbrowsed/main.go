// Command dbrowsed is the daemon entrypoint: it owns the connection
// registry and async operation engine for the process lifetime and, when
// started with --stdio, runs the JSON-RPC dispatch loop over stdin/stdout.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/fathomdb/dbrowsed/internal/driver/mysqldriver"
	_ "github.com/fathomdb/dbrowsed/internal/driver/pgdriver"
	_ "github.com/fathomdb/dbrowsed/internal/driver/sqlitedriver"
	"github.com/fathomdb/dbrowsed/internal/engine"
	"github.com/fathomdb/dbrowsed/internal/pagecache"
	"github.com/fathomdb/dbrowsed/internal/registry"
	"github.com/fathomdb/dbrowsed/internal/rpc"
)

var (
	stdioMode     bool
	logLevel      string
	maxConcurrent int64
	version       = rpc.DaemonVersion
)

// forcedShutdownGrace bounds the second, shorter wait after a forced
// termination signal; the graceful path uses the dispatcher/engine's own
// longer internal timeouts.
const forcedShutdownGrace = 2 * time.Second

var rootCmd = &cobra.Command{
	Use:     "dbrowsed",
	Short:   "dbrowsed is the connection and query daemon behind the database browser client",
	Version: version,
	Long: `dbrowsed owns database connections and runs each query on its own
worker goroutine on behalf of a short-lived client process.

Run with --stdio to start the JSON-RPC dispatch loop, reading requests
line-by-line from stdin and writing one response line per request to
stdout. This is the only supported mode; the flag exists to make the
daemon's contract explicit at the call site and to leave room for a
future alternate transport.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().BoolVar(&stdioMode, "stdio", false, "serve JSON-RPC requests over stdin/stdout")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "diagnostic log verbosity written to stderr (debug, info, warn, error)")
	rootCmd.Flags().Int64Var(&maxConcurrent, "max-concurrent", 64, "upper bound on simultaneously running operations across all connections")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if !stdioMode {
		return cmd.Help()
	}
	configureLogging(logLevel)

	reg := registry.New()
	eng := engine.New(maxConcurrent)
	cfg := pagecache.DefaultConfig()

	d := rpc.NewDispatcher(reg, eng, cfg, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Printf("dbrowsed: received %s, starting forced shutdown", sig)
		// Cancelling the context makes Dispatcher.Run take the same
		// drain path as a client-issued shutdown, just on a shorter
		// clock: if the drain hasn't let main return within the grace
		// period, exit anyway. SIGKILL remains the client's last resort.
		cancel()
		time.AfterFunc(forcedShutdownGrace, func() {
			log.Printf("dbrowsed: shutdown grace period elapsed, exiting")
			os.Exit(0)
		})
	}()

	if err := d.Run(ctx, os.Stdin); err != nil {
		return fmt.Errorf("dispatch loop: %w", err)
	}
	return nil
}

// configureLogging sets the stdlib logger's output flags; dbrowsed has no
// structured logging dependency of its own to wire in (see DESIGN.md), so
// this stays a thin wrapper rather than a silent no-op of the flag.
func configureLogging(level string) {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	switch level {
	case "debug":
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	case "error", "warn", "info", "":
	default:
		log.Printf("dbrowsed: unrecognized --log-level %q, defaulting to info", level)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
