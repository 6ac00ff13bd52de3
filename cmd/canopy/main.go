// Command canopy detects and segments individual trees in lidar point
// clouds, either once from the command line or as an HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/canopy/internal/db"
	"github.com/banshee-data/canopy/internal/version"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: canopy <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  segment   Segment a point cloud into tree crowns")
	fmt.Fprintln(w, "  lmf       Flag the local maxima of a point cloud")
	fmt.Fprintln(w, "  count     Count points inside discs around query locations")
	fmt.Fprintln(w, "  serve     Run the HTTP API")
	fmt.Fprintln(w, "  migrate   Manage the run database schema (up|down|status|force)")
	fmt.Fprintln(w, "  version   Print build information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'canopy <command> -h' for the flags of a command.")
}

var errUsage = errors.New("usage")

// run dispatches a subcommand. args excludes the program name.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) < 1 {
		usage(stdout)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "segment":
		return runSegment(ctx, rest, stdin, stdout)
	case "lmf":
		return runLMF(ctx, rest, stdin, stdout)
	case "count":
		return runCount(ctx, rest, stdin, stdout)
	case "serve":
		return runServe(ctx, rest)
	case "migrate":
		return runMigrate(rest, stdout)
	case "version":
		fmt.Fprintln(stdout, version.Info())
		return nil
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(stdout)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func runMigrate(args []string, stdout io.Writer) error {
	// The database path precedes the action: canopy migrate [-db path] up
	fs := newFlagSet("migrate")
	dbPath := fs.String("db", db.DefaultPath, "Path to the sqlite database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, stdout)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		log.Fatalf("canopy: %v", err)
	}
}
