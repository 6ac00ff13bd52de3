package db

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
)

// ErrUnknownMigrateAction is returned for an unrecognised migrate subcommand.
var ErrUnknownMigrateAction = errors.New("unknown migrate action")

// RunMigrateCommand handles the 'migrate' subcommand dispatching. Status
// output goes to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("%w: missing action", ErrUnknownMigrateAction)
	}

	action := args[0]
	if action == "help" {
		PrintMigrateHelp(out)
		return nil
	}

	// Open database connection without running schema initialization
	// (migrations will manage the schema)
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action {
	case "up":
		log.Printf("Running migrations...")
		if err := database.MigrateUp(); err != nil {
			return err
		}
		log.Println("All migrations applied successfully")
		return printStatus(database, out)

	case "down":
		log.Printf("Rolling back one migration...")
		if err := database.MigrateDown(); err != nil {
			return err
		}
		log.Println("Migration rolled back successfully")
		return printStatus(database, out)

	case "status":
		return printStatus(database, out)

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: canopy migrate force <version_number>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		if err := database.MigrateForce(version); err != nil {
			return err
		}
		log.Printf("Migration version forced to %d", version)
		return nil

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("%w: %s", ErrUnknownMigrateAction, action)
	}
}

func printStatus(database *DB, out io.Writer) error {
	status, err := database.MigrationStatus()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", status.CurrentVersion)
	fmt.Fprintf(out, "Latest version: %d\n", status.LatestVersion)
	fmt.Fprintf(out, "Pending: %d\n", status.Pending)
	fmt.Fprintf(out, "Dirty: %v\n", status.Dirty)
	if status.Dirty {
		fmt.Fprintln(out, "\nWARNING: Database is in a dirty state!")
		fmt.Fprintln(out, "A migration failed mid-execution. Inspect the database, then run:")
		fmt.Fprintln(out, "  canopy migrate force <version>")
	}
	return nil
}

// PrintMigrateHelp writes the usage of the migrate subcommand.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprintln(out, "Database Migration Commands")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage: canopy migrate <command> [options]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  up              Apply all pending migrations")
	fmt.Fprintln(out, "  down            Rollback one migration")
	fmt.Fprintln(out, "  status          Show current migration status and version")
	fmt.Fprintln(out, "  force <N>       Force migration version to N (recovery only)")
	fmt.Fprintln(out, "  help            Show this help message")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Examples:")
	fmt.Fprintln(out, "  canopy migrate up")
	fmt.Fprintln(out, "  canopy migrate status")
	fmt.Fprintln(out, "  canopy migrate force 1")
}
