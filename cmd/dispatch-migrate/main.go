// ABOUTME: Operator CLI for the queue key migration: status, run and rollback
// ABOUTME: Talks to a running hub over HTTP, or opens the database directly with --db

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/kv"
	"github.com/2389/coven-dispatch/internal/migration"
)

const banner = `
     _ _               _       _                      _                 _
  __| (_)___ _ __  __ _| |_ ___| |__        _ __ ___ (_) __ _ _ __ __ _| |_ ___
 / _' | / __| '_ \/ _' | __/ __| '_ \ _____| '_ ' _ \| |/ _' | '__/ _' | __/ _ \
| (_| | \__ \ |_) | (_| | || (__| | | |_____| | | | | | | (_| | | | (_| | ||  __/
 \__,_|_|___/ .__/\__,_|\__\___|_| |_|     |_| |_| |_|_|\__, |_|  \__,_|\__\___|
            |_|                                         |___/
`

// migrator is the migration surface shared by the HTTP and direct modes.
type migrator interface {
	Status(ctx context.Context) (migration.Status, error)
	Run(ctx context.Context) (migration.Result, error)
	Rollback(ctx context.Context) (migration.RollbackResult, error)
	Close() error
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	opts, err := parseOptions(os.Args[2:])
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "status":
		err = withMigrator(opts, func(m migrator) error { return cmdStatus(ctx, m) })
	case "run":
		err = withMigrator(opts, func(m migrator) error { return cmdRun(ctx, m) })
	case "rollback":
		err = withMigrator(opts, func(m migrator) error { return cmdRollback(ctx, m, opts.yes, os.Stdin) })
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: dispatch-migrate <command> [flags]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                 Count keys in the old and new queue schemas")
	fmt.Println("  run                    Move tasks and leases to the new schema")
	fmt.Println("  rollback [--yes]       Delete every new-schema key (destructive)")
	fmt.Println()
	yellow.Println("Flags:")
	fmt.Println("  --hub URL              Hub base URL (default: $DISPATCH_HUB_URL or http://127.0.0.1:8420)")
	fmt.Println("  --db PATH              Open the database directly instead of calling the hub")
	fmt.Println("  --driver NAME          SQLite driver for --db: sqlite or sqlite3 (default: sqlite)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  DISPATCH_TOKEN         Bearer token for the hub API")
	fmt.Println()
}

type options struct {
	hubURL string
	dbPath string
	driver string
	yes    bool
}

// parseOptions accepts "--flag value" and "--flag=value".
func parseOptions(args []string) (options, error) {
	opts := options{
		hubURL: getEnv("DISPATCH_HUB_URL", "http://"+config.DefaultHTTPAddr),
		driver: config.DefaultDatabaseDriver,
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--hub", "--db", "--driver":
			if !hasValue {
				if i+1 >= len(args) {
					return opts, fmt.Errorf("%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
			switch name {
			case "--hub":
				opts.hubURL = strings.TrimRight(value, "/")
			case "--db":
				opts.dbPath = value
			case "--driver":
				opts.driver = value
			}
		case "--yes", "-y":
			opts.yes = true
		default:
			if strings.HasPrefix(arg, "-") {
				return opts, fmt.Errorf("unknown flag: %s", arg)
			}
			return opts, fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	return opts, nil
}

func withMigrator(opts options, fn func(migrator) error) error {
	var m migrator
	if opts.dbPath != "" {
		store, err := kv.NewSQLiteStore(opts.driver, opts.dbPath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		m = &localMigrator{
			engine: migration.New(store, migration.Options{}, logger),
			store:  store,
		}
	} else {
		m = newHTTPMigrator(opts.hubURL, getToken())
	}
	defer m.Close()
	return fn(m)
}

func cmdStatus(ctx context.Context, m migrator) error {
	st, err := m.Status(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Queue Schemas")
	cyan.Println("  -------------")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  SCHEMA\tINDEX\tTASKS\tLEASES")
	index := "absent"
	if st.OldIndexExists {
		index = fmt.Sprintf("%d ids", st.OldIndexSize)
	}
	fmt.Fprintf(w, "  old\t%s\t%d\t%d\n", index, st.OldTasks, st.OldLeases)
	fmt.Fprintf(w, "  new\t-\t%d\t%d\n", st.NewTasks, st.NewLeases)
	w.Flush()
	fmt.Println()

	if st.NeedsMigration {
		color.New(color.FgYellow).Println("  Migration needed: run `dispatch-migrate run`")
	} else {
		color.New(color.FgGreen).Println("  ✓ Nothing to migrate")
	}
	fmt.Println()
	return nil
}

func cmdRun(ctx context.Context, m migrator) error {
	res, err := m.Run(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if res.NothingToMigrate {
		green.Println("✓ Nothing to migrate")
		return nil
	}

	fmt.Printf("Tasks:  %d migrated, %d failed\n", res.Tasks.Migrated, res.Tasks.Failed)
	fmt.Printf("Leases: %d migrated, %d failed\n", res.Leases.Migrated, res.Leases.Failed)
	if res.IndexDeleted {
		fmt.Println("Old index deleted")
	}

	if !res.Partial() {
		green.Printf("✓ Migrated %d records\n", res.Migrated)
		return nil
	}

	yellow.Printf("! Partial migration: %d migrated, %d failed\n", res.Migrated, res.Failed)
	for _, e := range res.Errors {
		fmt.Printf("  - %s\n", e)
	}
	return fmt.Errorf("migration incomplete; fix the errors above and run again")
}

func cmdRollback(ctx context.Context, m migrator, yes bool, in io.Reader) error {
	yellow := color.New(color.FgYellow)
	yellow.Println(migration.RollbackWarning)

	if !yes {
		fmt.Print("Type 'rollback' to continue: ")
		line, _ := bufio.NewReader(in).ReadString('\n')
		if strings.TrimSpace(line) != "rollback" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	res, err := m.Rollback(ctx)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ Deleted %d keys (%d tasks, %d leases)\n", res.Deleted, res.Tasks, res.Leases)
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the bearer token from DISPATCH_TOKEN or the token file
// written by `dispatch-hub token --save`.
func getToken() string {
	if token := os.Getenv("DISPATCH_TOKEN"); token != "" {
		return token
	}

	tokenPath := filepath.Join(filepath.Dir(config.DefaultPath()), "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}
