// Command migrate applies or rolls back the tick store schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/tickcapture/internal/infra/config"
	"github.com/coachpo/tickcapture/internal/infra/sink/postgres/migrations"
)

const defaultTimeout = 30 * time.Second

type options struct {
	dsn        string
	dir        string
	configPath string
	timeout    time.Duration
	quiet      bool
	args       []string
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err == nil {
		err = run(opts)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseArgs(argv []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&opts.dsn, "database", "", "PostgreSQL DSN (defaults to database.dsn from -config)")
	fs.StringVar(&opts.dir, "path", "", "Directory containing SQL migrations (defaults to the embedded set)")
	fs.StringVar(&opts.configPath, "config", "config/app.yaml", "Application configuration used when -database is empty")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "Maximum time to wait for database connectivity")
	fs.BoolVar(&opts.quiet, "quiet", false, "Suppress informational logs")
	if err := fs.Parse(argv); err != nil {
		return options{}, err
	}
	opts.args = fs.Args()
	if len(opts.args) == 0 {
		return options{}, errors.New("command required (up|down)")
	}
	return opts, nil
}

func resolveDSN(ctx context.Context, opts options) (string, error) {
	if dsn := strings.TrimSpace(opts.dsn); dsn != "" {
		return dsn, nil
	}
	cfg, err := config.LoadOrDefault(ctx, opts.configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.Database.DSN, nil
}

func downSteps(args []string) (int, error) {
	if len(args) < 2 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, fmt.Errorf("invalid down steps %q: %w", args[1], err)
	}
	return n, nil
}

func run(opts options) error {
	var logger *log.Logger
	if !opts.quiet {
		logger = log.New(os.Stdout, "tickcapture-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	dsn, err := resolveDSN(ctx, opts)
	if err != nil {
		return err
	}

	switch opts.args[0] {
	case "up":
		return migrations.Apply(ctx, dsn, opts.dir, logger)
	case "down":
		steps, err := downSteps(opts.args)
		if err != nil {
			return err
		}
		return migrations.Rollback(ctx, dsn, opts.dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", opts.args[0])
	}
}
