package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/sift/internal"
	pkgconfig "github.com/starford/sift/pkg/config"
)

// versionDeps are the decoding and storage modules reported by --version.
var versionDeps = []string{
	"github.com/xuri/excelize/v2",
	"github.com/klauspost/compress",
	"go.mongodb.org/mongo-driver",
	"github.com/mattn/go-sqlite3",
	"gopkg.in/ini.v1",
}

func printVersion(w io.Writer) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Fprintln(w, "sift: unknown")
		return
	}
	fmt.Fprintf(w, "sift: %s (%s)\n", info.Main.Version, info.GoVersion)
	for _, dep := range info.Deps {
		for _, name := range versionDeps {
			if dep.Path == name {
				fmt.Fprintf(w, "%s: %s\n", strings.TrimPrefix(dep.Path, "github.com/"), dep.Version)
			}
		}
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("version") {
		printVersion(os.Stdout)
		return nil
	}

	target := cmd.Args().First()
	if target == "" {
		fmt.Fprintln(os.Stdout, "path not specified")
		fmt.Fprintf(os.Stdout, "usage: %s [options] %s\n", cmd.Name, cmd.ArgsUsage)
		return nil
	}

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("settings"), cmd.IsSet("settings"), cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if v := cmd.String("driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := cmd.String("dburi"); v != "" {
		cfg.Store.URI = v
	}
	if v := cmd.String("dbname"); v != "" {
		cfg.Store.Database = v
	}
	if v := cmd.String("cname"); v != "" {
		cfg.Store.Collection = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithTarget(target),
		internal.WithOptionsFile(cmd.String("config")),
		internal.WithWatch(cmd.Bool("watch")),
		internal.WithMCP(cmd.Bool("mcp")),
		internal.WithVerbose(cmd.Bool("verbose")),
		internal.WithDebug(cmd.Bool("debug")),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:      "sift",
		Usage:     "Ingest spreadsheet records into a versioned store, reconciling on every re-scan",
		ArgsUsage: "<path>",
		Action:    run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dburi",
				Usage: "Store connection string (MongoDB URI or SQLite file)",
			},
			&cli.StringFlag{
				Name:  "dbname",
				Usage: "Database name",
			},
			&cli.StringFlag{
				Name:  "cname",
				Usage: "Default record collection",
			},
			&cli.StringFlag{
				Name:  "driver",
				Usage: "Store driver: mongo or sqlite",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Task options file (defaults to parser.cfg next to the target)",
			},
			&cli.StringFlag{
				Name:        "settings",
				Usage:       "Path to application settings file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Keep processing files created or written under the target directory",
			},
			&cli.BoolFlag{
				Name:  "mcp",
				Usage: "Serve ingestion and status tools over MCP on stdio for the target directory",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log at info level",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Log at debug level",
			},
			&cli.BoolFlag{
				Name:  "version",
				Usage: "Print module versions and exit",
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
