package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"ecstore/internal/config"
	"ecstore/internal/mapping"
	"ecstore/internal/marshal"
	"ecstore/internal/repository/sqlite"
	"ecstore/internal/service"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDB     string
	flagQuiet  bool

	cfg *config.Config
)

var (
	green  = color.New(color.FgGreen, color.Bold)
	yellow = color.New(color.FgYellow, color.Bold)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

var rootCmd = &cobra.Command{
	Use:   "ecstore",
	Short: "Object-relational store for class-modelled data on SQLite",
	Long: `ecstore maps class schemas onto SQLite tables and stores instances
of those classes as records.

Examples:

  ecstore import schema.yaml
  ecstore insert ts.Widget '{"Name": "w", "Width": 2}'
  ecstore get ts.Widget 0x1
  ecstore export --format yaml > data.yaml
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var (
			loaded *config.Config
			path   string
			err    error
		)
		if flagConfig != "" {
			loaded, path, err = config.LoadFromPath(flagConfig)
			if err == nil {
				err = loaded.ApplyEnv()
			}
		} else {
			loaded, path, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if flagDB != "" {
			loaded.Database.Path = flagDB
		}
		cfg = loaded

		log.SetPrefix(cfg.Log.Prefix)
		if flagQuiet {
			log.SetOutput(io.Discard)
		}
		if path != "" {
			log.Printf("Config loaded: %s", path)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: search ECSTORE_CONFIG, ./ecstore.yaml, ~/.config/ecstore)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress log output")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(importCmd, ddlCmd, mapCmd, schemaCmd, checkCmd)
	rootCmd.AddCommand(insertCmd, normalizeCmd, getCmd, deleteCmd, listCmd, relateCmd, unrelateCmd)
	rootCmd.AddCommand(exportCmd, importDataCmd, syncCmd)
}

// ============================================================================
// Engine Helpers
// ============================================================================

func mappingOptions() mapping.Options {
	var opts mapping.Options
	if n := cfg.Mapping.DefaultMaxSharedColumns; n > 0 {
		opts.DefaultMaxSharedColumns = &n
	}
	return opts
}

// openEngine opens the store at path and validates its map
func openEngine(ctx context.Context, path string) (*service.Engine, error) {
	repo, err := sqlite.Open(path, sqlite.Options{BusyTimeoutMS: cfg.Database.BusyTimeoutMS})
	if err != nil {
		return nil, err
	}
	log.Printf("Database opened: %s", path)

	e, err := service.Open(ctx, repo, service.Options{
		Logger:  log.Default(),
		Mapping: mappingOptions(),
	})
	if err != nil {
		repo.Close()
		return nil, err
	}
	if readOnly, reason := e.ReadOnly(); readOnly {
		yellow.Fprintf(os.Stderr, "Warning: store is read-only: %v\n", reason)
	}
	return e, nil
}

// withEngine runs fn against the configured store
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *service.Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEngine(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

// ============================================================================
// Output Helpers
// ============================================================================

func printRecord(w io.Writer, rec marshal.Record) error {
	data, err := json.MarshalIndent(marshal.Plain(rec, cfg.Marshal.HexIDs), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printRecords(w io.Writer, recs []marshal.Record) error {
	plain := make([]map[string]any, len(recs))
	for i, rec := range recs {
		plain[i] = marshal.Plain(rec, cfg.Marshal.HexIDs)
	}
	data, err := json.MarshalIndent(plain, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// readRecordArg parses a JSON record from args[i], or stdin when the
// argument is absent or "-"
func readRecordArg(cmd *cobra.Command, args []string, i int) (marshal.Record, error) {
	var data []byte
	if len(args) > i && args[i] != "-" {
		data = []byte(args[i])
	} else {
		var err error
		if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("empty record")
	}
	return marshal.ParseJSON(data)
}
