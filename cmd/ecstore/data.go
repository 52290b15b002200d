package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ecstore/internal/codec"
	"ecstore/internal/marshal"
	"ecstore/internal/service"

	"github.com/spf13/cobra"
)

var insertCmd = &cobra.Command{
	Use:   "insert <class> [record|-]",
	Short: "Insert an instance from a JSON record",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := readRecordArg(cmd, args, 1)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			id, err := e.Insert(ctx, args[0], rec)
			if err != nil {
				return err
			}
			green.Printf("Inserted %s %s\n", args[0], id)
			return nil
		})
	},
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize <class> [record|-]",
	Short: "Print a record in canonical form without storing it",
	Long: `Validates the record against the class, resolves navigation targets
and evaluates calculated properties.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := readRecordArg(cmd, args, 1)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			canon, err := e.Normalize(ctx, args[0], rec)
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), canon)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <class> <id>",
	Short: "Print an instance as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := marshal.ParseInstanceID(args[1])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			rec, err := e.Get(ctx, args[0], id)
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), rec)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <class> <id>",
	Short: "Delete an instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := marshal.ParseInstanceID(args[1])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			if err := e.Delete(ctx, args[0], id); err != nil {
				return err
			}
			green.Printf("Deleted %s %s\n", args[0], id)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list <class>",
	Short: "List the instances of a class or relationship",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			m := e.Map()
			if m == nil {
				return service.ErrNoSchema
			}
			if cm, ok := m.ClassByName(args[0]); ok {
				if _, isRel := m.Relationship(cm.ClassID); isRel {
					recs, err := e.ListRelationships(ctx, args[0])
					if err != nil {
						return err
					}
					return printRecords(cmd.OutOrStdout(), recs)
				}
			}

			refs, err := e.List(ctx, args[0])
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Printf("%s\t%s\n", ref.ID, m.ClassName(ref.ClassID))
			}
			cyan.Printf("%d instances\n", len(refs))
			return nil
		})
	},
}

var relateCmd = &cobra.Command{
	Use:   "relate <relationship> [record|-]",
	Short: "Relate two instances",
	Long: `The record carries sourceId and targetId, optionally sourceClassName and
targetClassName, and the relationship's own properties.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := readRecordArg(cmd, args, 1)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			id, err := e.Relate(ctx, args[0], rec)
			if err != nil {
				return err
			}
			if id != 0 {
				green.Printf("Related %s %s\n", args[0], id)
			} else {
				green.Printf("Related %s\n", args[0])
			}
			return nil
		})
	},
}

var unrelateCmd = &cobra.Command{
	Use:   "unrelate <relationship> [record|-]",
	Short: "Remove the relationship between two instances",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := readRecordArg(cmd, args, 1)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			if err := e.Unrelate(ctx, args[0], rec); err != nil {
				return err
			}
			green.Printf("Unrelated %s\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// Import / Export
// ============================================================================

var (
	exportFormat string
	exportOut    string
	importFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export [class...]",
	Short: "Export instances as JSON or YAML batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, exporter, ok := codec.ForFormat(exportFormat, cfg.Marshal.HexIDs)
		if !ok {
			return fmt.Errorf("unsupported format %q", exportFormat)
		}
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			batches, err := e.Export(ctx, args)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if exportOut != "" {
				f, err := os.Create(exportOut)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", exportOut, err)
				}
				defer f.Close()
				w = f
			}
			if err := exporter.Export(batches, w); err != nil {
				return err
			}
			if exportOut != "" {
				green.Printf("Exported %d batches to %s\n", len(batches), exportOut)
			}
			return nil
		})
	},
}

var importDataCmd = &cobra.Command{
	Use:   "import-data <file>",
	Short: "Import instance batches from a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format := importFormat
		if format == "" {
			format = filepath.Ext(args[0])
		}
		importer, _, ok := codec.ForFormat(format, cfg.Marshal.HexIDs)
		if !ok {
			return fmt.Errorf("unsupported format %q", format)
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		batches, err := importer.Parse(f)
		if err != nil {
			return err
		}

		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			res, err := e.ImportBatches(ctx, batches)
			if err != nil {
				return err
			}
			green.Printf("Imported %d instances and %d relationships\n", res.Instances, res.Relationships)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <target-db> [class...]",
	Short: "Copy instances to another store with the same schema",
	Long: `Copies instances and link table relationships to the target store.
Both stores must carry an identical map; instances the target already holds
are left untouched.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, src *service.Engine) error {
			dst, err := openEngine(ctx, args[0])
			if err != nil {
				return err
			}
			defer dst.Close()

			res, err := src.SyncTo(ctx, dst, args[1:])
			if err != nil {
				return err
			}
			green.Printf("Synchronized %d instances and %d relationships\n", res.Instances, res.Relationships)
			if res.Skipped > 0 {
				yellow.Printf("%d already present\n", res.Skipped)
			}
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "output format (json, yaml)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "write to file instead of stdout")
	importDataCmd.Flags().StringVarP(&importFormat, "format", "f", "", "input format (default: from file extension)")
}
