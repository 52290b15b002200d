package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ecstore/internal/config"
	"ecstore/internal/loader"
	"ecstore/internal/mapping"
	"ecstore/internal/service"
	"ecstore/internal/watcher"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(cfg.Summary())
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultConfigPath()
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		green.Printf("Config written: %s\n", path)
		return nil
	},
}

var importWatch bool

var importCmd = &cobra.Command{
	Use:   "import <schema.yaml>...",
	Short: "Import class schemas into the store",
	Long: `Resolves the schemas against the map already in the store and applies
the resulting tables, columns and indexes in one transaction. Importing an
unchanged schema does nothing; incompatible changes are rejected.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			if err := importSchema(ctx, e, args); err != nil {
				return err
			}
			if !importWatch {
				return nil
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			w := watcher.New(args, func(changed []string) {
				// a failed re-import keeps the previous map; report and keep watching
				if err := importSchema(ctx, e, args); err != nil {
					red.Fprintln(os.Stderr, "Import failed:", err)
				}
			})
			if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	},
}

func importSchema(ctx context.Context, e *service.Engine, paths []string) error {
	model, err := loader.LoadYAML(paths...)
	if err != nil {
		return err
	}
	res, err := e.ImportSchema(ctx, model)
	if err != nil {
		return err
	}
	if res.Unchanged {
		yellow.Printf("Schema unchanged (map version %d)\n", res.Version)
		return nil
	}
	green.Printf("Schema imported: map version %d, %d statements\n", res.Version, len(res.Statements))
	cyan.Printf("Fingerprint: %s\n", res.Fingerprint)
	return nil
}

var ddlFresh bool

var ddlCmd = &cobra.Command{
	Use:   "ddl <schema.yaml>...",
	Short: "Print the DDL an import would run",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, err := loader.LoadYAML(args...)
		if err != nil {
			return err
		}

		var prior *mapping.Map
		if !ddlFresh {
			err := withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
				prior = e.Map()
				return nil
			})
			if err != nil {
				return err
			}
		}

		next, err := mapping.Resolve(model, prior, mappingOptions())
		if err != nil {
			return err
		}
		stmts := mapping.DDL(next)
		if prior != nil {
			stmts = mapping.UpgradeDDL(prior, next)
		}
		for _, stmt := range stmts {
			fmt.Println(stmt + ";")
		}
		return nil
	},
}

var (
	mapDump    bool
	mapClass   string
	mapClasses bool
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Show how classes map onto tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			m := e.Map()
			if m == nil {
				return service.ErrNoSchema
			}
			if mapDump {
				spew.Config.DisableMethods = true
				spew.Dump(m)
				return nil
			}
			if mapClasses {
				rows, err := e.Store().ListClasses(ctx)
				if err != nil {
					return err
				}
				for _, c := range rows {
					abstract := ""
					if c.Abstract {
						abstract = "abstract"
					}
					fmt.Printf("%4d  %-32s %-12s %-18s %-8s %s\n", c.ID, c.Name, c.Type, c.Strategy, abstract, c.PrimaryTable)
				}
				return nil
			}
			for _, cm := range m.Classes {
				if mapClass != "" && !strings.EqualFold(cm.Name, strings.Replace(mapClass, ":", ".", 1)) {
					continue
				}
				printClassMap(m, cm)
			}
			return nil
		})
	},
}

func printClassMap(m *mapping.Map, cm *mapping.ClassMap) {
	green.Printf("%s", cm.Name)
	fmt.Printf(" (id %d, %s", cm.ClassID, cm.Strategy.Kind)
	if cm.Abstract {
		fmt.Print(", abstract")
	}
	fmt.Println(")")
	if len(cm.Tables) > 0 {
		cyan.Printf("   tables: %s\n", strings.Join(cm.Tables, ", "))
	}
	for _, pm := range cm.Properties {
		fmt.Printf("   - %-24s %s.%s\n", pm.Path, pm.Table, strings.Join(pm.Columns, ","))
	}
	if rm, ok := m.Relationship(cm.ClassID); ok {
		switch rm.Kind {
		case mapping.RelationshipLinkTable:
			cyan.Printf("   link table %s (%s, %s)\n", rm.Table, rm.SourceIDColumn, rm.TargetIDColumn)
		default:
			for _, p := range rm.Partitions {
				cyan.Printf("   foreign key %s.%s on the %s end\n", p.Table, p.IDColumn, rm.FKEnd)
			}
		}
	}
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the class schema the store was imported with",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			v := e.Version()
			if v == nil {
				return service.ErrNoSchema
			}
			data, err := loader.ExportYAML(v.Model)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the persisted map against its class model",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *service.Engine) error {
			versions, err := e.Store().MapVersions(ctx)
			if err != nil {
				return err
			}
			fmt.Println("Map versions:")
			for _, v := range versions {
				fmt.Printf("   - %d  %s  %s  %.12s\n", v.Version, v.ImportedAt.Format("2006-01-02 15:04:05"), v.ImportID, v.Fingerprint)
			}

			if err := e.Check(ctx); err != nil {
				red.Println("Map does not match its class model:", err)
				return err
			}
			green.Println("Map matches its class model")
			return nil
		})
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	importCmd.Flags().BoolVarP(&importWatch, "watch", "w", false, "re-import whenever a schema file changes")
	ddlCmd.Flags().BoolVar(&ddlFresh, "fresh", false, "ignore the store and print the DDL of an empty store")
	mapCmd.Flags().BoolVar(&mapDump, "dump", false, "dump the whole resolved map")
	mapCmd.Flags().StringVar(&mapClass, "class", "", "show a single class")
	mapCmd.Flags().BoolVar(&mapClasses, "classes", false, "list the stored class lookup")
}
