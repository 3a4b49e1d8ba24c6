// Command veclake manages vector indexes over a directory-backed table
// store and runs searches against them.
//
// The workspace directory holds the catalog database and the built index
// artifacts; the data directory holds the tables in the DirTable layout
// (<table>/schema.json plus <col=value>/rows.jsonl per partition).
//
//	veclake --workspace ws --data tables index create events_idx \
//	    --table events --id-column id --vector-column embedding \
//	    --type ivfflat --metric cosine --option nlist=64 --update
//	veclake --workspace ws --data tables search \
//	    --table events --id-column id --vector-column embedding \
//	    --metric cosine -k 10 --vector 0.1,0.2,...
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/veclake/veclake"
	"github.com/veclake/veclake/blobstore"
	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/source"
)

var (
	workspace string
	dataDir   string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "veclake",
	Short: "Partitioned vector index manager and top-k search tool",
	Long: `veclake builds per-partition ANN index artifacts for tables stored in a
directory layout and answers top-k vector searches, probing indexes where
they are fresh and falling back to exact scans where they are not.`,
	SilenceUsage: true,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage vector indexes",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Define a vector index, optionally building it immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		table, _ := cmd.Flags().GetString("table")
		idColumn, _ := cmd.Flags().GetString("id-column")
		vectorColumn, _ := cmd.Flags().GetString("vector-column")
		indexType, _ := cmd.Flags().GetString("type")
		metricName, _ := cmd.Flags().GetString("metric")
		optionPairs, _ := cmd.Flags().GetStringSlice("option")
		partitionCols, _ := cmd.Flags().GetStringSlice("partition-column")
		update, _ := cmd.Flags().GetBool("update")

		metric, err := distance.Parse(metricName)
		if err != nil {
			return err
		}
		options, err := parseOptions(optionPairs)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()

		def, err := mgr.CreateIndex(ctx, veclake.CreateIndex{
			Name:             name,
			Table:            table,
			IDColumn:         idColumn,
			VectorColumn:     vectorColumn,
			Metric:           metric,
			IndexType:        indexType,
			Options:          options,
			PartitionColumns: partitionCols,
			Update:           update,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Index %q created on %s(%s), type %s, metric %s\n",
			def.Name, def.Table, def.VectorColumn, def.IndexType, def.Metric)
		return nil
	},
}

var indexUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Rebuild index partitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		table, _ := cmd.Flags().GetString("table")
		partition, _ := cmd.Flags().GetString("partition")

		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()

		filter, err := parsePartitionFilter(partition)
		if err != nil {
			return err
		}
		if err := mgr.UpdateIndex(ctx, table, name, filter); err != nil {
			return err
		}

		fmt.Printf("Index %q updated\n", name)
		return nil
	},
}

var indexStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show per-partition index state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		table, _ := cmd.Flags().GetString("table")
		refresh, _ := cmd.Flags().GetBool("refresh")

		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()

		var statuses []veclake.IndexStatus
		if refresh {
			statuses, err = mgr.RefreshStaleness(ctx, table, name)
		} else {
			statuses, err = mgr.IndexStatus(ctx, table, name)
		}
		if err != nil {
			return err
		}

		fmt.Printf("%-30s %-10s %-12s %-12s %s\n",
			"PARTITION", "STATE", "INDEXED", "CURRENT", "ARTIFACT")
		for _, s := range statuses {
			key := string(s.Key)
			if key == "" {
				key = "(unpartitioned)"
			}
			fmt.Printf("%-30s %-10s %-12d %-12d %s\n",
				key, s.State, uint64(s.IndexedVersion), uint64(s.CurrentVersion), s.ArtifactPath)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a top-k vector search",
	RunE: func(cmd *cobra.Command, args []string) error {
		table, _ := cmd.Flags().GetString("table")
		idColumn, _ := cmd.Flags().GetString("id-column")
		vectorColumn, _ := cmd.Flags().GetString("vector-column")
		metricName, _ := cmd.Flags().GetString("metric")
		k, _ := cmd.Flags().GetInt("k")
		vectorStr, _ := cmd.Flags().GetString("vector")
		partition, _ := cmd.Flags().GetString("partition")
		exactOnly, _ := cmd.Flags().GetBool("exact")
		noStale, _ := cmd.Flags().GetBool("no-stale")
		hintIndex, _ := cmd.Flags().GetString("hint-index")
		hintOptionPairs, _ := cmd.Flags().GetStringSlice("hint-option")

		metric, err := distance.Parse(metricName)
		if err != nil {
			return err
		}
		query, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		filter, err := parsePartitionFilter(partition)
		if err != nil {
			return err
		}

		policy := veclake.SessionPolicy{
			ForceExact: exactOnly,
			AllowStale: !noStale,
		}
		if hintIndex != "" {
			hintOptions, err := parseOptions(hintOptionPairs)
			if err != nil {
				return err
			}
			policy.Hint = &veclake.IndexHint{Index: hintIndex, RuntimeOptions: hintOptions}
		}

		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()

		res, err := mgr.Search(ctx, veclake.SearchRequest{
			Table:        table,
			IDColumn:     idColumn,
			VectorColumn: vectorColumn,
			Queries:      [][]float32{query},
			Metric:       metric,
			K:            k,
			Predicate:    filter,
		}, policy)
		if err != nil {
			return err
		}

		for _, w := range res.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		for rank, c := range res.Groups[0] {
			fmt.Printf("%3d. id=%d score=%g\n", rank+1, c.ID, c.Score)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Revert expired build leases to a retryable state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()

		n, err := mgr.SweepExpiredLeases(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Reverted %d expired build leases\n", n)
		return nil
	},
}

func openManager(ctx context.Context) (*veclake.Manager, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	store, err := blobstore.NewLocalStore(filepath.Join(workspace, "artifacts"))
	if err != nil {
		return nil, err
	}

	tables := source.NewDirTable(dataDir)
	opts := []veclake.Option{
		veclake.WithCatalogPath(filepath.Join(workspace, "catalog.db")),
		veclake.WithBlobStore(store),
	}
	if verbose {
		opts = append(opts, veclake.WithLogLevel(slog.LevelDebug))
	}
	return veclake.Open(ctx, tables, tables, opts...)
}

// parseOptions parses repeated key=value flags into a map.
func parseOptions(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid option %q, want key=value", p)
		}
		out[key] = value
	}
	return out, nil
}

// parseVector parses a comma-separated float list.
func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, fmt.Errorf("vector is required")
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", part, err)
		}
		out = append(out, float32(v))
	}
	return out, nil
}

// parsePartitionFilter parses "col=value" or "col=lo..hi" into a filter.
// Empty means all partitions.
func parsePartitionFilter(s string) (source.PartitionFilter, error) {
	if s == "" {
		return nil, nil
	}
	column, value, ok := strings.Cut(s, "=")
	if !ok {
		return nil, fmt.Errorf("invalid partition filter %q, want col=value or col=lo..hi", s)
	}
	if lo, hi, isRange := strings.Cut(value, ".."); isRange {
		return source.ColumnBetween(column, lo, hi), nil
	}
	return source.ColumnEquals(column, value), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "veclake-ws", "workspace directory (catalog + artifacts)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "tables", "table data directory (DirTable layout)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	indexCreateCmd.Flags().String("table", "", "base table name")
	indexCreateCmd.Flags().String("id-column", "id", "candidate ID column")
	indexCreateCmd.Flags().String("vector-column", "", "embedding column to index")
	indexCreateCmd.Flags().String("type", "ivfflat", "index type (flat, ivfflat)")
	indexCreateCmd.Flags().String("metric", "l2", "distance metric (l2, cosine, inner_product)")
	indexCreateCmd.Flags().StringSlice("option", nil, "index option key=value (repeatable)")
	indexCreateCmd.Flags().StringSlice("partition-column", nil, "index partition columns (empty: one index over the whole table)")
	indexCreateCmd.Flags().Bool("update", false, "build all partitions immediately")
	_ = indexCreateCmd.MarkFlagRequired("table")
	_ = indexCreateCmd.MarkFlagRequired("vector-column")

	indexUpdateCmd.Flags().String("table", "", "base table name")
	indexUpdateCmd.Flags().String("partition", "", "partition filter col=value or col=lo..hi")
	_ = indexUpdateCmd.MarkFlagRequired("table")

	indexStatusCmd.Flags().String("table", "", "base table name")
	indexStatusCmd.Flags().Bool("refresh", false, "persist staleness transitions")
	_ = indexStatusCmd.MarkFlagRequired("table")

	searchCmd.Flags().String("table", "", "base table name")
	searchCmd.Flags().String("id-column", "id", "candidate ID column")
	searchCmd.Flags().String("vector-column", "", "embedding column")
	searchCmd.Flags().String("metric", "l2", "distance metric")
	searchCmd.Flags().IntP("k", "k", 10, "number of neighbors")
	searchCmd.Flags().String("vector", "", "query vector, comma-separated floats")
	searchCmd.Flags().String("partition", "", "partition filter col=value or col=lo..hi")
	searchCmd.Flags().Bool("exact", false, "force exact scans for every partition")
	searchCmd.Flags().Bool("no-stale", false, "refuse stale artifacts (scan instead)")
	searchCmd.Flags().String("hint-index", "", "index to use")
	searchCmd.Flags().StringSlice("hint-option", nil, "runtime option key=value (e.g. nprobe=8)")
	_ = searchCmd.MarkFlagRequired("table")
	_ = searchCmd.MarkFlagRequired("vector-column")
	_ = searchCmd.MarkFlagRequired("vector")

	indexCmd.AddCommand(indexCreateCmd, indexUpdateCmd, indexStatusCmd)
	rootCmd.AddCommand(indexCmd, searchCmd, sweepCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
