package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/vectorsync/internal/daemon"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/search"
	"github.com/Aman-CERP/vectorsync/internal/ui"
)

type createOptions struct {
	file         string
	table        string
	keyColumns   []string
	vectorColumn string
	metadata     []string
	dimension    int
	metric       string
	connectivity int
	efConstruct  int
	efSearch     int
	wait         bool
	waitTimeout  time.Duration
	jsonOutput   bool
}

func newCreateCmd(flags *globalFlags) *cobra.Command {
	opts := &createOptions{}

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an index over a table",
		Long: `Create an index on the running server.

The definition comes from flags or from a YAML/JSON file (--file). The
server starts a backfill of the table and one stream consumer per
partition; the index answers queries with status "partial" until the
backfill completes. Creating an index again with the same definition is a
no-op; a different definition is rejected.`,
		Example: `  vectorsync create articles --table articles --key id \
      --vector embedding --dimension 384 --metadata lang,author

  vectorsync create --file articles.yaml --wait`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			def, err := opts.definition(name)
			if err != nil {
				return err
			}
			client, err := flags.client()
			if err != nil {
				return err
			}
			return runCreate(cmd, flags, client, def, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "Read the definition from a YAML or JSON file")
	f.StringVar(&opts.table, "table", "", "Source table")
	f.StringSliceVar(&opts.keyColumns, "key", nil, "Primary key columns, in order")
	f.StringVar(&opts.vectorColumn, "vector", "", "Vector column")
	f.StringSliceVar(&opts.metadata, "metadata", nil, "Metadata columns kept for filtering")
	f.IntVar(&opts.dimension, "dimension", 0, "Vector dimension")
	f.StringVar(&opts.metric, "metric", "", "Distance metric: cosine, euclidean or dot (default cosine)")
	f.IntVar(&opts.connectivity, "connectivity", 0, "Graph connectivity M (default 16)")
	f.IntVar(&opts.efConstruct, "ef-construction", 0, "Build-time candidate list size (default 128)")
	f.IntVar(&opts.efSearch, "ef-search", 0, "Query-time candidate list size (default 64)")
	f.BoolVar(&opts.wait, "wait", false, "Wait until the backfill completes")
	f.DurationVar(&opts.waitTimeout, "wait-timeout", 0, "Give up waiting after this long (0 waits forever)")
	f.BoolVar(&opts.jsonOutput, "json", false, "Output the index status as JSON")

	return cmd
}

// definition builds the index definition. Flags override file values.
func (o *createOptions) definition(name string) (model.IndexDefinition, error) {
	var def model.IndexDefinition
	if o.file != "" {
		data, err := os.ReadFile(o.file)
		if err != nil {
			return def, fmt.Errorf("failed to read definition: %w", err)
		}
		if err := yaml.Unmarshal(data, &def); err != nil {
			return def, fmt.Errorf("failed to parse definition %s: %w", o.file, err)
		}
	}
	if name != "" {
		def.Name = name
	}
	if o.table != "" {
		def.Table = o.table
	}
	if len(o.keyColumns) > 0 {
		def.KeyColumns = o.keyColumns
	}
	if o.vectorColumn != "" {
		def.VectorColumn = o.vectorColumn
	}
	if len(o.metadata) > 0 {
		def.MetadataColumns = o.metadata
	}
	if o.dimension > 0 {
		def.Dimension = o.dimension
	}
	if o.metric != "" {
		def.Metric = model.Metric(strings.ToLower(o.metric))
	}
	if o.connectivity > 0 {
		def.Params.Connectivity = o.connectivity
	}
	if o.efConstruct > 0 {
		def.Params.ExpansionAdd = o.efConstruct
	}
	if o.efSearch > 0 {
		def.Params.ExpansionSearch = o.efSearch
	}
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return def, err
	}
	return def, nil
}

func runCreate(cmd *cobra.Command, flags *globalFlags, client *daemon.Client, def model.IndexDefinition, opts *createOptions) error {
	ctx := cmd.Context()
	st, err := client.Create(ctx, def)
	if err != nil {
		return describe(err)
	}
	if opts.wait && st.Status == search.StatusPartial {
		errOut := cmd.ErrOrStderr()
		progress := ui.NewProgressRenderer(ui.ProgressConfig{
			Output:  errOut,
			Index:   def.Name,
			NoColor: flags.noColorFor(errOut),
		})
		waitCtx := ctx
		if opts.waitTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, opts.waitTimeout)
			defer cancel()
		}
		if err := progress.Start(waitCtx); err != nil {
			return err
		}
		res, err := waitForBackfill(waitCtx, client, def.Name, 100*time.Millisecond, func(r *daemon.StatusResult) {
			if b := r.Indexes[0].Backfill; b != nil {
				progress.Update(*b)
			}
		})
		_ = progress.Stop()
		if err != nil {
			return err
		}
		st = &res.Indexes[0]
	}

	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), flags.noColorFor(cmd.OutOrStdout()))
	if opts.jsonOutput {
		return renderer.RenderJSON(st)
	}
	return renderer.Render(*st)
}

// waitForBackfill polls the index until it leaves the partial state.
func waitForBackfill(ctx context.Context, client *daemon.Client, name string, every time.Duration, tick func(*daemon.StatusResult)) (*daemon.StatusResult, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		res, err := client.Status(ctx, name)
		if err != nil {
			return nil, describe(err)
		}
		if len(res.Indexes) == 0 {
			return nil, fmt.Errorf("index %s disappeared while waiting", name)
		}
		tick(res)
		if res.Indexes[0].Status != search.StatusPartial {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for the backfill of %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}
