package cmd

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vectorsync/internal/daemon"
	"github.com/Aman-CERP/vectorsync/internal/ui"
)

type searchOptions struct {
	vector     string
	k          int
	filters    []string
	maxLag     int64
	timeout    time.Duration
	jsonOutput bool
}

func newSearchCmd(flags *globalFlags) *cobra.Command {
	opts := &searchOptions{}

	cmd := &cobra.Command{
		Use:   "search INDEX",
		Short: "Find the nearest neighbors of a vector",
		Long: `Search an index for the k entries nearest to --vector.

Results are ranked by the index metric. --filter keeps only entries whose
metadata matches every key=value pair.

With --max-lag the search waits until every partition is within that many
positions of its head. If --timeout passes first, the stale results are
still printed and the command exits non-zero.`,
		Example: `  vectorsync search articles --vector "0.1,0.2,0.3"
  vectorsync search articles --vector "0.1,0.2,0.3" -k 5 --filter lang=en
  vectorsync search articles --vector "0.1,0.2,0.3" --max-lag 0 --timeout 2s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := opts.params(args[0])
			if err != nil {
				return err
			}
			client, err := flags.client()
			if err != nil {
				return err
			}

			resp, searchErr := client.Search(cmd.Context(), params)
			if resp == nil {
				return describe(searchErr)
			}

			r := ui.NewStatusRenderer(cmd.OutOrStdout(), flags.noColorFor(cmd.OutOrStdout()))
			if opts.jsonOutput {
				err = r.RenderJSON(resp)
			} else {
				err = r.RenderResults(*resp)
			}
			if err != nil {
				return err
			}
			if searchErr != nil {
				var rpcErr *daemon.Error
				if stderrors.As(searchErr, &rpcErr) && rpcErr.Code == daemon.ErrCodeQueryTimeout {
					return fmt.Errorf("consistency not reached within %s, results above may be stale", opts.timeout)
				}
				return describe(searchErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.vector, "vector", "", "Query vector as comma-separated floats (required)")
	cmd.Flags().IntVarP(&opts.k, "limit", "k", 10, "Maximum number of results")
	cmd.Flags().StringArrayVar(&opts.filters, "filter", nil, "Metadata filter key=value (repeatable)")
	cmd.Flags().Int64Var(&opts.maxLag, "max-lag", -1, "Wait until every partition is within this many positions of its head")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "How long to wait for --max-lag")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("vector")

	return cmd
}

// params builds the request for index from the flags.
func (o *searchOptions) params(index string) (daemon.SearchParams, error) {
	vec, err := parseVector(o.vector)
	if err != nil {
		return daemon.SearchParams{}, err
	}
	filter, err := parseFilter(o.filters)
	if err != nil {
		return daemon.SearchParams{}, err
	}
	if o.k <= 0 {
		return daemon.SearchParams{}, fmt.Errorf("-k must be positive, got %d", o.k)
	}

	params := daemon.SearchParams{Index: index, Vector: vec, K: o.k, Filter: filter}
	if o.maxLag >= 0 {
		lag := uint64(o.maxLag)
		params.MaxLag = &lag
		params.TimeoutMS = int(o.timeout / time.Millisecond)
	}
	return params, nil
}

// parseVector parses "0.1, 0.2,0.3" or "[0.1,0.2,0.3]".
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("vector is empty")
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %d %q: %w", i, strings.TrimSpace(p), err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

// parseFilter parses key=value pairs. A repeated key keeps the last value.
func parseFilter(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filter := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q, expected key=value", p)
		}
		filter[k] = v
	}
	return filter, nil
}
